package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig configures the NATS error reporter
type NATSConfig struct {
	URL string
	// SubjectPrefix is suffixed with the client id, e.g. "tablesync.sync_errors.3fa2c1d0"
	SubjectPrefix string
	ClientID      string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns the default reporter configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "tablesync.sync_errors",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// SyncErrorEvent is the message published for every report
type SyncErrorEvent struct {
	ClientID   string         `json:"client_id"`
	Kind       string         `json:"kind"`
	Error      string         `json:"error"`
	Fields     map[string]any `json:"fields,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSReporter publishes reports to NATS. Publishing is buffered by the
// client library and never blocks the event loop on the network.
type NATSReporter struct {
	nc       *nats.Conn
	pub      publisher
	subject  string
	clientID string
	clock    clockwork.Clock
}

// NewNATSReporter connects to NATS
func NewNATSReporter(cfg NATSConfig, clock clockwork.Clock) (*NATSReporter, error) {
	opts := []nats.Option{
		nats.Name("tablesync-" + cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	r := newNATSReporter(nc, cfg.SubjectPrefix, cfg.ClientID, clock)
	r.nc = nc
	return r, nil
}

func newNATSReporter(pub publisher, prefix, clientID string, clock clockwork.Clock) *NATSReporter {
	return &NATSReporter{
		pub:      pub,
		subject:  prefix + "." + clientID,
		clientID: clientID,
		clock:    clock,
	}
}

// Subject returns the subject reports are published on
func (r *NATSReporter) Subject() string {
	return r.subject
}

func (r *NATSReporter) ReportError(err error, fields map[string]any) {
	event := SyncErrorEvent{
		ClientID:   r.clientID,
		Kind:       Classify(err),
		Error:      err.Error(),
		Fields:     fields,
		OccurredAt: r.clock.Now().UTC(),
	}
	data, merr := json.Marshal(event)
	if merr != nil {
		log.Error().Err(merr).Msg("failed to marshal sync error event")
		return
	}
	if perr := r.pub.Publish(r.subject, data); perr != nil {
		log.Warn().Err(perr).Str("subject", r.subject).Msg("failed to publish sync error event")
	}
}

// Close drains pending publishes and closes the connection
func (r *NATSReporter) Close() error {
	if r.nc == nil {
		return nil
	}
	if err := r.nc.Drain(); err != nil {
		r.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
