// Package telemetry implements the observability collaborators the realtime
// engine reports transport and sync errors to.
package telemetry

import (
	"errors"

	"github.com/mcdev12/tablesync/go/internal/realtime/optimistic"
	"github.com/mcdev12/tablesync/go/internal/realtime/resync"
	"github.com/mcdev12/tablesync/go/internal/realtime/supervisor"
	"github.com/rs/zerolog/log"
)

// Reporter matches the reporter interfaces of supervisor and resync
type Reporter interface {
	ReportError(err error, fields map[string]any)
}

// Error categories
const (
	KindTerminal    = "terminal"
	KindToken       = "token"
	KindTransport   = "transport"
	KindApplication = "application"
	KindFetch       = "fetch"
	KindMutation    = "mutation"
	KindUnknown     = "unknown"
)

// Classify maps an engine error onto its category
func Classify(err error) string {
	var (
		tokenErr     *supervisor.TokenFetchError
		transportErr *supervisor.TransportError
		appErr       *resync.ApplicationError
		fetchErr     *resync.FetchError
		mutationErr  *optimistic.MutationError
	)
	switch {
	case errors.Is(err, supervisor.ErrAuthRequired),
		errors.Is(err, supervisor.ErrRetriesExhausted),
		errors.Is(err, supervisor.ErrProtocolMismatch):
		return KindTerminal
	case errors.As(err, &tokenErr):
		return KindToken
	case errors.As(err, &transportErr):
		return KindTransport
	case errors.As(err, &fetchErr):
		return KindFetch
	case errors.As(err, &appErr):
		return KindApplication
	case errors.As(err, &mutationErr):
		return KindMutation
	default:
		return KindUnknown
	}
}

// LogReporter writes reports to the global zerolog logger
type LogReporter struct{}

func (LogReporter) ReportError(err error, fields map[string]any) {
	kind := Classify(err)
	event := log.Warn()
	if kind == KindTerminal {
		event = log.Error()
	}
	event.
		Err(err).
		Str("kind", kind).
		Fields(fields).
		Msg("realtime error reported")
}

// Fanout forwards every report to each reporter
type Fanout []Reporter

func (f Fanout) ReportError(err error, fields map[string]any) {
	for _, r := range f {
		r.ReportError(err, fields)
	}
}
