package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/mcdev12/tablesync/go/internal/realtime/protocol"
)

// Provenance records which source produced a stored value
type Provenance int

const (
	// ProvenanceServer values arrived on the realtime channel
	ProvenanceServer Provenance = iota + 1
	// ProvenanceOptimistic values are local predictions awaiting the server
	ProvenanceOptimistic
	// ProvenanceHTTP values came from a conditional snapshot fetch
	ProvenanceHTTP
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceServer:
		return "server"
	case ProvenanceOptimistic:
		return "optimistic"
	case ProvenanceHTTP:
		return "http"
	default:
		return fmt.Sprintf("provenance(%d)", int(p))
	}
}

// Authoritative reports whether values of this provenance come from the server
func (p Provenance) Authoritative() bool {
	switch p {
	case ProvenanceServer, ProvenanceHTTP:
		return true
	case ProvenanceOptimistic:
		return false
	default:
		return false
	}
}

// Version is a topic version that may be undefined
type Version struct {
	Value int64
	Valid bool
}

// Known returns a defined version
func Known(v int64) Version {
	return Version{Value: v, Valid: true}
}

// Unversioned is the undefined version carried by optimistic predictions
var Unversioned = Version{}

func (v Version) String() string {
	if !v.Valid {
		return "none"
	}
	return strconv.FormatInt(v.Value, 10)
}

// VersionedState is the value stored for one topic
type VersionedState[T any] struct {
	Topic      protocol.Topic
	Version    Version
	Payload    T
	Provenance Provenance
	ReceivedAt time.Time

	// Revision increases on every write to the store and identifies this
	// exact value, independent of its version
	Revision uint64
}

// Outcome is the result of a merge
type Outcome int

const (
	Accepted Outcome = iota
	// RejectedDuplicate: incoming version equals the stored one
	RejectedDuplicate
	// RejectedStale: incoming version is lower than the stored one
	RejectedStale
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case RejectedDuplicate:
		return "rejected_duplicate"
	case RejectedStale:
		return "rejected_stale"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}
