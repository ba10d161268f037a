// Package gateway serves the realtime sync channel: it authenticates
// websocket connections, authorizes them against the document's tenant and
// attaches them to a per-document room that merges and relays CRDT deltas.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/lydiehq/lydie-sub006/internal/authz"
)

// Close codes sent to sync clients.
const (
	CloseMissingToken = 4001
	CloseInvalidToken = 4002
	CloseAccessDenied = 4003
	CloseInternalAuth = 4004
)

var errRoomClosed = errors.New("room closed")

// Resolver turns session tokens into authorization contexts.
type Resolver interface {
	Resolve(ctx context.Context, token string) (authz.Context, error)
}

type Options struct {
	// SnapshotInterval is the save cadence of a dirty room.
	SnapshotInterval time.Duration
	// SaveRetryCeiling is the number of consecutive failed saves after which
	// a room refuses new connections.
	SaveRetryCeiling int
	// AuthRefreshInterval is how often each connection re-resolves its token.
	AuthRefreshInterval time.Duration
	// FrameRate and FrameBurst limit inbound frames per connection.
	FrameRate  float64
	FrameBurst int
	// MaxFrameBytes bounds a single inbound frame.
	MaxFrameBytes int64
}

func (o Options) withDefaults() Options {
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = 10 * time.Second
	}
	if o.SaveRetryCeiling <= 0 {
		o.SaveRetryCeiling = 5
	}
	if o.AuthRefreshInterval <= 0 {
		o.AuthRefreshInterval = 30 * time.Second
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 200
	}
	if o.FrameBurst <= 0 {
		o.FrameBurst = 400
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 4 << 20
	}
	return o
}
