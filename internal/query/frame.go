package query

import (
	"github.com/lydiehq/lydie-sub006/internal/changefeed"
	"github.com/lydiehq/lydie-sub006/internal/store"
)

// Frame types on the subscription channel.
const (
	FrameRows  = "rows"
	FrameEvent = "event"
	FrameError = "error"
)

// Frame is one JSON message of a query subscription: the initial rows, then
// one event per row diff. An error frame ends the subscription.
type Frame struct {
	Type  string        `json:"type"`
	Query string        `json:"query,omitempty"`
	Table string        `json:"table,omitempty"`
	Rows  []store.Row   `json:"rows,omitempty"`
	Op    changefeed.Op `json:"op,omitempty"`
	Row   store.Row     `json:"row,omitempty"`
	Code  string        `json:"code,omitempty"`
	Error string        `json:"error,omitempty"`
}

// TableOf returns the table a named query reads.
func (l *Layer) TableOf(name string) (string, bool) {
	def, ok := l.defs[name]
	return def.Table, ok
}
