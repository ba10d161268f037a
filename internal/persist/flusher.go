package persist

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lydiehq/lydie-sub006/internal/content"
)

const saveTimeout = 10 * time.Second

// State is one version of a room's document to persist.
type State struct {
	Snapshot []byte
	Tree     content.Node
}

// Flusher serializes saves for one document. At most one save is in flight;
// submissions made meanwhile collapse to the latest. Saves never observe the
// caller's cancellation.
type Flusher struct {
	adapter    *Adapter
	documentID string
	ceiling    int

	mu       sync.Mutex
	pending  *State
	inflight bool
	done     chan struct{}
	saved    []byte
	lastErr  error
	failures int
	degraded bool
	wrote    bool
}

// NewFlusher builds a flusher. After ceiling consecutive failures the
// document is degraded until a save succeeds.
func (a *Adapter) NewFlusher(documentID string, ceiling int) *Flusher {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Flusher{adapter: a, documentID: documentID, ceiling: ceiling}
}

// MarkSaved records state already durable, such as the state just loaded.
func (f *Flusher) MarkSaved(snapshot []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = snapshot
}

// Submit queues st for saving. A snapshot equal to the last saved one is
// skipped.
func (f *Flusher) Submit(st State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil && f.lastErr == nil && bytes.Equal(st.Snapshot, f.saved) {
		return
	}
	f.pending = &st
	if f.inflight {
		return
	}
	f.inflight = true
	f.done = make(chan struct{})
	go f.run(f.done)
}

func (f *Flusher) run(done chan struct{}) {
	defer close(done)
	for {
		f.mu.Lock()
		st := f.pending
		f.pending = nil
		if st == nil {
			f.inflight = false
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		err := f.adapter.Save(ctx, f.documentID, st.Snapshot, st.Tree)
		cancel()
		f.record(st.Snapshot, err)
	}
}

func (f *Flusher) record(snapshot []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	log := f.adapter.log.With().Str("document_id", f.documentID).Logger()
	if err == nil {
		if f.degraded {
			log.Info().Msg("persistence recovered")
		}
		f.saved = snapshot
		f.wrote = true
		f.lastErr = nil
		f.failures = 0
		f.degraded = false
		return
	}
	f.lastErr = err
	f.failures++
	if f.failures >= f.ceiling && !f.degraded {
		f.degraded = true
		log.Error().Err(err).Int("failures", f.failures).Msg("persistence retries exhausted, document degraded")
		return
	}
	log.Warn().Err(err).Int("failures", f.failures).Msg("save failed, retrying on next tick")
}

// Drain waits for the in-flight save, if any.
func (f *Flusher) Drain(ctx context.Context) error {
	f.mu.Lock()
	done := f.done
	inflight := f.inflight
	f.mu.Unlock()
	if !inflight {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failing reports whether the last save failed.
func (f *Flusher) Failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr != nil
}

func (f *Flusher) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// Final saves st as the room closes, retrying up to the ceiling, then
// archives and records history if anything was written during the room's
// life. The room is gone afterwards, so this is the last chance to persist.
func (f *Flusher) Final(ctx context.Context, st State) error {
	ctx = context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		f.Submit(st)
		if err := f.Drain(ctx); err != nil {
			return err
		}
		f.mu.Lock()
		saved := f.lastErr == nil && bytes.Equal(f.saved, st.Snapshot)
		lastErr := f.lastErr
		f.mu.Unlock()
		if saved {
			break
		}
		if attempt >= f.ceiling {
			return fmt.Errorf("%w: final flush of %s: %v", ErrDegraded, f.documentID, lastErr)
		}
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	f.mu.Lock()
	wrote := f.wrote
	f.mu.Unlock()
	if wrote {
		f.adapter.retain(ctx, f.documentID, st.Snapshot, st.Tree)
	}
	return nil
}
