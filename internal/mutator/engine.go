package mutator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lydiehq/lydie-sub006/internal/authz"
	"github.com/lydiehq/lydie-sub006/internal/changefeed"
	"github.com/lydiehq/lydie-sub006/internal/idempotency"
	"github.com/lydiehq/lydie-sub006/internal/metrics"
	"github.com/lydiehq/lydie-sub006/internal/store"
)

var (
	// ErrSpeculativeContext is returned when a client-synthesised context
	// reaches the authoritative engine.
	ErrSpeculativeContext = errors.New("speculative authorization context")
	ErrInvalidSubmission  = errors.New("invalid submission")
)

type Submission struct {
	Name          string          `json:"name" validate:"required,max=128"`
	Version       int             `json:"version" validate:"gte=0"`
	Args          json.RawMessage `json:"args"`
	IdempotencyID string          `json:"idempotencyId" validate:"required,max=128"`
}

// Outcome is the response to a submission. Duplicate marks a replayed
// outcome and is not serialized.
type Outcome struct {
	Applied   bool            `json:"applied"`
	Result    json.RawMessage `json:"result,omitempty"`
	Reason    Reason          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	Duplicate bool            `json:"-"`
}

// Store is the authoritative state plus durable outcome records.
type Store interface {
	store.Transactor
	RecordMutation(ctx context.Context, record store.MutationRecord) error
	GetMutationRecord(ctx context.Context, userID, idempotencyID string) (store.MutationRecord, error)
}

type Publisher interface {
	Publish(changes ...changefeed.Change)
}

type Engine struct {
	registry *Registry
	store    Store
	outcomes idempotency.Store
	ttl      time.Duration
	feed     Publisher
	locks    *keyedLocks
	log      zerolog.Logger
	now      func() time.Time
}

func NewEngine(registry *Registry, st Store, outcomes idempotency.Store, ttl time.Duration, feed Publisher, log zerolog.Logger) *Engine {
	return &Engine{
		registry: registry,
		store:    st,
		outcomes: outcomes,
		ttl:      ttl,
		feed:     feed,
		locks:    newKeyedLocks(),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit executes a submission authoritatively. Rejections come back as
// outcomes; a returned error means nothing was applied or recorded and the
// client may retry with the same idempotency id.
func (e *Engine) Submit(ctx context.Context, ac authz.Context, sub Submission) (Outcome, error) {
	if ac.IsSpeculative() {
		return Outcome{}, ErrSpeculativeContext
	}
	if !ac.Valid() {
		return Outcome{}, authz.ErrAuthenticationFailed
	}
	if err := validate.Struct(sub); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}

	// The key must not depend on memberships, which can change between a
	// submission and its retry.
	key := idempotency.Key{User: ac.UserID(), ID: sub.IdempotencyID}
	unlock, err := e.locks.Lock(ctx, "submission:"+key.User+":"+key.ID)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	if prior, ok := e.lookup(ctx, key); ok {
		metrics.MutationOutcomes.WithLabelValues(sub.Name, "duplicate").Inc()
		return prior, nil
	}

	started := time.Now()
	outcome, err := e.execute(ctx, ac, key, sub)
	if err != nil {
		metrics.MutationOutcomes.WithLabelValues(sub.Name, "error").Inc()
		return Outcome{}, err
	}
	metrics.MutationDuration.WithLabelValues(sub.Name).Observe(time.Since(started).Seconds())
	label := "applied"
	if !outcome.Applied {
		label = string(outcome.Reason)
	}
	metrics.MutationOutcomes.WithLabelValues(sub.Name, label).Inc()
	return outcome, nil
}

// lookup consults the fast store, then durable records inside the
// retention window.
func (e *Engine) lookup(ctx context.Context, key idempotency.Key) (Outcome, bool) {
	prior, err := e.outcomes.Get(ctx, key)
	if err == nil {
		return Outcome{Applied: prior.Applied, Result: prior.Result, Reason: Reason(prior.Reason), Message: prior.Message, Duplicate: true}, true
	}
	if !errors.Is(err, idempotency.ErrNotFound) {
		e.log.Warn().Err(err).Str("idempotency_id", key.ID).Msg("idempotency lookup failed")
	}
	record, err := e.store.GetMutationRecord(ctx, key.User, key.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Warn().Err(err).Str("idempotency_id", key.ID).Msg("mutation record lookup failed")
		}
		return Outcome{}, false
	}
	if e.ttl > 0 && record.CreatedAt.Before(e.now().Add(-e.ttl)) {
		return Outcome{}, false
	}
	return Outcome{Applied: record.Applied, Result: record.Result, Reason: Reason(record.Reason), Duplicate: true}, true
}

func (e *Engine) execute(ctx context.Context, ac authz.Context, key idempotency.Key, sub Submission) (Outcome, error) {
	record := store.MutationRecord{
		TenantID:      ac.HomeTenant(),
		UserID:        key.User,
		IdempotencyID: key.ID,
		Name:          sub.Name,
		Version:       sub.Version,
		Args:          sub.Args,
		CreatedAt:     e.now(),
	}

	def, ok := e.registry.Lookup(sub.Name, sub.Version)
	if !ok {
		return e.rejected(ctx, ac, record, &Rejection{Reason: ReasonUnknownMutator, Message: fmt.Sprintf("unknown mutator %s@%d", sub.Name, sub.Version)})
	}
	record.Version = def.Version

	args, err := def.Decode(sub.Args)
	if err != nil {
		if rejection, ok := AsRejection(err); ok {
			return e.rejected(ctx, ac, record, rejection)
		}
		return Outcome{}, err
	}

	unlock, err := e.locks.Lock(ctx, def.Keys(args)...)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	result, changes, err := def.Apply(ctx, ac, e.store, args, func(tx store.Tx, payload json.RawMessage) error {
		record.Applied = true
		record.Result = payload
		return tx.InsertMutationRecord(ctx, record)
	})
	if err != nil {
		if rejection, ok := AsRejection(err); ok {
			record.Applied = false
			record.Result = nil
			return e.rejected(ctx, ac, record, rejection)
		}
		e.log.Error().Err(err).Str("mutator", def.ID()).Str("user_id", ac.UserID()).Msg("mutation failed")
		return Outcome{}, err
	}

	outcome := Outcome{Applied: true, Result: result}
	e.remember(ctx, record, outcome)
	if e.feed != nil {
		e.feed.Publish(changes...)
	}
	return outcome, nil
}

func (e *Engine) rejected(ctx context.Context, ac authz.Context, record store.MutationRecord, rejection *Rejection) (Outcome, error) {
	if rejection.Reason == ReasonForbidden {
		authz.Denied(e.log, ac, rejection.TenantID, rejection.Resource)
	}
	record.Applied = false
	record.Reason = string(rejection.Reason)
	if err := e.store.RecordMutation(ctx, record); err != nil {
		return Outcome{}, err
	}
	outcome := Outcome{Applied: false, Reason: rejection.Reason, Message: rejection.Message}
	e.remember(ctx, record, outcome)
	return outcome, nil
}

func (e *Engine) remember(ctx context.Context, record store.MutationRecord, outcome Outcome) {
	key := idempotency.Key{User: record.UserID, ID: record.IdempotencyID}
	err := e.outcomes.Put(ctx, key, idempotency.Outcome{
		Name:      record.Name,
		Version:   record.Version,
		Applied:   outcome.Applied,
		Reason:    string(outcome.Reason),
		Message:   outcome.Message,
		Result:    outcome.Result,
		CreatedAt: record.CreatedAt,
	}, e.ttl)
	if err != nil {
		e.log.Warn().Err(err).Str("idempotency_id", record.IdempotencyID).Msg("retain mutation outcome failed")
	}
}
