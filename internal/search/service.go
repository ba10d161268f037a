package search

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/lydiehq/lydie-sub006/internal/changefeed"
	"github.com/lydiehq/lydie-sub006/internal/store"
)

type indexBackend interface {
	Backend
	Healthy() bool
	Index(ctx context.Context, records ...Record) error
	Delete(ctx context.Context, id string) error
}

type recordLoader interface {
	LoadAllRecords(ctx context.Context) ([]Record, error)
}

// Service tries Meilisearch first and falls back to Postgres.
type Service struct {
	meili    indexBackend
	fallback Backend
	log      zerolog.Logger
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Backend, log zerolog.Logger) *Service {
	s := &Service{fallback: fallback, log: log}
	if meili != nil {
		s.meili = meili
	}
	return s
}

func (s *Service) Search(ctx context.Context, tenantIDs []string, text string, limit int) ([]string, error) {
	if len(tenantIDs) == 0 {
		return []string{}, nil
	}
	if s.meili != nil && s.meili.Healthy() {
		ids, err := s.meili.Search(ctx, tenantIDs, text, limit)
		if err == nil {
			return ids, nil
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to postgres")
	}
	if s.fallback == nil {
		return []string{}, nil
	}
	return s.fallback.Search(ctx, tenantIDs, text, limit)
}

// Follow keeps the index current from committed document changes until ctx
// ends. After an overflow it reindexes everything.
func (s *Service) Follow(ctx context.Context, feed *changefeed.Feed) error {
	if s.meili == nil {
		return nil
	}
	filter := func(change changefeed.Change) bool { return change.Table == store.TableDocuments }
	for {
		sub, err := feed.Subscribe(ctx, filter)
		if err != nil {
			if errors.Is(err, changefeed.ErrClosed) {
				return nil
			}
			return err
		}
		for change := range sub.C {
			s.apply(ctx, change)
		}
		if !sub.Overflowed() || ctx.Err() != nil {
			return nil
		}
		s.log.Warn().Msg("search index fell behind, reindexing")
		s.ReindexAll(ctx)
	}
}

func (s *Service) apply(ctx context.Context, change changefeed.Change) {
	if !s.meili.Healthy() {
		return
	}
	var err error
	if change.Op == changefeed.OpDelete || change.Row == nil {
		err = s.meili.Delete(ctx, change.ID)
	} else {
		err = s.meili.Index(ctx, RecordFromRow(change.Row))
	}
	if err != nil {
		s.log.Warn().Err(err).Str("document_id", change.ID).Msg("search index update failed")
	}
}

// ReindexAll pushes every stored document to Meilisearch.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	loader, ok := s.fallback.(recordLoader)
	if !ok {
		return
	}
	records, err := loader.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("search reindex load failed")
		return
	}
	if err := s.meili.Index(ctx, records...); err != nil {
		s.log.Error().Err(err).Int("documents", len(records)).Msg("search reindex failed")
		return
	}
	s.log.Info().Int("documents", len(records)).Msg("search reindexed")
}
