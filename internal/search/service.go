package search

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// meiliBackend is what the facade needs from Meilisearch. Narrowed to an
// interface so outage handling can be tested without a live instance.
type meiliBackend interface {
	Healthy() bool
	Search(q Query) ([]Result, int, error)
	IndexMessage(record MessageRecord) error
	DeleteMessage(id string) error
	IndexMessages(records []MessageRecord) error
}

// Service is the facade that tries Meilisearch first and falls back to
// PG FTS. Indexing is fire-and-forget; a search outage must never fail a
// message post. Deletions are queued while Meilisearch is down so a
// purged message cannot reappear in the index after recovery.
type Service struct {
	backend meiliBackend
	pgfts   *PgFTS
	logger  *zap.Logger

	mu             sync.Mutex
	pendingDeletes map[string]struct{}
}

// NewService creates a search service. meili may be nil when Meilisearch
// is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	s := &Service{
		pgfts:          pgfts,
		logger:         logger,
		pendingDeletes: make(map[string]struct{}),
	}
	// A typed nil pointer in the interface field would defeat the
	// nil checks below, so only set it when Meilisearch is configured.
	if meili != nil {
		s.backend = meili
	}
	return s
}

func (s *Service) Search(q Query) Response {
	if s.backend != nil && s.backend.Healthy() {
		s.kickPendingDeletes()
		results, total, err := s.backend.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch failed, falling back to pgfts", zap.Error(err))
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.logger.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) IndexMessage(record MessageRecord) {
	if s.backend == nil || !s.backend.Healthy() {
		return
	}
	s.kickPendingDeletes()
	go func() {
		if err := s.backend.IndexMessage(record); err != nil {
			s.logger.Warn("index message", zap.String("message_id", record.ID), zap.Error(err))
		}
	}()
}

// DeleteMessage removes a message from the index. The id is queued
// first and only cleared once Meilisearch acknowledges the deletion, so
// an outage between a purge and recovery cannot leave the document
// behind.
func (s *Service) DeleteMessage(id string) {
	if s.backend == nil {
		return
	}
	s.mu.Lock()
	s.pendingDeletes[id] = struct{}{}
	s.mu.Unlock()

	if !s.backend.Healthy() {
		return
	}
	go s.flushPendingDeletes()
}

// flushPendingDeletes drains the queue against Meilisearch. Ids stay
// queued on failure and are retried on the next healthy operation.
// Deleting an already-absent document is a no-op, so concurrent flushes
// are harmless.
func (s *Service) flushPendingDeletes() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pendingDeletes))
	for id := range s.pendingDeletes {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.backend.DeleteMessage(id); err != nil {
			s.logger.Warn("delete message from index", zap.String("message_id", id), zap.Error(err))
			continue
		}
		s.mu.Lock()
		delete(s.pendingDeletes, id)
		s.mu.Unlock()
	}
}

func (s *Service) kickPendingDeletes() {
	s.mu.Lock()
	pending := len(s.pendingDeletes) > 0
	s.mu.Unlock()
	if pending {
		go s.flushPendingDeletes()
	}
}

// ReindexCompany reloads one company's messages from Postgres into
// Meilisearch, after draining any deletions queued during an outage.
func (s *Service) ReindexCompany(ctx context.Context, companyID int64) error {
	if s.backend == nil || !s.backend.Healthy() || s.pgfts == nil {
		return nil
	}
	s.flushPendingDeletes()
	records, err := s.pgfts.LoadAllRecords(ctx, companyID)
	if err != nil {
		s.logger.Error("reindex load failed", zap.Int64("company_id", companyID), zap.Error(err))
		return err
	}
	if err := s.backend.IndexMessages(records); err != nil {
		s.logger.Error("reindex failed", zap.Int64("company_id", companyID), zap.Error(err))
		return err
	}
	return nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
