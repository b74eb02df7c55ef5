package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexProspect indexes a prospect (fire-and-forget to Meilisearch).
func (s *Service) IndexProspect(p ProspectRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexProspect(p); err != nil {
			log.Printf("search: index prospect %s: %v", p.ID, err)
		}
	}()
}

// IndexProperty indexes a property (fire-and-forget to Meilisearch).
func (s *Service) IndexProperty(p PropertyRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexProperty(p); err != nil {
			log.Printf("search: index property %s: %v", p.ID, err)
		}
	}()
}

// DeleteProspect removes a prospect from the search index (fire-and-forget).
func (s *Service) DeleteProspect(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteProspect(id); err != nil {
			log.Printf("search: delete prospect %s: %v", id, err)
		}
	}()
}

// DeleteProperty removes a property from the search index (fire-and-forget).
func (s *Service) DeleteProperty(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteProperty(id); err != nil {
			log.Printf("search: delete property %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	prospects, properties, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexProspects(prospects); err != nil {
		log.Printf("search: reindex prospects: %v", err)
	}
	if err := s.meili.IndexProperties(properties); err != nil {
		log.Printf("search: reindex properties: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
