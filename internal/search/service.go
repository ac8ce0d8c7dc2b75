package search

import "log"

// Service routes queries to Meilisearch when healthy and to the Postgres
// fallback otherwise. Indexing is fire-and-forget: a failed index write
// never fails the originating request.
type Service struct {
	meili    *Meili
	fallback Searcher
}

func NewService(meili *Meili, fallback Searcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

func (s *Service) Search(q Query) (Response, error) {
	searcher := s.pick()
	results, total, err := searcher.Search(q)
	if err != nil && searcher != s.fallback {
		log.Printf("search: primary failed, falling back: %v", err)
		results, total, err = s.fallback.Search(q)
	}
	if err != nil {
		return Response{}, err
	}
	if results == nil {
		results = []Result{}
	}
	return Response{Results: results, Total: total, Query: q.Text}, nil
}

func (s *Service) pick() Searcher {
	if s.meili != nil && s.meili.Healthy() {
		return s.meili
	}
	return s.fallback
}

// IndexContent asynchronously indexes a content record.
func (s *Service) IndexContent(record ContentRecord) {
	if s.meili == nil {
		return
	}
	go func() {
		if err := s.meili.IndexContent(record); err != nil {
			log.Printf("search: index content %s: %v", record.ID, err)
		}
	}()
}

// IndexSource asynchronously indexes a source record.
func (s *Service) IndexSource(record SourceRecord) {
	if s.meili == nil {
		return
	}
	go func() {
		if err := s.meili.IndexSource(record); err != nil {
			log.Printf("search: index source %s: %v", record.ID, err)
		}
	}()
}

// RemoveContent asynchronously removes a content record from the index.
func (s *Service) RemoveContent(id string) {
	if s.meili == nil {
		return
	}
	go func() {
		if err := s.meili.DeleteContent(id); err != nil {
			log.Printf("search: delete content %s: %v", id, err)
		}
	}()
}
