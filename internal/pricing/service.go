package pricing

import (
	"time"

	"github.com/agent-nexus/backend/internal/adapter"
)

// Service is the live-ingestion pricer. It prices against whatever
// table the fetcher last installed; refreshing is the fetcher Run
// loop's job, so ingestion never waits on the network. Historical
// resolution is reserved for the slower reconciliation replay path,
// which calls History directly.
type Service struct {
	fetcher *Fetcher
}

func NewService(fetcher *Fetcher) *Service {
	return &Service{fetcher: fetcher}
}

// Cost implements the usage engine's pricer contract.
func (s *Service) Cost(model string, tokens adapter.TokenCounts, _ time.Time) (float64, string) {
	table, source := s.fetcher.Current()
	return table.Cost(model, tokens), source
}
