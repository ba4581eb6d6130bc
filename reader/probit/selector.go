package probit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"booksync/logger"
)

// ErrNoTradingPairs is returned when the catalog resolved to no markets.
var ErrNoTradingPairs = errors.New("probit: no trading pairs available")

// PairsResult carries either the resolved pairs or the reason there are
// none. Callers decide whether to retry, degrade or propagate.
type PairsResult struct {
	Pairs []string
	Err   error
}

// pairSelector narrows the catalog to the pairs this instance tracks.
// A configured list wins outright. Otherwise the first non-empty catalog
// resolution is memoized; failures are not, so the next call retries.
type pairSelector struct {
	explicit []string
	catalog  *catalog
	group    singleflight.Group
	log      *logger.Log

	mu       sync.RWMutex
	resolved []string
}

func newPairSelector(explicit []string, c *catalog, log *logger.Log) *pairSelector {
	s := &pairSelector{catalog: c, log: log}
	if len(explicit) > 0 {
		s.explicit = append([]string(nil), explicit...)
	}
	return s
}

func (s *pairSelector) memo() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolved
}

// Resolve returns the tracked pairs. Concurrent first calls share one
// catalog lookup.
func (s *pairSelector) Resolve(ctx context.Context) PairsResult {
	if s.explicit != nil {
		return PairsResult{Pairs: append([]string(nil), s.explicit...)}
	}
	if pairs := s.memo(); pairs != nil {
		return PairsResult{Pairs: append([]string(nil), pairs...)}
	}
	if err := ctx.Err(); err != nil {
		return PairsResult{Err: err}
	}

	ch := s.group.DoChan("pairs", func() (interface{}, error) {
		table, err := s.catalog.ActiveMarkets(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		pairs := table.PairIDs()
		if len(pairs) == 0 {
			return nil, ErrNoTradingPairs
		}
		s.mu.Lock()
		s.resolved = pairs
		s.mu.Unlock()
		return pairs, nil
	})

	select {
	case <-ctx.Done():
		return PairsResult{Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return PairsResult{Err: res.Err}
		}
		return PairsResult{Pairs: append([]string(nil), res.Val.([]string)...)}
	}
}

// TradingPairs degrades a failed resolution to an empty slice plus a
// network warning. An empty result means "temporarily unknown".
func (s *pairSelector) TradingPairs(ctx context.Context) []string {
	res := s.Resolve(ctx)
	if res.Err == nil {
		return res.Pairs
	}
	if !cancelled(ctx) {
		s.log.WithComponent("probit_selector").WithError(res.Err).WithFields(logger.Fields{
			"network_warning": true,
		}).Warn("error getting active exchange information, check network connection")
	}
	return []string{}
}
