package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/MixinNetwork/mixin/logger"
	"github.com/nexusbridge/bridge-core/collector"
)

// ChainCollector pairs one chain's Collector with its confirmed-tip
// provider; FetchBridgeEvents never pages past
// BlockNumber()-MinConfirmations.
type ChainCollector struct {
	ChainID          uint64
	Collector        *collector.Collector
	BlockNumber      func(ctx context.Context) (uint64, error)
	MinConfirmations uint64
}

// FetchBridgeEvents is a ConcurrentWithOperations service driving one
// collector.Collector per configured EVM link forward every tick.
type FetchBridgeEvents struct {
	chains []ChainCollector

	mu      sync.Mutex
	cursors map[uint64]uint64
}

func NewFetchBridgeEvents(chains []ChainCollector, startCursors map[uint64]uint64) *FetchBridgeEvents {
	cursors := make(map[uint64]uint64, len(startCursors))
	for k, v := range startCursors {
		cursors[k] = v
	}
	return &FetchBridgeEvents{chains: chains, cursors: cursors}
}

func (s *FetchBridgeEvents) ID() ID       { return IDFetchBridgeEvents }
func (s *FetchBridgeEvents) Phase() Phase { return ConcurrentWithOperations }

func (s *FetchBridgeEvents) Cursor(chainID uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[chainID]
}

func (s *FetchBridgeEvents) Run(ctx context.Context) error {
	for _, c := range s.chains {
		from := s.Cursor(c.ChainID)
		tip, err := c.BlockNumber(ctx)
		if err != nil {
			logger.Printf("services.FetchBridgeEvents.Run(%d): BlockNumber => %v", c.ChainID, err)
			continue
		}
		if tip < c.MinConfirmations {
			continue
		}
		safeTip := tip - c.MinConfirmations
		if from > safeTip {
			continue
		}
		_, next, err := c.Collector.CollectLogs(ctx, from, safeTip)
		if err != nil {
			logger.Printf("services.FetchBridgeEvents.Run(%d): CollectLogs(%d,%d) => %v", c.ChainID, from, safeTip, err)
			return fmt.Errorf("chain %d: %w", c.ChainID, err)
		}
		s.mu.Lock()
		s.cursors[c.ChainID] = next
		s.mu.Unlock()
	}
	return nil
}
