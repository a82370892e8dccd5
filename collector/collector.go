// Package collector implements paginated log ingestion from an EVM bridge
// contract and dispatches decoded events to operation updates. The paging
// strategy is adapted from observer/node.go's
// bitcoinRPCBlocksLoop / bitcoinDepositConfirmLoop pattern: a halving
// page-size retry on provider failure, one poisoned block skipped at a
// time once the page size bottoms out.
package collector

import (
	"context"

	"github.com/MixinNetwork/mixin/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/nexusbridge/bridge-core/evmiface"
)

// Log is the EVM log shape the collector pages over.
type Log = evmiface.Log

const (
	initialPageOffset = 128
)

// Dispatcher receives decoded events as the collector pages forward.
// Bridge variant packages implement this to turn events into operation
// creations/transitions.
type Dispatcher interface {
	OnBurn(ctx context.Context, e BurnEvent) error
	OnMint(ctx context.Context, e MintEvent) error
	OnNotifyMinter(ctx context.Context, e NotifyMinterEvent) error
}

// Provider is the subset of evmiface.EVMClient the collector needs.
type Provider interface {
	FilterLogs(ctx context.Context, contract common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]Log, error)
}

// Collector pages [from, to] forward across a bridge contract's logs.
type Collector struct {
	provider Provider
	contract common.Address
	dispatch Dispatcher
}

func New(provider Provider, contract common.Address, dispatch Dispatcher) *Collector {
	return &Collector{provider: provider, contract: contract, dispatch: dispatch}
}

// CollectLogs pulls every Burn/Mint/NotifyMinter log in [from, to] and
// dispatches it, returning the decoded logs collected this call and the
// next block to resume from. The next-from is advanced past pages that
// returned successfully and past single blocks skipped as poisoned; when a
// page holds a log with no confirmed block number yet, the returned
// next-from is that page's first block, so the caller's next round
// retries the page.
func (c *Collector) CollectLogs(ctx context.Context, from, to uint64) ([]Log, uint64, error) {
	if from > to {
		return nil, from, nil
	}

	var collected []Log
	offset := uint64(initialPageOffset)
	cursor := from

	for cursor <= to {
		// At offset 0 the page is the single block under the cursor, so a
		// failure there identifies the poisoned block exactly.
		pageEnd := cursor + offset
		if offset == 0 {
			pageEnd = cursor
		} else if pageEnd > to {
			pageEnd = to
		}

		logs, err := c.provider.FilterLogs(ctx, c.contract, [][]common.Hash{Topics()}, cursor, pageEnd)
		if err != nil {
			if offset > 0 {
				offset /= 2
				logger.Verbosef("collector.CollectLogs(%d,%d) => %v, halving offset to %d", cursor, pageEnd, err, offset)
				continue
			}
			// offset already 0: skip the single poisoned block and reset.
			logger.Printf("collector.CollectLogs(%d) => %v, skipping poisoned block", cursor, err)
			cursor++
			offset = initialPageOffset
			continue
		}

		ready, pending := splitConfirmed(logs)
		for _, l := range ready {
			if err := c.dispatchOne(ctx, l); err != nil {
				return collected, cursor, err
			}
			collected = append(collected, l)
		}
		if len(pending) > 0 {
			// Logs without a confirmed block number yet: stop advancing the
			// cursor past this page so the next round retries it.
			return collected, cursor, nil
		}

		cursor = pageEnd + 1
		offset = initialPageOffset
	}

	return collected, cursor, nil
}

func splitConfirmed(logs []Log) (ready, pending []Log) {
	for _, l := range logs {
		if l.BlockNumber == nil || l.Removed {
			pending = append(pending, l)
			continue
		}
		ready = append(ready, l)
	}
	return ready, pending
}

func (c *Collector) dispatchOne(ctx context.Context, l Log) error {
	kind, event, err := Decode(l)
	if err != nil {
		logger.Printf("collector.dispatchOne(%s) => decode error %v", l.TxHash, err)
		return nil // malformed logs are discarded with a warning, not fatal
	}
	switch kind {
	case EventBurn:
		return c.dispatch.OnBurn(ctx, event.(BurnEvent))
	case EventMint:
		return c.dispatch.OnMint(ctx, event.(MintEvent))
	case EventNotifyMinter:
		return c.dispatch.OnNotifyMinter(ctx, event.(NotifyMinterEvent))
	default:
		logger.Verbosef("collector.dispatchOne(%s) => unknown log, discarded", l.TxHash)
		return nil
	}
}
