package ops

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nexusbridge/bridge-core/mintorder"
	"github.com/nexusbridge/bridge-core/opstore"
	"github.com/nexusbridge/bridge-core/scheduler"
	"github.com/nexusbridge/bridge-core/services"
)

// Brc20Stage enumerates a BRC-20 deposit's stages. The source-side "burn"
// step here is detection, not initiation: the coordinator watches the
// transit address and this operation begins already holding the observed
// UTXOs.
type Brc20Stage byte

const (
	StageBrc20WaitingForConfirmations Brc20Stage = iota
	StageBrc20SignMintOrder
	StageBrc20SendMintTransaction
	StageBrc20WaitForMintConfirm
	StageBrc20TokenMintConfirmed // terminal
	StageBrc20InvalidAmounts     // terminal: indexer-reported amount disagreed with the requested amount
)

// Brc20Operation tracks one BRC-20 deposit at a deterministic transit
// address: the user sends satoshis plus an inscription transfer to an
// address derived from (bridge_master_key, user_evm_address).
type Brc20Operation struct {
	Stage Brc20Stage

	Tick                  string
	TransitAddress        string
	EvmRecipient          common.Address
	UtxoHeights           []uint64
	RequiredConfirmations uint64
	CurrentConfirmations  uint64
	RequestedAmount       *big.Int
	ActualAmount          *big.Int

	Order  *mintorder.MintOrder
	Signed *mintorder.SignedMintOrder
	TxHash common.Hash
}

func NewBrc20Deposit(tick, transitAddress string, evmRecipient common.Address, requestedAmount *big.Int, utxoHeights []uint64, requiredConfirmations uint64) *Brc20Operation {
	return &Brc20Operation{
		Stage:                 StageBrc20WaitingForConfirmations,
		Tick:                  tick,
		TransitAddress:        transitAddress,
		EvmRecipient:          evmRecipient,
		UtxoHeights:           utxoHeights,
		RequiredConfirmations: requiredConfirmations,
		RequestedAmount:       requestedAmount,
	}
}

func (o *Brc20Operation) IsComplete() bool {
	return o.Stage == StageBrc20TokenMintConfirmed || o.Stage == StageBrc20InvalidAmounts
}

func (o *Brc20Operation) EvmWalletAddress() common.Address {
	return o.EvmRecipient
}

func (o *Brc20Operation) SchedulingOptions() (scheduler.TaskOptions, bool) {
	switch o.Stage {
	case StageBrc20WaitingForConfirmations, StageBrc20SignMintOrder, StageBrc20SendMintTransaction:
		return scheduler.TaskOptions{
			Retry:   scheduler.InfiniteRetry(),
			Backoff: scheduler.FixedBackoff(30),
		}, true
	default:
		return scheduler.TaskOptions{}, false
	}
}

// CheckConfirmations reports whether the deposit's UTXOs have reached
// RequiredConfirmations as of tipHeight, along with the current count for
// status reporting.
func (o *Brc20Operation) CheckConfirmations(tipHeight uint64) (met bool, current, required uint64) {
	current = MinConfirmations(tipHeight, o.UtxoHeights)
	return current >= o.RequiredConfirmations, current, o.RequiredConfirmations
}

// ApplyConfirmed records the confirmation count and, once the indexer's
// reported amount is known, either moves on to signing or terminates at
// InvalidAmounts if the amounts disagree.
func (o *Brc20Operation) ApplyConfirmed(current uint64, actualAmount *big.Int, order *mintorder.MintOrder) *Brc20Operation {
	next := *o
	next.CurrentConfirmations = current
	next.ActualAmount = actualAmount
	if actualAmount.Cmp(o.RequestedAmount) != 0 {
		next.Stage = StageBrc20InvalidAmounts
		return &next
	}
	next.Order = order
	next.Stage = StageBrc20SignMintOrder
	return &next
}

func (o *Brc20Operation) Progress(ctx context.Context, id opstore.OpId, signer *services.SignMintOrders, sender *services.SendMintTransaction) Progress {
	switch o.Stage {
	case StageBrc20SignMintOrder:
		signer.PushOperation(id, o.Order)
		return DeferTo(services.IDSignMintOrders)
	case StageBrc20SendMintTransaction:
		sender.PushOperation(id, uint64(o.Order.RecipientChainID), o.Signed)
		return DeferTo(services.IDSendMintTransaction)
	default:
		return Advance(o)
	}
}

func (o *Brc20Operation) ApplyMintConfirmed() *Brc20Operation {
	next := *o
	next.Stage = StageBrc20TokenMintConfirmed
	return &next
}
