// Package ops implements the per-variant operation state machines: ICRC,
// ERC-20<->ERC-20, BRC-20, Rune, and plain BTC. Every variant's
// stage type satisfies opstore.Operation and exposes a Progress method the
// bridge runtime's scheduler tasks call to drive it forward one step.
package ops

import (
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nexusbridge/bridge-core/scheduler"
	"github.com/nexusbridge/bridge-core/services"
	"github.com/shopspring/decimal"
)

// Progress is the outcome of one progress() call. Exactly one of Next or
// ServiceID is meaningful, selected by Deferred.
type Progress struct {
	Next     Operation
	Deferred bool
	ServiceID services.ID
}

// Advance wraps the common case: the operation moved to a new stage.
func Advance(next Operation) Progress { return Progress{Next: next} }

// DeferTo wraps the AddToService(ServiceId) case: the operation was handed
// to a service (e.g. the batch signer) and will be picked up from its
// PushOperation queue rather than progressed directly this tick.
func DeferTo(id services.ID) Progress { return Progress{Deferred: true, ServiceID: id} }

// Operation is implemented by every bridge variant's stage type. It
// matches opstore.Operation's shape exactly so any stage type can be
// stored directly in the Operation Store.
type Operation interface {
	IsComplete() bool
	EvmWalletAddress() common.Address
	SchedulingOptions() (scheduler.TaskOptions, bool)
}

// Status is query_deposit_status(id)'s return value.
type Status struct {
	Kind               StatusKind
	CurrentConfirms    uint64
	RequiredConfirms   uint64
	RequestedAmounts   map[string]*big.Int
	ActualAmounts      map[string]*big.Int
	Details            string
}

type StatusKind byte

const (
	StatusScheduled StatusKind = iota
	StatusWaitingForInputs
	StatusWaitingForConfirmations
	StatusNothingToDeposit
	StatusInvalidAmounts
	StatusMintOrdersCreated
	StatusMinted
	StatusInternalError
)

func (k StatusKind) String() string {
	switch k {
	case StatusScheduled:
		return "Scheduled"
	case StatusWaitingForInputs:
		return "WaitingForInputs"
	case StatusWaitingForConfirmations:
		return "WaitingForConfirmations"
	case StatusNothingToDeposit:
		return "NothingToDeposit"
	case StatusInvalidAmounts:
		return "InvalidAmounts"
	case StatusMintOrdersCreated:
		return "MintOrdersCreated"
	case StatusMinted:
		return "Minted"
	case StatusInternalError:
		return "InternalError"
	default:
		return "Unknown"
	}
}

// FormatAmount renders a raw token amount at the given decimals for status
// responses, e.g. 1500000 at 6 decimals renders "1.5".
func FormatAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// FormatAmounts renders an id-to-amount map as "id=value" pairs in id
// order, for the Details field of amount-mismatch statuses.
func FormatAmounts(amounts map[string]*big.Int, decimals uint8) string {
	ids := make([]string, 0, len(amounts))
	for id := range amounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id+"="+FormatAmount(amounts[id], decimals))
	}
	return strings.Join(parts, " ")
}

// MintResult records one SendMintTransaction attempt's outcome so
// WaitForMintConfirm can tell a reverted attempt from one still pending.
type MintResult struct {
	TxHash   common.Hash
	Pending  bool
	Reverted bool
}
