// Package evmiface declares the narrow capability interfaces every bridge
// variant is polymorphic over. EthRPCClient is the only concrete EVMClient
// this module ships; Bitcoin and indexer transports are left to whatever
// adapter a deployment wires in, so only the shapes the rest of the module
// depends on live here.
package evmiface

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Log is the minimal shape the Event Collector needs out of an EVM log
// entry.
type Log struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	BlockNumber *uint64 // nil until the provider's node has the block finalized in its view
	TxHash      common.Hash
	Removed     bool
}

// EVMClient is the capability set collector/ and services/ need from a
// JSON-RPC endpoint: get logs, send a transaction, make a read-only call.
type EVMClient interface {
	ChainID(ctx context.Context) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrices(ctx context.Context, lastNBlocks int) ([]*big.Int, error)
	FilterLogs(ctx context.Context, contract common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]Log, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// UtxoProvider is the capability set Bitcoin-side coordinators depend on:
// list UTXOs, estimate a fee rate, broadcast a raw transaction.
type UtxoProvider interface {
	GetUtxos(ctx context.Context, address string) ([]ProviderUtxo, error)
	GetFeeRate(ctx context.Context) (satsPerVByte int64, err error)
	SendRawTransaction(ctx context.Context, raw []byte) (txHash string, err error)
	GetTipHeight(ctx context.Context) (uint64, error)
}

// ProviderUtxo is one UTXO as reported by an external Bitcoin adapter.
type ProviderUtxo struct {
	TxID   string
	Vout   uint32
	Value  int64
	Height uint64 // 0 means unconfirmed
}

// IndexProvider is the capability set BRC-20/Rune coordinators depend on to
// resolve balances at a transit address. Implementations may be backed by
// several indexers behind a k-of-n consensus threshold, configured via
// Configuration.IndexerConsensusThreshold.
type IndexProvider interface {
	GetAmounts(ctx context.Context, address string) (map[string]*big.Int, error) // tick/rune id -> amount
	GetList(ctx context.Context, address string) ([]string, error)               // tick/rune ids held at address
}

// TokenClient is the capability set ICRC-side coordinators depend on.
type TokenClient interface {
	TransferFrom(ctx context.Context, spender, from, to string, amount *big.Int) (blockIndex uint64, err error)
	Transfer(ctx context.Context, from, to string, amount *big.Int) (blockIndex uint64, err error)
	BalanceOf(ctx context.Context, account string) (*big.Int, error)
	Fee(ctx context.Context) (*big.Int, error)
}
