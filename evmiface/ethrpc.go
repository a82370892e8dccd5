package evmiface

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthRPCClient adapts go-ethereum's JSON-RPC client to EVMClient. It is the
// only concrete EVMClient in this module; every bridge variant depends on
// the interface so a test double can stand in without touching this file.
type EthRPCClient struct {
	raw *ethclient.Client
}

func DialEthRPC(ctx context.Context, rawurl string) (*EthRPCClient, error) {
	c, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	return &EthRPCClient{raw: c}, nil
}

func (c *EthRPCClient) ChainID(ctx context.Context) (uint64, error) {
	id, err := c.raw.ChainID(ctx)
	if err != nil {
		return 0, err
	}
	return id.Uint64(), nil
}

func (c *EthRPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.raw.BlockNumber(ctx)
}

func (c *EthRPCClient) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.raw.PendingNonceAt(ctx, account)
}

// SuggestGasPrices polls the node's own gas price oracle lastNBlocks times;
// go-ethereum's SuggestGasPrice already feeds on recent blocks, so sampling
// it repeatedly approximates the "median over the last N blocks" callers
// want without a bespoke fee-history client.
func (c *EthRPCClient) SuggestGasPrices(ctx context.Context, lastNBlocks int) ([]*big.Int, error) {
	if lastNBlocks <= 0 {
		lastNBlocks = 1
	}
	out := make([]*big.Int, 0, lastNBlocks)
	for i := 0; i < lastNBlocks; i++ {
		price, err := c.raw.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, price)
	}
	return out, nil
}

func (c *EthRPCClient) FilterLogs(ctx context.Context, contract common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{contract},
		Topics:    topics,
	}
	logs, err := c.raw.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]Log, len(logs))
	for i, l := range logs {
		blockNumber := l.BlockNumber
		out[i] = Log{
			Address:     l.Address,
			Topics:      l.Topics,
			Data:        l.Data,
			BlockNumber: &blockNumber,
			TxHash:      l.TxHash,
			Removed:     l.Removed,
		}
	}
	return out, nil
}

func (c *EthRPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.raw.SendTransaction(ctx, tx)
}

func (c *EthRPCClient) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.raw.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func (c *EthRPCClient) Close() { c.raw.Close() }
