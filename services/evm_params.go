package services

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/MixinNetwork/mixin/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/nexusbridge/bridge-core/evmiface"
	"github.com/shopspring/decimal"
)

// fallbackGasPrice is used whenever a chain's last block carried no
// non-zero gas prices to sample.
var fallbackGasPrice = big.NewInt(1_000_000_000) // 1 gwei

// EvmParams is the cached per-chain state SendMintTransaction reads before
// building a transaction.
type EvmParams struct {
	ChainID     uint64
	BlockNumber uint64
	Nonce       uint64
	GasPrice    *big.Int
}

// RefreshEvmParams is a BeforeOperations service that refreshes the cached
// nonce/gas-price/block-number for every registered EVM link. It
// generalizes a single-chain refresh loop to the ERC-20<->ERC-20 bridge's
// map of chains.
type RefreshEvmParams struct {
	clients map[uint64]evmiface.EVMClient
	signer  func() common.Address

	mu     sync.RWMutex
	params map[uint64]*EvmParams
}

func NewRefreshEvmParams(clients map[uint64]evmiface.EVMClient, signerAddress func() common.Address) *RefreshEvmParams {
	return &RefreshEvmParams{
		clients: clients,
		signer:  signerAddress,
		params:  make(map[uint64]*EvmParams),
	}
}

func (s *RefreshEvmParams) ID() ID       { return IDRefreshEvmParams }
func (s *RefreshEvmParams) Phase() Phase { return BeforeOperations }

func (s *RefreshEvmParams) Run(ctx context.Context) error {
	addr := s.signer()
	for chainID, client := range s.clients {
		p, err := s.refreshOne(ctx, chainID, client, addr)
		if err != nil {
			logger.Printf("services.RefreshEvmParams.Run(%d) => %v", chainID, err)
			continue
		}
		s.mu.Lock()
		s.params[chainID] = p
		s.mu.Unlock()
		logger.Verbosef("services.RefreshEvmParams.Run(%d) => block %d nonce %d gas price %s gwei",
			chainID, p.BlockNumber, p.Nonce, decimal.NewFromBigInt(p.GasPrice, -9))
	}
	return nil
}

func (s *RefreshEvmParams) refreshOne(ctx context.Context, chainID uint64, client evmiface.EVMClient, addr common.Address) (*EvmParams, error) {
	block, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("BlockNumber: %w", err)
	}
	nonce, err := client.NonceAt(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("NonceAt: %w", err)
	}
	prices, err := client.SuggestGasPrices(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("SuggestGasPrices: %w", err)
	}
	return &EvmParams{
		ChainID:     chainID,
		BlockNumber: block,
		Nonce:       nonce,
		GasPrice:    medianNonZero(prices),
	}, nil
}

// medianNonZero returns the median of prices' non-zero entries, falling
// back to fallbackGasPrice if none are non-zero.
func medianNonZero(prices []*big.Int) *big.Int {
	var nonZero []*big.Int
	for _, p := range prices {
		if p != nil && p.Sign() > 0 {
			nonZero = append(nonZero, p)
		}
	}
	if len(nonZero) == 0 {
		return new(big.Int).Set(fallbackGasPrice)
	}
	sort.Slice(nonZero, func(i, j int) bool { return nonZero[i].Cmp(nonZero[j]) < 0 })
	return new(big.Int).Set(nonZero[len(nonZero)/2])
}

// Get returns the last-refreshed params for chainID, if any.
func (s *RefreshEvmParams) Get(chainID uint64) (*EvmParams, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.params[chainID]
	return p, ok
}

// BumpNonce advances the cached account nonce for chainID after a
// successful submission; the next refresh rediscovers the true value, so a
// failed submission simply leaves the cache to be corrected.
func (s *RefreshEvmParams) BumpNonce(chainID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.params[chainID]; ok {
		p.Nonce++
	}
}
