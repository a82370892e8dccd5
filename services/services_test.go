package services

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/nexusbridge/bridge-core/evmiface"
	"github.com/nexusbridge/bridge-core/id256"
	"github.com/nexusbridge/bridge-core/mintorder"
	"github.com/nexusbridge/bridge-core/opstore"
	"github.com/stretchr/testify/require"
)

type fakeEvmClient struct {
	blockNumber uint64
	nonce       uint64
	prices      []*big.Int
	sent        []*types.Transaction
}

func (f *fakeEvmClient) ChainID(ctx context.Context) (uint64, error) { return 1, nil }
func (f *fakeEvmClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.blockNumber, nil
}
func (f *fakeEvmClient) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeEvmClient) SuggestGasPrices(ctx context.Context, lastNBlocks int) ([]*big.Int, error) {
	return f.prices, nil
}
func (f *fakeEvmClient) FilterLogs(ctx context.Context, contract common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]evmiface.Log, error) {
	return nil, nil
}
func (f *fakeEvmClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeEvmClient) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return nil, nil
}

func TestRefreshEvmParamsMediansGasPrice(t *testing.T) {
	client := &fakeEvmClient{
		blockNumber: 500,
		nonce:       3,
		prices:      []*big.Int{big.NewInt(0), big.NewInt(10), big.NewInt(30), big.NewInt(20)},
	}
	svc := NewRefreshEvmParams(map[uint64]evmiface.EVMClient{1: client}, func() common.Address { return common.Address{} })
	require.NoError(t, svc.Run(context.Background()))

	p, ok := svc.Get(1)
	require.True(t, ok)
	require.Equal(t, uint64(500), p.BlockNumber)
	require.Equal(t, uint64(3), p.Nonce)
	require.Equal(t, big.NewInt(20), p.GasPrice)
}

func TestRefreshEvmParamsFallsBackWhenAllZero(t *testing.T) {
	client := &fakeEvmClient{prices: []*big.Int{big.NewInt(0), big.NewInt(0)}}
	svc := NewRefreshEvmParams(map[uint64]evmiface.EVMClient{7: client}, func() common.Address { return common.Address{} })
	require.NoError(t, svc.Run(context.Background()))

	p, ok := svc.Get(7)
	require.True(t, ok)
	require.Equal(t, fallbackGasPrice, p.GasPrice)
}

type collectingSignCallback struct {
	signed []struct {
		id  opstore.OpId
		ok  bool
	}
}

func (c *collectingSignCallback) OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error) {
	c.signed = append(c.signed, struct {
		id opstore.OpId
		ok bool
	}{id, err == nil})
}

func sampleOrder() *mintorder.MintOrder {
	sender := id256.FromEvmAddress(common.HexToAddress("0x1111111111111111111111111111111111111111"), 1)
	return &mintorder.MintOrder{
		Amount:        uint256.NewInt(1000),
		Sender:        sender,
		SrcToken:      sender,
		Recipient:     common.HexToAddress("0x2222222222222222222222222222222222222222"),
		DstToken:      common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Nonce:         1,
		Name:          "Test",
		Symbol:        "TST",
		ApproveAmount: uint256.NewInt(0),
	}
}

func TestSignMintOrdersSignsQueuedJobs(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := mintorder.NewLocalKeySigner(key)
	cb := &collectingSignCallback{}
	svc := NewSignMintOrders(signer, cb)

	svc.PushOperation(opstore.OpId(1), sampleOrder())
	svc.PushOperation(opstore.OpId(2), sampleOrder())
	require.NoError(t, svc.Run(context.Background()))

	require.Len(t, cb.signed, 2)
	require.True(t, cb.signed[0].ok)
	require.True(t, cb.signed[1].ok)
}

type collectingSubmitCallback struct {
	submitted []opstore.OpId
	hash      common.Hash
}

func (c *collectingSubmitCallback) OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error) {
	if err == nil {
		c.submitted = append(c.submitted, id)
		c.hash = txHash
	}
}

func TestSendMintTransactionBatchesOrdersPerChain(t *testing.T) {
	client := &fakeEvmClient{nonce: 42, prices: []*big.Int{big.NewInt(5_000_000_000)}}
	clients := map[uint64]evmiface.EVMClient{8453: client}
	contract := common.HexToAddress("0xbeef")
	cb := &collectingSubmitCallback{}

	params := NewRefreshEvmParams(clients, func() common.Address { return common.Address{} })
	require.NoError(t, params.Run(context.Background()))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := mintorder.NewLocalKeySigner(key)
	svc := NewSendMintTransaction(clients, map[uint64]common.Address{8453: contract}, params, signer, cb)

	signed, err := mintorder.EncodeAndSign(context.Background(), sampleOrder(), signer)
	require.NoError(t, err)

	svc.PushOperation(opstore.OpId(10), 8453, signed)
	svc.PushOperation(opstore.OpId(11), 8453, signed)
	require.NoError(t, svc.Run(context.Background()))

	require.Len(t, client.sent, 1)
	require.Equal(t, uint64(42), client.sent[0].Nonce())
	require.Equal(t, uint64(batchMintGasLimit), client.sent[0].Gas())
	require.ElementsMatch(t, []opstore.OpId{10, 11}, cb.submitted)

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), client.sent[0])
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), from)

	p, ok := params.Get(8453)
	require.True(t, ok)
	require.Equal(t, uint64(43), p.Nonce) // bumped after the successful submission
}

func TestSendMintTransactionReportsErrorOnMissingClient(t *testing.T) {
	cb := &collectingSubmitCallback{}
	params := NewRefreshEvmParams(map[uint64]evmiface.EVMClient{}, func() common.Address { return common.Address{} })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := mintorder.NewLocalKeySigner(key)
	svc := NewSendMintTransaction(map[uint64]evmiface.EVMClient{}, map[uint64]common.Address{}, params, signer, cb)

	signed, err := mintorder.EncodeAndSign(context.Background(), sampleOrder(), signer)
	require.NoError(t, err)

	svc.PushOperation(opstore.OpId(99), 1, signed)
	require.NoError(t, svc.Run(context.Background()))
	require.Empty(t, cb.submitted)
}
