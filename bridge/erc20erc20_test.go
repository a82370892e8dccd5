package bridge

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nexusbridge/bridge-core/collector"
	"github.com/nexusbridge/bridge-core/evmiface"
	"github.com/nexusbridge/bridge-core/mintorder"
	"github.com/nexusbridge/bridge-core/ops"
	"github.com/nexusbridge/bridge-core/opstore"
	"github.com/nexusbridge/bridge-core/scheduler"
	"github.com/nexusbridge/bridge-core/services"
	"github.com/stretchr/testify/require"
)

type fakeEvmClient struct {
	sent []*types.Transaction
}

func (f *fakeEvmClient) ChainID(ctx context.Context) (uint64, error)       { return 1, nil }
func (f *fakeEvmClient) BlockNumber(ctx context.Context) (uint64, error)   { return 100, nil }
func (f *fakeEvmClient) NonceAt(ctx context.Context, a common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeEvmClient) SuggestGasPrices(ctx context.Context, n int) ([]*big.Int, error) {
	return []*big.Int{big.NewInt(1)}, nil
}
func (f *fakeEvmClient) FilterLogs(ctx context.Context, c common.Address, t [][]common.Hash, from, to uint64) ([]evmiface.Log, error) {
	return nil, nil
}
func (f *fakeEvmClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeEvmClient) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return nil, nil
}

// newTestParams refreshes an EvmParams cache once against the fake client
// so SendMintTransaction has a nonce and gas price to build from.
func newTestParams(t *testing.T, clients map[uint64]evmiface.EVMClient) *services.RefreshEvmParams {
	t.Helper()
	params := services.NewRefreshEvmParams(clients, func() common.Address { return common.Address{} })
	require.NoError(t, params.Run(context.Background()))
	return params
}

type erc20CallbackProxy struct {
	coordinator *Erc20Erc20Coordinator
}

func (p *erc20CallbackProxy) OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error) {
	p.coordinator.OnOrderSigned(ctx, id, signed, err)
}

func (p *erc20CallbackProxy) OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error) {
	p.coordinator.OnMintSubmitted(ctx, id, txHash, err)
}

func newTestErc20Coordinator(t *testing.T) (*Erc20Erc20Coordinator, *opstore.Store, *scheduler.Scheduler, *fakeEvmClient) {
	t.Helper()
	store, err := opstore.Open(":memory:", ops.Codec{}, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sched, err := scheduler.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sched.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := mintorder.NewLocalKeySigner(key)

	client := &fakeEvmClient{}
	const wrappedChainID = 2
	contract := common.HexToAddress("0x00000000000000000000000000000000000bee")

	clients := map[uint64]evmiface.EVMClient{wrappedChainID: client}
	proxy := &erc20CallbackProxy{}
	signMint := services.NewSignMintOrders(signer, proxy)
	sendMint := services.NewSendMintTransaction(clients,
		map[uint64]common.Address{wrappedChainID: contract},
		newTestParams(t, clients), signer, proxy)

	coordinator := NewErc20Erc20Coordinator(store, sched, signMint, sendMint, 1, wrappedChainID, contract, contract)
	proxy.coordinator = coordinator

	return coordinator, store, sched, client
}

func TestErc20Erc20CoordinatorDepositMintsOnOtherSide(t *testing.T) {
	ctx := context.Background()
	coordinator, store, sched, client := newTestErc20Coordinator(t)

	recipient := common.HexToAddress("0x00000000000000000000000000000000c0ffee")
	var toToken [32]byte
	copy(toToken[12:], common.HexToAddress("0x00000000000000000000000000000000000ccc").Bytes())

	burn := collector.BurnEvent{
		Sender:      common.HexToAddress("0x0000000000000000000000000000000000a11a"),
		Amount:      big.NewInt(500),
		FromERC20:   common.HexToAddress("0x0000000000000000000000000000000000b22b"),
		RecipientID: recipient.Bytes(),
		ToToken:     toToken,
		Name:        [32]byte{'W', 'B', 'T', 'C'},
		Symbol:      [16]byte{'W', 'B', 'T', 'C'},
		Decimals:    8,
	}

	require.NoError(t, coordinator.BaseDispatcher().OnBurn(ctx, burn))

	entries, err := store.GetForAddress(ctx, recipient, opstore.Pagination{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	id := entries[0].Id

	op, ok := entries[0].Payload.(*ops.Erc20Erc20Operation)
	require.True(t, ok)
	require.Equal(t, ops.StageSignMintOrder, op.Stage)

	// drive SignMintOrder -> SendMintTransaction -> WaitForMintConfirm
	require.NoError(t, sched.Run(ctx))
	require.NoError(t, coordinator.signer.Run(ctx))
	require.NoError(t, sched.Run(ctx))
	require.NoError(t, coordinator.sender.Run(ctx))

	require.Len(t, client.sent, 1)

	entry, err := store.GetWithId(ctx, id)
	require.NoError(t, err)
	op = entry.Payload.(*ops.Erc20Erc20Operation)
	require.Equal(t, ops.StageWaitForMintConfirm, op.Stage)
	require.NotNil(t, op.Order)

	mint := collector.MintEvent{
		Amount:     big.NewInt(500),
		ToERC20:    contractOf(op),
		Recipient:  recipient,
		Nonce:      uint32(op.Order.Nonce),
		ChargedFee: big.NewInt(0),
	}
	require.NoError(t, coordinator.WrappedDispatcher().OnMint(ctx, mint))

	status, err := coordinator.QueryDepositStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ops.StatusMinted, status.Kind)
}

// TestErc20Erc20CoordinatorDedupesRedeliveredBurn replays the same Burn
// event twice, as a collector restart would; only one operation may exist.
func TestErc20Erc20CoordinatorDedupesRedeliveredBurn(t *testing.T) {
	ctx := context.Background()
	coordinator, store, _, _ := newTestErc20Coordinator(t)

	recipient := common.HexToAddress("0x00000000000000000000000000000000c0ffee")
	burn := collector.BurnEvent{
		Sender:      common.HexToAddress("0x0000000000000000000000000000000000a11a"),
		Amount:      big.NewInt(500),
		RecipientID: recipient.Bytes(),
		Log:         collector.Log{TxHash: common.HexToHash("0xabc123")},
	}

	require.NoError(t, coordinator.BaseDispatcher().OnBurn(ctx, burn))
	require.NoError(t, coordinator.BaseDispatcher().OnBurn(ctx, burn))

	entries, err := store.GetForAddress(ctx, recipient, opstore.Pagination{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func contractOf(op *ops.Erc20Erc20Operation) common.Address {
	return op.Order.DstToken
}
