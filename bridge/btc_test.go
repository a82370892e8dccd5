package bridge

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nexusbridge/bridge-core/collector"
	"github.com/nexusbridge/bridge-core/evmiface"
	"github.com/nexusbridge/bridge-core/mintorder"
	"github.com/nexusbridge/bridge-core/ops"
	"github.com/nexusbridge/bridge-core/opstore"
	"github.com/nexusbridge/bridge-core/scheduler"
	"github.com/nexusbridge/bridge-core/services"
	"github.com/nexusbridge/bridge-core/utxo"
	"github.com/stretchr/testify/require"
)

type btcCallbackProxy struct {
	coordinator *BtcCoordinator
}

func (p *btcCallbackProxy) OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error) {
	p.coordinator.OnOrderSigned(ctx, id, signed, err)
}

func (p *btcCallbackProxy) OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error) {
	p.coordinator.OnMintSubmitted(ctx, id, txHash, err)
}

func newTestBtcCoordinator(t *testing.T, blockTip func(context.Context) (uint64, error), build BtcBuildTransaction, broadcast BtcBroadcast) (*BtcCoordinator, *opstore.Store, *scheduler.Scheduler, *utxo.Ledger) {
	t.Helper()
	store, err := opstore.Open(":memory:", ops.Codec{}, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	sched, err := scheduler.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sched.Close() })
	ledger, err := utxo.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := mintorder.NewLocalKeySigner(key)

	const chainID = 13
	contract := common.HexToAddress("0x00000000000000000000000000000000000b7c")
	client := &fakeEvmClient{}

	clients := map[uint64]evmiface.EVMClient{chainID: client}
	proxy := &btcCallbackProxy{}
	signMint := services.NewSignMintOrders(signer, proxy)
	sendMint := services.NewSendMintTransaction(clients,
		map[uint64]common.Address{chainID: contract},
		newTestParams(t, clients), signer, proxy)

	coordinator := NewBtcCoordinator(store, sched, signMint, sendMint, ledger, blockTip, build, broadcast, contract, 13)
	proxy.coordinator = coordinator
	return coordinator, store, sched, ledger
}

// TestBtcCoordinatorDepositHappyPath drives a plain-Bitcoin deposit from
// WaitingForConfirmations through to TokenMintConfirmed, deducting
// deposit_fee_sats from the minted amount.
func TestBtcCoordinatorDepositHappyPath(t *testing.T) {
	ctx := context.Background()
	coordinator, store, sched, _ := newTestBtcCoordinator(t,
		func(context.Context) (uint64, error) { return 106, nil },
		nil, nil,
	)

	recipient := common.HexToAddress("0x00000000000000000000000000000000c0ffee")
	id, err := coordinator.NewDeposit(ctx, "bc1q-deposit", recipient, 100_000, 1_000, []uint64{100}, 6)
	require.NoError(t, err)

	require.NoError(t, sched.Run(ctx))              // WaitingForConfirmations -> SignMintOrder
	require.NoError(t, sched.Run(ctx))              // SignMintOrder pushed to signer
	require.NoError(t, coordinator.signer.Run(ctx))  // signs, OnOrderSigned -> SendMintTransaction
	require.NoError(t, sched.Run(ctx))               // pushed to sender
	require.NoError(t, coordinator.sender.Run(ctx))  // submits, OnMintSubmitted -> WaitForMintConfirm

	entry, err := store.GetWithId(ctx, id)
	require.NoError(t, err)
	op := entry.Payload.(*ops.BtcOperation)
	require.Equal(t, ops.StageBtcWaitForMintConfirm, op.Stage)
	require.Equal(t, big.NewInt(99_000), op.Order.Amount.ToBig())

	require.NoError(t, coordinator.onMint(ctx, collector.MintEvent{Recipient: recipient, Nonce: op.Order.Nonce}))

	status, err := coordinator.QueryDepositStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ops.StatusMinted, status.Kind)
}

// TestBtcCoordinatorDepositWaitsForConfirmations mirrors the BRC-20
// insufficient-confirmations scenario for the plain-Bitcoin variant.
func TestBtcCoordinatorDepositWaitsForConfirmations(t *testing.T) {
	ctx := context.Background()
	coordinator, _, sched, _ := newTestBtcCoordinator(t,
		func(context.Context) (uint64, error) { return 102, nil },
		nil, nil,
	)

	recipient := common.HexToAddress("0x00000000000000000000000000000000c0ffee")
	id, err := coordinator.NewDeposit(ctx, "bc1q-deposit", recipient, 100_000, 1_000, []uint64{100}, 6)
	require.NoError(t, err)

	require.NoError(t, sched.Run(ctx))

	status, err := coordinator.QueryDepositStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ops.StatusWaitingForConfirmations, status.Kind)
	require.EqualValues(t, 3, status.CurrentConfirms)
	require.EqualValues(t, 6, status.RequiredConfirms)
}

// TestBtcCoordinatorWithdrawSpendsLedgerUtxo confirms a withdraw marks its
// spend UTXOs used up front, builds and broadcasts a transaction, and
// releases the spent UTXOs from the ledger entirely once broadcast.
func TestBtcCoordinatorWithdrawSpendsLedgerUtxo(t *testing.T) {
	ctx := context.Background()
	var built []utxo.Key
	build := func(ctx context.Context, spend []utxo.Key, dest string, amountSats int64) ([]byte, error) {
		built = spend
		return []byte{0xde, 0xad, 0xbe, 0xef}, nil
	}
	broadcast := func(ctx context.Context, raw []byte) (string, error) {
		return "txid-123", nil
	}
	coordinator, store, sched, ledger := newTestBtcCoordinator(t, nil, build, broadcast)

	key := utxo.Key{TxID: [32]byte{1, 2, 3}, Vout: 0}
	require.NoError(t, ledger.Deposit(ctx, key, "bc1q-change", utxo.Details{Value: 50_000, Script: []byte{0x00}, DerivationPath: "m/0/0"}))

	recipient := common.HexToAddress("0x00000000000000000000000000000000c0ffee")
	id, err := coordinator.NewWithdraw(ctx, "bc1q-user-dest", 49_000, []utxo.Key{key}, recipient)
	require.NoError(t, err)

	require.NoError(t, sched.Run(ctx)) // build transaction
	require.Equal(t, []utxo.Key{key}, built)

	require.NoError(t, sched.Run(ctx)) // broadcast

	entry, err := store.GetWithId(ctx, id)
	require.NoError(t, err)
	op := entry.Payload.(*ops.BtcOperation)
	require.Equal(t, ops.StageBtcWithdrawConfirmed, op.Stage)
	require.Equal(t, "txid-123", op.BroadcastTxID)
	require.True(t, op.IsComplete())

	unspent, err := ledger.LoadUnspentUtxos(ctx)
	require.NoError(t, err)
	require.Empty(t, unspent)
}
