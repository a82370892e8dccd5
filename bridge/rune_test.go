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
	"github.com/stretchr/testify/require"
)

type runeCallbackProxy struct {
	coordinator *RuneCoordinator
}

func (p *runeCallbackProxy) OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error) {
	p.coordinator.OnOrderSigned(ctx, id, signed, err)
}

func (p *runeCallbackProxy) OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error) {
	p.coordinator.OnMintSubmitted(ctx, id, txHash, err)
}

func newTestRuneCoordinator(t *testing.T, blockTip func(context.Context) (uint64, error), actual RuneActualAmounts) (*RuneCoordinator, *opstore.Store, *scheduler.Scheduler) {
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

	const chainID = 11
	contract := common.HexToAddress("0x00000000000000000000000000000000000b07")
	client := &fakeEvmClient{}

	clients := map[uint64]evmiface.EVMClient{chainID: client}
	proxy := &runeCallbackProxy{}
	signMint := services.NewSignMintOrders(signer, proxy)
	sendMint := services.NewSendMintTransaction(clients,
		map[uint64]common.Address{chainID: contract},
		newTestParams(t, clients), signer, proxy)

	coordinator := NewRuneCoordinator(store, sched, signMint, sendMint, blockTip, actual, contract, 11)
	proxy.coordinator = coordinator
	return coordinator, store, sched
}

// TestRuneCoordinatorWaitsForConfirmations confirms a deposit below
// min_confirmations reports WaitingForConfirmations and signs nothing.
func TestRuneCoordinatorWaitsForConfirmations(t *testing.T) {
	ctx := context.Background()
	coordinator, store, sched := newTestRuneCoordinator(t,
		func(context.Context) (uint64, error) { return 103, nil },
		func(context.Context, string) (map[string]*big.Int, error) {
			t.Fatal("actualAmounts should not be consulted before confirmations are met")
			return nil, nil
		},
	)

	recipient := common.HexToAddress("0x00000000000000000000000000000000c0ffee")
	requested := map[string]*big.Int{"FOO": big.NewInt(100), "BAR": big.NewInt(200)}
	id, err := coordinator.NewDeposit(ctx, "bc1q-transit", recipient, requested, []uint64{100}, 6)
	require.NoError(t, err)

	require.NoError(t, sched.Run(ctx))

	entry, err := store.GetWithId(ctx, id)
	require.NoError(t, err)
	op := entry.Payload.(*ops.RuneOperation)
	require.Equal(t, ops.StageRuneWaitingForConfirmations, op.Stage)

	status, err := coordinator.QueryDepositStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ops.StatusWaitingForConfirmations, status.Kind)
	require.EqualValues(t, 4, status.CurrentConfirms)
	require.EqualValues(t, 6, status.RequiredConfirms)
}

// TestRuneCoordinatorRejectsAmountMismatch is the §8 "Rune amount mismatch"
// scenario: the user declares {FOO:100, BAR:200} but the actual UTXO
// carries {FOO:100, BAR:150}; the operation must land on InvalidAmounts
// with no order signed.
func TestRuneCoordinatorRejectsAmountMismatch(t *testing.T) {
	ctx := context.Background()
	coordinator, store, sched := newTestRuneCoordinator(t,
		func(context.Context) (uint64, error) { return 110, nil },
		func(context.Context, string) (map[string]*big.Int, error) {
			return map[string]*big.Int{"FOO": big.NewInt(100), "BAR": big.NewInt(150)}, nil
		},
	)

	recipient := common.HexToAddress("0x00000000000000000000000000000000c0ffee")
	requested := map[string]*big.Int{"FOO": big.NewInt(100), "BAR": big.NewInt(200)}
	id, err := coordinator.NewDeposit(ctx, "bc1q-transit", recipient, requested, []uint64{100, 101}, 6)
	require.NoError(t, err)

	require.NoError(t, sched.Run(ctx))

	entry, err := store.GetWithId(ctx, id)
	require.NoError(t, err)
	op := entry.Payload.(*ops.RuneOperation)
	require.Equal(t, ops.StageRuneInvalidAmounts, op.Stage)
	require.Nil(t, op.Order)
	require.True(t, op.IsComplete())

	status, err := coordinator.QueryDepositStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ops.StatusInvalidAmounts, status.Kind)
}

// TestRuneCoordinatorMintsOnMatchingAmounts confirms a deposit whose actual
// amounts match the requested amounts exactly signs an order for the
// lexicographically first rune id and reaches TokenMintConfirmed once the
// Mint event arrives.
func TestRuneCoordinatorMintsOnMatchingAmounts(t *testing.T) {
	ctx := context.Background()
	coordinator, store, sched := newTestRuneCoordinator(t,
		func(context.Context) (uint64, error) { return 106, nil },
		func(context.Context, string) (map[string]*big.Int, error) {
			return map[string]*big.Int{"ZEBRA": big.NewInt(300), "ALPHA": big.NewInt(100)}, nil
		},
	)

	recipient := common.HexToAddress("0x00000000000000000000000000000000c0ffee")
	requested := map[string]*big.Int{"ZEBRA": big.NewInt(300), "ALPHA": big.NewInt(100)}
	id, err := coordinator.NewDeposit(ctx, "bc1q-transit", recipient, requested, []uint64{100}, 6)
	require.NoError(t, err)

	require.NoError(t, sched.Run(ctx))              // WaitingForConfirmations -> SignMintOrder
	require.NoError(t, sched.Run(ctx))              // SignMintOrder pushed to signer
	require.NoError(t, coordinator.signer.Run(ctx)) // signs, OnOrderSigned -> SendMintTransaction
	require.NoError(t, sched.Run(ctx))               // pushed to sender
	require.NoError(t, coordinator.sender.Run(ctx)) // submits, OnMintSubmitted -> WaitForMintConfirm

	entry, err := store.GetWithId(ctx, id)
	require.NoError(t, err)
	op := entry.Payload.(*ops.RuneOperation)
	require.Equal(t, ops.StageRuneWaitForMintConfirm, op.Stage)
	require.Equal(t, "ALPHA", op.Order.Name) // lexicographically first of ALPHA/ZEBRA

	err = coordinator.onMint(ctx, collector.MintEvent{Recipient: recipient, Nonce: op.Order.Nonce})
	require.NoError(t, err)

	entry, err = store.GetWithId(ctx, id)
	require.NoError(t, err)
	op = entry.Payload.(*ops.RuneOperation)
	require.Equal(t, ops.StageRuneTokenMintConfirmed, op.Stage)
	require.True(t, op.IsComplete())
}
