package bridge

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/nexusbridge/bridge-core/collector"
	"github.com/nexusbridge/bridge-core/evmiface"
	"github.com/nexusbridge/bridge-core/id256"
	"github.com/nexusbridge/bridge-core/mintorder"
	"github.com/nexusbridge/bridge-core/ops"
	"github.com/nexusbridge/bridge-core/opstore"
	"github.com/nexusbridge/bridge-core/scheduler"
	"github.com/nexusbridge/bridge-core/services"
	"github.com/stretchr/testify/require"
)

type icrcCallbackProxy struct {
	coordinator *IcrcCoordinator
}

func (p *icrcCallbackProxy) OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error) {
	p.coordinator.OnOrderSigned(ctx, id, signed, err)
}

func (p *icrcCallbackProxy) OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error) {
	p.coordinator.OnMintSubmitted(ctx, id, txHash, err)
}

func newTestIcrcCoordinator(t *testing.T) (*IcrcCoordinator, *opstore.Store, *scheduler.Scheduler) {
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

	const chainID = 5
	contract := common.HexToAddress("0x00000000000000000000000000000000000bee")
	client := &fakeEvmClient{}

	clients := map[uint64]evmiface.EVMClient{chainID: client}
	proxy := &icrcCallbackProxy{}
	signMint := services.NewSignMintOrders(signer, proxy)
	sendMint := services.NewSendMintTransaction(clients,
		map[uint64]common.Address{chainID: contract},
		newTestParams(t, clients), signer, proxy)

	transferFrom := func(ctx context.Context, ledger common.Address, principal []byte, amount *uint256.Int) (uint64, error) {
		return 1, nil
	}

	coordinator := NewIcrcCoordinator(store, sched, signMint, sendMint, transferFrom)
	proxy.coordinator = coordinator
	return coordinator, store, sched
}

// TestIcrcCoordinatorRefundsOnMintRefusal confirms that a NotifyMinter
// "mint refused" event for an operation waiting on mint confirmation moves
// it onto the refund sub-path instead of leaving it stuck.
func TestIcrcCoordinatorRefundsOnMintRefusal(t *testing.T) {
	ctx := context.Background()
	coordinator, store, _ := newTestIcrcCoordinator(t)

	recipient := common.HexToAddress("0x00000000000000000000000000000000c0ffee")
	order := &mintorder.MintOrder{
		Amount:           uint256.NewInt(1000),
		Sender:           id256.None,
		SrcToken:         id256.None,
		Recipient:        recipient,
		DstToken:         common.HexToAddress("0x00000000000000000000000000000000000ddd"),
		Nonce:            7,
		RecipientChainID: 5,
		ApproveAmount:    uint256.NewInt(0),
	}
	op := ops.NewIcrcDeposit([]byte("principal-bytes"), common.HexToAddress("0x00000000000000000000000000000000000aaa"), order)
	id, err := store.NewOperation(ctx, op, recipient.Hex(), "")
	require.NoError(t, err)

	waiting := *op
	waiting.Stage = ops.StageIcrcWaitForMintConfirm
	require.NoError(t, store.Update(ctx, id, &waiting))

	notify := collector.NotifyMinterEvent{
		NotificationType: 1, // mint refused
		TxSender:         recipient,
	}
	require.NoError(t, coordinator.Dispatcher().OnNotifyMinter(ctx, notify))

	entry, err := store.GetWithId(ctx, id)
	require.NoError(t, err)
	refunded := entry.Payload.(*ops.IcrcOperation)
	require.Equal(t, ops.StageIcrcRefundSign, refunded.Stage)
	require.NotNil(t, refunded.RefundOrder)
	require.Equal(t, order.Nonce, refunded.RefundOrder.Nonce)
	require.Equal(t, recipient, refunded.RefundOrder.Recipient) // wrapped tokens still reach the user's wallet
	require.True(t, refunded.RefundOrder.ApproveAmount.IsZero())
	require.NotEqual(t, order.Sender, refunded.RefundOrder.Sender)
}
