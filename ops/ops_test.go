package ops

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/nexusbridge/bridge-core/id256"
	"github.com/nexusbridge/bridge-core/mintorder"
	"github.com/nexusbridge/bridge-core/opstore"
	"github.com/stretchr/testify/require"
)

func sampleOrder() *mintorder.MintOrder {
	sender := id256.FromEvmAddress(common.HexToAddress("0x1111111111111111111111111111111111111111"), 1)
	return &mintorder.MintOrder{
		Amount:           uint256.NewInt(1000),
		Sender:           sender,
		SrcToken:         sender,
		Recipient:        common.HexToAddress("0x2222222222222222222222222222222222222222"),
		DstToken:         common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Nonce:            1,
		RecipientChainID: 8453,
		Name:             "Test",
		Symbol:           "TST",
		ApproveAmount:    uint256.NewInt(0),
	}
}

func TestErc20Erc20ProgressionToTerminal(t *testing.T) {
	op := NewErc20Erc20SignOrder(SideBase, sampleOrder())
	require.False(t, op.IsComplete())
	opts, ok := op.SchedulingOptions()
	require.True(t, ok)
	require.NotZero(t, opts.Retry.Kind)

	op.Order.FeePayer = common.HexToAddress("0x7777777777777777777777777777777777777777")
	require.Equal(t, StageSendMintTransaction, NextStageAfterSign(op.Order))

	confirmed := op.ApplyMintConfirmed("0")
	require.True(t, confirmed.IsComplete())
	_, ok = confirmed.SchedulingOptions()
	require.False(t, ok)
}

func TestErc20Erc20SkipsSendWhenFeePayerZero(t *testing.T) {
	order := sampleOrder()
	require.Equal(t, StageWaitForMintConfirm, NextStageAfterSign(order))
}

func TestErc20Erc20RevertedRetriesSend(t *testing.T) {
	op := NewErc20Erc20SignOrder(SideWrapped, sampleOrder())
	op.Stage = StageWaitForMintConfirm
	op.TxHash = common.HexToHash("0xdead")
	reverted := op.ApplyReverted()
	require.Equal(t, StageSendMintTransaction, reverted.Stage)
	require.Len(t, reverted.Results, 1)
	require.True(t, reverted.Results[0].Reverted)
}

func TestIcrcRefundSwapsSenderAndClearsApprove(t *testing.T) {
	order := sampleOrder()
	order.ApproveSpender = common.HexToAddress("0x4444444444444444444444444444444444444444")
	op := NewIcrcDeposit([]byte{0xaa, 0xbb}, common.HexToAddress("0x5555555555555555555555555555555555555555"), order)
	op.Stage = StageIcrcWaitForMintConfirm

	refunded := op.ApplyMintRefused()
	require.Equal(t, StageIcrcRefundSign, refunded.Stage)
	require.NotNil(t, refunded.RefundOrder)
	require.Equal(t, common.Address{}, refunded.RefundOrder.ApproveSpender)
	chainID, addr, ok := refunded.RefundOrder.Sender.ToEvmAddress()
	require.True(t, ok)
	require.Equal(t, order.RecipientChainID, chainID)
	require.Equal(t, order.Recipient, addr)

	final := refunded.ApplyRefundConfirmed()
	require.True(t, final.IsComplete())
}

func TestBrc20WaitingForConfirmations(t *testing.T) {
	op := NewBrc20Deposit("ordi", "bc1qtransit", common.HexToAddress("0x6666666666666666666666666666666666666666"), big.NewInt(100), []uint64{998}, 6)
	met, current, required := op.CheckConfirmations(1000)
	require.False(t, met)
	require.Equal(t, uint64(3), current)
	require.Equal(t, uint64(6), required)

	met, current, _ = op.CheckConfirmations(1003)
	require.True(t, met)
	require.Equal(t, uint64(6), current)

	confirmed := op.ApplyConfirmed(current, big.NewInt(100), sampleOrder())
	require.Equal(t, StageBrc20SignMintOrder, confirmed.Stage)

	minted := confirmed.ApplyMintConfirmed()
	require.True(t, minted.IsComplete())
}

func TestBrc20InvalidAmountsOnMismatch(t *testing.T) {
	op := NewBrc20Deposit("ordi", "bc1qtransit", common.Address{}, big.NewInt(100), []uint64{1000}, 1)
	confirmed := op.ApplyConfirmed(1, big.NewInt(90), nil)
	require.Equal(t, StageBrc20InvalidAmounts, confirmed.Stage)
	require.True(t, confirmed.IsComplete())
	require.Nil(t, confirmed.Order)
}

func TestRuneAmountMismatch(t *testing.T) {
	requested := map[string]*big.Int{"FOO": big.NewInt(100), "BAR": big.NewInt(200)}
	actual := map[string]*big.Int{"FOO": big.NewInt(100), "BAR": big.NewInt(150)}

	op := NewRuneDeposit("bc1qtransit", common.Address{}, requested, []uint64{1000}, 1)
	confirmed := op.ApplyConfirmed(1, actual, sampleOrder())
	require.Equal(t, StageRuneInvalidAmounts, confirmed.Stage)
	require.Nil(t, confirmed.Order)
}

func TestRuneAmountMatchProceedsToSign(t *testing.T) {
	requested := map[string]*big.Int{"FOO": big.NewInt(100), "BAR": big.NewInt(200)}
	actual := map[string]*big.Int{"FOO": big.NewInt(100), "BAR": big.NewInt(200)}

	op := NewRuneDeposit("bc1qtransit", common.Address{}, requested, []uint64{1000}, 1)
	confirmed := op.ApplyConfirmed(1, actual, sampleOrder())
	require.Equal(t, StageRuneSignMintOrder, confirmed.Stage)
	require.NotNil(t, confirmed.Order)
}

func TestMinConfirmationsTakesMinimumAcrossUtxos(t *testing.T) {
	require.Equal(t, uint64(3), MinConfirmations(1000, []uint64{998, 990}))
	require.Equal(t, uint64(0), MinConfirmations(1000, []uint64{0, 990}))
	require.Equal(t, uint64(0), MinConfirmations(1000, nil))
}

func TestCodecRoundTripsEveryVariant(t *testing.T) {
	codec := Codec{}

	cases := []opstore.Operation{
		NewErc20Erc20SignOrder(SideBase, sampleOrder()),
		NewIcrcDeposit([]byte{1, 2, 3}, common.Address{}, sampleOrder()),
		NewBrc20Deposit("ordi", "bc1q", common.Address{}, big.NewInt(1), []uint64{1}, 1),
		NewRuneDeposit("bc1q", common.Address{}, map[string]*big.Int{"FOO": big.NewInt(1)}, []uint64{1}, 1),
		NewBtcDeposit("bc1q", common.Address{}, 1000, 10, []uint64{1}, 1),
	}

	for _, op := range cases {
		tag, data, err := codec.Encode(op)
		require.NoError(t, err)
		decoded, err := codec.Decode(tag, data)
		require.NoError(t, err)
		require.Equal(t, op.EvmWalletAddress(), decoded.EvmWalletAddress())
		require.Equal(t, op.IsComplete(), decoded.IsComplete())
	}
}
