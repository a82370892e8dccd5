package id256

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestEvmRoundTrip(t *testing.T) {
	addr := common.HexToAddress("0x00000000219ab540356cbb839cbe05303d7705fa")
	id := FromEvmAddress(addr, 8453)

	chainID, got, ok := id.ToEvmAddress()
	require.True(t, ok)
	require.Equal(t, uint32(8453), chainID)
	require.Equal(t, addr, got)
	require.Equal(t, KindEvm, id.Kind())
}

func TestCrossKindFailsCleanly(t *testing.T) {
	id := FromEvmAddress(common.Address{}, 1)
	_, ok := id.ToPrincipal()
	require.False(t, ok)
	_, _, ok = id.ToBtcTxIndex()
	require.False(t, ok)
	_, ok = id.ToBrc20Tick()
	require.False(t, ok)
}

func TestPrincipalRoundTrip(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03, 0xff}
	id, err := FromPrincipal(raw)
	require.NoError(t, err)

	got, ok := id.ToPrincipal()
	require.True(t, ok)
	require.Equal(t, raw, got)
}

func TestPrincipalTooLong(t *testing.T) {
	_, err := FromPrincipal(make([]byte, 30))
	require.Error(t, err)
}

func TestBtcOutpointRoundTrip(t *testing.T) {
	id := FromBtcTxIndex(812345, 7)
	block, idx, ok := id.ToBtcTxIndex()
	require.True(t, ok)
	require.Equal(t, uint64(812345), block)
	require.Equal(t, uint32(7), idx)
}

func TestBrc20TickRoundTrip(t *testing.T) {
	id, err := FromBrc20Tick("ordi")
	require.NoError(t, err)
	tick, ok := id.ToBrc20Tick()
	require.True(t, ok)
	require.Equal(t, "ordi", tick)
}

func TestNoneIsZero(t *testing.T) {
	require.Equal(t, KindNone, None.Kind())
	require.Equal(t, [32]byte{}, [32]byte(None))
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, err := FromBytes(make([]byte, 31))
	require.Error(t, err)
}
