package utxo

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestTransitAddressIsDeterministicPerUser(t *testing.T) {
	master, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	alice := common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob := common.HexToAddress("0x2222222222222222222222222222222222222222")

	a1, err := TransitAddress(master.PubKey(), alice, &chaincfg.MainNetParams)
	require.NoError(t, err)
	a2, err := TransitAddress(master.PubKey(), alice, &chaincfg.MainNetParams)
	require.NoError(t, err)
	b, err := TransitAddress(master.PubKey(), bob, &chaincfg.MainNetParams)
	require.NoError(t, err)

	require.Equal(t, a1.EncodeAddress(), a2.EncodeAddress())
	require.NotEqual(t, a1.EncodeAddress(), b.EncodeAddress())
}

func TestTransitPrivateKeyMatchesPublicDerivation(t *testing.T) {
	master, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	user := common.HexToAddress("0x3333333333333333333333333333333333333333")

	pub, err := TransitPublicKey(master.PubKey(), user)
	require.NoError(t, err)
	priv := TransitPrivateKey(master, user)
	require.Equal(t, pub.SerializeCompressed(), priv.PubKey().SerializeCompressed())
}

func TestDerivationPathRoundTrip(t *testing.T) {
	user := common.HexToAddress("0x4444444444444444444444444444444444444444")
	path := DerivationPathForUser(user)
	back, err := UserFromDerivationPath(path)
	require.NoError(t, err)
	require.Equal(t, user, back)

	_, err = UserFromDerivationPath("not-hex")
	require.Error(t, err)
}

// TestBuildAndSignWithdraw spends a transit-address UTXO back to a user
// destination and verifies the resulting witness against the script engine.
func TestBuildAndSignWithdraw(t *testing.T) {
	params := &chaincfg.MainNetParams
	master, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	user := common.HexToAddress("0x5555555555555555555555555555555555555555")

	transit, err := TransitAddress(master.PubKey(), user, params)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(transit)
	require.NoError(t, err)

	hash := chainhash.HashH([]byte("funding"))
	spend := []UnspentUTXO{{
		OutPoint:       wire.OutPoint{Hash: hash, Index: 1},
		TxOut:          wire.TxOut{Value: 100_000, PkScript: pkScript},
		DerivationPath: DerivationPathForUser(user),
	}}

	destKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	destUser := common.HexToAddress("0x6666666666666666666666666666666666666666")
	dest, err := TransitAddress(destKey.PubKey(), destUser, params)
	require.NoError(t, err)

	packet, err := BuildWithdrawPacket(spend, dest.EncodeAddress(), 90_000, 1_000, transit.EncodeAddress(), params)
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxIn, 1)
	require.Len(t, packet.UnsignedTx.TxOut, 2) // destination + change above dust

	raw, err := SignWithdrawPacket(packet, spend, func(path string) (*btcec.PrivateKey, error) {
		u, err := UserFromDerivationPath(path)
		if err != nil {
			return nil, err
		}
		return TransitPrivateKey(master, u), nil
	})
	require.NoError(t, err)

	var final wire.MsgTx
	require.NoError(t, final.Deserialize(bytes.NewReader(raw)))
	require.Len(t, final.TxIn, 1)
	require.NotEmpty(t, final.TxIn[0].Witness)
	require.Equal(t, int64(90_000), final.TxOut[0].Value)
	require.Equal(t, int64(9_000), final.TxOut[1].Value)

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	fetcher.AddPrevOut(spend[0].OutPoint, &spend[0].TxOut)
	vm, err := txscript.NewEngine(pkScript, &final, 0, txscript.StandardVerifyFlags,
		nil, txscript.NewTxSigHashes(&final, fetcher), 100_000, fetcher)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func TestBuildWithdrawPacketRejectsUnderfundedInputs(t *testing.T) {
	params := &chaincfg.MainNetParams
	master, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	user := common.HexToAddress("0x7777777777777777777777777777777777777777")
	transit, err := TransitAddress(master.PubKey(), user, params)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(transit)
	require.NoError(t, err)

	spend := []UnspentUTXO{{
		OutPoint: wire.OutPoint{Hash: chainhash.HashH([]byte("x")), Index: 0},
		TxOut:    wire.TxOut{Value: 10_000, PkScript: pkScript},
	}}
	_, err = BuildWithdrawPacket(spend, transit.EncodeAddress(), 90_000, 1_000, transit.EncodeAddress(), params)
	require.Error(t, err)
}
