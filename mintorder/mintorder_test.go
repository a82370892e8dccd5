package mintorder

import (
	"context"
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/nexusbridge/bridge-core/id256"
	"github.com/stretchr/testify/require"
)

func sampleOrder(t *testing.T) *MintOrder {
	t.Helper()
	return &MintOrder{
		Amount:           uint256.NewInt(300_000),
		Sender:           id256.FromEvmAddress(common.HexToAddress("0x1111111111111111111111111111111111111111"), 1),
		SrcToken:         id256.FromEvmAddress(common.HexToAddress("0x2222222222222222222222222222222222222222"), 1),
		Recipient:        common.HexToAddress("0x3333333333333333333333333333333333333333"),
		DstToken:         common.HexToAddress("0x4444444444444444444444444444444444444444"),
		Nonce:            42,
		SenderChainID:    1,
		RecipientChainID: 8453,
		Name:             "Wrapped USD Coin",
		Symbol:           "wUSDC",
		Decimals:         6,
		ApproveSpender:   common.Address{},
		ApproveAmount:    uint256.NewInt(0),
		FeePayer:         common.Address{},
	}
}

func genKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	o := sampleOrder(t)
	body, err := Encode(o)
	require.NoError(t, err)
	require.Len(t, body, OrderSize)

	got, ok := Decode(body[:])
	require.True(t, ok)
	require.Equal(t, o.Amount.Bytes32(), got.Amount.Bytes32())
	require.Equal(t, o.Sender, got.Sender)
	require.Equal(t, o.SrcToken, got.SrcToken)
	require.Equal(t, o.Recipient, got.Recipient)
	require.Equal(t, o.DstToken, got.DstToken)
	require.Equal(t, o.Nonce, got.Nonce)
	require.Equal(t, o.SenderChainID, got.SenderChainID)
	require.Equal(t, o.RecipientChainID, got.RecipientChainID)
	require.Equal(t, o.Name, got.Name)
	require.Equal(t, o.Symbol, got.Symbol)
	require.Equal(t, o.Decimals, got.Decimals)
	require.Equal(t, o.ApproveSpender, got.ApproveSpender)
	require.Equal(t, o.ApproveAmount.Bytes32(), got.ApproveAmount.Bytes32())
	require.Equal(t, o.FeePayer, got.FeePayer)
}

func TestDecodeRejectsShortInput(t *testing.T) {
	_, ok := Decode(make([]byte, OrderSize-1))
	require.False(t, ok)
}

func TestDecodeSignedRejectsShortInput(t *testing.T) {
	_, _, ok := DecodeSigned(make([]byte, SignedOrderSize-1))
	require.False(t, ok)
}

func TestEncodeAndSignVerifies(t *testing.T) {
	key := genKey(t)
	signer := NewLocalKeySigner(key)

	o := sampleOrder(t)
	signed, err := EncodeAndSign(context.Background(), o, signer)
	require.NoError(t, err)

	require.True(t, Verify(signed.Body, signed.Sig, signer.PublicKey()))

	wrongKey := genKey(t)
	require.False(t, Verify(signed.Body, signed.Sig, &wrongKey.PublicKey))
}

func TestSignedMintOrderAccessorsAgreeWithDecode(t *testing.T) {
	key := genKey(t)
	signer := NewLocalKeySigner(key)
	o := sampleOrder(t)

	signed, err := EncodeAndSign(context.Background(), o, signer)
	require.NoError(t, err)

	decoded, sig, ok := DecodeSigned(signed.Bytes())
	require.True(t, ok)
	require.Equal(t, signed.Sig, sig)

	require.Equal(t, decoded.Amount.Bytes32(), signed.GetAmount().Bytes32())
	require.Equal(t, decoded.Nonce, signed.GetNonce())
	require.Equal(t, decoded.SenderChainID, signed.GetSenderChainID())
	require.Equal(t, decoded.RecipientChainID, signed.GetRecipientChainID())
	require.Equal(t, decoded.Recipient, signed.GetRecipient())
	require.Equal(t, decoded.DstToken, signed.GetDstToken())
	require.Equal(t, decoded.FeePayer, signed.GetFeePayer())
}

func TestNameOverflowRejected(t *testing.T) {
	o := sampleOrder(t)
	o.Name = ""
	for i := 0; i < 40; i++ {
		o.Name += "x"
	}
	_, err := Encode(o)
	require.Error(t, err)
}

type failingSigner struct{ pub *ecdsa.PublicKey }

func (f *failingSigner) PublicKey() *ecdsa.PublicKey { return f.pub }
func (f *failingSigner) SignDigest(context.Context, [32]byte) (Signature, error) {
	return Signature{}, &SigningError{Cause: context.DeadlineExceeded}
}

func TestEncodeAndSignPropagatesSigningError(t *testing.T) {
	key := genKey(t)
	_, err := EncodeAndSign(context.Background(), sampleOrder(t), &failingSigner{pub: &key.PublicKey})
	require.Error(t, err)
	var se *SigningError
	require.ErrorAs(t, err, &se)
}
