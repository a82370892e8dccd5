// Package mintorder implements the fixed-layout, signed binary
// authorization a bridge contract accepts as proof that a burn or lock
// happened on the source chain. The layout is load-bearing wire format:
// the on-chain `batchMint` entry point parses these bytes directly.
package mintorder

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/nexusbridge/bridge-core/id256"
)

const (
	// OrderSize is the unsigned order's fixed length in bytes.
	OrderSize = 269
	// SignatureSize is the trailing Ethereum-style (r || s || v) signature.
	SignatureSize = 65
	// SignedOrderSize is OrderSize+SignatureSize.
	SignedOrderSize = OrderSize + SignatureSize

	offAmount             = 0
	offSender             = 32
	offSrcToken           = 64
	offRecipient          = 96
	offDstToken           = 116
	offNonce              = 136
	offSenderChainID      = 140
	offRecipientChainID   = 144
	offName               = 148
	offSymbol             = 180
	offDecimals           = 196
	offApproveSpender     = 197
	offApproveAmount      = 217
	offFeePayer           = 249
	lenName               = 32
	lenSymbol             = 16
)

// MintOrder is the unsigned, 269-byte order body minted on a destination
// chain once a deposit is confirmed.
type MintOrder struct {
	Amount            *uint256.Int
	Sender            id256.Id256
	SrcToken          id256.Id256
	Recipient         common.Address
	DstToken          common.Address
	Nonce             uint32
	SenderChainID     uint32
	RecipientChainID  uint32
	Name              string
	Symbol            string
	Decimals          uint8
	ApproveSpender    common.Address
	ApproveAmount     *uint256.Int
	FeePayer          common.Address
}

// Signature is an Ethereum-style recoverable ECDSA signature: 32-byte r,
// 32-byte s, 1-byte v (27/28 or the chain-id-aware equivalent already
// folded down to 0/1 by the caller, matching the bridge contract's
// ecrecover usage).
type Signature [SignatureSize]byte

// SignedMintOrder is the 334-byte wire value: the order body followed by
// its signature. Accessors read fields directly out of Body so they agree
// bit-exactly with Decode.
type SignedMintOrder struct {
	Body [OrderSize]byte
	Sig  Signature
}

func zeroPadString(s string, n int) ([]byte, error) {
	b := []byte(s)
	if len(b) > n {
		return nil, fmt.Errorf("mintorder: %q exceeds %d bytes", s, n)
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func trimTrailingZeros(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return string(b[:i])
}

// Encode writes o into a fresh OrderSize buffer without signing it. Encode
// never fails on well-typed input: every field has a fixed, in-range Go
// type except Name/Symbol, whose length is checked here.
func Encode(o *MintOrder) ([OrderSize]byte, error) {
	var buf [OrderSize]byte

	if o.Amount == nil || o.ApproveAmount == nil {
		return buf, fmt.Errorf("mintorder: Amount and ApproveAmount must not be nil")
	}

	amountBytes := o.Amount.Bytes32()
	copy(buf[offAmount:offAmount+32], amountBytes[:])
	copy(buf[offSender:offSender+32], o.Sender[:])
	copy(buf[offSrcToken:offSrcToken+32], o.SrcToken[:])
	copy(buf[offRecipient:offRecipient+20], o.Recipient[:])
	copy(buf[offDstToken:offDstToken+20], o.DstToken[:])
	binary.BigEndian.PutUint32(buf[offNonce:offNonce+4], o.Nonce)
	binary.BigEndian.PutUint32(buf[offSenderChainID:offSenderChainID+4], o.SenderChainID)
	binary.BigEndian.PutUint32(buf[offRecipientChainID:offRecipientChainID+4], o.RecipientChainID)

	name, err := zeroPadString(o.Name, lenName)
	if err != nil {
		return buf, err
	}
	copy(buf[offName:offName+lenName], name)

	symbol, err := zeroPadString(o.Symbol, lenSymbol)
	if err != nil {
		return buf, err
	}
	copy(buf[offSymbol:offSymbol+lenSymbol], symbol)

	buf[offDecimals] = o.Decimals
	copy(buf[offApproveSpender:offApproveSpender+20], o.ApproveSpender[:])

	approveBytes := o.ApproveAmount.Bytes32()
	copy(buf[offApproveAmount:offApproveAmount+32], approveBytes[:])
	copy(buf[offFeePayer:offFeePayer+20], o.FeePayer[:])

	return buf, nil
}

// Decode is the exact inverse of Encode over the first OrderSize bytes. It
// refuses inputs shorter than OrderSize.
func Decode(b []byte) (*MintOrder, bool) {
	if len(b) < OrderSize {
		return nil, false
	}
	o := &MintOrder{
		Amount:           new(uint256.Int).SetBytes(b[offAmount : offAmount+32]),
		Recipient:        common.BytesToAddress(b[offRecipient : offRecipient+20]),
		DstToken:         common.BytesToAddress(b[offDstToken : offDstToken+20]),
		Nonce:            binary.BigEndian.Uint32(b[offNonce : offNonce+4]),
		SenderChainID:    binary.BigEndian.Uint32(b[offSenderChainID : offSenderChainID+4]),
		RecipientChainID: binary.BigEndian.Uint32(b[offRecipientChainID : offRecipientChainID+4]),
		Name:             trimTrailingZeros(b[offName : offName+lenName]),
		Symbol:           trimTrailingZeros(b[offSymbol : offSymbol+lenSymbol]),
		Decimals:         b[offDecimals],
		ApproveSpender:   common.BytesToAddress(b[offApproveSpender : offApproveSpender+20]),
		ApproveAmount:    new(uint256.Int).SetBytes(b[offApproveAmount : offApproveAmount+32]),
		FeePayer:         common.BytesToAddress(b[offFeePayer : offFeePayer+20]),
	}
	sender, err := id256.FromBytes(b[offSender : offSender+32])
	if err != nil {
		return nil, false
	}
	o.Sender = sender
	srcToken, err := id256.FromBytes(b[offSrcToken : offSrcToken+32])
	if err != nil {
		return nil, false
	}
	o.SrcToken = srcToken
	return o, true
}

// DecodeSigned additionally parses the trailing signature; it refuses
// inputs shorter than SignedOrderSize.
func DecodeSigned(b []byte) (*MintOrder, Signature, bool) {
	if len(b) < SignedOrderSize {
		return nil, Signature{}, false
	}
	o, ok := Decode(b[:OrderSize])
	if !ok {
		return nil, Signature{}, false
	}
	var sig Signature
	copy(sig[:], b[OrderSize:SignedOrderSize])
	return o, sig, true
}

// GetAmount reads the amount field directly out of the stored bytes; it
// agrees bit-exactly with Decode(s.Body[:]).Amount.
func (s *SignedMintOrder) GetAmount() *uint256.Int {
	return new(uint256.Int).SetBytes(s.Body[offAmount : offAmount+32])
}

func (s *SignedMintOrder) GetNonce() uint32 {
	return binary.BigEndian.Uint32(s.Body[offNonce : offNonce+4])
}

func (s *SignedMintOrder) GetSenderChainID() uint32 {
	return binary.BigEndian.Uint32(s.Body[offSenderChainID : offSenderChainID+4])
}

func (s *SignedMintOrder) GetRecipientChainID() uint32 {
	return binary.BigEndian.Uint32(s.Body[offRecipientChainID : offRecipientChainID+4])
}

func (s *SignedMintOrder) GetRecipient() common.Address {
	return common.BytesToAddress(s.Body[offRecipient : offRecipient+20])
}

func (s *SignedMintOrder) GetDstToken() common.Address {
	return common.BytesToAddress(s.Body[offDstToken : offDstToken+20])
}

func (s *SignedMintOrder) GetFeePayer() common.Address {
	return common.BytesToAddress(s.Body[offFeePayer : offFeePayer+20])
}

// Bytes returns the full 334-byte wire value.
func (s *SignedMintOrder) Bytes() []byte {
	out := make([]byte, 0, SignedOrderSize)
	out = append(out, s.Body[:]...)
	out = append(out, s.Sig[:]...)
	return out
}
