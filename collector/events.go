package collector

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EventKind distinguishes the three topics the bridge contract emits.
type EventKind byte

const (
	EventUnknown EventKind = iota
	EventBurn
	EventMint
	EventNotifyMinter
)

// BurnEvent mirrors BurnTokenEvent(address,uint256,address,bytes,bytes32,uint32,bytes32,bytes16,uint8,bytes32).
type BurnEvent struct {
	Sender        common.Address
	Amount        *big.Int
	FromERC20     common.Address
	RecipientID   []byte
	ToToken       [32]byte
	OperationID   uint32
	Name          [32]byte
	Symbol        [16]byte
	Decimals      uint8
	Memo          [32]byte
	Log           Log
}

// MintEvent mirrors MintTokenEvent(uint256,bytes32,bytes32,address,address,uint32,uint256).
type MintEvent struct {
	Amount     *big.Int
	FromToken  [32]byte
	SenderID   [32]byte
	ToERC20    common.Address
	Recipient  common.Address
	Nonce      uint32
	ChargedFee *big.Int
	Log        Log
}

// NotifyMinterEvent mirrors NotifyMinterEvent(uint32,address,bytes,bytes32).
type NotifyMinterEvent struct {
	NotificationType uint32
	TxSender         common.Address
	UserData         []byte
	Memo             [32]byte
	Log              Log
}

var (
	burnArgs  abi.Arguments
	mintArgs  abi.Arguments
	notifyArgs abi.Arguments

	burnTopic   common.Hash
	mintTopic   common.Hash
	notifyTopic common.Hash
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func init() {
	burnArgs = abi.Arguments{
		{Type: mustType("address")}, {Type: mustType("uint256")}, {Type: mustType("address")},
		{Type: mustType("bytes")}, {Type: mustType("bytes32")}, {Type: mustType("uint32")},
		{Type: mustType("bytes32")}, {Type: mustType("bytes16")}, {Type: mustType("uint8")},
		{Type: mustType("bytes32")},
	}
	mintArgs = abi.Arguments{
		{Type: mustType("uint256")}, {Type: mustType("bytes32")}, {Type: mustType("bytes32")},
		{Type: mustType("address")}, {Type: mustType("address")}, {Type: mustType("uint32")},
		{Type: mustType("uint256")},
	}
	notifyArgs = abi.Arguments{
		{Type: mustType("uint32")}, {Type: mustType("address")}, {Type: mustType("bytes")},
		{Type: mustType("bytes32")},
	}

	burnTopic = crypto.Keccak256Hash([]byte("BurnTokenEvent(address,uint256,address,bytes,bytes32,uint32,bytes32,bytes16,uint8,bytes32)"))
	mintTopic = crypto.Keccak256Hash([]byte("MintTokenEvent(uint256,bytes32,bytes32,address,address,uint32,uint256)"))
	notifyTopic = crypto.Keccak256Hash([]byte("NotifyMinterEvent(uint32,address,bytes,bytes32)"))
}

// Topics returns the three event signature hashes the collector filters
// logs by, in the order Burn, Mint, NotifyMinter.
func Topics() []common.Hash {
	return []common.Hash{burnTopic, mintTopic, notifyTopic}
}

// Decode attempts Burn, then Mint, then NotifyMinter, returning the first
// that succeeds. Unknown logs return EventUnknown and a nil event.
func Decode(l Log) (EventKind, any, error) {
	if len(l.Topics) == 0 {
		return EventUnknown, nil, nil
	}
	switch l.Topics[0] {
	case burnTopic:
		vals, err := burnArgs.Unpack(l.Data)
		if err != nil {
			return EventUnknown, nil, fmt.Errorf("collector: unpack burn log => %w", err)
		}
		e := BurnEvent{
			Sender:      vals[0].(common.Address),
			Amount:      vals[1].(*big.Int),
			FromERC20:   vals[2].(common.Address),
			RecipientID: vals[3].([]byte),
			ToToken:     vals[4].([32]byte),
			OperationID: vals[5].(uint32),
			Name:        vals[6].([32]byte),
			Symbol:      vals[7].([16]byte),
			Decimals:    vals[8].(uint8),
			Memo:        vals[9].([32]byte),
			Log:         l,
		}
		return EventBurn, e, nil
	case mintTopic:
		vals, err := mintArgs.Unpack(l.Data)
		if err != nil {
			return EventUnknown, nil, fmt.Errorf("collector: unpack mint log => %w", err)
		}
		e := MintEvent{
			Amount:     vals[0].(*big.Int),
			FromToken:  vals[1].([32]byte),
			SenderID:   vals[2].([32]byte),
			ToERC20:    vals[3].(common.Address),
			Recipient:  vals[4].(common.Address),
			Nonce:      vals[5].(uint32),
			ChargedFee: vals[6].(*big.Int),
			Log:        l,
		}
		return EventMint, e, nil
	case notifyTopic:
		vals, err := notifyArgs.Unpack(l.Data)
		if err != nil {
			return EventUnknown, nil, fmt.Errorf("collector: unpack notify log => %w", err)
		}
		e := NotifyMinterEvent{
			NotificationType: vals[0].(uint32),
			TxSender:         vals[1].(common.Address),
			UserData:         vals[2].([]byte),
			Memo:             vals[3].([32]byte),
			Log:              l,
		}
		return EventNotifyMinter, e, nil
	default:
		return EventUnknown, nil, nil
	}
}
