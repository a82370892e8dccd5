// Package id256 implements the 32-byte universal identifier carried inside
// signed mint orders: chains, tokens, IC principals and Bitcoin outpoints
// all encode to the same fixed-width value.
package id256

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Kind tags the first byte of an Id256 value. The tag is part of the wire
// format signed into mint orders; do not renumber existing kinds.
type Kind byte

const (
	KindNone Kind = iota
	KindEvm
	KindPrincipal
	KindBtcOutpoint
	KindBrc20Tick
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindEvm:
		return "evm"
	case KindPrincipal:
		return "principal"
	case KindBtcOutpoint:
		return "btc-outpoint"
	case KindBrc20Tick:
		return "brc20-tick"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Id256 is a fixed 32-byte value: 1 byte kind tag followed by 31 bytes of
// kind-specific payload, zero-padded. It is embedded verbatim inside
// MintOrder.Sender and MintOrder.SrcToken, so its layout is a breaking wire
// change once a bridge instance has signed orders against it.
type Id256 [32]byte

// None is the zero value, used where a field is not applicable (e.g. the
// Sender and SrcToken of a plain-Bitcoin deposit order).
var None Id256

func (id Id256) Kind() Kind {
	return Kind(id[0])
}

func (id Id256) Bytes() []byte {
	b := make([]byte, 32)
	copy(b, id[:])
	return b
}

func (id Id256) String() string {
	return fmt.Sprintf("%s:%s", id.Kind(), hex.EncodeToString(id[1:]))
}

func (id Id256) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", "0x"+hex.EncodeToString(id[:]))), nil
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (id *Id256) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil || len(s) != 66 || s[:2] != "0x" {
		return fmt.Errorf("id256: invalid JSON value %s", data)
	}
	_, err = hex.Decode(id[:], []byte(s[2:]))
	return err
}

// FromBytes wraps a raw 32-byte value without validating its kind tag; used
// when decoding a MintOrder field that must round-trip exactly even for
// kinds this build doesn't otherwise recognise.
func FromBytes(b []byte) (Id256, error) {
	var id Id256
	if len(b) != 32 {
		return id, fmt.Errorf("id256: want 32 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromEvmAddress packs an EVM chain id (4 bytes, big-endian) and a 20-byte
// address: [kind=evm][chain_id:4][address:20][pad:7].
func FromEvmAddress(addr common.Address, chainID uint32) Id256 {
	var id Id256
	id[0] = byte(KindEvm)
	binary.BigEndian.PutUint32(id[1:5], chainID)
	copy(id[5:25], addr[:])
	return id
}

// ToEvmAddress is the inverse of FromEvmAddress. It fails cleanly (ok=false)
// when id is not of kind Evm.
func (id Id256) ToEvmAddress() (chainID uint32, addr common.Address, ok bool) {
	if id.Kind() != KindEvm {
		return 0, common.Address{}, false
	}
	chainID = binary.BigEndian.Uint32(id[1:5])
	copy(addr[:], id[5:25])
	return chainID, addr, true
}

// FromPrincipal packs an IC principal's raw bytes (at most 29 bytes per the
// IC specification) left-aligned after the kind tag, preceded by a length
// byte so trailing zero bytes of a short principal are not ambiguous with
// padding: [kind=principal][len:1][principal bytes...][pad].
func FromPrincipal(principal []byte) (Id256, error) {
	var id Id256
	if len(principal) > 29 {
		return id, fmt.Errorf("id256: principal too long (%d bytes)", len(principal))
	}
	id[0] = byte(KindPrincipal)
	id[1] = byte(len(principal))
	copy(id[2:], principal)
	return id, nil
}

func (id Id256) ToPrincipal() (principal []byte, ok bool) {
	if id.Kind() != KindPrincipal {
		return nil, false
	}
	n := int(id[1])
	if n > 29 {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, id[2:2+n])
	return out, true
}

// FromBtcTxIndex packs a block height and an in-block tx index, used to
// identify a Bitcoin outpoint's owning transaction within Rune/BRC-20
// deposit bookkeeping: [kind=btc-outpoint][block:8][tx_index:4][pad].
func FromBtcTxIndex(block uint64, txIndex uint32) Id256 {
	var id Id256
	id[0] = byte(KindBtcOutpoint)
	binary.BigEndian.PutUint64(id[1:9], block)
	binary.BigEndian.PutUint32(id[9:13], txIndex)
	return id
}

func (id Id256) ToBtcTxIndex() (block uint64, txIndex uint32, ok bool) {
	if id.Kind() != KindBtcOutpoint {
		return 0, 0, false
	}
	block = binary.BigEndian.Uint64(id[1:9])
	txIndex = binary.BigEndian.Uint32(id[9:13])
	return block, txIndex, true
}

// FromBrc20Tick packs a BRC-20 tick (4-byte ASCII per the BRC-20 convention,
// but accepted up to 30 bytes for forward compatibility with longer ticks):
// [kind=brc20-tick][len:1][tick bytes...][pad].
func FromBrc20Tick(tick string) (Id256, error) {
	var id Id256
	if len(tick) > 30 {
		return id, fmt.Errorf("id256: brc20 tick too long (%d bytes)", len(tick))
	}
	id[0] = byte(KindBrc20Tick)
	id[1] = byte(len(tick))
	copy(id[2:], tick)
	return id, nil
}

func (id Id256) ToBrc20Tick() (tick string, ok bool) {
	if id.Kind() != KindBrc20Tick {
		return "", false
	}
	n := int(id[1])
	if n > 30 {
		return "", false
	}
	return string(id[2 : 2+n]), true
}
