package ops

import (
	"encoding/json"
	"fmt"

	"github.com/nexusbridge/bridge-core/opstore"
)

// Type tags identifying each variant's payload inside the Operation Store.
// Payloads are opaque to the store; ops supplies the concrete codec.
const (
	TagErc20Erc20 = "erc20erc20"
	TagIcrc       = "icrc"
	TagBrc20      = "brc20"
	TagRune       = "rune"
	TagBtc        = "btc"
)

// Codec implements opstore.Codec for every bridge variant's payload type,
// storing each as a tagged JSON blob.
type Codec struct{}

func (Codec) Encode(op opstore.Operation) (string, []byte, error) {
	switch v := op.(type) {
	case *Erc20Erc20Operation:
		data, err := json.Marshal(v)
		return TagErc20Erc20, data, err
	case *IcrcOperation:
		data, err := json.Marshal(v)
		return TagIcrc, data, err
	case *Brc20Operation:
		data, err := json.Marshal(v)
		return TagBrc20, data, err
	case *RuneOperation:
		data, err := json.Marshal(v)
		return TagRune, data, err
	case *BtcOperation:
		data, err := json.Marshal(v)
		return TagBtc, data, err
	default:
		return "", nil, fmt.Errorf("ops.Codec: unknown operation type %T", op)
	}
}

func (Codec) Decode(tag string, data []byte) (opstore.Operation, error) {
	switch tag {
	case TagErc20Erc20:
		var v Erc20Erc20Operation
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return &v, nil
	case TagIcrc:
		var v IcrcOperation
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return &v, nil
	case TagBrc20:
		var v Brc20Operation
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return &v, nil
	case TagRune:
		var v RuneOperation
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return &v, nil
	case TagBtc:
		var v BtcOperation
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return &v, nil
	default:
		return nil, fmt.Errorf("ops.Codec: unknown type tag %q", tag)
	}
}
