package bridge

import (
	"context"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofrs/uuid/v5"
	"github.com/nexusbridge/bridge-core/opstore"
	"github.com/nexusbridge/bridge-core/scheduler"
)

// sourceTxNamespace scopes deposit dedup memos away from any other UUIDv5
// use in this module.
var sourceTxNamespace = uuid.NewV5(uuid.NamespaceOID, "nexusbridge/bridge-core/source-tx")

// dedupMemo derives a stable memo from a source-chain transaction hash, so
// a Burn event redelivered after a reorg or a collector restart looks up
// the existing operation instead of registering a duplicate.
func dedupMemo(txHash common.Hash) string {
	return uuid.NewV5(sourceTxNamespace, txHash.Hex()).String()
}

// encodeOpId / decodeOpId serialize an OpId as an 8-byte big-endian
// scheduler task payload.
func encodeOpId(id opstore.OpId) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func decodeOpId(payload []byte) opstore.OpId {
	return opstore.OpId(binary.BigEndian.Uint64(payload))
}

// enqueueProgress schedules id for the "progress" task kind at opts.
func enqueueProgress(ctx context.Context, sched *scheduler.Scheduler, id opstore.OpId, opts scheduler.TaskOptions) error {
	_, err := sched.Enqueue(ctx, taskKindProgress, encodeOpId(id), opts)
	return err
}
