// Package opstore implements the typed, persistent Operation Store: a map
// from OpId to Entry with an address index, a memo index, and a bounded
// log, SQLite3Store-backed in the style of keeper/store/request.go.
package opstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/MixinNetwork/mixin/logger"
	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nexusbridge/bridge-core/scheduler"
)

// OpId is the monotonic 64-bit operation counter. Nonce derives the
// replay-protection value embedded in mint orders.
type OpId uint64

func (id OpId) Nonce() uint32 { return uint32(id) }

// Operation is implemented by every bridge variant's stage type. Payloads
// never advance themselves; progress only ever happens through
// ops.Progress, called by the scheduler.
type Operation interface {
	IsComplete() bool
	EvmWalletAddress() common.Address
	SchedulingOptions() (scheduler.TaskOptions, bool)
}

// Codec lets the store stay variant-agnostic: each bridge variant package
// registers how its Operation payloads serialize.
type Codec interface {
	Encode(op Operation) (typeTag string, data []byte, err error)
	Decode(typeTag string, data []byte) (Operation, error)
}

// Entry is the full stored record for one operation.
type Entry struct {
	Id         OpId
	DstAddress common.Address
	Payload    Operation
	Memo       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StepLogEntry is one append-only note in an operation's step log (errors,
// transitions); it is treated as strictly more durable than retry counters.
type StepLogEntry struct {
	Seq    int
	At     time.Time
	Kind   string
	Detail string
}

const stateIncomplete = "incomplete"
const stateComplete = "complete"

// Store is the Operation Store. It is single-threaded by contract:
// callers must not invoke methods concurrently from two goroutines
// without external serialization, matching the discipline of "mutated
// only by the runtime's tick". The mutex here only protects the SQLite
// handle from the Go runtime's own concurrent-access panics; it is not a
// substitute for that discipline.
type Store struct {
	mutex *sync.Mutex
	db    *sql.DB
	codec Codec
	maxOperations uint64
}

func Open(path string, codec Codec, maxOperations uint64) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opstore.Open(%s) => %w", path, err)
	}
	s := &Store{mutex: new(sync.Mutex), db: db, codec: codec, maxOperations: maxOperations}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS operations (
	op_id INTEGER PRIMARY KEY AUTOINCREMENT,
	state TEXT NOT NULL,
	dst_address TEXT NOT NULL,
	memo TEXT NOT NULL DEFAULT '',
	user_address TEXT NOT NULL DEFAULT '',
	type_tag TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS operations_address_idx ON operations(dst_address, op_id);
CREATE INDEX IF NOT EXISTS operations_memo_idx ON operations(memo, user_address);
CREATE INDEX IF NOT EXISTS operations_state_idx ON operations(state, op_id);

CREATE TABLE IF NOT EXISTS operation_steps (
	op_id INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	at DATETIME NOT NULL,
	kind TEXT NOT NULL,
	detail TEXT NOT NULL,
	PRIMARY KEY (op_id, seq)
);
`)
	return err
}

// NewOperation allocates the next OpId, stores payload in the incomplete
// table (or directly in the log if it is already complete), and indexes it
// by address and, if provided, by (user, memo).
func (s *Store) NewOperation(ctx context.Context, payload Operation, userAddress, memo string) (OpId, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	typeTag, data, err := s.codec.Encode(payload)
	if err != nil {
		return 0, fmt.Errorf("opstore.NewOperation: encode => %w", err)
	}

	state := stateIncomplete
	if payload.IsComplete() {
		state = stateComplete
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO operations (state, dst_address, memo, user_address, type_tag, payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		state, payload.EvmWalletAddress().Hex(), memo, userAddress, typeTag, data, now, now)
	if err != nil {
		return 0, fmt.Errorf("opstore.NewOperation: insert => %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if state == stateComplete {
		if err := s.evictIfOverLocked(ctx); err != nil {
			return 0, err
		}
	}
	logger.Printf("opstore.NewOperation(%s) => %d", typeTag, id)
	return OpId(id), nil
}

func (s *Store) Get(ctx context.Context, id OpId) (Operation, error) {
	e, err := s.GetWithId(ctx, id)
	if err != nil || e == nil {
		return nil, err
	}
	return e.Payload, nil
}

func (s *Store) GetWithId(ctx context.Context, id OpId) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT op_id, dst_address, memo, type_tag, payload, created_at, updated_at
FROM operations WHERE op_id=?`, uint64(id))
	return s.entryFromRow(row)
}

func (s *Store) entryFromRow(row *sql.Row) (*Entry, error) {
	var e Entry
	var addrHex, typeTag string
	var data []byte
	err := row.Scan(&e.Id, &addrHex, &e.Memo, &typeTag, &data, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.DstAddress = common.HexToAddress(addrHex)
	payload, err := s.codec.Decode(typeTag, data)
	if err != nil {
		return nil, fmt.Errorf("opstore: decode %s => %w", typeTag, err)
	}
	e.Payload = payload
	return &e, nil
}

// GetLog returns the step log for id, or nil if id has no recorded steps.
func (s *Store) GetLog(ctx context.Context, id OpId) ([]StepLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, at, kind, detail FROM operation_steps WHERE op_id=? ORDER BY seq ASC`, uint64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepLogEntry
	for rows.Next() {
		var e StepLogEntry
		if err := rows.Scan(&e.Seq, &e.At, &e.Kind, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendStep appends a durable note to id's step log; every error passing
// through the scheduler appends a typed entry this way.
func (s *Store) AppendStep(ctx context.Context, id OpId, kind, detail string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM operation_steps WHERE op_id=?`, uint64(id))
	var seq int
	if err := row.Scan(&seq); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO operation_steps (op_id, seq, at, kind, detail) VALUES (?, ?, ?, ?, ?)`,
		uint64(id), seq, time.Now().UTC(), kind, detail)
	return err
}

// Update overwrites id's payload. If payload has transitioned from
// incomplete to complete, the entry moves to the log and eviction runs;
// while incomplete it never leaves the incomplete table.
func (s *Store) Update(ctx context.Context, id OpId, payload Operation) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	typeTag, data, err := s.codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("opstore.Update: encode => %w", err)
	}

	state := stateIncomplete
	if payload.IsComplete() {
		state = stateComplete
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE operations SET state=?, dst_address=?, type_tag=?, payload=?, updated_at=? WHERE op_id=?`,
		state, payload.EvmWalletAddress().Hex(), typeTag, data, time.Now().UTC(), uint64(id))
	if err != nil {
		return fmt.Errorf("opstore.Update: exec => %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("opstore.Update(%d): %w", id, ErrNotFound)
	}

	if state == stateComplete {
		return s.evictIfOverLocked(ctx)
	}
	return nil
}

// evictIfOverLocked removes the single lowest-id complete entry, and its
// step log, whenever the log exceeds maxOperations. Caller must hold mutex.
func (s *Store) evictIfOverLocked(ctx context.Context) error {
	if s.maxOperations == 0 {
		return nil
	}
	for {
		var count uint64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations WHERE state=?`, stateComplete).Scan(&count); err != nil {
			return err
		}
		if count <= s.maxOperations {
			return nil
		}
		var oldest uint64
		if err := s.db.QueryRowContext(ctx, `SELECT op_id FROM operations WHERE state=? ORDER BY op_id ASC LIMIT 1`, stateComplete).Scan(&oldest); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE op_id=?`, oldest); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM operation_steps WHERE op_id=?`, oldest); err != nil {
			return err
		}
		logger.Verbosef("opstore.evictIfOverLocked() => evicted %d", oldest)
	}
}

// Pagination bounds a GetForAddress scan: Offset skips the first N
// matching ids (in insertion order), Count caps how many are returned (0
// means unbounded).
type Pagination struct {
	Offset uint64
	Count  uint64
}

// GetForAddress iterates the address index in insertion order, applying
// pagination. Already-evicted ids are simply absent from the table and are
// skipped implicitly.
func (s *Store) GetForAddress(ctx context.Context, addr common.Address, page Pagination) ([]Entry, error) {
	query := `SELECT op_id, dst_address, memo, type_tag, payload, created_at, updated_at FROM operations WHERE dst_address=? ORDER BY op_id ASC`
	args := []any{addr.Hex()}
	if page.Count > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, page.Count, page.Offset)
	} else if page.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var addrHex, typeTag string
		var data []byte
		if err := rows.Scan(&e.Id, &addrHex, &e.Memo, &typeTag, &data, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.DstAddress = common.HexToAddress(addrHex)
		payload, err := s.codec.Decode(typeTag, data)
		if err != nil {
			return nil, fmt.Errorf("opstore: decode %s => %w", typeTag, err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetOperationsByMemo lists every operation registered under memo, in
// insertion order; several users may legitimately share a memo value.
func (s *Store) GetOperationsByMemo(ctx context.Context, memo string) ([]Entry, error) {
	if memo == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT op_id, dst_address, memo, type_tag, payload, created_at, updated_at
FROM operations WHERE memo=? ORDER BY op_id ASC`, memo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var addrHex, typeTag string
		var data []byte
		if err := rows.Scan(&e.Id, &addrHex, &e.Memo, &typeTag, &data, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.DstAddress = common.HexToAddress(addrHex)
		payload, err := s.codec.Decode(typeTag, data)
		if err != nil {
			return nil, fmt.Errorf("opstore: decode %s => %w", typeTag, err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetOperationByMemoAndUser looks up the (user, memo) tertiary index.
func (s *Store) GetOperationByMemoAndUser(ctx context.Context, memo, userAddress string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT op_id, dst_address, memo, type_tag, payload, created_at, updated_at
FROM operations WHERE memo=? AND user_address=? ORDER BY op_id ASC LIMIT 1`, memo, userAddress)
	return s.entryFromRow(row)
}

func (s *Store) Close() error {
	return s.db.Close()
}
