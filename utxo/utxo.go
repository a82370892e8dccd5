// Package utxo implements the UTXO Ledger: bookkeeping of deposit UTXOs
// owned by the bridge's change output, generalized from the
// bitcoin_outputs table in observer/accountant.go into an unused/used
// split.
package utxo

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/MixinNetwork/mixin/logger"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	_ "github.com/mattn/go-sqlite3"
)

// Key identifies one UTXO by its transaction hash and output index.
type Key struct {
	TxID [32]byte
	Vout uint32
}

func (k Key) String() string {
	h, _ := chainhash.NewHash(k.TxID[:])
	return fmt.Sprintf("%s:%d", h, k.Vout)
}

// Details describes an unused UTXO owned by the bridge.
type Details struct {
	Value          int64
	Script         []byte
	DerivationPath string
}

// UsedDetails additionally records when and for whom a UTXO was committed
// to a pending operation.
type UsedDetails struct {
	Details
	UsedAt        time.Time
	OwnerAddress  string
}

// Ledger is the UTXO bookkeeping store; SQLite3Store-backed, following the
// mutex-guarded store pattern used throughout this module's stores, over
// two tables (unused_utxos and used_utxos).
type Ledger struct {
	mutex *sync.Mutex
	db    *sql.DB
}

func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("utxo.Open(%s) => %w", path, err)
	}
	l := &Ledger{mutex: new(sync.Mutex), db: db}
	if err := l.migrate(context.Background()); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS unused_utxos (
	tx_id TEXT NOT NULL,
	vout INTEGER NOT NULL,
	value INTEGER NOT NULL,
	script BLOB NOT NULL,
	derivation_path TEXT NOT NULL,
	address TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (tx_id, vout)
);
CREATE TABLE IF NOT EXISTS used_utxos (
	tx_id TEXT NOT NULL,
	vout INTEGER NOT NULL,
	value INTEGER NOT NULL,
	script BLOB NOT NULL,
	derivation_path TEXT NOT NULL,
	owner_address TEXT NOT NULL,
	used_at DATETIME NOT NULL,
	PRIMARY KEY (tx_id, vout)
);
`)
	return err
}

func keyHex(k Key) string {
	h, _ := chainhash.NewHash(k.TxID[:])
	return h.String()
}

// Deposit inserts a newly observed UTXO into the unused set. Per invariant
// 1 (unused ∩ used = ∅), it refuses a key already present in used.
func (l *Ledger) Deposit(ctx context.Context, key Key, address string, d Details) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	used, err := l.existsLocked(ctx, "used_utxos", key)
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("utxo.Deposit(%s): %w", key, ErrAlreadyUsed)
	}

	_, err = l.db.ExecContext(ctx, `
INSERT OR IGNORE INTO unused_utxos (tx_id, vout, value, script, derivation_path, address, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		keyHex(key), key.Vout, d.Value, d.Script, d.DerivationPath, address, time.Now().UTC())
	return err
}

func (l *Ledger) existsLocked(ctx context.Context, table string, key Key) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tx_id=? AND vout=?`, table), keyHex(key), key.Vout).Scan(&n)
	return n > 0, err
}

// MarkAsUsed moves key from unused into used, recording the owner and
// timestamp. It fails with ErrNotFound if key is not currently unused, and
// with ErrAlreadyUsed if it is already used — callers must serialize this
// call across concurrent withdrawal tasks.
func (l *Ledger) MarkAsUsed(ctx context.Context, key Key, ownerAddress string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	row := l.db.QueryRowContext(ctx, `SELECT value, script, derivation_path FROM unused_utxos WHERE tx_id=? AND vout=?`, keyHex(key), key.Vout)
	var d Details
	if err := row.Scan(&d.Value, &d.Script, &d.DerivationPath); err == sql.ErrNoRows {
		used, uerr := l.existsLocked(ctx, "used_utxos", key)
		if uerr != nil {
			return uerr
		}
		if used {
			return fmt.Errorf("utxo.MarkAsUsed(%s): %w", key, ErrAlreadyUsed)
		}
		return fmt.Errorf("utxo.MarkAsUsed(%s): %w", key, ErrNotFound)
	} else if err != nil {
		return err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM unused_utxos WHERE tx_id=? AND vout=?`, keyHex(key), key.Vout); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO used_utxos (tx_id, vout, value, script, derivation_path, owner_address, used_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, keyHex(key), key.Vout, d.Value, d.Script, d.DerivationPath, ownerAddress, time.Now().UTC()); err != nil {
		return err
	}
	logger.Printf("utxo.MarkAsUsed(%s, %s)", key, ownerAddress)
	return tx.Commit()
}

// UnspentUTXO pairs an unused ledger entry with the wire.OutPoint/TxOut
// shape a Bitcoin transaction builder needs.
type UnspentUTXO struct {
	OutPoint       wire.OutPoint
	TxOut          wire.TxOut
	DerivationPath string
}

// LoadUnspentUtxos rebuilds the full unused set in a form suitable for
// transaction construction.
func (l *Ledger) LoadUnspentUtxos(ctx context.Context) ([]UnspentUTXO, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT tx_id, vout, value, script, derivation_path FROM unused_utxos ORDER BY tx_id, vout`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnspentUTXO
	for rows.Next() {
		var txIDHex string
		var vout uint32
		var value int64
		var script []byte
		var path string
		if err := rows.Scan(&txIDHex, &vout, &value, &script, &path); err != nil {
			return nil, err
		}
		h, err := chainhash.NewHashFromStr(txIDHex)
		if err != nil {
			return nil, err
		}
		out = append(out, UnspentUTXO{
			OutPoint:       wire.OutPoint{Hash: *h, Index: vout},
			TxOut:          wire.TxOut{Value: value, PkScript: script},
			DerivationPath: path,
		})
	}
	return out, rows.Err()
}

// LookupUtxo resolves key from either table into the shape transaction
// construction needs; withdraw tasks call this after MarkAsUsed has
// already moved their inputs out of the unused set.
func (l *Ledger) LookupUtxo(ctx context.Context, key Key) (*UnspentUTXO, error) {
	for _, table := range []string{"unused_utxos", "used_utxos"} {
		row := l.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value, script, derivation_path FROM %s WHERE tx_id=? AND vout=?`, table), keyHex(key), key.Vout)
		var d Details
		err := row.Scan(&d.Value, &d.Script, &d.DerivationPath)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		h, err := chainhash.NewHash(key.TxID[:])
		if err != nil {
			return nil, err
		}
		return &UnspentUTXO{
			OutPoint:       wire.OutPoint{Hash: *h, Index: key.Vout},
			TxOut:          wire.TxOut{Value: d.Value, PkScript: d.Script},
			DerivationPath: d.DerivationPath,
		}, nil
	}
	return nil, fmt.Errorf("utxo.LookupUtxo(%s): %w", key, ErrNotFound)
}

// RemoveSpentUtxo deletes key from both tables, used once a transaction
// spending it has been broadcast.
func (l *Ledger) RemoveSpentUtxo(ctx context.Context, key Key) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if _, err := l.db.ExecContext(ctx, `DELETE FROM unused_utxos WHERE tx_id=? AND vout=?`, keyHex(key), key.Vout); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx, `DELETE FROM used_utxos WHERE tx_id=? AND vout=?`, keyHex(key), key.Vout)
	return err
}

// RemoveUnspentUtxo moves key from the used table back into the unused
// set, returning it to general availability — used when a pending withdraw
// is abandoned.
func (l *Ledger) RemoveUnspentUtxo(ctx context.Context, key Key) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	row := l.db.QueryRowContext(ctx, `SELECT value, script, derivation_path, owner_address FROM used_utxos WHERE tx_id=? AND vout=?`, keyHex(key), key.Vout)
	var d Details
	var owner string
	if err := row.Scan(&d.Value, &d.Script, &d.DerivationPath, &owner); err == sql.ErrNoRows {
		return fmt.Errorf("utxo.RemoveUnspentUtxo(%s): %w", key, ErrNotFound)
	} else if err != nil {
		return err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM used_utxos WHERE tx_id=? AND vout=?`, keyHex(key), key.Vout); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO unused_utxos (tx_id, vout, value, script, derivation_path, address, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, keyHex(key), key.Vout, d.Value, d.Script, d.DerivationPath, owner, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// ScriptAddress decodes a pk script's destination address for display and
// transit-address matching; thin wrapper kept local to avoid leaking
// txscript details into callers.
func ScriptAddress(script []byte, params *chaincfg.Params) (string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil || len(addrs) == 0 {
		return "", err
	}
	return addrs[0].EncodeAddress(), nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
