// Copyright 2024 The Torii Authors
// This file is part of Torii.
//
// Torii is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Torii is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Torii. If not, see <http://www.gnu.org/licenses/>.

package erc1155

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/log"
)

// schema mirrors Erc1155Storage's table set (token_transfers, token_wallet_activity,
// token_operators, token_uris, erc1155_balances, erc1155_balance_adjustments) with the
// same TEXT-hex convention used throughout this tree instead of the reference's BLOB
// columns.
const schema = `
CREATE TABLE IF NOT EXISTS token_transfers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token TEXT NOT NULL,
	token_id TEXT NOT NULL,
	from_addr TEXT NOT NULL,
	to_addr TEXT NOT NULL,
	amount TEXT NOT NULL,
	batch_index INTEGER NOT NULL DEFAULT 0,
	block_number INTEGER NOT NULL,
	tx_hash TEXT NOT NULL,
	timestamp INTEGER,
	UNIQUE(token, tx_hash, token_id, from_addr, to_addr, batch_index)
);
CREATE INDEX IF NOT EXISTS idx_erc1155_transfers_token ON token_transfers(token);
CREATE INDEX IF NOT EXISTS idx_erc1155_transfers_token_id ON token_transfers(token, token_id);
CREATE INDEX IF NOT EXISTS idx_erc1155_transfers_block ON token_transfers(block_number DESC);

CREATE TABLE IF NOT EXISTS token_wallet_activity (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	wallet_address TEXT NOT NULL,
	token TEXT NOT NULL,
	transfer_id INTEGER NOT NULL,
	direction TEXT NOT NULL CHECK(direction IN ('sent', 'received', 'both')),
	block_number INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_erc1155_activity_wallet_block ON token_wallet_activity(wallet_address, block_number DESC);

CREATE TABLE IF NOT EXISTS token_operators (
	token TEXT NOT NULL,
	owner TEXT NOT NULL,
	operator TEXT NOT NULL,
	approved INTEGER NOT NULL,
	block_number INTEGER NOT NULL,
	tx_hash TEXT NOT NULL,
	timestamp INTEGER,
	PRIMARY KEY (token, owner, operator)
);

CREATE TABLE IF NOT EXISTS token_uris (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token TEXT NOT NULL,
	token_id TEXT NOT NULL,
	uri TEXT NOT NULL,
	block_number INTEGER NOT NULL,
	tx_hash TEXT,
	timestamp INTEGER,
	UNIQUE(token, token_id)
);

CREATE TABLE IF NOT EXISTS erc1155_balances (
	token TEXT NOT NULL,
	wallet TEXT NOT NULL,
	token_id TEXT NOT NULL,
	balance TEXT NOT NULL,
	last_block INTEGER NOT NULL,
	updated_at INTEGER DEFAULT (strftime('%s', 'now')),
	PRIMARY KEY (token, wallet, token_id)
);

CREATE TABLE IF NOT EXISTS erc1155_balance_adjustments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token TEXT NOT NULL,
	wallet TEXT NOT NULL,
	token_id TEXT NOT NULL,
	computed_balance TEXT NOT NULL,
	actual_balance TEXT NOT NULL,
	adjusted_at_block INTEGER NOT NULL,
	tx_hash TEXT NOT NULL,
	created_at INTEGER DEFAULT (strftime('%s', 'now'))
);
`

// TransferRow is one persisted (id, value) pair, whether it came from a TransferSingle
// event (BatchIndex == 0) or one slot of a denormalized TransferBatch event.
type TransferRow struct {
	Token       felt.Felt
	TokenID     felt.U256
	From        felt.Felt
	To          felt.Felt
	Amount      felt.U256
	BatchIndex  uint32
	BlockNumber uint64
	TxHash      felt.Felt
	Timestamp   *int64
}

// OperatorApprovalRow is one persisted ApprovalForAll event.
type OperatorApprovalRow struct {
	Token       felt.Felt
	Owner       felt.Felt
	Operator    felt.Felt
	Approved    bool
	BlockNumber uint64
	TxHash      felt.Felt
	Timestamp   *int64
}

// URIRow is a resolved token URI, last-write-wins per (token, token_id).
type URIRow struct {
	Token       felt.Felt
	TokenID     felt.U256
	URI         string
	BlockNumber uint64
	TxHash      *felt.Felt
	Timestamp   *int64
}

// BalanceKey identifies a tracked (token, wallet, token_id) balance row.
type BalanceKey struct {
	Token   felt.Felt
	Wallet  felt.Felt
	TokenID felt.U256
}

// FetchRequest asks the balance fetcher for the real on-chain balance of
// (Token, Wallet, TokenID) as of the block right before the inconsistency was detected.
type FetchRequest struct {
	Token       felt.Felt
	Wallet      felt.Felt
	TokenID     felt.U256
	BlockNumber uint64
}

// Storage is the SQLite-backed store for one ERC-1155 sink's transfers, operator
// approvals, URIs and per-token-id balances. This is the closest port in the tree: it is
// the original grounding source for the fetch-on-negative-inventory algorithm that erc20
// generalizes away from a token id.
type Storage struct {
	db *sql.DB
}

// OpenStorage opens (creating if necessary) the ERC-1155 sink database at path.
func OpenStorage(ctx context.Context, path string) (*Storage, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("erc1155: create data dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("erc1155: open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-64000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA mmap_size=268435456",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("erc1155: apply pragma %q: %w", p, err)
		}
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("erc1155: init schema: %w", err)
	}
	log.Info("erc1155 storage ready", "path", path)
	return &Storage{db: sqlDB}, nil
}

func (s *Storage) Close() error { return s.db.Close() }

// InsertTransfersBatch inserts rows, ignoring ones that already exist, and records a
// wallet_activity row per non-zero side (a "both" row when From == To and both are
// non-zero, matching the reference's self-transfer handling).
func (s *Storage) InsertTransfersBatch(ctx context.Context, rows []TransferRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("erc1155: begin tx: %w", err)
	}
	defer tx.Rollback()

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO token_transfers (token, token_id, from_addr, to_addr, amount, batch_index, block_number, tx_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer insertStmt.Close()

	activityStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO token_wallet_activity (wallet_address, token, transfer_id, direction, block_number)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer activityStmt.Close()

	inserted := 0
	for _, r := range rows {
		res, err := insertStmt.ExecContext(ctx, r.Token.Hex(), r.TokenID.String(), r.From.Hex(), r.To.Hex(), r.Amount.String(), r.BatchIndex, r.BlockNumber, r.TxHash.Hex(), r.Timestamp)
		if err != nil {
			return 0, fmt.Errorf("erc1155: insert transfer: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}
		inserted++
		id, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}

		fromZero, toZero := r.From.IsZero(), r.To.IsZero()
		switch {
		case !fromZero && !toZero && r.From.Cmp(r.To) == 0:
			if _, err := activityStmt.ExecContext(ctx, r.From.Hex(), r.Token.Hex(), id, "both", r.BlockNumber); err != nil {
				return 0, err
			}
		default:
			if !fromZero {
				if _, err := activityStmt.ExecContext(ctx, r.From.Hex(), r.Token.Hex(), id, "sent", r.BlockNumber); err != nil {
					return 0, err
				}
			}
			if !toZero {
				if _, err := activityStmt.ExecContext(ctx, r.To.Hex(), r.Token.Hex(), id, "received", r.BlockNumber); err != nil {
					return 0, err
				}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("erc1155: commit transfers: %w", err)
	}
	return inserted, nil
}

// InsertOperatorApprovalsBatch upserts ApprovalForAll state, last-write-wins by block
// number, matching Erc1155Storage's operator approval handling.
func (s *Storage) InsertOperatorApprovalsBatch(ctx context.Context, rows []OperatorApprovalRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO token_operators (token, owner, operator, approved, block_number, tx_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token, owner, operator) DO UPDATE SET
			approved = excluded.approved,
			block_number = excluded.block_number,
			tx_hash = excluded.tx_hash,
			timestamp = excluded.timestamp
		WHERE excluded.block_number >= token_operators.block_number`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Token.Hex(), r.Owner.Hex(), r.Operator.Hex(), r.Approved, r.BlockNumber, r.TxHash.Hex(), r.Timestamp); err != nil {
			return 0, fmt.Errorf("erc1155: upsert operator approval: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// UpsertURI records a resolved token URI, last-write-wins per (token, token_id).
func (s *Storage) UpsertURI(ctx context.Context, row URIRow) error {
	var txHash any
	if row.TxHash != nil {
		txHash = row.TxHash.Hex()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_uris (token, token_id, uri, block_number, tx_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(token, token_id) DO UPDATE SET
			uri = excluded.uri,
			block_number = excluded.block_number,
			tx_hash = excluded.tx_hash,
			timestamp = excluded.timestamp
		WHERE excluded.block_number >= token_uris.block_number`,
		row.Token.Hex(), row.TokenID.String(), row.URI, row.BlockNumber, txHash, row.Timestamp)
	return err
}

// GetURI returns the last resolved URI for (token, token_id), if any.
func (s *Storage) GetURI(ctx context.Context, token felt.Felt, tokenID felt.U256) (string, bool, error) {
	var uri string
	err := s.db.QueryRowContext(ctx, `SELECT uri FROM token_uris WHERE token = ? AND token_id = ?`, token.Hex(), tokenID.String()).Scan(&uri)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return uri, true, nil
}

// GetBalancesBatch looks up stored balances for a set of (token, wallet, token_id) keys.
// Missing keys are absent from the result, not zero-valued.
func (s *Storage) GetBalancesBatch(ctx context.Context, keys []BalanceKey) (map[BalanceKey]felt.U256, error) {
	result := make(map[BalanceKey]felt.U256, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	stmt, err := s.db.PrepareContext(ctx, `SELECT balance FROM erc1155_balances WHERE token = ? AND wallet = ? AND token_id = ?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	for _, k := range keys {
		var balanceText string
		err := stmt.QueryRowContext(ctx, k.Token.Hex(), k.Wallet.Hex(), k.TokenID.String()).Scan(&balanceText)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("erc1155: query balance: %w", err)
		}
		var bal felt.U256
		if err := bal.UnmarshalText([]byte(balanceText)); err != nil {
			return nil, fmt.Errorf("erc1155: corrupt balance row: %w", err)
		}
		result[k] = bal
	}
	return result, nil
}

func (s *Storage) GetBalance(ctx context.Context, token, wallet felt.Felt, tokenID felt.U256) (felt.U256, bool, error) {
	m, err := s.GetBalancesBatch(ctx, []BalanceKey{{Token: token, Wallet: wallet, TokenID: tokenID}})
	if err != nil {
		return felt.ZeroU256, false, err
	}
	bal, ok := m[BalanceKey{Token: token, Wallet: wallet, TokenID: tokenID}]
	return bal, ok, nil
}

func upsertBalance(ctx context.Context, tx *sql.Tx, key BalanceKey, balance felt.U256, lastBlock uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO erc1155_balances (token, wallet, token_id, balance, last_block)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token, wallet, token_id) DO UPDATE SET
			balance = excluded.balance,
			last_block = excluded.last_block,
			updated_at = strftime('%s', 'now')`,
		key.Token.Hex(), key.Wallet.Hex(), key.TokenID.String(), balance.String(), lastBlock)
	return err
}

func recordAdjustment(ctx context.Context, tx *sql.Tx, key BalanceKey, computed, actual felt.U256, block uint64, txHash felt.Felt) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO erc1155_balance_adjustments (token, wallet, token_id, computed_balance, actual_balance, adjusted_at_block, tx_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.Token.Hex(), key.Wallet.Hex(), key.TokenID.String(), computed.String(), actual.String(), block, txHash.Hex())
	return err
}

func (s *Storage) TransferCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM token_transfers`).Scan(&n)
	return n, err
}

func (s *Storage) TokenCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT token) FROM token_transfers`).Scan(&n)
	return n, err
}
