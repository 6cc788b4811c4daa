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

package erc721

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

const schema = `
CREATE TABLE IF NOT EXISTS nft_ownership (
	token TEXT NOT NULL,
	token_id TEXT NOT NULL,
	owner TEXT NOT NULL,
	block_number INTEGER NOT NULL,
	tx_hash TEXT NOT NULL,
	timestamp INTEGER,
	PRIMARY KEY (token, token_id)
);
CREATE INDEX IF NOT EXISTS idx_nft_ownership_owner ON nft_ownership(owner);

CREATE TABLE IF NOT EXISTS nft_transfers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token TEXT NOT NULL,
	token_id TEXT NOT NULL,
	from_addr TEXT NOT NULL,
	to_addr TEXT NOT NULL,
	block_number INTEGER NOT NULL,
	tx_hash TEXT NOT NULL,
	timestamp INTEGER,
	UNIQUE(token, tx_hash, token_id, from_addr, to_addr)
);
CREATE INDEX IF NOT EXISTS idx_nft_transfers_token ON nft_transfers(token);
CREATE INDEX IF NOT EXISTS idx_nft_transfers_block ON nft_transfers(block_number DESC);
CREATE INDEX IF NOT EXISTS idx_nft_transfers_token_id ON nft_transfers(token, token_id);

CREATE TABLE IF NOT EXISTS nft_wallet_activity (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	wallet_address TEXT NOT NULL,
	token TEXT NOT NULL,
	transfer_id INTEGER NOT NULL,
	direction TEXT NOT NULL CHECK(direction IN ('sent', 'received', 'both')),
	block_number INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nft_wallet_activity_wallet_block ON nft_wallet_activity(wallet_address, block_number DESC);

CREATE TABLE IF NOT EXISTS nft_approvals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token TEXT NOT NULL,
	token_id TEXT NOT NULL,
	owner TEXT NOT NULL,
	approved TEXT NOT NULL,
	block_number INTEGER NOT NULL,
	tx_hash TEXT NOT NULL,
	timestamp INTEGER
);
CREATE INDEX IF NOT EXISTS idx_nft_approvals_token_id ON nft_approvals(token, token_id);

CREATE TABLE IF NOT EXISTS nft_operators (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token TEXT NOT NULL,
	owner TEXT NOT NULL,
	operator TEXT NOT NULL,
	approved INTEGER NOT NULL,
	block_number INTEGER NOT NULL,
	tx_hash TEXT NOT NULL,
	timestamp INTEGER,
	UNIQUE(token, owner, operator)
);
`

// TransferRow is one persisted ERC-721 transfer.
type TransferRow struct {
	Token       felt.Felt
	TokenID     felt.U256
	From        felt.Felt
	To          felt.Felt
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

// ApprovalRow is one persisted single-token Approval event. Resolved Open Question:
// single-token approvals ARE persisted (unlike erc1155 which has none to persist).
type ApprovalRow struct {
	Token       felt.Felt
	TokenID     felt.U256
	Owner       felt.Felt
	Approved    felt.Felt
	BlockNumber uint64
	TxHash      felt.Felt
	Timestamp   *int64
}

// Storage is the SQLite-backed store for one ERC-721 sink's transfers, approvals and
// current ownership. Grounded on torii-erc721's Erc721Storage.
type Storage struct {
	db *sql.DB
}

func OpenStorage(ctx context.Context, path string) (*Storage, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("erc721: create data dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("erc721: open %s: %w", path, err)
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
			return nil, fmt.Errorf("erc721: apply pragma %q: %w", p, err)
		}
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("erc721: init schema: %w", err)
	}
	log.Info("erc721 storage ready", "path", path)
	return &Storage{db: sqlDB}, nil
}

func (s *Storage) Close() error { return s.db.Close() }

// InsertTransfersBatch inserts transfer rows and, for every newly inserted row, upserts
// current ownership to the transfer's recipient (skipped for burns, where To is zero).
// Ownership is last-write-wins by construction: a later transfer for the same token id
// always overwrites an earlier one, matching the "single current owner" invariant.
func (s *Storage) InsertTransfersBatch(ctx context.Context, rows []TransferRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO nft_transfers (token, token_id, from_addr, to_addr, block_number, tx_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer insertStmt.Close()

	ownershipStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nft_ownership (token, token_id, owner, block_number, tx_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(token, token_id) DO UPDATE SET
			owner = excluded.owner,
			block_number = excluded.block_number,
			tx_hash = excluded.tx_hash,
			timestamp = excluded.timestamp
		WHERE excluded.block_number >= nft_ownership.block_number`)
	if err != nil {
		return 0, err
	}
	defer ownershipStmt.Close()

	activityStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nft_wallet_activity (wallet_address, token, transfer_id, direction, block_number)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer activityStmt.Close()

	inserted := 0
	for _, r := range rows {
		tokenIDText := r.TokenID.String()
		res, err := insertStmt.ExecContext(ctx, r.Token.Hex(), tokenIDText, r.From.Hex(), r.To.Hex(), r.BlockNumber, r.TxHash.Hex(), r.Timestamp)
		if err != nil {
			return 0, fmt.Errorf("erc721: insert transfer: %w", err)
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

		if !r.To.IsZero() {
			if _, err := ownershipStmt.ExecContext(ctx, r.Token.Hex(), tokenIDText, r.To.Hex(), r.BlockNumber, r.TxHash.Hex(), r.Timestamp); err != nil {
				return 0, fmt.Errorf("erc721: upsert ownership: %w", err)
			}
		}

		switch {
		case !r.From.IsZero() && !r.To.IsZero() && r.From.Cmp(r.To) == 0:
			if _, err := activityStmt.ExecContext(ctx, r.From.Hex(), r.Token.Hex(), id, "both", r.BlockNumber); err != nil {
				return 0, err
			}
		default:
			if !r.From.IsZero() {
				if _, err := activityStmt.ExecContext(ctx, r.From.Hex(), r.Token.Hex(), id, "sent", r.BlockNumber); err != nil {
					return 0, err
				}
			}
			if !r.To.IsZero() {
				if _, err := activityStmt.ExecContext(ctx, r.To.Hex(), r.Token.Hex(), id, "received", r.BlockNumber); err != nil {
					return 0, err
				}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// InsertApprovalsBatch inserts single-token approval rows.
func (s *Storage) InsertApprovalsBatch(ctx context.Context, rows []ApprovalRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nft_approvals (token, token_id, owner, approved, block_number, tx_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Token.Hex(), r.TokenID.String(), r.Owner.Hex(), r.Approved.Hex(), r.BlockNumber, r.TxHash.Hex(), r.Timestamp); err != nil {
			return 0, fmt.Errorf("erc721: insert approval: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// InsertOperatorApprovalsBatch upserts per-(token, owner, operator) approval state.
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
		INSERT INTO nft_operators (token, owner, operator, approved, block_number, tx_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token, owner, operator) DO UPDATE SET
			approved = excluded.approved,
			block_number = excluded.block_number,
			tx_hash = excluded.tx_hash,
			timestamp = excluded.timestamp
		WHERE excluded.block_number >= nft_operators.block_number`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Token.Hex(), r.Owner.Hex(), r.Operator.Hex(), r.Approved, r.BlockNumber, r.TxHash.Hex(), r.Timestamp); err != nil {
			return 0, fmt.Errorf("erc721: upsert operator approval: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// GetOwner returns the current owner of (token, tokenID), if any.
func (s *Storage) GetOwner(ctx context.Context, token felt.Felt, tokenID felt.U256) (felt.Felt, bool, error) {
	var ownerHex string
	err := s.db.QueryRowContext(ctx, `SELECT owner FROM nft_ownership WHERE token = ? AND token_id = ?`, token.Hex(), tokenID.String()).Scan(&ownerHex)
	if err == sql.ErrNoRows {
		return felt.Zero, false, nil
	}
	if err != nil {
		return felt.Zero, false, err
	}
	owner, err := felt.FromHex(ownerHex)
	if err != nil {
		return felt.Zero, false, err
	}
	return owner, true, nil
}

// TransferCount reports the total number of stored transfers.
func (s *Storage) TransferCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nft_transfers`).Scan(&n)
	return n, err
}

// TokenCount reports the number of distinct contracts with at least one stored transfer.
func (s *Storage) TokenCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT token) FROM nft_transfers`).Scan(&n)
	return n, err
}

// OwnedTokens lists every token id owned by wallet for a given contract, newest first.
func (s *Storage) OwnedTokens(ctx context.Context, token, owner felt.Felt, limit int) ([]felt.U256, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_id FROM nft_ownership WHERE token = ? AND owner = ?
		ORDER BY block_number DESC LIMIT ?`, token.Hex(), owner.Hex(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []felt.U256
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		var id felt.U256
		if err := id.UnmarshalText([]byte(text)); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
