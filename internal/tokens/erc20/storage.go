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

package erc20

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

// schema stores addresses and amounts as hex/decimal TEXT rather than the reference
// implementation's BLOB columns, matching the convention internal/enginedb already
// established for this rewrite (see DESIGN.md) rather than porting a separate
// felt_to_blob/blob_to_felt codec that has no other caller in this tree.
const schema = `
CREATE TABLE IF NOT EXISTS token_transfers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token TEXT NOT NULL,
	from_addr TEXT NOT NULL,
	to_addr TEXT NOT NULL,
	amount TEXT NOT NULL,
	block_number INTEGER NOT NULL,
	tx_hash TEXT NOT NULL,
	timestamp INTEGER,
	UNIQUE(token, tx_hash, from_addr, to_addr)
);
CREATE INDEX IF NOT EXISTS idx_token_transfers_token ON token_transfers(token);
CREATE INDEX IF NOT EXISTS idx_token_transfers_from ON token_transfers(from_addr);
CREATE INDEX IF NOT EXISTS idx_token_transfers_to ON token_transfers(to_addr);
CREATE INDEX IF NOT EXISTS idx_token_transfers_block ON token_transfers(block_number DESC);

CREATE TABLE IF NOT EXISTS token_wallet_activity (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	wallet_address TEXT NOT NULL,
	token TEXT NOT NULL,
	transfer_id INTEGER NOT NULL,
	direction TEXT NOT NULL CHECK(direction IN ('sent', 'received', 'both')),
	block_number INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wallet_activity_wallet_block ON token_wallet_activity(wallet_address, block_number DESC);
CREATE INDEX IF NOT EXISTS idx_wallet_activity_wallet_token ON token_wallet_activity(wallet_address, token, block_number DESC);

CREATE TABLE IF NOT EXISTS token_approvals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token TEXT NOT NULL,
	owner TEXT NOT NULL,
	spender TEXT NOT NULL,
	amount TEXT NOT NULL,
	block_number INTEGER NOT NULL,
	tx_hash TEXT NOT NULL,
	timestamp INTEGER,
	UNIQUE(token, owner, spender, tx_hash)
);
CREATE INDEX IF NOT EXISTS idx_approvals_owner ON token_approvals(owner);

CREATE TABLE IF NOT EXISTS erc20_balances (
	token TEXT NOT NULL,
	wallet TEXT NOT NULL,
	balance TEXT NOT NULL,
	last_block INTEGER NOT NULL,
	updated_at INTEGER DEFAULT (strftime('%s', 'now')),
	PRIMARY KEY (token, wallet)
);

CREATE TABLE IF NOT EXISTS erc20_balance_adjustments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token TEXT NOT NULL,
	wallet TEXT NOT NULL,
	computed_balance TEXT NOT NULL,
	actual_balance TEXT NOT NULL,
	adjusted_at_block INTEGER NOT NULL,
	tx_hash TEXT NOT NULL,
	created_at INTEGER DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_adjustments_wallet ON erc20_balance_adjustments(wallet);
`

// TransferRow is one persisted ERC-20 transfer.
type TransferRow struct {
	Token       felt.Felt
	From        felt.Felt
	To          felt.Felt
	Amount      felt.U256
	BlockNumber uint64
	TxHash      felt.Felt
	Timestamp   *int64
}

// ApprovalRow is one persisted ERC-20 approval.
type ApprovalRow struct {
	Token       felt.Felt
	Owner       felt.Felt
	Spender     felt.Felt
	Amount      felt.U256
	BlockNumber uint64
	TxHash      felt.Felt
	Timestamp   *int64
}

// BalanceKey identifies a tracked balance row.
type BalanceKey struct {
	Token  felt.Felt
	Wallet felt.Felt
}

// FetchRequest asks the balance fetcher for the real on-chain balance of (Token, Wallet)
// as of the block right before the transfer that revealed the inconsistency.
type FetchRequest struct {
	Token       felt.Felt
	Wallet      felt.Felt
	BlockNumber uint64
}

// Storage is the SQLite-backed store for one ERC-20 sink's transfers, approvals and
// tracked balances. Modeled on torii-erc1155's Erc1155Storage, generalized to a
// (token, wallet) balance key since ERC-20 has no token id.
type Storage struct {
	db *sql.DB
}

// OpenStorage opens (creating if necessary) the ERC-20 sink database at path.
// path == ":memory:" opens an ephemeral, process-local database for tests.
func OpenStorage(ctx context.Context, path string) (*Storage, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("erc20: create data dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("erc20: open %s: %w", path, err)
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
			return nil, fmt.Errorf("erc20: apply pragma %q: %w", p, err)
		}
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("erc20: init schema: %w", err)
	}
	log.Info("erc20 storage ready", "path", path)
	return &Storage{db: sqlDB}, nil
}

func (s *Storage) Close() error { return s.db.Close() }

// InsertTransfersBatch inserts rows, ignoring ones that already exist (idempotent
// replay), and records a wallet_activity row per non-zero side. Returns the number of
// rows actually inserted (not counting UNIQUE-conflict no-ops).
func (s *Storage) InsertTransfersBatch(ctx context.Context, rows []TransferRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("erc20: begin tx: %w", err)
	}
	defer tx.Rollback()

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO token_transfers (token, from_addr, to_addr, amount, block_number, tx_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
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
		res, err := insertStmt.ExecContext(ctx, r.Token.Hex(), r.From.Hex(), r.To.Hex(), r.Amount.String(), r.BlockNumber, r.TxHash.Hex(), r.Timestamp)
		if err != nil {
			return 0, fmt.Errorf("erc20: insert transfer: %w", err)
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
		switch {
		case r.From.IsZero() && r.To.IsZero():
			// neither side is a wallet: no activity row
		case r.From.IsZero():
			if _, err := activityStmt.ExecContext(ctx, r.To.Hex(), r.Token.Hex(), id, "received", r.BlockNumber); err != nil {
				return 0, err
			}
		case r.To.IsZero():
			if _, err := activityStmt.ExecContext(ctx, r.From.Hex(), r.Token.Hex(), id, "sent", r.BlockNumber); err != nil {
				return 0, err
			}
		default:
			if _, err := activityStmt.ExecContext(ctx, r.From.Hex(), r.Token.Hex(), id, "sent", r.BlockNumber); err != nil {
				return 0, err
			}
			if _, err := activityStmt.ExecContext(ctx, r.To.Hex(), r.Token.Hex(), id, "received", r.BlockNumber); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("erc20: commit transfers: %w", err)
	}
	return inserted, nil
}

// InsertApprovalsBatch inserts approval rows, ignoring duplicates on replay.
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
		INSERT OR IGNORE INTO token_approvals (token, owner, spender, amount, block_number, tx_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range rows {
		res, err := stmt.ExecContext(ctx, r.Token.Hex(), r.Owner.Hex(), r.Spender.Hex(), r.Amount.String(), r.BlockNumber, r.TxHash.Hex(), r.Timestamp)
		if err != nil {
			return 0, fmt.Errorf("erc20: insert approval: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetBalancesBatch looks up stored balances for a set of (token, wallet) keys in one
// prepared-statement loop, matching Erc1155Storage.get_balances_batch. Missing keys are
// simply absent from the result, not zero-valued.
func (s *Storage) GetBalancesBatch(ctx context.Context, keys []BalanceKey) (map[BalanceKey]felt.U256, error) {
	result := make(map[BalanceKey]felt.U256, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	stmt, err := s.db.PrepareContext(ctx, `SELECT balance FROM erc20_balances WHERE token = ? AND wallet = ?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	for _, k := range keys {
		var balanceText string
		err := stmt.QueryRowContext(ctx, k.Token.Hex(), k.Wallet.Hex()).Scan(&balanceText)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("erc20: query balance: %w", err)
		}
		var bal felt.U256
		if err := bal.UnmarshalText([]byte(balanceText)); err != nil {
			return nil, fmt.Errorf("erc20: corrupt balance row %s/%s: %w", k.Token.Hex(), k.Wallet.Hex(), err)
		}
		result[k] = bal
	}
	return result, nil
}

// GetBalance is a single-key convenience wrapper over GetBalancesBatch, used by the
// HTTP balance-lookup route.
func (s *Storage) GetBalance(ctx context.Context, token, wallet felt.Felt) (felt.U256, bool, error) {
	m, err := s.GetBalancesBatch(ctx, []BalanceKey{{Token: token, Wallet: wallet}})
	if err != nil {
		return felt.ZeroU256, false, err
	}
	bal, ok := m[BalanceKey{Token: token, Wallet: wallet}]
	return bal, ok, nil
}

// upsertBalance writes the final balance for one key inside an existing transaction.
func upsertBalance(ctx context.Context, tx *sql.Tx, token, wallet felt.Felt, balance felt.U256, lastBlock uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO erc20_balances (token, wallet, balance, last_block)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token, wallet) DO UPDATE SET
			balance = excluded.balance,
			last_block = excluded.last_block,
			updated_at = strftime('%s', 'now')`,
		token.Hex(), wallet.Hex(), balance.String(), lastBlock)
	return err
}

func recordAdjustment(ctx context.Context, tx *sql.Tx, token, wallet felt.Felt, computed, actual felt.U256, block uint64, txHash felt.Felt) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO erc20_balance_adjustments (token, wallet, computed_balance, actual_balance, adjusted_at_block, tx_hash)
		VALUES (?, ?, ?, ?, ?, ?)`,
		token.Hex(), wallet.Hex(), computed.String(), actual.String(), block, txHash.Hex())
	return err
}

// TransferCount reports the total number of stored transfers, used for the sink's
// periodic statistics log line.
func (s *Storage) TransferCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM token_transfers`).Scan(&n)
	return n, err
}

// TokenCount reports the number of distinct contracts with at least one stored transfer.
func (s *Storage) TokenCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT token) FROM token_transfers`).Scan(&n)
	return n, err
}

// WalletTransfers lists transfers touching wallet (as sender or recipient), newest
// first, paginated by (block_number, id) cursor.
func (s *Storage) WalletTransfers(ctx context.Context, wallet felt.Felt, beforeBlock uint64, beforeID int64, limit int) ([]TransferRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.token, t.from_addr, t.to_addr, t.amount, t.block_number, t.tx_hash, t.timestamp
		FROM token_wallet_activity a
		JOIN token_transfers t ON t.id = a.transfer_id
		WHERE a.wallet_address = ? AND (a.block_number < ? OR (a.block_number = ? AND a.transfer_id < ?))
		ORDER BY a.block_number DESC, a.transfer_id DESC
		LIMIT ?`, wallet.Hex(), beforeBlock, beforeBlock, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransferRow
	for rows.Next() {
		var tokenHex, fromHex, toHex, amountText, txHashHex string
		var blockNumber uint64
		var timestamp sql.NullInt64
		if err := rows.Scan(&tokenHex, &fromHex, &toHex, &amountText, &blockNumber, &txHashHex, &timestamp); err != nil {
			return nil, err
		}
		token, err := felt.FromHex(tokenHex)
		if err != nil {
			return nil, err
		}
		from, err := felt.FromHex(fromHex)
		if err != nil {
			return nil, err
		}
		to, err := felt.FromHex(toHex)
		if err != nil {
			return nil, err
		}
		txHash, err := felt.FromHex(txHashHex)
		if err != nil {
			return nil, err
		}
		var amount felt.U256
		if err := amount.UnmarshalText([]byte(amountText)); err != nil {
			return nil, err
		}
		row := TransferRow{Token: token, From: from, To: to, Amount: amount, BlockNumber: blockNumber, TxHash: txHash}
		if timestamp.Valid {
			row.Timestamp = &timestamp.Int64
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
