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

// Package enginedb implements the engine's persistent store: monotone head progress,
// opaque per-extractor cursors, a block-timestamp read-through cache, and the
// contract->decoder classification cache. Backed by modernc.org/sqlite (pure Go, no
// cgo); a Postgres backend is structurally possible behind the same interface but is not
// wired in this rewrite (see DESIGN.md — no Postgres driver exists anywhere in the
// reference corpus).
package enginedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dojoengine/torii-go/internal/etl/envelope"
	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/log"
)

// maxBulkRows bounds how many rows a single bulk-insert statement spans, per §4.B.
const maxBulkRows = 400

// DB is the engine database handle. All access is serialized by database/sql's own
// connection-pool locking; writes are always executed as a single transaction.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the engine database at path. path == ":memory:"
// opens an ephemeral, process-local database suitable for tests and one-shot backfills.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("enginedb: create data dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("enginedb: open %s: %w", path, err)
	}
	// Single writer at a time, matching the documented SQLite connection policy.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{sql: sqlDB}
	if err := db.applyPragmas(ctx); err != nil {
		return nil, err
	}
	if err := db.initSchema(ctx); err != nil {
		return nil, err
	}
	log.Info("engine database ready", "path", path, "schema_version", DBSchemaVersion)
	return db, nil
}

func (db *DB) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-65536",  // 64 MiB
		"PRAGMA mmap_size=268435456", // 256 MiB
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.sql.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("enginedb: pragma %q: %w", p, err)
		}
	}
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(sqliteSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("enginedb: init schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return db.sql.Close()
}

// GetHead returns the last committed (block_number, events_processed) pair.
func (db *DB) GetHead(ctx context.Context) (blockNumber, eventsProcessed uint64, err error) {
	row := db.sql.QueryRowContext(ctx, `SELECT block_number, events_processed FROM `+TableHead+` WHERE id = 1`)
	if err := row.Scan(&blockNumber, &eventsProcessed); err != nil {
		return 0, 0, fmt.Errorf("enginedb: get head: %w", err)
	}
	return blockNumber, eventsProcessed, nil
}

// UpdateHead advances the head counter: sets block_number to the given value and adds
// eventsDelta to the running event count. Monotonicity is the caller's responsibility
// (the orchestrator only calls this after a successful cycle).
func (db *DB) UpdateHead(ctx context.Context, blockNumber uint64, eventsDelta uint64) error {
	_, err := db.sql.ExecContext(ctx,
		`UPDATE `+TableHead+` SET block_number = ?, events_processed = events_processed + ? WHERE id = 1`,
		blockNumber, eventsDelta)
	if err != nil {
		return fmt.Errorf("enginedb: update head: %w", err)
	}
	return nil
}

// GetExtractorState reads the opaque cursor for (extractorType, key), if any.
func (db *DB) GetExtractorState(ctx context.Context, extractorType, key string) (string, bool, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT value FROM `+TableExtractorState+` WHERE extractor_type = ? AND state_key = ?`,
		extractorType, key)
	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("enginedb: get extractor state: %w", err)
	}
	return value, true, nil
}

// SetExtractorState upserts the opaque cursor for (extractorType, key).
func (db *DB) SetExtractorState(ctx context.Context, extractorType, key, value string) error {
	_, err := db.sql.ExecContext(ctx,
		`INSERT INTO `+TableExtractorState+` (extractor_type, state_key, value) VALUES (?, ?, ?)
		 ON CONFLICT(extractor_type, state_key) DO UPDATE SET value = excluded.value`,
		extractorType, key, value)
	if err != nil {
		return fmt.Errorf("enginedb: set extractor state: %w", err)
	}
	return nil
}

// DeleteExtractorState removes the cursor for (extractorType, key), if present.
func (db *DB) DeleteExtractorState(ctx context.Context, extractorType, key string) error {
	_, err := db.sql.ExecContext(ctx,
		`DELETE FROM `+TableExtractorState+` WHERE extractor_type = ? AND state_key = ?`,
		extractorType, key)
	if err != nil {
		return fmt.Errorf("enginedb: delete extractor state: %w", err)
	}
	return nil
}

// GetBlockTimestamps is a read-through batch lookup: returns every number in numbers
// found in the cache, mapped to its timestamp. Missing numbers are simply absent from
// the result, letting the caller fetch only the gap from the chain.
func (db *DB) GetBlockTimestamps(ctx context.Context, numbers []uint64) (map[uint64]uint64, error) {
	out := make(map[uint64]uint64, len(numbers))
	for chunk := range chunks(numbers, maxBulkRows) {
		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, n := range chunk {
			placeholders[i] = "?"
			args[i] = n
		}
		query := `SELECT block_number, timestamp FROM ` + TableBlockTimestamps +
			` WHERE block_number IN (` + strings.Join(placeholders, ",") + `)`
		rows, err := db.sql.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("enginedb: get block timestamps: %w", err)
		}
		for rows.Next() {
			var n, ts uint64
			if err := rows.Scan(&n, &ts); err != nil {
				rows.Close()
				return nil, fmt.Errorf("enginedb: scan block timestamp: %w", err)
			}
			out[n] = ts
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// GetBlockTimestamp looks up a single block's cached timestamp.
func (db *DB) GetBlockTimestamp(ctx context.Context, number uint64) (uint64, bool, error) {
	m, err := db.GetBlockTimestamps(ctx, []uint64{number})
	if err != nil {
		return 0, false, err
	}
	ts, ok := m[number]
	return ts, ok, nil
}

// InsertBlockTimestamps caches every (number -> timestamp) pair in m, chunked at
// maxBulkRows rows per statement.
func (db *DB) InsertBlockTimestamps(ctx context.Context, m map[uint64]uint64) error {
	if len(m) == 0 {
		return nil
	}
	numbers := make([]uint64, 0, len(m))
	for n := range m {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enginedb: begin insert block timestamps: %w", err)
	}
	defer tx.Rollback()

	for chunk := range chunks(numbers, maxBulkRows) {
		var sb strings.Builder
		sb.WriteString(`INSERT OR IGNORE INTO ` + TableBlockTimestamps + ` (block_number, timestamp) VALUES `)
		args := make([]any, 0, len(chunk)*2)
		for i, n := range chunk {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString("(?, ?)")
			args = append(args, n, m[n])
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("enginedb: insert block timestamps: %w", err)
		}
	}
	return tx.Commit()
}

// GetAllContractDecoders loads every cached contract->decoder mapping, used to warm the
// in-memory registry cache on startup.
func (db *DB) GetAllContractDecoders(ctx context.Context) (map[felt.Felt][]envelope.DecoderId, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT contract_address, decoder_ids FROM `+TableContractDecoders)
	if err != nil {
		return nil, fmt.Errorf("enginedb: get all contract decoders: %w", err)
	}
	defer rows.Close()

	out := make(map[felt.Felt][]envelope.DecoderId)
	for rows.Next() {
		var addrHex, idsCSV string
		if err := rows.Scan(&addrHex, &idsCSV); err != nil {
			return nil, fmt.Errorf("enginedb: scan contract decoders: %w", err)
		}
		addr, err := felt.FromHex(addrHex)
		if err != nil {
			log.Warn("skipping malformed contract address in decoder cache", "address", addrHex, "err", err)
			continue
		}
		out[addr] = parseDecoderIDs(idsCSV)
	}
	return out, rows.Err()
}

// SetContractDecoders upserts the cached decoder set for contract. An empty ids slice is
// the negative cache ("inspected, nothing matches").
func (db *DB) SetContractDecoders(ctx context.Context, contract felt.Felt, ids []envelope.DecoderId) error {
	sorted := append([]envelope.DecoderId(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	csv := encodeDecoderIDs(sorted)
	_, err := db.sql.ExecContext(ctx,
		`INSERT INTO `+TableContractDecoders+` (contract_address, decoder_ids, identified_at) VALUES (?, ?, ?)
		 ON CONFLICT(contract_address) DO UPDATE SET decoder_ids = excluded.decoder_ids, identified_at = excluded.identified_at`,
		contract.Hex(), csv, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("enginedb: set contract decoders: %w", err)
	}
	return nil
}

// GetContractDecoders looks up the cached decoder set for contract. The second return
// value distinguishes "never inspected" (false) from "inspected, empty set" (true, nil
// slice).
func (db *DB) GetContractDecoders(ctx context.Context, contract felt.Felt) ([]envelope.DecoderId, bool, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT decoder_ids FROM `+TableContractDecoders+` WHERE contract_address = ?`, contract.Hex())
	var csv string
	err := row.Scan(&csv)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("enginedb: get contract decoders: %w", err)
	}
	return parseDecoderIDs(csv), true, nil
}

func encodeDecoderIDs(ids []envelope.DecoderId) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}

func parseDecoderIDs(csv string) []envelope.DecoderId {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]envelope.DecoderId, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, envelope.DecoderId(v))
	}
	return out
}

// chunks yields successive size-bounded slices of xs, used to keep bulk statements at or
// below maxBulkRows rows.
func chunks[T any](xs []T, size int) func(func([]T) bool) {
	return func(yield func([]T) bool) {
		for i := 0; i < len(xs); i += size {
			end := i + size
			if end > len(xs) {
				end = len(xs)
			}
			if !yield(xs[i:end]) {
				return
			}
		}
	}
}
