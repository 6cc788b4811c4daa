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

package enginedb

// Table and column names for the engine database, declared once so storage code never
// repeats a bare string literal. Mirrors the declarative table-name-constant style used
// for the chain database's bucket names upstream.

const (
	// TableHead tracks monotone ETL progress.
	// key (always 1 row) -> block_number, events_processed
	TableHead = "engine_head"

	// TableExtractorState holds opaque per-(extractor_type, state_key) cursors.
	// (extractor_type, state_key) -> value
	TableExtractorState = "extractor_state"

	// TableBlockTimestamps is a read-through cache of block_number -> timestamp.
	TableBlockTimestamps = "block_timestamps"

	// TableContractDecoders is the persisted contract->decoder classification
	// cache. decoder_ids is a sorted comma-separated list of u64s; an empty string
	// is the negative-cache sentinel ("inspected, nothing matches").
	// contract_address (hex) -> decoder_ids, identified_at
	TableContractDecoders = "contract_decoders"
)

// DBSchemaVersion is bumped whenever the embedded schema below changes shape.
const DBSchemaVersion = 1

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ` + TableHead + ` (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	block_number INTEGER NOT NULL DEFAULT 0,
	events_processed INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO ` + TableHead + ` (id, block_number, events_processed) VALUES (1, 0, 0);

CREATE TABLE IF NOT EXISTS ` + TableExtractorState + ` (
	extractor_type TEXT NOT NULL,
	state_key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (extractor_type, state_key)
);

CREATE TABLE IF NOT EXISTS ` + TableBlockTimestamps + ` (
	block_number INTEGER PRIMARY KEY,
	timestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ` + TableContractDecoders + ` (
	contract_address TEXT PRIMARY KEY,
	decoder_ids TEXT NOT NULL DEFAULT '',
	identified_at INTEGER NOT NULL
);
`
