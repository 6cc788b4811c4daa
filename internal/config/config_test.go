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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, 8081, cfg.GRPCPort)
	require.Equal(t, 3*time.Second, cfg.CycleInterval)
	require.Equal(t, 5, cfg.EventsPerCycle)
	require.Equal(t, ":memory:", cfg.EngineDBPath)
	require.Nil(t, cfg.Extractor)
	require.Empty(t, cfg.Sinks)
}

func TestNewAppliesOptionsInOrder(t *testing.T) {
	cfg := New(
		WithHost("127.0.0.1"),
		WithPort(9000),
		WithGRPCPort(9001),
		WithCycleInterval(10*time.Second),
		WithEventsPerCycle(42),
		WithEngineDBPath("/tmp/engine.db"),
		WithVersion("1.2.3"),
	)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, 9001, cfg.GRPCPort)
	require.Equal(t, 10*time.Second, cfg.CycleInterval)
	require.Equal(t, 42, cfg.EventsPerCycle)
	require.Equal(t, "/tmp/engine.db", cfg.EngineDBPath)
	require.Equal(t, "1.2.3", cfg.Version)
}

func TestDefaultExtractorConfig(t *testing.T) {
	ec := DefaultExtractorConfig()
	require.Equal(t, uint64(100), ec.BatchSize)
	require.Equal(t, uint64(1000), ec.ChunkSize)
	require.Equal(t, uint64(10), ec.BlockBatchSize)
	require.Equal(t, 4, ec.MaxInflightBatches)
	require.Nil(t, ec.ToBlock)
}
