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

// Package config holds the orchestrator's configuration surface, §6's "Config surface"
// table made concrete: listen address, ETL cycle timing, the sinks/decoders to run, the
// extractor to drive them, and the engine database location. Built with a functional-
// option constructor in the teacher's cmd/ style (see cmd/torii) rather than a builder
// type, since nothing downstream needs the fluent chaining the reference implementation's
// builder type provides in Rust.
package config

import (
	"time"

	"github.com/dojoengine/torii-go/internal/enginedb"
	"github.com/dojoengine/torii-go/internal/etl/decoder"
	"github.com/dojoengine/torii-go/internal/etl/extractor"
	"github.com/dojoengine/torii-go/internal/etl/registry"
	"github.com/dojoengine/torii-go/internal/etl/sink"
	"github.com/dojoengine/torii-go/internal/retry"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

// Config wires one orchestrator run, per spec §6's "Config surface (per orchestrator)".
type Config struct {
	// Host/Port serve the HTTP router (health, metrics, sink routes). GRPCPort serves
	// the Torii gRPC service. The reference implementation shares one port between
	// gRPC and HTTP via an axum/tonic merge; grpc-go and chi have no equivalent
	// merge primitive in this corpus, so they get adjacent ports instead — see
	// DESIGN.md's orchestrator entry.
	Host     string
	Port     int
	GRPCPort int

	// CycleInterval is how often the ETL loop calls Extract. EventsPerCycle is
	// advisory sizing passed through to sample/test extractors; real extractors size
	// themselves via their own BatchSize/ChunkSize config.
	CycleInterval  time.Duration
	EventsPerCycle int

	// EngineDBPath is passed to enginedb.Open verbatim; ":memory:" runs ephemeral.
	EngineDBPath string

	Sinks     []sink.Sink
	Decoders  []decoder.Decoder
	Registry  *registry.ContractRegistry // nil disables identification gating
	Extractor extractor.Extractor

	Version string
}

// Option mutates a Config under construction.
type Option func(*Config)

// New builds a Config from defaults (host 0.0.0.0, port 8080, grpc port 8081, 3s cycle,
// 5 events/cycle, in-memory engine DB — matching the reference builder's own defaults)
// plus opts, applied in order.
func New(opts ...Option) Config {
	cfg := Config{
		Host:           "0.0.0.0",
		Port:           8080,
		GRPCPort:       8081,
		CycleInterval:  3 * time.Second,
		EventsPerCycle: 5,
		EngineDBPath:   ":memory:",
		Version:        "dev",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithHost(host string) Option { return func(c *Config) { c.Host = host } }
func WithPort(port int) Option    { return func(c *Config) { c.Port = port } }
func WithGRPCPort(port int) Option { return func(c *Config) { c.GRPCPort = port } }

func WithCycleInterval(d time.Duration) Option {
	return func(c *Config) { c.CycleInterval = d }
}

func WithEventsPerCycle(n int) Option {
	return func(c *Config) { c.EventsPerCycle = n }
}

func WithEngineDBPath(path string) Option {
	return func(c *Config) { c.EngineDBPath = path }
}

func WithSinks(sinks ...sink.Sink) Option {
	return func(c *Config) { c.Sinks = append(c.Sinks, sinks...) }
}

func WithDecoders(decoders ...decoder.Decoder) Option {
	return func(c *Config) { c.Decoders = append(c.Decoders, decoders...) }
}

func WithRegistry(reg *registry.ContractRegistry) Option {
	return func(c *Config) { c.Registry = reg }
}

func WithExtractor(ex extractor.Extractor) Option {
	return func(c *Config) { c.Extractor = ex }
}

func WithVersion(v string) Option { return func(c *Config) { c.Version = v } }

// ExtractorConfig groups the retry-policy/batching knobs §6 names for building a
// BlockRangeExtractor or EventExtractor. cmd/torii does not use it; it fills
// extractor.BlockRangeConfig / extractor.EventExtractorConfig directly from its flags.
type ExtractorConfig struct {
	FromBlock          uint64
	ToBlock            *uint64
	BatchSize          uint64
	ChunkSize          uint64
	BlockBatchSize     uint64
	MaxInflightBatches int
	Retry              retry.Policy
}

// DefaultExtractorConfig mirrors retry.Default() and a conservative batch/chunk size.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		BatchSize:          100,
		ChunkSize:          1000,
		BlockBatchSize:     10,
		MaxInflightBatches: 4,
		Retry:              retry.Default(),
	}
}

// RegistryConfig groups the identification knobs for registry.New so cmd/torii can
// build one value from flags instead of passing provider/registry.Config separately.
type RegistryConfig struct {
	Provider rpcclient.Provider
	registry.Config
}

// Build constructs a ContractRegistry from the grouped config and opens it against db.
func (rc RegistryConfig) Build(db *enginedb.DB) (*registry.ContractRegistry, error) {
	return registry.New(rc.Provider, db, rc.Config)
}
