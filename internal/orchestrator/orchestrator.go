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

// Package orchestrator implements Run(config), §4.H's five-step wiring: build the
// subscription manager and event bus, initialize every sink, open the engine database,
// spawn the ETL cycle loop, and serve gRPC + HTTP. Grounded on original_source's
// src/lib.rs::run — the spawned-task ETL loop below is a direct port of that function's
// body, generalized from its single SampleExtractor to any extractor.Extractor.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"

	"github.com/dojoengine/torii-go/internal/config"
	"github.com/dojoengine/torii-go/internal/enginedb"
	"github.com/dojoengine/torii-go/internal/etl/decoder"
	"github.com/dojoengine/torii-go/internal/etl/sink"
	"github.com/dojoengine/torii-go/internal/grpcapi"
	"github.com/dojoengine/torii-go/internal/httpapi"
	"github.com/dojoengine/torii-go/internal/log"
	"github.com/dojoengine/torii-go/internal/toriipb"
)

// Run wires and serves one orchestrator instance, blocking until ctx is cancelled or a
// listener fails to bind. The ETL loop itself never stops on a single failed cycle: per
// §7, any failure that threatens a false commit surfaces as "no commit this cycle," and
// the next tick retries the same range.
func Run(ctx context.Context, cfg config.Config) error {
	log.Info("starting torii", "sinks", len(cfg.Sinks), "decoders", len(cfg.Decoders))

	subs := sink.NewSubscriptionManager()
	bus := sink.NewEventBus(subs)

	for _, s := range cfg.Sinks {
		if err := s.Initialize(ctx, bus); err != nil {
			return fmt.Errorf("orchestrator: initialize sink %q: %w", s.Name(), err)
		}
	}

	db, err := enginedb.Open(ctx, cfg.EngineDBPath)
	if err != nil {
		return fmt.Errorf("orchestrator: open engine db: %w", err)
	}
	defer db.Close()

	dec := decoder.New(cfg.Registry, cfg.Decoders...)

	topics := make([]toriipb.TopicInfo, 0, len(cfg.Sinks))
	for _, s := range cfg.Sinks {
		for _, t := range s.Topics() {
			topics = append(topics, toriipb.TopicInfo{
				Name:             t.Name,
				SinkName:         s.Name(),
				AvailableFilters: t.AvailableFilters,
				Description:      t.Description,
			})
		}
	}

	metrics := httpapi.NewMetrics()

	errCh := make(chan error, 2)

	go func() {
		errCh <- serveGRPC(cfg, subs, topics)
	}()
	go func() {
		errCh <- serveHTTP(ctx, cfg, metrics)
	}()
	go runETLLoop(ctx, cfg, db, dec, metrics)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func serveGRPC(cfg config.Config, subs *sink.SubscriptionManager, topics []toriipb.TopicInfo) error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("orchestrator: listen grpc: %w", err)
	}
	srv := grpc.NewServer()
	grpcapi.Register(srv, grpcapi.NewServer(subs, topics, cfg.Version))
	log.Info("grpc server listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}

func serveHTTP(ctx context.Context, cfg config.Config, metrics *httpapi.Metrics) error {
	router := httpapi.Router(httpapi.Config{
		Version:   cfg.Version,
		StartedAt: time.Now(),
		Metrics:   metrics,
		Sinks:     httpapi.MountSinks(cfg.Sinks),
	})
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("http server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("orchestrator: serve http: %w", err)
	}
	return nil
}

// runETLLoop is the spawned ETL task from original_source's run(): every CycleInterval,
// extract, decode, and apply one batch, committing the cursor only when every stage
// succeeds. cfg.Extractor == nil idles forever, matching the reference's
// "no sample events provided, ETL loop will idle" branch.
func runETLLoop(ctx context.Context, cfg config.Config, db *enginedb.DB, dec *decoder.Context, metrics *httpapi.Metrics) {
	if cfg.Extractor == nil {
		log.Warn("no extractor configured, ETL loop will idle")
		return
	}

	ticker := time.NewTicker(cfg.CycleInterval)
	defer ticker.Stop()

	var cursor *string

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOneCycle(ctx, cfg, db, dec, metrics, &cursor)
		}
	}
}

func runOneCycle(ctx context.Context, cfg config.Config, db *enginedb.DB, dec *decoder.Context, metrics *httpapi.Metrics, cursor **string) {
	start := time.Now()
	defer func() { metrics.ObserveCycle(time.Since(start)) }()

	batch, err := cfg.Extractor.Extract(ctx, *cursor, db)
	if err != nil {
		log.Error("extract failed", "error", err)
		return
	}
	if batch.IsEmpty() {
		return
	}

	if maxBlock, ok := batch.MaxBlock(); ok {
		if err := db.UpdateHead(ctx, maxBlock, uint64(len(batch.Events))); err != nil {
			log.Warn("failed to update engine db head", "error", err)
		}
	}

	envelopes, err := dec.DecodeBatch(ctx, batch.Events)
	if err != nil {
		log.Error("decode failed", "error", err)
		return
	}
	metrics.IncEventsDecoded("all", len(envelopes))

	for _, s := range cfg.Sinks {
		sinkStart := time.Now()
		err := s.Process(ctx, sink.FilterByType(envelopes, s.InterestedTypes()), batch)
		metrics.ObserveSinkApply(s.Name(), time.Since(sinkStart))
		if err != nil {
			log.Error("sink processing failed", "sink", s.Name(), "error", err)
			return
		}
	}

	if batch.Cursor != nil {
		if err := cfg.Extractor.CommitCursor(ctx, *batch.Cursor, db); err != nil {
			log.Warn("failed to commit cursor", "error", err)
			return
		}
		*cursor = batch.Cursor
	}

	log.Info("etl cycle complete", "events", len(batch.Events), "envelopes", len(envelopes))
}
