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

// Command torii is the indexer binary: `serve` runs the orchestrator continuously,
// `backfill` drives an EventExtractor to completion over a fixed block range for a set
// of contracts and exits. Grounded on original_source's bins/torii-tokens/src/main.rs
// (clap Parser/Subcommand root CLI) and backfill.rs (the --erc20/--erc721/--erc1155
// "address:start_block" flag shape), ported to cobra/pflag since no corpus example wires
// a multi-subcommand CLI any other way and spf13/cobra is the Go ecosystem's standard
// answer to clap's Parser/Subcommand pattern.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/dojoengine/torii-go/internal/config"
	"github.com/dojoengine/torii-go/internal/enginedb"
	"github.com/dojoengine/torii-go/internal/etl/decoder"
	"github.com/dojoengine/torii-go/internal/etl/extractor"
	"github.com/dojoengine/torii-go/internal/etl/registry"
	"github.com/dojoengine/torii-go/internal/etl/sink"
	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/log"
	"github.com/dojoengine/torii-go/internal/orchestrator"
	"github.com/dojoengine/torii-go/internal/retry"
	"github.com/dojoengine/torii-go/internal/rpcclient"
	"github.com/dojoengine/torii-go/internal/tokens/erc1155"
	"github.com/dojoengine/torii-go/internal/tokens/erc20"
	"github.com/dojoengine/torii-go/internal/tokens/erc721"
)

var (
	rpcURL       string
	dbDir        string
	host         string
	port         int
	grpcPort     int
	fromBlock    uint64
	toBlock      uint64
	batchSize    uint64
	rpcRateLimit float64

	erc20Addrs   []string
	erc721Addrs  []string
	erc1155Addrs []string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal("torii exited with error", "error", err)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "torii",
		Short: "Starknet token indexer (ERC20/ERC721/ERC1155)",
	}
	root.PersistentFlags().StringVar(&rpcURL, "rpc-url", "http://localhost:5050/rpc", "Starknet JSON-RPC endpoint")
	root.PersistentFlags().StringVar(&dbDir, "db-dir", "./data", "directory holding the per-sink SQLite databases")
	root.PersistentFlags().StringSliceVar(&erc20Addrs, "erc20", nil, "ERC20 contract addresses (comma-separated hex)")
	root.PersistentFlags().StringSliceVar(&erc721Addrs, "erc721", nil, "ERC721 contract addresses (comma-separated hex)")
	root.PersistentFlags().StringSliceVar(&erc1155Addrs, "erc1155", nil, "ERC1155 contract addresses (comma-separated hex)")
	root.PersistentFlags().Float64Var(&rpcRateLimit, "rpc-rate-limit", 0, "max RPC calls/sec issued by extractors (0 = unlimited)")

	root.AddCommand(serveCmd(), backfillCmd())
	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the indexer continuously, serving gRPC and HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := signalContext()
			provider := rpcclient.NewHTTPProvider(rpcURL, nil)

			sinks, decoders, err := buildSinks(ctx, provider)
			if err != nil {
				return err
			}

			enginePath := dbDir + "/engine.db"
			registryDB, err := enginedb.Open(ctx, enginePath)
			if err != nil {
				return fmt.Errorf("open engine db for registry: %w", err)
			}
			defer registryDB.Close()

			reg, err := buildRegistry(ctx, provider, registryDB)
			if err != nil {
				return err
			}

			ex, err := buildExtractor(provider, sinks)
			if err != nil {
				return err
			}

			cfg := config.New(
				config.WithHost(host),
				config.WithPort(port),
				config.WithGRPCPort(grpcPort),
				config.WithSinks(sinks...),
				config.WithDecoders(decoders...),
				config.WithRegistry(reg),
				config.WithExtractor(ex),
				config.WithEngineDBPath(enginePath),
			)

			return orchestrator.Run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP/gRPC bind host")
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP port")
	cmd.Flags().IntVar(&grpcPort, "grpc-port", 8081, "gRPC port")
	cmd.Flags().Uint64Var(&fromBlock, "from-block", 0, "starting block for follow-mode indexing")
	cmd.Flags().Uint64Var(&batchSize, "batch-size", 100, "blocks fetched per extractor batch")
	return cmd
}

func backfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Backfill historical token data for specific contracts, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := signalContext()
			provider := rpcclient.NewHTTPProvider(rpcURL, nil)

			sinks, decoders, err := buildSinks(ctx, provider)
			if err != nil {
				return err
			}

			db, err := enginedb.Open(ctx, dbDir+"/engine-backfill.db")
			if err != nil {
				return err
			}
			defer db.Close()

			reg, err := buildRegistry(ctx, provider, db)
			if err != nil {
				return err
			}

			contracts, err := parseContractRanges(erc20Addrs, erc721Addrs, erc1155Addrs)
			if err != nil {
				return err
			}
			if len(contracts) == 0 {
				return fmt.Errorf("backfill: no contracts given (use --erc20/--erc721/--erc1155 address:start_block)")
			}
			endBlock := toBlock
			if endBlock == 0 {
				head, err := provider.BlockNumber(ctx)
				if err != nil {
					return fmt.Errorf("backfill: fetch chain head: %w", err)
				}
				endBlock = head
			}
			for i := range contracts {
				contracts[i].ToBlock = &endBlock
			}

			ex := extractor.NewEventExtractor(provider, extractor.EventExtractorConfig{
				Contracts:      contracts,
				BlockBatchSize: batchSize,
				ChunkSize:      1000,
				Retry:          retry.Default(),
				Limiter:        rpcLimiter(),
			})

			dec := decoder.New(reg, decoders...)

			var cursor *string
			for !ex.IsFinished() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}

				batch, err := ex.Extract(ctx, cursor, db)
				if err != nil {
					return fmt.Errorf("backfill: extract: %w", err)
				}
				if batch.IsEmpty() {
					continue
				}

				envelopes, err := dec.DecodeBatch(ctx, batch.Events)
				if err != nil {
					return fmt.Errorf("backfill: decode: %w", err)
				}

				for _, s := range sinks {
					if err := s.Process(ctx, sink.FilterByType(envelopes, s.InterestedTypes()), batch); err != nil {
						return fmt.Errorf("backfill: sink %q: %w", s.Name(), err)
					}
				}

				if batch.Cursor != nil {
					if err := ex.CommitCursor(ctx, *batch.Cursor, db); err != nil {
						return fmt.Errorf("backfill: commit cursor: %w", err)
					}
					cursor = batch.Cursor
				}
				log.Info("backfill progress", "events", len(batch.Events))
			}

			log.Info("backfill complete")
			return nil
		},
	}
	cmd.Flags().Uint64Var(&toBlock, "to-block", 0, "end block (0 = current chain head)")
	cmd.Flags().Uint64Var(&batchSize, "batch-size", 100, "blocks covered by each starknet_getEvents request window")
	return cmd
}

// buildSinks opens every requested token sink's storage and wires its decoder/balance
// fetcher, per backfill.rs's per-token-type construction.
func buildSinks(ctx context.Context, provider rpcclient.Provider) ([]sink.Sink, []decoder.Decoder, error) {
	var sinks []sink.Sink
	var decoders []decoder.Decoder

	if len(erc20Addrs) > 0 {
		storage, err := erc20.OpenStorage(ctx, dbDir+"/tokens-erc20.db")
		if err != nil {
			return nil, nil, fmt.Errorf("open erc20 storage: %w", err)
		}
		fetcher := erc20.NewRPCBalanceFetcher(provider, retry.Default())
		sinks = append(sinks, erc20.New(storage, fetcher))
		decoders = append(decoders, erc20.NewDecoder())
	}
	if len(erc721Addrs) > 0 {
		storage, err := erc721.OpenStorage(ctx, dbDir+"/tokens-erc721.db")
		if err != nil {
			return nil, nil, fmt.Errorf("open erc721 storage: %w", err)
		}
		sinks = append(sinks, erc721.New(storage))
		decoders = append(decoders, erc721.NewDecoder())
	}
	if len(erc1155Addrs) > 0 {
		storage, err := erc1155.OpenStorage(ctx, dbDir+"/tokens-erc1155.db")
		if err != nil {
			return nil, nil, fmt.Errorf("open erc1155 storage: %w", err)
		}
		fetcher := erc1155.NewRPCBalanceFetcher(provider, retry.Default())
		sinks = append(sinks, erc1155.New(storage, fetcher))
		decoders = append(decoders, erc1155.NewDecoder())
	}
	return sinks, decoders, nil
}

func buildRegistry(ctx context.Context, provider rpcclient.Provider, db *enginedb.DB) (*registry.ContractRegistry, error) {
	reg, err := config.RegistryConfig{
		Provider: provider,
		Config:   registry.Config{Mode: registry.ModeABIHeuristics, Retry: retry.Default()},
	}.Build(db)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	if _, err := reg.LoadFromDB(ctx); err != nil {
		log.Warn("failed to preload contract registry from engine db", "error", err)
	}
	return reg, nil
}

func buildExtractor(provider rpcclient.Provider, sinks []sink.Sink) (extractor.Extractor, error) {
	if len(sinks) == 0 {
		return nil, nil
	}
	return extractor.NewBlockRangeExtractor(provider, extractor.BlockRangeConfig{
		FromBlock:          fromBlock,
		BatchSize:          batchSize,
		MaxInflightBatches: 4,
		Retry:              retry.Default(),
		Limiter:            rpcLimiter(),
	}), nil
}

// rpcLimiter builds the shared RPC rate limiter from --rpc-rate-limit, or nil when the
// flag is left at its default of unlimited.
func rpcLimiter() *rate.Limiter {
	if rpcRateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rpcRateLimit), 1)
}

// parseContractRanges turns "--erc20 addr:block,addr2:block2"-style flags into
// EventContractConfig entries, per backfill.rs's "address:start_block" format.
func parseContractRanges(erc20Specs, erc721Specs, erc1155Specs []string) ([]extractor.EventContractConfig, error) {
	var out []extractor.EventContractConfig
	all := append(append(append([]string{}, erc20Specs...), erc721Specs...), erc1155Specs...)
	for _, spec := range all {
		parts := strings.SplitN(spec, ":", 2)
		addr, err := felt.FromHex(parts[0])
		if err != nil {
			return nil, fmt.Errorf("parse contract %q: %w", spec, err)
		}
		var start uint64
		if len(parts) == 2 {
			start, err = strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse start block %q: %w", spec, err)
			}
		}
		out = append(out, extractor.EventContractConfig{Address: addr, FromBlock: start})
	}
	return out, nil
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}
