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

package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dojoengine/torii-go/internal/enginedb"
	"github.com/dojoengine/torii-go/internal/etl/envelope"
	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/log"
	"github.com/dojoengine/torii-go/internal/retry"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

// Config parameterizes a ContractRegistry.
type Config struct {
	Mode Mode

	// SRC5AggregatorAddress is the fixed, separately-deployed contract that batches
	// many (contract, interface_id) supports_interface checks into one call, tolerating
	// per-pair failure. Required when Mode has ModeSRC5.
	SRC5AggregatorAddress felt.Felt

	// SRC5AggregatorSelector is the aggregator's entry point selector.
	SRC5AggregatorSelector felt.Felt

	// ABICacheSize bounds the class-hash-keyed ABI cache. Contracts sharing a class
	// (common for account/token factories) pay ABI-parse cost once.
	ABICacheSize int

	Retry retry.Policy
}

// ContractRegistry identifies contracts by SRC-5 introspection and/or ABI heuristics, and
// remembers the answer in memory and in the engine database.
type ContractRegistry struct {
	provider rpcclient.Provider
	db       *enginedb.DB
	cfg      Config
	rules    []IdentificationRule

	mu    sync.RWMutex
	cache map[felt.Felt][]envelope.DecoderId

	abiCache *lru.Cache[felt.Felt, rpcclient.ContractClass]
}

// New constructs a ContractRegistry over provider and db.
func New(provider rpcclient.Provider, db *enginedb.DB, cfg Config) (*ContractRegistry, error) {
	size := cfg.ABICacheSize
	if size <= 0 {
		size = 256
	}
	abiCache, err := lru.New[felt.Felt, rpcclient.ContractClass](size)
	if err != nil {
		return nil, fmt.Errorf("registry: create ABI cache: %w", err)
	}
	return &ContractRegistry{
		provider: provider,
		db:       db,
		cfg:      cfg,
		cache:    make(map[felt.Felt][]envelope.DecoderId),
		abiCache: abiCache,
	}, nil
}

// WithRule registers an identification rule and returns the registry for chaining.
func (r *ContractRegistry) WithRule(rule IdentificationRule) *ContractRegistry {
	log.Debug("registered identification rule", "rule", rule.Name())
	r.rules = append(r.rules, rule)
	return r
}

// LoadFromDB restores previously identified contracts from the engine database into the
// in-memory cache, used once at startup.
func (r *ContractRegistry) LoadFromDB(ctx context.Context) (int, error) {
	mappings, err := r.db.GetAllContractDecoders(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: load from db: %w", err)
	}
	r.mu.Lock()
	for addr, ids := range mappings {
		r.cache[addr] = ids
	}
	r.mu.Unlock()
	log.Info("loaded contract mappings from database", "count", len(mappings))
	return len(mappings), nil
}

// Lookup is the decode-hot-loop fast path: a read-only lookup guarded by a read lock.
// ok is false when the contract has never been inspected.
func (r *ContractRegistry) Lookup(contract felt.Felt) (ids []envelope.DecoderId, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids, ok = r.cache[contract]
	return ids, ok
}

// Unidentified filters addresses down to the ones not yet in the cache.
func (r *ContractRegistry) Unidentified(addresses []felt.Felt) []felt.Felt {
	seen := make(map[felt.Felt]struct{}, len(addresses))
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []felt.Felt
	for _, addr := range addresses {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if _, cached := r.cache[addr]; !cached {
			out = append(out, addr)
		}
	}
	return out
}

// IdentifyContracts identifies every not-yet-cached address in addresses: SRC-5
// introspection first (if enabled), ABI heuristics second for whatever SRC-5 left
// unresolved (if enabled). Every address is cached — including with an empty decoder set
// — so a contract is inspected at most once across the process's lifetime.
func (r *ContractRegistry) IdentifyContracts(ctx context.Context, addresses []felt.Felt) (map[felt.Felt][]envelope.DecoderId, error) {
	unknown := r.Unidentified(addresses)
	if len(unknown) == 0 {
		return nil, nil
	}

	results := make(map[felt.Felt][]envelope.DecoderId, len(unknown))

	if r.cfg.Mode.has(ModeSRC5) {
		if err := r.identifyViaSRC5(ctx, unknown, results); err != nil {
			log.Warn("SRC5 identification batch failed, falling back to ABI heuristics", "err", err)
		}
	}

	if r.cfg.Mode.has(ModeABIHeuristics) {
		var pending []felt.Felt
		for _, addr := range unknown {
			if len(results[addr]) == 0 {
				pending = append(pending, addr)
			}
		}
		if len(pending) > 0 {
			if err := r.identifyViaABI(ctx, pending, results); err != nil {
				return nil, err
			}
		}
	}

	for _, addr := range unknown {
		ids := sortedUnique(results[addr])
		results[addr] = ids
		if len(ids) > 0 {
			log.Info("contract identified", "contract", addr.Hex(), "decoders", len(ids))
		}
		r.cacheAndPersist(ctx, addr, ids)
	}
	return results, nil
}

func sortedUnique(ids []envelope.DecoderId) []envelope.DecoderId {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[envelope.DecoderId]struct{}, len(ids))
	out := make([]envelope.DecoderId, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// cacheAndPersist writes the engine database first, then the in-memory cache: a crash
// between the two leaves memory unchanged and the DB ahead, so the next process restart
// still observes the identification via LoadFromDB. If the DB write fails, the in-memory
// cache is left untouched too, so the contract stays "unidentified" and IdentifyContracts
// retries it on the next cycle instead of pinning a classification that was never durably
// recorded.
func (r *ContractRegistry) cacheAndPersist(ctx context.Context, contract felt.Felt, ids []envelope.DecoderId) {
	if err := r.db.SetContractDecoders(ctx, contract, ids); err != nil {
		log.Warn("failed to persist contract identification", "contract", contract.Hex(), "err", err)
		return
	}
	r.mu.Lock()
	r.cache[contract] = ids
	r.mu.Unlock()
}

// identifyViaSRC5 packs one (contract, interface_id) pair per (unknown contract, rule
// with a SRC-5 signature), issues a single call to the aggregator contract, and unions
// matched rules' decoders into results.
func (r *ContractRegistry) identifyViaSRC5(ctx context.Context, unknown []felt.Felt, results map[felt.Felt][]envelope.DecoderId) error {
	type pair struct {
		contract felt.Felt
		decoders []envelope.DecoderId
	}
	var pairs []pair
	calldata := []felt.Felt{}
	for _, addr := range unknown {
		for _, rule := range r.rules {
			ifaceID, decoders, ok := rule.SRC5Interface()
			if !ok {
				continue
			}
			pairs = append(pairs, pair{contract: addr, decoders: decoders})
			calldata = append(calldata, addr, ifaceID)
		}
	}
	if len(pairs) == 0 {
		return nil
	}

	encoded := make([]felt.Felt, 0, len(calldata)+1)
	encoded = append(encoded, felt.FromUint64(uint64(len(pairs))))
	encoded = append(encoded, calldata...)

	call := rpcclient.FunctionCall{
		ContractAddress:    r.cfg.SRC5AggregatorAddress,
		EntryPointSelector: r.cfg.SRC5AggregatorSelector,
		Calldata:           encoded,
	}

	resp, err := retry.Execute(ctx, r.cfg.Retry, func(ctx context.Context) ([]felt.Felt, error) {
		return r.provider.Call(ctx, call, nil)
	})
	if err != nil {
		return fmt.Errorf("registry: SRC5 aggregator call: %w", err)
	}
	if len(resp) < 1 {
		return fmt.Errorf("registry: SRC5 aggregator returned empty response")
	}
	count := resp[0]
	booleans := resp[1:]
	if uint64(len(booleans)) < count.Uint64() {
		return fmt.Errorf("registry: SRC5 aggregator response truncated: declared %s results, got %d", count.String(), len(booleans))
	}

	for i, p := range pairs {
		if i >= len(booleans) {
			break
		}
		if !booleans[i].IsZero() {
			results[p.contract] = append(results[p.contract], p.decoders...)
		}
	}
	return nil
}

// identifyViaABI fetches each contract's class hash (batch 1), then every unique class's
// ABI (batch 2, deduplicated so contracts sharing a class pay parse cost once), and runs
// every rule's IdentifyByABI.
func (r *ContractRegistry) identifyViaABI(ctx context.Context, pending []felt.Felt, results map[felt.Felt][]envelope.DecoderId) error {
	classHashReqs := make([]rpcclient.BatchRequest, len(pending))
	for i, addr := range pending {
		addr := addr
		classHashReqs[i] = rpcclient.BatchRequest{Kind: rpcclient.KindGetClassHashAt, GetClassHashAt: &addr}
	}
	classHashResps, err := retry.Execute(ctx, r.cfg.Retry, func(ctx context.Context) ([]rpcclient.BatchResponse, error) {
		return r.provider.BatchRequests(ctx, classHashReqs)
	})
	if err != nil {
		return fmt.Errorf("registry: batch fetch class hashes: %w", err)
	}

	contractToClass := make(map[felt.Felt]felt.Felt, len(pending))
	for i, resp := range classHashResps {
		addr := pending[i]
		if resp.ClassHash == nil || resp.Err != nil {
			log.Debug("failed to get class hash, caching as empty", "contract", addr.Hex())
			continue
		}
		contractToClass[addr] = *resp.ClassHash
	}
	if len(contractToClass) == 0 {
		return nil
	}

	uniqueClasses := make(map[felt.Felt]struct{})
	var toFetch []felt.Felt
	classToAbi := make(map[felt.Felt]rpcclient.ContractClass)
	for _, classHash := range contractToClass {
		if _, dup := uniqueClasses[classHash]; dup {
			continue
		}
		uniqueClasses[classHash] = struct{}{}
		if cached, ok := r.abiCache.Get(classHash); ok {
			classToAbi[classHash] = cached
			continue
		}
		toFetch = append(toFetch, classHash)
	}

	if len(toFetch) > 0 {
		classReqs := make([]rpcclient.BatchRequest, len(toFetch))
		for i, ch := range toFetch {
			ch := ch
			classReqs[i] = rpcclient.BatchRequest{Kind: rpcclient.KindGetClass, GetClass: &ch}
		}
		classResps, err := retry.Execute(ctx, r.cfg.Retry, func(ctx context.Context) ([]rpcclient.BatchResponse, error) {
			return r.provider.BatchRequests(ctx, classReqs)
		})
		if err != nil {
			return fmt.Errorf("registry: batch fetch classes: %w", err)
		}
		for i, resp := range classResps {
			classHash := toFetch[i]
			if resp.Class == nil || resp.Err != nil {
				log.Debug("failed to get class, skipping ABI heuristics", "class_hash", classHash.Hex())
				continue
			}
			classToAbi[classHash] = *resp.Class
			r.abiCache.Add(classHash, *resp.Class)
		}
	}

	for contract, classHash := range contractToClass {
		abi, ok := classToAbi[classHash]
		if !ok {
			continue
		}
		for _, rule := range r.rules {
			decoders := rule.IdentifyByABI(contract, classHash, abi)
			if len(decoders) > 0 {
				results[contract] = append(results[contract], decoders...)
			}
		}
	}
	return nil
}
