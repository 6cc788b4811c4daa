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

// Package tokenuri is the background token-metadata resolution service described in
// §4.G.3: a bounded channel feeds a worker pool that fetches an NFT/SFT's URI from
// chain, resolves it to JSON (http/ipfs/data-uri), sanitizes and validates the result,
// and stores it. Requests for the same (contract, token_id) key supersede any
// in-flight fetch for that key — the previous attempt is cancelled so the store always
// ends up with the latest request's result, never a stale one that happened to finish
// later.
//
// Grounded on original_source's torii-common/src/token_uri.rs.
package tokenuri

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/log"
	"github.com/dojoengine/torii-go/internal/metadata"
	"github.com/dojoengine/torii-go/internal/retry"
)

// Standard selects which contract entrypoint a request resolves its URI through.
type Standard int

const (
	StandardERC721 Standard = iota
	StandardERC1155
)

const (
	httpTimeout     = 10 * time.Second
	ipfsGatewayBase = "https://ipfs.io/ipfs/"
)

// Request asks the service to (re)resolve a single token's URI and metadata.
type Request struct {
	Contract felt.Felt
	TokenID  felt.U256
	Standard Standard
}

type taskKey struct {
	contract felt.Felt
	tokenID  string
}

func (r Request) key() taskKey {
	return taskKey{contract: r.Contract, tokenID: r.TokenID.String()}
}

// Result is what gets stored once a request finishes resolving, successfully or not
// (URI/MetadataJSON are nil on failure — the store should treat that as "tried, got
// nothing yet" rather than erasing a previously-stored value).
type Result struct {
	Contract     felt.Felt
	TokenID      felt.U256
	URI          *string
	MetadataJSON *string
}

// Store persists a resolved (or attempted) token URI result.
type Store interface {
	StoreTokenURI(ctx context.Context, result Result) error
}

// Sender is the cheap-to-clone handle sinks use to queue resolution requests.
type Sender struct {
	requests chan Request
}

// RequestUpdate queues a fetch, dropping it with a warning if the channel is full —
// matching the reference's bounded-channel backpressure (§5).
func (s *Sender) RequestUpdate(req Request) {
	select {
	case s.requests <- req:
	default:
		log.Warn("tokenuri: request channel full, dropping request", "contract", req.Contract.Hex(), "token_id", req.TokenID.String())
	}
}

// RequestBatch queues updates for every token id on the same contract.
func (s *Sender) RequestBatch(contract felt.Felt, tokenIDs []felt.U256, standard Standard) {
	for _, id := range tokenIDs {
		s.RequestUpdate(Request{Contract: contract, TokenID: id, Standard: standard})
	}
}

// Service is the running worker pool. Construct with Spawn.
type Service struct {
	requests chan Request
	fetcher  *metadata.Fetcher
	store    Store
	sem      chan struct{}
	client   *http.Client
	httpRetry retry.Policy
	sf       singleflight.Group

	mu       sync.Mutex
	inflight map[taskKey]inflightTask

	wg   sync.WaitGroup
	done chan struct{}
}

// inflightTask tracks the cancel func for a key's current attempt plus a generation
// counter, so a finishing task only removes its own map entry — never one a newer,
// superseding request already installed.
type inflightTask struct {
	cancel context.CancelFunc
	gen    uint64
}

// Spawn starts the service's dispatch loop and returns a Sender paired with it.
// bufferSize bounds the request channel; maxConcurrent bounds how many resolutions
// run at once.
func Spawn(fetcher *metadata.Fetcher, store Store, bufferSize, maxConcurrent int) (*Sender, *Service) {
	svc := &Service{
		requests:  make(chan Request, bufferSize),
		fetcher:   fetcher,
		store:     store,
		sem:       make(chan struct{}, maxConcurrent),
		client:    &http.Client{Timeout: httpTimeout},
		httpRetry: retry.Policy{MaxRetries: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second, Multiplier: 2.0},
		inflight:  make(map[taskKey]inflightTask),
		done:      make(chan struct{}),
	}
	go svc.run()
	return &Sender{requests: svc.requests}, svc
}

// run is the dispatch loop: one iteration per inbound request, cancelling any
// in-flight task for the same key before starting the new one.
func (s *Service) run() {
	defer close(s.done)
	var nextGen uint64
	for req := range s.requests {
		key := req.key()

		s.mu.Lock()
		if prev, ok := s.inflight[key]; ok {
			prev.cancel()
			log.Debug("tokenuri: cancelled superseded fetch", "contract", req.Contract.Hex(), "token_id", req.TokenID.String())
		}
		ctx, cancel := context.WithCancel(context.Background())
		nextGen++
		gen := nextGen
		s.inflight[key] = inflightTask{cancel: cancel, gen: gen}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.process(ctx, cancel, key, gen, req)
	}
	s.wg.Wait()
}

// Stop closes the request channel and waits for in-flight work to drain.
func (s *Service) Stop() {
	close(s.requests)
	<-s.done
}

func (s *Service) process(ctx context.Context, cancel context.CancelFunc, key taskKey, gen uint64, req Request) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if cur, ok := s.inflight[key]; ok && cur.gen == gen {
			delete(s.inflight, key)
		}
		s.mu.Unlock()
		cancel()
	}()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return
	}

	uri := s.fetchTokenURI(ctx, req)
	if uri != nil && req.Standard == StandardERC1155 {
		substituted := strings.ReplaceAll(*uri, "{id}", req.TokenID.HexID64())
		uri = &substituted
	}

	var metadataJSON *string
	if uri != nil && *uri != "" {
		if resolved, ok := s.resolveMetadata(ctx, *uri); ok {
			metadataJSON = &resolved
		}
	}

	if ctx.Err() != nil {
		return
	}

	result := Result{Contract: req.Contract, TokenID: req.TokenID, URI: uri, MetadataJSON: metadataJSON}
	if err := s.store.StoreTokenURI(ctx, result); err != nil {
		log.Warn("tokenuri: failed to store result", "contract", req.Contract.Hex(), "token_id", req.TokenID.String(), "error", err)
		return
	}
	log.Debug("tokenuri: stored result", "contract", req.Contract.Hex(), "token_id", req.TokenID.String(), "has_json", metadataJSON != nil)
}

func (s *Service) fetchTokenURI(ctx context.Context, req Request) *string {
	switch req.Standard {
	case StandardERC1155:
		if uri, ok := s.fetcher.FetchURI(ctx, req.Contract, req.TokenID); ok {
			return &uri
		}
	default:
		if uri, ok := s.fetcher.FetchTokenURI(ctx, req.Contract, req.TokenID); ok {
			return &uri
		}
	}
	return nil
}

// resolveMetadata resolves uri to a JSON metadata string, sanitizing and validating
// before returning. Concurrent requests for the same raw uri share one underlying
// fetch via singleflight — distinct token ids on the same collection frequently
// resolve to identical collection-level metadata URIs.
func (s *Service) resolveMetadata(ctx context.Context, uri string) (string, bool) {
	v, err, _ := s.sf.Do(uri, func() (any, error) {
		raw, ok := s.fetchRaw(ctx, uri)
		if !ok {
			return nil, fmt.Errorf("tokenuri: could not resolve %q", uri)
		}
		sanitized := sanitizeJSONString(raw)
		var js json.RawMessage
		if err := json.Unmarshal([]byte(sanitized), &js); err != nil {
			return nil, fmt.Errorf("tokenuri: resolved content is not valid JSON: %w", err)
		}
		compact, err := json.Marshal(&js)
		if err != nil {
			return nil, err
		}
		return string(compact), nil
	})
	if err != nil {
		log.Debug("tokenuri: metadata resolution failed", "uri", uri, "error", err)
		return "", false
	}
	return v.(string), true
}

func (s *Service) fetchRaw(ctx context.Context, uri string) (string, bool) {
	switch {
	case strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://"):
		return s.fetchHTTP(ctx, uri)
	case strings.HasPrefix(uri, "ipfs://"):
		cid := strings.TrimPrefix(uri, "ipfs://")
		return s.fetchHTTP(ctx, ipfsGatewayBase+cid)
	case strings.HasPrefix(uri, "data:"):
		return resolveDataURI(uri)
	default:
		if json.Valid([]byte(uri)) {
			return uri, true
		}
		return "", false
	}
}

func (s *Service) fetchHTTP(ctx context.Context, url string) (string, bool) {
	body, err := retry.Execute(ctx, s.httpRetry, func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("tokenuri: unexpected status %d fetching %s", resp.StatusCode, url)
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", err
		}
		return string(b), nil
	})
	if err != nil {
		log.Debug("tokenuri: http fetch failed", "url", url, "error", err)
		return "", false
	}
	return body, true
}

// resolveDataURI decodes a "data:" URI, handling application/json base64 and
// URL-encoded payloads explicitly and falling back to a generic comma-split decode.
func resolveDataURI(uri string) (string, bool) {
	uri = strings.ReplaceAll(uri, "#", "%23")

	const base64JSONPrefix = "data:application/json;base64,"
	if strings.HasPrefix(uri, base64JSONPrefix) {
		return base64Decode(uri[len(base64JSONPrefix):])
	}

	const plainJSONPrefix = "data:application/json,"
	if strings.HasPrefix(uri, plainJSONPrefix) {
		decoded, err := url.QueryUnescape(uri[len(plainJSONPrefix):])
		if err != nil {
			return uri[len(plainJSONPrefix):], true
		}
		return decoded, true
	}

	commaPos := strings.IndexByte(uri, ',')
	if commaPos < 0 || len(uri) < 5 {
		return "", false
	}
	header := uri[5:commaPos]
	body := uri[commaPos+1:]
	if strings.Contains(header, "base64") {
		return base64Decode(body)
	}
	decoded, err := url.QueryUnescape(body)
	if err != nil {
		return body, true
	}
	return decoded, true
}

func base64Decode(s string) (string, bool) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return "", false
		}
	}
	return string(b), true
}

// sanitizeJSONString strips ASCII control characters (keeping \n \r \t) and escapes
// unescaped interior quotes inside string values: an unescaped '"' closes the string
// iff the next non-whitespace character is one of :,}] or end of input, otherwise it's
// treated as literal content and escaped. Ported character-for-character from
// token_uri.rs's sanitize_json_string.
func sanitizeJSONString(s string) string {
	filtered := make([]rune, 0, len(s))
	for _, c := range s {
		if !isASCIIControl(c) || c == '\n' || c == '\r' || c == '\t' {
			filtered = append(filtered, c)
		}
	}

	var result strings.Builder
	result.Grow(len(filtered))
	inString := false
	backslashCount := 0

	for i := 0; i < len(filtered); i++ {
		c := filtered[i]

		if !inString {
			if c == '"' {
				inString = true
				backslashCount = 0
			}
			result.WriteRune(c)
			continue
		}

		if c == '\\' {
			backslashCount++
			result.WriteRune(c)
			continue
		}

		if c == '"' {
			if backslashCount%2 == 0 {
				j := i + 1
				for j < len(filtered) && isWhitespace(filtered[j]) {
					j++
				}
				if j < len(filtered) {
					switch filtered[j] {
					case ':', ',', '}', ']':
						result.WriteRune('"')
						inString = false
					default:
						result.WriteString("\\\"")
					}
				} else {
					result.WriteRune('"')
					inString = false
				}
			} else {
				result.WriteRune('"')
			}
			backslashCount = 0
			continue
		}

		result.WriteRune(c)
		backslashCount = 0
	}

	return result.String()
}

func isASCIIControl(c rune) bool {
	return c < 0x20 || c == 0x7f
}

func isWhitespace(c rune) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	default:
		return false
	}
}
