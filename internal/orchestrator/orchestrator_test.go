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

package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dojoengine/torii-go/internal/config"
	"github.com/dojoengine/torii-go/internal/enginedb"
	"github.com/dojoengine/torii-go/internal/etl/decoder"
	"github.com/dojoengine/torii-go/internal/etl/envelope"
	"github.com/dojoengine/torii-go/internal/etl/extractor"
	"github.com/dojoengine/torii-go/internal/etl/sink"
	"github.com/dojoengine/torii-go/internal/httpapi"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

// fakeExtractor returns one preloaded batch the first time Extract is called, then
// empty batches; CommitCursor records the cursor it was asked to commit.
type fakeExtractor struct {
	batch         extractor.ExtractionBatch
	served        bool
	committed     []string
	commitErr     error
}

func (f *fakeExtractor) IsFinished() bool { return f.served }

func (f *fakeExtractor) Extract(ctx context.Context, cursor *string, db *enginedb.DB) (extractor.ExtractionBatch, error) {
	if f.served {
		return extractor.ExtractionBatch{}, nil
	}
	f.served = true
	return f.batch, nil
}

func (f *fakeExtractor) CommitCursor(ctx context.Context, cursor string, db *enginedb.DB) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = append(f.committed, cursor)
	return nil
}

// fakeSink counts Process calls and can be made to fail once.
type fakeSink struct {
	name      string
	processed int
	failNext  bool
}

func (s *fakeSink) Name() string                              { return s.name }
func (s *fakeSink) InterestedTypes() []envelope.TypeId         { return nil }
func (s *fakeSink) Initialize(ctx context.Context, bus *sink.EventBus) error { return nil }
func (s *fakeSink) Topics() []sink.TopicInfo {
	return []sink.TopicInfo{{Name: "updates", Description: "test topic"}}
}
func (s *fakeSink) BuildRoutes() http.Handler { return http.NewServeMux() }

func (s *fakeSink) Process(ctx context.Context, envelopes []envelope.Envelope, batch extractor.ExtractionBatch) error {
	if s.failNext {
		s.failNext = false
		return errors.New("boom")
	}
	s.processed++
	return nil
}

func newTestDB(t *testing.T) *enginedb.DB {
	t.Helper()
	db, err := enginedb.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func cursorBatch(cursor string) extractor.ExtractionBatch {
	return extractor.ExtractionBatch{
		Events: []rpcclient.EmittedEvent{{}},
		Cursor: &cursor,
	}
}

func TestRunOneCycleCommitsCursorOnSuccess(t *testing.T) {
	db := newTestDB(t)
	ex := &fakeExtractor{batch: cursorBatch("block:100")}
	s := &fakeSink{name: "test"}
	dec := decoder.New(nil)
	metrics := httpapi.NewMetrics()
	cfg := config.New(config.WithSinks(s), config.WithExtractor(ex))

	var cursor *string
	runOneCycle(context.Background(), cfg, db, dec, metrics, &cursor)

	require.Equal(t, []string{"block:100"}, ex.committed)
	require.Equal(t, 1, s.processed)
	require.NotNil(t, cursor)
	require.Equal(t, "block:100", *cursor)
}

func TestRunOneCycleDoesNotCommitOnSinkFailure(t *testing.T) {
	db := newTestDB(t)
	ex := &fakeExtractor{batch: cursorBatch("block:200")}
	s := &fakeSink{name: "test", failNext: true}
	dec := decoder.New(nil)
	metrics := httpapi.NewMetrics()
	cfg := config.New(config.WithSinks(s), config.WithExtractor(ex))

	var cursor *string
	runOneCycle(context.Background(), cfg, db, dec, metrics, &cursor)

	require.Empty(t, ex.committed)
	require.Nil(t, cursor)
}

func TestRunOneCycleSkipsEmptyBatch(t *testing.T) {
	db := newTestDB(t)
	ex := &fakeExtractor{served: true} // already finished, Extract returns empty
	s := &fakeSink{name: "test"}
	dec := decoder.New(nil)
	metrics := httpapi.NewMetrics()
	cfg := config.New(config.WithSinks(s), config.WithExtractor(ex))

	var cursor *string
	runOneCycle(context.Background(), cfg, db, dec, metrics, &cursor)

	require.Zero(t, s.processed)
	require.Empty(t, ex.committed)
}

func TestFakeSinkTopicsAdvertisesUpdates(t *testing.T) {
	s := &fakeSink{name: "mysink"}
	topics := s.Topics()
	require.Len(t, topics, 1)
	require.Equal(t, "updates", topics[0].Name)
}
