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

package extractor

import (
	"context"

	"github.com/dojoengine/torii-go/internal/enginedb"
)

// CompositeExtractor round-robins over an ordered list of children, enabling
// "backfill the history and keep up with the head" compositions — e.g. a fixed-range
// event extractor alongside a follow-mode block-range extractor.
type CompositeExtractor struct {
	children     []Extractor
	currentIndex int
}

// NewCompositeExtractor builds a composite over children, in the given order.
func NewCompositeExtractor(children ...Extractor) *CompositeExtractor {
	return &CompositeExtractor{children: children}
}

func (c *CompositeExtractor) IsFinished() bool {
	for _, child := range c.children {
		if !child.IsFinished() {
			return false
		}
	}
	return true
}

// Extract tries each child starting from currentIndex, skipping finished ones, returning
// the first non-empty batch and advancing currentIndex past it. All children empty (or
// finished) yields an empty batch. cursor is ignored: each child resumes from its own
// persisted per-extractor state, exactly as a standalone child would.
func (c *CompositeExtractor) Extract(ctx context.Context, cursor *string, db *enginedb.DB) (ExtractionBatch, error) {
	n := len(c.children)
	for i := 0; i < n; i++ {
		idx := (c.currentIndex + i) % n
		child := c.children[idx]
		if child.IsFinished() {
			continue
		}
		batch, err := child.Extract(ctx, nil, db)
		if err != nil {
			return Empty(), err
		}
		if !batch.IsEmpty() {
			c.currentIndex = (idx + 1) % n
			return batch, nil
		}
	}
	return Empty(), nil
}

// CommitCursor fans out to every child with an empty cursor. The incoming cursor is the
// batch cursor of whichever single child produced the last batch, so it is not passed on;
// each child persists its own internal state instead (EventExtractor always does,
// BlockRangeExtractor does so whenever it is given an empty cursor).
func (c *CompositeExtractor) CommitCursor(ctx context.Context, cursor string, db *enginedb.DB) error {
	for _, child := range c.children {
		if err := child.CommitCursor(ctx, "", db); err != nil {
			return err
		}
	}
	return nil
}
