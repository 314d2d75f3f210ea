/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package processor

import (
	"fmt"
	"log"

	"github.com/kentakayama/suit-processor/internal/suit"
)

// manifestEntry pairs a manifest with the decoder that fills it.
type manifestEntry struct {
	decoder  decoder
	manifest manifest
}

// load decodes, authenticates and authorizes raw into the entry.
func (e *manifestEntry) load(raw []byte) error {
	return e.decoder.load(&e.manifest, raw)
}

func (e *manifestEntry) loaded() bool {
	return e.decoder.step == StepComponentsCreated
}

// manifestStack holds the root manifest at index 0 and the dependencies
// being processed above it.
type manifestStack struct {
	entries []manifestEntry
	depth   int
}

func newManifestStack(capacity int, platform Platform, store *componentStore, logger *log.Logger) *manifestStack {
	s := &manifestStack{entries: make([]manifestEntry, capacity)}
	for i := range s.entries {
		s.entries[i].decoder = newDecoder(platform, store, logger)
	}
	return s
}

func (s *manifestStack) push() (*manifestEntry, error) {
	if s.depth >= len(s.entries) {
		return nil, fmt.Errorf("%w: manifest stack is full (%d)", suit.ErrOverflow, len(s.entries))
	}
	e := &s.entries[s.depth]
	s.depth++
	return e, nil
}

// pop releases the top entry and removes it.
func (s *manifestStack) pop() error {
	if s.depth == 0 {
		return fmt.Errorf("%w: pop from an empty manifest stack", suit.ErrCrash)
	}
	s.depth--
	return s.entries[s.depth].decoder.release()
}

// unwind pops entries until depth entries remain, returning the first error.
func (s *manifestStack) unwind(depth int) error {
	var first error
	for s.depth > depth {
		if err := s.pop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *manifestStack) top() *manifestEntry {
	if s.depth == 0 {
		return nil
	}
	return &s.entries[s.depth-1]
}

func (s *manifestStack) at(i int) *manifestEntry {
	if i < 0 || i >= s.depth {
		return nil
	}
	return &s.entries[i]
}
