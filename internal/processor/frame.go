/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package processor

import (
	"fmt"
	"math/bits"

	"github.com/kentakayama/suit-processor/internal/suit"
)

// componentSet is a selection of manifest-local component indices.
type componentSet uint64

func single(index int) componentSet {
	return componentSet(1) << uint(index)
}

// firstN selects the indices 0..n-1.
func firstN(n int) componentSet {
	if n >= 64 {
		return ^componentSet(0)
	}
	return single(n) - 1
}

func (s componentSet) has(index int) bool {
	return index >= 0 && index < 64 && s&single(index) != 0
}

// next returns the lowest selected index that is not below from.
func (s componentSet) next(from int) (int, bool) {
	if from >= 64 {
		return 0, false
	}
	rest := s &^ (single(from) - 1)
	if rest == 0 {
		return 0, false
	}
	return bits.TrailingZeros64(uint64(rest)), true
}

func (s componentSet) indices() []int {
	var out []int
	for i, ok := s.next(0); ok; i, ok = s.next(i + 1) {
		out = append(out, i)
	}
	return out
}

// frame is the execution state of one command sequence.
type frame struct {
	commands []suit.Command
	offset   int
	// subState is the resume point inside the command at offset.
	subState int
	// cursor is the next component to visit for per-component commands.
	cursor int
	// alternative is the try-each alternative being run.
	alternative int
	selected    int
	selection   componentSet
	backup      componentSet

	manifest int
	sequence suit.Sequence
	// shared marks the common shared sequence and anything it runs.
	shared bool
	// nested marks run-sequence and try-each bodies.
	nested bool
	// softFailure is shared with the frame it was inherited from until
	// this frame overrides it.
	softFailure *bool

	// retval is the result of the frame this one is waiting for.
	retval   error
	returned bool
	// unwind makes the frame finish with retval on its next turn.
	unwind bool
}

// advance moves to the next command.
func (f *frame) advance() {
	f.offset++
	f.subState = 0
	f.cursor = 0
	f.alternative = 0
	f.retval = nil
	f.returned = false
}

func (f *frame) softFailureArmed() bool {
	return f.softFailure != nil && *f.softFailure
}

// result takes the return value of the finished child frame.
func (f *frame) result() error {
	err := f.retval
	f.retval = nil
	f.returned = false
	return err
}

type frameStack struct {
	frames []frame
	depth  int
}

func newFrameStack(capacity int) *frameStack {
	return &frameStack{frames: make([]frame, capacity)}
}

func (s *frameStack) push(f frame) (*frame, error) {
	if s.depth >= len(s.frames) {
		return nil, fmt.Errorf("%w: execution stack is full (%d)", suit.ErrOverflow, len(s.frames))
	}
	s.frames[s.depth] = f
	s.depth++
	return &s.frames[s.depth-1], nil
}

func (s *frameStack) pop() frame {
	s.depth--
	f := s.frames[s.depth]
	s.frames[s.depth] = frame{}
	return f
}

func (s *frameStack) top() *frame {
	if s.depth == 0 {
		return nil
	}
	return &s.frames[s.depth-1]
}

func (s *frameStack) empty() bool {
	return s.depth == 0
}

func (s *frameStack) reset() {
	for s.depth > 0 {
		s.pop()
	}
}
