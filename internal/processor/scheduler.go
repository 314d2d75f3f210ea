/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package processor

import (
	"errors"
	"fmt"

	"github.com/kentakayama/suit-processor/internal/suit"
)

// errFramePushed tells the run loop that the current command is waiting
// for a frame it pushed.
var errFramePushed = errors.New("frame pushed")

// schedule pushes the frames running seq of the manifest at index. The
// shared sequence is pushed on top so that it runs first.
func (p *Processor) schedule(index int, seq suit.Sequence) error {
	entry := p.manifests.at(index)
	if entry == nil {
		return fmt.Errorf("%w: no manifest at %d", suit.ErrCrash, index)
	}
	commands, err := suit.DecodeCommandSequence(entry.manifest.sequence(seq).value)
	if err != nil {
		return err
	}
	var shared []suit.Command
	if s := entry.manifest.shared(); s != nil {
		if shared, err = suit.DecodeCommandSequence(s); err != nil {
			return err
		}
	}

	selection := single(0)
	if _, err := p.frames.push(frame{
		commands:  commands,
		manifest:  index,
		sequence:  seq,
		selection: selection,
	}); err != nil {
		return err
	}
	if shared != nil {
		if _, err := p.frames.push(frame{
			commands:  shared,
			manifest:  index,
			sequence:  seq,
			shared:    true,
			selection: selection,
		}); err != nil {
			p.frames.pop()
			return err
		}
	}
	return nil
}

// pushNested runs seq as the body of the current command of f with the
// given selection.
func (p *Processor) pushNested(f *frame, seq []byte, selection componentSet) error {
	commands, err := suit.DecodeCommandSequence(seq)
	if err != nil {
		return err
	}
	if _, err := p.frames.push(frame{
		commands:    commands,
		manifest:    f.manifest,
		sequence:    f.sequence,
		shared:      f.shared,
		nested:      true,
		softFailure: f.softFailure,
		selection:   selection,
	}); err != nil {
		return err
	}
	return errFramePushed
}

// popFrame finishes the top frame with err and hands err to its parent.
func (p *Processor) popFrame(err error) {
	done := p.frames.pop()
	parent := p.frames.top()
	if parent == nil {
		p.result = err
		return
	}
	if done.shared && !done.nested {
		// a failing shared sequence fails the sequence it precedes
		if err != nil {
			parent.retval = err
			parent.unwind = true
		}
		return
	}
	parent.retval = err
	parent.returned = true
}

// run executes frames until the stack is empty or a dependency envelope
// is not ready yet.
func (p *Processor) run() error {
	for !p.frames.empty() {
		f := p.frames.top()
		if f.unwind {
			p.popFrame(f.retval)
			continue
		}
		if f.offset >= len(f.commands) {
			p.popFrame(nil)
			continue
		}

		err := p.execute(f)
		if errors.Is(err, errFramePushed) {
			continue
		}
		if errors.Is(err, suit.ErrAgain) {
			if p.suspended {
				return err
			}
			err = fmt.Errorf("%w: retry requested outside process-dependency: %v", suit.ErrCrash, err)
		}
		if err != nil {
			p.popFrame(err)
			continue
		}
		f.advance()
	}
	return p.result
}

func (p *Processor) execute(f *frame) error {
	switch cmd := f.commands[f.offset].(type) {
	case suit.Condition:
		return p.condition(f, cmd)
	case suit.Action:
		return p.action(f, cmd)
	case suit.SetComponentIndex:
		return p.setComponentIndex(f, cmd)
	case suit.OverrideParameters:
		return p.overrideParameters(f, cmd)
	case suit.SetParameters:
		return p.setParameters(f, cmd)
	case suit.RunSequence:
		return p.runSequence(f, cmd)
	case suit.TryEach:
		return p.tryEach(f, cmd)
	default:
		return fmt.Errorf("%w: command %T", suit.ErrCrash, cmd)
	}
}

func (p *Processor) entry(f *frame) *manifestEntry {
	return p.manifests.at(f.manifest)
}

func (p *Processor) component(f *frame, index int) (*component, error) {
	entry := p.entry(f)
	if entry == nil {
		return nil, fmt.Errorf("%w: frame without manifest", suit.ErrCrash)
	}
	return p.store.get(&entry.manifest.components, index)
}
