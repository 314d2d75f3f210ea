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

func (p *Processor) setComponentIndex(f *frame, cmd suit.SetComponentIndex) error {
	n := p.entry(f).manifest.components.Len()
	if cmd.All {
		f.selection = firstN(n)
		return nil
	}
	var s componentSet
	for _, i := range cmd.Indices {
		if i >= uint64(n) {
			return fmt.Errorf("%w: component index %d of %d", suit.ErrMissingComponent, i, n)
		}
		s |= single(int(i))
	}
	f.selection = s
	return nil
}

func (p *Processor) overrideParameters(f *frame, cmd suit.OverrideParameters) error {
	if cmd.SoftFailure.Set {
		if !f.nested {
			return fmt.Errorf("%w: soft-failure outside try-each or run-sequence", suit.ErrUnsupportedParameter)
		}
		armed := cmd.SoftFailure.Value
		f.softFailure = &armed
	}
	for _, index := range f.selection.indices() {
		c, err := p.component(f, index)
		if err != nil {
			return err
		}
		c.params.Override(cmd.Parameters)
		if cmd.Parameters.ImageSize.Set {
			if err := p.platform.OverrideImageSize(c.handle, cmd.Parameters.ImageSize.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Processor) setParameters(f *frame, cmd suit.SetParameters) error {
	for _, index := range f.selection.indices() {
		c, err := p.component(f, index)
		if err != nil {
			return err
		}
		sizeSet := c.params.ImageSize.Set
		c.params.Merge(cmd.Parameters)
		if !sizeSet && cmd.Parameters.ImageSize.Set {
			if err := p.platform.OverrideImageSize(c.handle, cmd.Parameters.ImageSize.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Processor) action(f *frame, cmd suit.Action) error {
	if f.shared {
		return fmt.Errorf("%w: %s in the shared sequence", suit.ErrManifestValidation, cmd.ID)
	}
	if cmd.ID == suit.DirectiveProcessDependency {
		return p.processDependency(f, cmd)
	}
	for _, index := range f.selection.indices() {
		c, err := p.component(f, index)
		if err == nil {
			err = p.perform(f, cmd.ID, c)
		}
		p.record(f, cmd.ID, cmd.Policy, index, err)
		if err != nil {
			return err
		}
	}
	return nil
}

// perform runs one action on c, or only checks it in dry-run mode.
func (p *Processor) perform(f *frame, id suit.CommandID, c *component) error {
	dryRun := p.config.DryRun
	params := &c.params
	switch id {
	case suit.DirectiveFetch:
		if !params.URI.Set {
			return unavailable("uri")
		}
		uri := params.URI.Value
		if payload, ok := p.entry(f).manifest.envelope.IntegratedPayload(uri); ok {
			if dryRun {
				return p.platform.CheckFetchIntegrated(c.handle, payload)
			}
			return p.platform.FetchIntegrated(c.handle, payload)
		}
		if dryRun {
			return p.platform.CheckFetch(c.handle, uri)
		}
		return p.platform.Fetch(c.handle, uri)

	case suit.DirectiveCopy:
		if !params.SourceComponent.Set {
			return unavailable("source-component")
		}
		n := p.entry(f).manifest.components.Len()
		if params.SourceComponent.Value >= uint64(n) {
			return fmt.Errorf("%w: source component %d of %d", suit.ErrMissingComponent, params.SourceComponent.Value, n)
		}
		src, err := p.component(f, int(params.SourceComponent.Value))
		if err != nil {
			return err
		}
		if dryRun {
			return p.platform.CheckCopy(c.handle, src.handle)
		}
		return p.platform.Copy(c.handle, src.handle)

	case suit.DirectiveWrite:
		if !params.Content.Set {
			return unavailable("content")
		}
		if dryRun {
			return p.platform.CheckWrite(c.handle, params.Content.Value)
		}
		return p.platform.Write(c.handle, params.Content.Value)

	case suit.DirectiveInvoke:
		if dryRun {
			return p.platform.CheckInvoke(c.handle, params.InvokeArgs.Value)
		}
		return p.platform.Invoke(c.handle, params.InvokeArgs.Value)

	default:
		return fmt.Errorf("%w: directive %s", suit.ErrCrash, id)
	}
}

const (
	nestedStart = iota
	nestedNextComponent
	nestedPush
	nestedReturned
)

// runSequence runs the nested sequence once for every selected component,
// each run seeing only that component.
func (p *Processor) runSequence(f *frame, cmd suit.RunSequence) error {
	for {
		switch f.subState {
		case nestedStart:
			f.backup = f.selection
			f.cursor = 0
			f.subState = nestedNextComponent
		case nestedNextComponent:
			index, ok := f.backup.next(f.cursor)
			if !ok {
				f.selection = f.backup
				return nil
			}
			f.selected = index
			f.cursor = index + 1
			f.selection = single(index)
			f.subState = nestedReturned
			if err := p.pushNested(f, cmd.Sequence, f.selection); !errors.Is(err, errFramePushed) {
				f.selection = f.backup
				return err
			}
			return errFramePushed
		case nestedReturned:
			if err := f.result(); err != nil {
				f.selection = f.backup
				return err
			}
			f.subState = nestedNextComponent
		default:
			return fmt.Errorf("%w: run-sequence state %d", suit.ErrCrash, f.subState)
		}
	}
}

// tryEach runs, for every selected component, the alternatives in order
// until one does not fail a condition.
func (p *Processor) tryEach(f *frame, cmd suit.TryEach) error {
	for {
		switch f.subState {
		case nestedStart:
			f.backup = f.selection
			f.cursor = 0
			f.subState = nestedNextComponent
		case nestedNextComponent:
			index, ok := f.backup.next(f.cursor)
			if !ok {
				f.selection = f.backup
				return nil
			}
			f.selected = index
			f.cursor = index + 1
			f.selection = single(index)
			f.alternative = 0
			f.subState = nestedPush
		case nestedPush:
			if f.alternative >= len(cmd.Alternatives) {
				if cmd.TrailingNil {
					f.subState = nestedNextComponent
					continue
				}
				f.selection = f.backup
				return fmt.Errorf("%w: every try-each alternative failed", suit.ErrFailCondition)
			}
			f.subState = nestedReturned
			if err := p.pushNested(f, cmd.Alternatives[f.alternative], f.selection); !errors.Is(err, errFramePushed) {
				f.selection = f.backup
				return err
			}
			return errFramePushed
		case nestedReturned:
			err := f.result()
			switch {
			case err == nil:
				f.subState = nestedNextComponent
			case errors.Is(err, suit.ErrFailCondition) && !errors.Is(err, suit.ErrTamper):
				p.logger.Printf("try-each alternative %d failed: %v", f.alternative, err)
				f.alternative++
				f.subState = nestedPush
			default:
				f.selection = f.backup
				return err
			}
		default:
			return fmt.Errorf("%w: try-each state %d", suit.ErrCrash, f.subState)
		}
	}
}
