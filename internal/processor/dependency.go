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

const (
	dependencyNextComponent = iota
	dependencyRetrieve
	dependencyReturned
)

// processDependency runs the current sequence of every selected dependency
// manifest. Retrieving the dependency envelope is the only place the
// processor suspends: the subState is kept so the next ProcessSequence
// call retries the retrieval.
func (p *Processor) processDependency(f *frame, cmd suit.Action) error {
	for {
		switch f.subState {
		case dependencyNextComponent:
			index, ok := f.selection.next(f.cursor)
			if !ok {
				return nil
			}
			f.selected = index
			f.cursor = index + 1
			c, err := p.component(f, index)
			if err != nil {
				return p.dependencyDone(f, cmd, err)
			}
			switch c.Dependency() {
			case DependencyTrue:
			case DependencyFalse:
				return p.dependencyDone(f, cmd, fmt.Errorf("%w: process-dependency on a component that is not a dependency", suit.ErrTamper))
			default:
				return p.dependencyDone(f, cmd, fmt.Errorf("%w: is-dependency flag", suit.ErrTamper))
			}
			if !c.integrityChecked {
				return p.dependencyDone(f, cmd, fmt.Errorf("%w: dependency integrity not checked", suit.ErrOrder))
			}
			f.subState = dependencyRetrieve

		case dependencyRetrieve:
			c, err := p.component(f, f.selected)
			if err != nil {
				return p.dependencyDone(f, cmd, err)
			}
			raw, err := p.platform.RetrieveManifest(c.handle)
			if errors.Is(err, suit.ErrAgain) {
				p.logger.Printf("dependency %x not ready, suspending", c.id)
				p.suspended = true
				return err
			}
			if err != nil {
				return p.dependencyDone(f, cmd, err)
			}
			skip, err := p.enterDependency(f, c, raw)
			if err != nil {
				return p.dependencyDone(f, cmd, err)
			}
			if skip {
				p.record(f, cmd.ID, cmd.Policy, f.selected, nil)
				f.subState = dependencyNextComponent
				continue
			}
			f.subState = dependencyReturned
			return errFramePushed

		case dependencyReturned:
			err := f.result()
			child := p.manifests.top()
			if err == nil {
				err = p.platform.SequenceCompleted(f.sequence, child.manifest.id, child.manifest.envelopeBytes)
			}
			p.logger.Printf("leaving dependency %x: %v", child.manifest.id, err)
			if perr := p.manifests.pop(); err == nil {
				err = perr
			}
			if err != nil {
				return p.dependencyDone(f, cmd, err)
			}
			p.record(f, cmd.ID, cmd.Policy, f.selected, nil)
			f.subState = dependencyNextComponent

		default:
			return fmt.Errorf("%w: process-dependency state %d", suit.ErrCrash, f.subState)
		}
	}
}

func (p *Processor) dependencyDone(f *frame, cmd suit.Action, err error) error {
	p.record(f, cmd.ID, cmd.Policy, f.selected, err)
	return err
}

// enterDependency pushes the dependency manifest in raw and schedules its
// sequence. skip reports that the dependency has no such sequence and was
// released again.
func (p *Processor) enterDependency(f *frame, c *component, raw []byte) (skip bool, err error) {
	parent := p.entry(f)
	entry, err := p.manifests.push()
	if err != nil {
		return false, err
	}
	if err := entry.load(raw); err != nil {
		p.popDependency()
		return false, err
	}
	child := &entry.manifest
	p.logger.Printf("entering dependency %x for %s", child.id, f.sequence)

	steps := []func() error{
		func() error {
			if c.params.ImageDigest.Set && !c.params.ImageDigest.Value.Equal(child.digest) {
				return fmt.Errorf("%w: dependency digest does not match image-digest", suit.ErrManifestVerification)
			}
			return nil
		},
		func() error {
			return p.platform.AuthorizeProcessDependency(parent.manifest.id, child.id, f.sequence)
		},
		func() error {
			return p.platform.AuthorizeSequenceNum(f.sequence, child.id, child.sequenceNumber)
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			p.popDependency()
			return false, err
		}
	}

	switch child.sequence(f.sequence).status {
	case StatusUnavailable:
		p.popDependency()
		return true, nil
	case StatusSevered:
		p.popDependency()
		return false, fmt.Errorf("%w: %s of dependency is severed", suit.ErrUnavailableCommandSeq, f.sequence)
	}
	if err := p.schedule(p.manifests.depth-1, f.sequence); err != nil {
		p.popDependency()
		return false, err
	}
	return false, nil
}

func (p *Processor) popDependency() {
	if err := p.manifests.pop(); err != nil {
		p.logger.Printf("release dependency: %v", err)
	}
}

// checkDependencyIntegrity verifies the digest of the envelope behind a
// dependency component. Anything wrong with the envelope fails the
// condition.
func (p *Processor) checkDependencyIntegrity(c *component) error {
	switch c.Dependency() {
	case DependencyTrue:
	case DependencyFalse:
		return fmt.Errorf("%w: dependency-integrity on a component that is not a dependency", suit.ErrUnsupportedComponentID)
	default:
		return fmt.Errorf("%w: is-dependency flag", suit.ErrTamper)
	}

	raw, err := p.platform.RetrieveManifest(c.handle)
	if err != nil {
		return err
	}
	envelope, err := suit.DecodeEnvelope(raw)
	if err != nil {
		return fmt.Errorf("%w: dependency envelope: %v", suit.ErrFailCondition, err)
	}
	digest := envelope.AuthenticationWrapper.Digest
	if err := digest.Validate(); err != nil {
		return fmt.Errorf("%w: dependency digest: %v", suit.ErrFailCondition, err)
	}
	if err := p.platform.CheckDigest(digest, envelope.ManifestBstr); err != nil {
		return fmt.Errorf("%w: dependency digest: %v", suit.ErrFailCondition, err)
	}
	if c.params.ImageDigest.Set && !c.params.ImageDigest.Value.Equal(digest) {
		return fmt.Errorf("%w: dependency digest does not match image-digest", suit.ErrFailCondition)
	}
	c.integrityChecked = true
	return nil
}
