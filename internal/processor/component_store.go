/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package processor

import (
	"bytes"
	"fmt"

	"github.com/kentakayama/suit-processor/internal/suit"
)

// Dependency is the decoded is-dependency flag of a component.
type Dependency int

const (
	DependencyFalse Dependency = iota
	DependencyTrue
	// DependencyCorrupted means the stored pattern matches neither value.
	DependencyCorrupted
)

func (d Dependency) String() string {
	switch d {
	case DependencyFalse:
		return "false"
	case DependencyTrue:
		return "true"
	default:
		return "corrupted"
	}
}

// dependencyMagic stores the is-dependency flag as one of two bit patterns
// so that a single flipped bit never reads as the other value.
type dependencyMagic uint32

const (
	magicDependencyTrue  dependencyMagic = 0x5AA5C33C
	magicDependencyFalse dependencyMagic = 0xA55A3CC3
)

func magicFor(dependency bool) dependencyMagic {
	if dependency {
		return magicDependencyTrue
	}
	return magicDependencyFalse
}

func (m dependencyMagic) flag() Dependency {
	switch m {
	case magicDependencyTrue:
		return DependencyTrue
	case magicDependencyFalse:
		return DependencyFalse
	default:
		return DependencyCorrupted
	}
}

// component is one record of the component table.
type component struct {
	handle ComponentHandle
	id     []byte
	// prefix is the dependency prefix, nil when absent.
	prefix           []byte
	params           suit.Parameters
	integrityChecked bool
	dependency       dependencyMagic
	refCount         int
}

func (c *component) Dependency() Dependency {
	return c.dependency.flag()
}

// componentView maps the component indices of one manifest onto records of
// the component table.
type componentView struct {
	records []int
}

func (v *componentView) Len() int {
	return len(v.records)
}

// componentStore is the reference counted component table shared by all
// manifests on the stack.
type componentStore struct {
	platform  Platform
	records   []component
	viewLimit int
}

func newComponentStore(platform Platform, capacity, viewLimit int) *componentStore {
	return &componentStore{
		platform:  platform,
		records:   make([]component, capacity),
		viewLimit: viewLimit,
	}
}

func (s *componentStore) appendComponent(view *componentView, id []byte) error {
	return s.append(view, id, nil, false)
}

func (s *componentStore) appendDependency(view *componentView, id, prefix []byte) error {
	if prefix != nil && !suit.ValidComponentID(prefix, true) {
		return fmt.Errorf("%w: malformed dependency prefix", suit.ErrManifestValidation)
	}
	return s.append(view, id, prefix, true)
}

func (s *componentStore) append(view *componentView, id, prefix []byte, dependency bool) error {
	if len(view.records) >= s.viewLimit {
		return fmt.Errorf("%w: more than %d components in one manifest", suit.ErrManifestValidation, s.viewLimit)
	}

	free := -1
	for i := range s.records {
		r := &s.records[i]
		if r.refCount == 0 {
			if free < 0 {
				free = i
			}
			continue
		}
		if !bytes.Equal(r.id, id) {
			continue
		}
		switch r.Dependency() {
		case DependencyCorrupted:
			return fmt.Errorf("%w: is-dependency flag of component %x", suit.ErrTamper, id)
		case DependencyTrue:
			if !dependency {
				return fmt.Errorf("%w: component %x is already a dependency", suit.ErrManifestValidation, id)
			}
			if !bytes.Equal(r.prefix, prefix) {
				return fmt.Errorf("%w: dependency %x has a conflicting prefix", suit.ErrManifestValidation, id)
			}
		case DependencyFalse:
			if dependency {
				return fmt.Errorf("%w: component %x is not a dependency", suit.ErrManifestValidation, id)
			}
		}
		r.refCount++
		view.records = append(view.records, i)
		return nil
	}

	if free < 0 {
		return fmt.Errorf("%w: component table is full (%d)", suit.ErrOverflow, len(s.records))
	}
	h, err := s.platform.CreateComponentHandle(id)
	if err != nil {
		return err
	}
	s.records[free] = component{
		handle:     h,
		id:         bytes.Clone(id),
		prefix:     bytes.Clone(prefix),
		dependency: magicFor(dependency),
		refCount:   1,
	}
	view.records = append(view.records, free)
	return nil
}

// get resolves a manifest-local component index.
func (s *componentStore) get(view *componentView, index int) (*component, error) {
	if index < 0 || index >= len(view.records) {
		return nil, fmt.Errorf("%w: component index %d", suit.ErrMissingComponent, index)
	}
	r := &s.records[view.records[index]]
	if r.refCount <= 0 {
		return nil, fmt.Errorf("%w: component index %d is not referenced", suit.ErrMissingComponent, index)
	}
	return r, nil
}

// release drops every reference held by view. Handles whose last reference
// goes away are released on the platform. A failing release is reported
// after the whole view has been processed; counts already decremented are
// not restored.
func (s *componentStore) release(view *componentView) error {
	var first error
	for _, i := range view.records {
		r := &s.records[i]
		if r.refCount <= 0 {
			if first == nil {
				first = fmt.Errorf("%w: component %d released twice", suit.ErrCrash, i)
			}
			continue
		}
		r.refCount--
		if r.refCount > 0 {
			continue
		}
		if err := s.platform.ReleaseComponentHandle(r.handle); err != nil && first == nil {
			first = err
		}
		*r = component{}
	}
	view.records = view.records[:0]
	return first
}

// used reports the number of occupied records.
func (s *componentStore) used() int {
	n := 0
	for i := range s.records {
		if s.records[i].refCount > 0 {
			n++
		}
	}
	return n
}

func (s *componentStore) reset() {
	for i := range s.records {
		s.records[i] = component{}
	}
}
