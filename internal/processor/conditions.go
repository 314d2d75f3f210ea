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

func (p *Processor) condition(f *frame, cmd suit.Condition) error {
	err := p.checkCondition(f, cmd)
	if err != nil && f.softFailureArmed() && errors.Is(err, suit.ErrFailCondition) && !errors.Is(err, suit.ErrTamper) {
		p.logger.Printf("soft failure of %s in %s: %v", cmd.ID, f.sequence, err)
		*f.softFailure = false
		return nil
	}
	return err
}

func (p *Processor) checkCondition(f *frame, cmd suit.Condition) error {
	if cmd.ID == suit.ConditionAbort {
		err := fmt.Errorf("%w: abort", suit.ErrFailCondition)
		p.record(f, cmd.ID, cmd.Policy, f.selected, err)
		return err
	}
	for _, index := range f.selection.indices() {
		c, err := p.component(f, index)
		if err != nil {
			return err
		}
		err = p.checkComponent(cmd.ID, c)
		p.record(f, cmd.ID, cmd.Policy, index, err)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) checkComponent(id suit.CommandID, c *component) error {
	params := &c.params
	switch id {
	case suit.ConditionVendorIdentifier:
		if !params.VendorID.Set {
			return unavailable("vendor-id")
		}
		return p.platform.CheckVendorID(c.handle, params.VendorID.Value)
	case suit.ConditionClassIdentifier:
		if !params.ClassID.Set {
			return unavailable("class-id")
		}
		return p.platform.CheckClassID(c.handle, params.ClassID.Value)
	case suit.ConditionDeviceIdentifier:
		if !params.DeviceID.Set {
			return unavailable("device-id")
		}
		return p.platform.CheckDeviceID(c.handle, params.DeviceID.Value)
	case suit.ConditionImageMatch:
		if !params.ImageDigest.Set {
			return unavailable("image-digest")
		}
		return p.platform.CheckImageMatch(c.handle, params.ImageDigest.Value, params.ImageSize)
	case suit.ConditionComponentSlot:
		if !params.ComponentSlot.Set {
			return unavailable("component-slot")
		}
		return p.platform.CheckSlot(c.handle, params.ComponentSlot.Value)
	case suit.ConditionIsDependency:
		switch c.Dependency() {
		case DependencyTrue:
			return nil
		case DependencyFalse:
			return fmt.Errorf("%w: component is not a dependency", suit.ErrFailCondition)
		default:
			return fmt.Errorf("%w: is-dependency flag", suit.ErrTamper)
		}
	case suit.ConditionDependencyIntegrity:
		return p.checkDependencyIntegrity(c)
	default:
		return fmt.Errorf("%w: condition %s", suit.ErrCrash, id)
	}
}

func unavailable(name string) error {
	return fmt.Errorf("%w: %s", suit.ErrUnavailableParameter, name)
}
