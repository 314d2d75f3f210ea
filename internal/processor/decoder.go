/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package processor

import (
	"bytes"
	"fmt"
	"log"
	"math"

	"github.com/kentakayama/suit-processor/internal/suit"
)

// Step is the progress of a decoder through its pipeline.
type Step int

const (
	StepInvalid Step = iota
	StepInitialized
	StepEnvelopeDecoded
	StepManifestDigestVerified
	StepManifestDecoded
	StepManifestAuthenticated
	StepManifestAuthorized
	StepSequencesDecoded
	StepComponentsCreated
)

var stepNames = []string{
	"invalid",
	"initialized",
	"envelope-decoded",
	"manifest-digest-verified",
	"manifest-decoded",
	"manifest-authenticated",
	"manifest-authorized",
	"sequences-decoded",
	"components-created",
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

// decoder drives one manifest from envelope bytes to created components.
// Every operation requires the step right before it; any failure other
// than an ordering error releases the manifest and resets to StepInvalid.
type decoder struct {
	step     Step
	platform Platform
	store    *componentStore
	logger   *log.Logger
	m        *manifest
}

func newDecoder(platform Platform, store *componentStore, logger *log.Logger) decoder {
	return decoder{platform: platform, store: store, logger: logger}
}

func (d *decoder) expect(step Step) error {
	if d.step != step {
		return fmt.Errorf("%w: decoder is %s, want %s", suit.ErrOrder, d.step, step)
	}
	return nil
}

// fail releases the manifest and resets the decoder.
func (d *decoder) fail(err error) error {
	d.logger.Printf("decoder reset at %s: %v", d.step, err)
	if rerr := d.release(); rerr != nil {
		d.logger.Printf("release after decoder reset: %v", rerr)
	}
	return err
}

func (d *decoder) release() error {
	var err error
	if d.m != nil {
		err = d.store.release(&d.m.components)
		d.m.reset()
		d.m = nil
	}
	d.step = StepInvalid
	return err
}

func (d *decoder) init(m *manifest) error {
	if err := d.expect(StepInvalid); err != nil {
		return err
	}
	m.reset()
	d.m = m
	d.step = StepInitialized
	return nil
}

func (d *decoder) decodeEnvelope(raw []byte) error {
	if err := d.expect(StepInitialized); err != nil {
		return err
	}
	envelope, err := suit.DecodeEnvelope(raw)
	if err != nil {
		return d.fail(err)
	}
	d.m.envelopeBytes = bytes.Clone(raw)
	d.m.envelope = envelope
	d.step = StepEnvelopeDecoded
	return nil
}

func (d *decoder) checkManifestDigest() error {
	if err := d.expect(StepEnvelopeDecoded); err != nil {
		return err
	}
	digest := d.m.envelope.AuthenticationWrapper.Digest
	if err := digest.Validate(); err != nil {
		return d.fail(err)
	}
	if err := d.platform.CheckDigest(digest, d.m.envelope.ManifestBstr); err != nil {
		return d.fail(fmt.Errorf("%w: manifest digest: %v", suit.ErrManifestVerification, err))
	}
	d.m.digest = digest
	d.step = StepManifestDigestVerified
	return nil
}

func (d *decoder) decodeManifest() error {
	if err := d.expect(StepManifestDigestVerified); err != nil {
		return err
	}
	decoded, err := suit.DecodeManifest(d.m.envelope.Manifest)
	if err != nil {
		return d.fail(err)
	}
	if decoded.ManifestVersion != suit.ManifestVersion {
		return d.fail(fmt.Errorf("%w: manifest version %d", suit.ErrManifestValidation, decoded.ManifestVersion))
	}
	if decoded.ManifestSequenceNumber > math.MaxUint32 {
		return d.fail(fmt.Errorf("%w: sequence number %d", suit.ErrManifestValidation, decoded.ManifestSequenceNumber))
	}

	d.m.decoded = decoded
	d.m.id = decoded.ComponentID
	d.m.sequenceNumber = uint32(decoded.ManifestSequenceNumber)
	for i, f := range decoded.Severable {
		if f.Present {
			d.m.members[i].status = StatusSevered
		} else {
			d.m.members[i].status = StatusUnavailable
		}
	}
	d.step = StepManifestDecoded
	return nil
}

func (d *decoder) authenticateManifest() error {
	if err := d.expect(StepManifestDecoded); err != nil {
		return err
	}
	wrapper := d.m.envelope.AuthenticationWrapper
	if len(wrapper.Blocks) == 0 {
		if err := d.platform.AuthorizeUnsignedManifest(d.m.id); err != nil {
			return d.fail(fmt.Errorf("%w: unsigned manifest: %v", suit.ErrAuthentication, err))
		}
		d.step = StepManifestAuthenticated
		return nil
	}

	for i, block := range wrapper.Blocks {
		data, err := suit.SigStructure(block.Protected, wrapper.DigestBstr)
		if err != nil {
			return d.fail(fmt.Errorf("%w: signature %d: %v", suit.ErrAuthentication, i, err))
		}
		if err := d.platform.AuthenticateManifest(d.m.id, block.Algorithm, block.KID, block.Signature, data); err != nil {
			return d.fail(fmt.Errorf("%w: signature %d: %v", suit.ErrManifestVerification, i, err))
		}
	}
	d.step = StepManifestAuthenticated
	return nil
}

func (d *decoder) authorizeManifest() error {
	if err := d.expect(StepManifestAuthenticated); err != nil {
		return err
	}
	common := d.m.decoded.Common
	if len(common.Components) == 0 {
		return d.fail(fmt.Errorf("%w: manifest declares no components", suit.ErrManifestValidation))
	}
	for index, dep := range common.Dependencies {
		if index >= uint64(len(common.Components)) {
			return d.fail(fmt.Errorf("%w: dependency %d out of %d components", suit.ErrManifestValidation, index, len(common.Components)))
		}
		if d.m.id != nil && bytes.Equal(common.Components[index], d.m.id) {
			return d.fail(fmt.Errorf("%w: manifest depends on itself", suit.ErrManifestValidation))
		}
		if d.m.id != nil && dep.Prefix != nil && bytes.Equal(dep.Prefix, d.m.id) {
			return d.fail(fmt.Errorf("%w: dependency %d prefix is the manifest itself", suit.ErrManifestValidation, index))
		}
	}
	for i, id := range common.Components {
		if err := d.platform.AuthorizeComponentID(d.m.id, id); err != nil {
			return d.fail(fmt.Errorf("%w: component %d: %v", suit.ErrUnsupportedComponentID, i, err))
		}
	}
	d.step = StepManifestAuthorized
	return nil
}

func (d *decoder) decodeSequences() error {
	if err := d.expect(StepManifestAuthorized); err != nil {
		return err
	}

	for i := range d.m.members {
		member := suit.Member(i)
		field := d.m.decoded.Severable[member]
		severed := d.m.envelope.Severed[member]
		slot := &d.m.members[member]

		switch {
		case !field.Present:
			if severed.Present() {
				return d.fail(fmt.Errorf("%w: severed member %d without a digest in the manifest", suit.ErrManifestValidation, member.Key()))
			}
			slot.status = StatusUnavailable
		case !field.Severed:
			if severed.Present() {
				return d.fail(fmt.Errorf("%w: member %d present in both manifest and envelope", suit.ErrManifestValidation, member.Key()))
			}
			*slot = commandSequence{status: StatusAuthenticated, value: field.Value}
		default:
			if err := field.Digest.Validate(); err != nil {
				return d.fail(err)
			}
			if !severed.Present() {
				slot.status = StatusSevered
				continue
			}
			if err := d.platform.CheckDigest(field.Digest, severed.Raw); err != nil {
				return d.fail(fmt.Errorf("%w: severed member %d: %v", suit.ErrManifestVerification, member.Key(), err))
			}
			*slot = commandSequence{status: StatusAuthenticated, value: severed.Value}
		}
	}

	for i := range d.m.sequences {
		seq := suit.Sequence(i)
		if member, ok := seq.Member(); ok {
			d.m.sequences[seq] = d.m.members[member]
			continue
		}
		var value []byte
		switch seq {
		case suit.SequenceValidate:
			value = d.m.decoded.Validate
		case suit.SequenceLoad:
			value = d.m.decoded.Load
		case suit.SequenceInvoke:
			value = d.m.decoded.Invoke
		}
		if value != nil {
			d.m.sequences[seq] = commandSequence{status: StatusAuthenticated, value: value}
		}
	}
	d.step = StepSequencesDecoded
	return nil
}

func (d *decoder) createComponents() error {
	if err := d.expect(StepSequencesDecoded); err != nil {
		return err
	}
	common := d.m.decoded.Common
	for i, id := range common.Components {
		var err error
		if dep, ok := common.Dependencies[uint64(i)]; ok {
			err = d.store.appendDependency(&d.m.components, id, dep.Prefix)
		} else {
			err = d.store.appendComponent(&d.m.components, id)
		}
		if err != nil {
			return d.fail(err)
		}
	}
	d.step = StepComponentsCreated
	return nil
}

// load runs the whole pipeline over raw.
func (d *decoder) load(m *manifest, raw []byte) error {
	steps := []func() error{
		func() error { return d.init(m) },
		func() error { return d.decodeEnvelope(raw) },
		d.checkManifestDigest,
		d.decodeManifest,
		d.authenticateManifest,
		d.authorizeManifest,
		d.decodeSequences,
		d.createComponents,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
