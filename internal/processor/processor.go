/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package processor runs SUIT manifests: it decodes and authorizes
// envelopes, tracks the components they address and executes their
// command sequences against a Platform.
//
// A Processor is not safe for concurrent use.
package processor

import (
	"bytes"
	"errors"
	"fmt"
	"log"

	"github.com/kentakayama/suit-processor/internal/config"
	"github.com/kentakayama/suit-processor/internal/suit"
)

type Processor struct {
	config   config.ProcessorConfig
	platform Platform
	logger   *log.Logger

	store     *componentStore
	manifests *manifestStack
	frames    *frameStack

	records []suit.Record
	dropped int
	result  error

	initialized bool
	// suspended is set while a process-dependency waits for its envelope.
	suspended       bool
	pendingEnvelope []byte
	pendingSequence suit.Sequence
}

// Metadata is what GetManifestMetadata reports about an envelope.
type Metadata struct {
	ComponentID    []byte
	Digest         suit.Digest
	SequenceNumber uint32
}

func New(cfg config.ProcessorConfig, platform Platform) (*Processor, error) {
	if platform == nil {
		return nil, errors.New("processor: platform is required")
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	store := newComponentStore(platform, cfg.Limits.MaxComponents, cfg.Limits.MaxManifestComponents)
	return &Processor{
		config:    cfg,
		platform:  platform,
		logger:    logger,
		store:     store,
		manifests: newManifestStack(cfg.Limits.MaxManifests, platform, store, logger),
		frames:    newFrameStack(cfg.Limits.MaxFrames),
		records:   make([]suit.Record, 0, cfg.Limits.MaxRecords),
	}, nil
}

// Init discards all state, releasing the handles still held.
func (p *Processor) Init() error {
	p.frames.reset()
	err := p.manifests.unwind(0)
	if err != nil {
		p.logger.Printf("release on init: %v", err)
	}
	p.store.reset()
	p.resetRecords()
	p.suspended = false
	p.pendingEnvelope = nil
	p.initialized = true
	return nil
}

// LoadEnvelope decodes, authenticates and authorizes envelope as the root
// manifest, replacing the previous root.
func (p *Processor) LoadEnvelope(envelope []byte) error {
	if !p.initialized || p.suspended {
		return fmt.Errorf("%w: processor not ready to load an envelope", suit.ErrOrder)
	}
	if err := p.manifests.unwind(0); err != nil {
		p.logger.Printf("release previous root: %v", err)
	}
	entry, err := p.manifests.push()
	if err != nil {
		return err
	}
	if err := entry.load(envelope); err != nil {
		p.manifests.unwind(0)
		return err
	}
	return nil
}

// ProcessSequence runs seq of envelope. A result wrapping suit.ErrAgain
// means a dependency envelope is not ready yet: call again with the same
// arguments to resume.
func (p *Processor) ProcessSequence(envelope []byte, seq suit.Sequence) error {
	if !p.initialized {
		return fmt.Errorf("%w: processor not initialized", suit.ErrOrder)
	}
	if p.suspended {
		if seq != p.pendingSequence || !bytes.Equal(envelope, p.pendingEnvelope) {
			return fmt.Errorf("%w: %s is suspended, cannot start %s", suit.ErrOrder, p.pendingSequence, seq)
		}
		p.suspended = false
		p.logger.Printf("resuming %s", seq)
		return p.finish(p.run())
	}
	if !seq.Valid() {
		return fmt.Errorf("%w: %s", suit.ErrUnavailableCommandSeq, seq)
	}

	p.resetRecords()
	p.result = nil
	root := p.manifests.at(0)
	if root == nil || !root.loaded() || !bytes.Equal(root.manifest.envelopeBytes, envelope) {
		if err := p.LoadEnvelope(envelope); err != nil {
			return err
		}
		root = p.manifests.at(0)
	}
	m := &root.manifest

	if err := p.platform.AuthorizeSequenceNum(seq, m.id, m.sequenceNumber); err != nil {
		p.releaseRoot()
		return err
	}
	switch m.sequence(seq).status {
	case StatusUnavailable, StatusSevered:
		p.releaseRoot()
		return fmt.Errorf("%w: %s is %s", suit.ErrUnavailableCommandSeq, seq, m.sequence(seq).status)
	}
	if err := p.schedule(0, seq); err != nil {
		p.releaseRoot()
		return err
	}
	p.pendingEnvelope = m.envelopeBytes
	p.pendingSequence = seq
	return p.finish(p.run())
}

// finish settles a run: a suspended run keeps all state, anything else
// reports completion of the root or releases it.
func (p *Processor) finish(err error) error {
	if p.suspended {
		return err
	}
	p.frames.reset()
	if uerr := p.manifests.unwind(1); uerr != nil && err == nil {
		err = uerr
	}
	root := p.manifests.at(0)
	if err == nil && root != nil {
		err = p.platform.SequenceCompleted(p.pendingSequence, root.manifest.id, root.manifest.envelopeBytes)
	}
	if err != nil {
		p.logger.Printf("%s failed: %v", p.pendingSequence, err)
		p.releaseRoot()
	}
	p.pendingEnvelope = nil
	return err
}

// Suspended reports the envelope and sequence of a run waiting for a
// dependency envelope. Call Init to abort it.
func (p *Processor) Suspended() ([]byte, suit.Sequence, bool) {
	if !p.suspended {
		return nil, 0, false
	}
	return p.pendingEnvelope, p.pendingSequence, true
}

func (p *Processor) releaseRoot() {
	if err := p.manifests.unwind(0); err != nil {
		p.logger.Printf("release root: %v", err)
	}
}

// GetManifestMetadata decodes envelope far enough to report its identity.
// With authenticate set the signatures are verified too. No components
// are created.
func (p *Processor) GetManifestMetadata(envelope []byte, authenticate bool) (Metadata, error) {
	if !p.initialized {
		return Metadata{}, fmt.Errorf("%w: processor not initialized", suit.ErrOrder)
	}
	d := newDecoder(p.platform, p.store, p.logger)
	var m manifest
	steps := []func() error{
		func() error { return d.init(&m) },
		func() error { return d.decodeEnvelope(envelope) },
		d.checkManifestDigest,
		d.decodeManifest,
	}
	if authenticate {
		steps = append(steps, d.authenticateManifest)
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return Metadata{}, err
		}
	}
	meta := Metadata{
		ComponentID:    bytes.Clone(m.id),
		Digest:         m.digest,
		SequenceNumber: m.sequenceNumber,
	}
	d.release()
	return meta, nil
}
