/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package platform

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/kentakayama/suit-processor/internal/domain"
	"github.com/kentakayama/suit-processor/internal/domain/model"
	"github.com/kentakayama/suit-processor/internal/processor"
	"github.com/kentakayama/suit-processor/internal/suit"
)

func (d *Device) RetrieveManifest(h processor.ComponentHandle) ([]byte, error) {
	d.mu.Lock()
	id, ok := d.handles[h]
	key := hex.EncodeToString(id)
	if p := d.pending[key]; ok && p != nil {
		if p.ready > 0 {
			p.ready--
		} else if p.again > 0 {
			p.again--
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: envelope of %s", suit.ErrAgain, key)
		}
	}
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown component handle %d", suit.ErrCrash, h)
	}

	stored, err := d.manifests.FindLatestByComponentID(d.ctx, id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: no envelope for %s", suit.ErrUnavailablePayload, key)
	}
	return stored.Manifest, nil
}

// AuthorizeSequenceNum rejects a manifest older than the installed one.
// Manifests without an id are never compared.
func (d *Device) AuthorizeSequenceNum(seq suit.Sequence, manifestID []byte, sequenceNumber uint32) error {
	if manifestID == nil {
		return nil
	}
	installed, err := d.manifests.FindLatestByComponentID(d.ctx, manifestID)
	if err != nil {
		return err
	}
	if installed != nil && uint64(sequenceNumber) < installed.SequenceNumber {
		return fmt.Errorf("%w: %w: %d < %d", suit.ErrManifestValidation,
			suit.ErrSUITManifestSmallerSequenceNumber, sequenceNumber, installed.SequenceNumber)
	}
	return nil
}

func (d *Device) AuthorizeProcessDependency(parentID, childID []byte, seq suit.Sequence) error {
	d.logger.Printf("%x runs %s of dependency %x", parentID, seq, childID)
	return nil
}

// SequenceCompleted stores the envelope once its install sequence succeeded.
func (d *Device) SequenceCompleted(seq suit.Sequence, manifestID []byte, envelope []byte) error {
	d.logger.Printf("%s of %x completed", seq, manifestID)
	if seq != suit.SequenceInstall {
		return nil
	}
	if manifestID == nil {
		d.logger.Printf("envelope without component id is not stored")
		return nil
	}
	return d.StoreEnvelope(envelope)
}

// StoreEnvelope authenticates envelope against the trust anchors and
// inserts it, while checking that, if the same component id exists:
//   - the sequence number is bigger than the existing one
//   - they are signed with the same key
//
// Storing the installed envelope again is a no-op.
func (d *Device) StoreEnvelope(envelope []byte) error {
	if envelope == nil {
		return errors.New("envelope is nil")
	}
	e, err := suit.DecodeEnvelope(envelope)
	if err != nil {
		return err
	}
	wrapper := e.AuthenticationWrapper
	if err := wrapper.Digest.Validate(); err != nil {
		return err
	}
	if err := d.CheckDigest(wrapper.Digest, e.ManifestBstr); err != nil {
		return err
	}
	m, err := suit.DecodeManifest(e.Manifest)
	if err != nil {
		return err
	}
	if m.ComponentID == nil {
		return fmt.Errorf("%w: envelope without component id", suit.ErrManifestValidation)
	}
	digest := wrapper.Digest.DigestBytes

	// the first signature names the key the envelope is recorded with
	var signingKeyID *int64
	for i, block := range wrapper.Blocks {
		data, err := suit.SigStructure(block.Protected, wrapper.DigestBstr)
		if err != nil {
			return fmt.Errorf("%w: signature %d: %v", suit.ErrAuthentication, i, err)
		}
		key, err := d.verify(block.Algorithm, block.KID, block.Signature, data)
		if err != nil {
			return fmt.Errorf("signature %d: %w", i, err)
		}
		if signingKeyID == nil {
			signingKeyID = &key.ID
		}
	}
	if signingKeyID == nil {
		if err := d.AuthorizeUnsignedManifest(m.ComponentID); err != nil {
			return err
		}
	}

	existing, err := d.manifests.FindLatestByComponentID(d.ctx, m.ComponentID)
	if err != nil {
		return err
	}
	if existing != nil {
		if bytes.Equal(existing.Digest, digest) {
			return nil
		}
		if existing.SequenceNumber >= m.ManifestSequenceNumber {
			return fmt.Errorf("%w: %w", domain.ErrConflict, suit.ErrSUITManifestSmallerSequenceNumber)
		}
		if !sameKey(existing.SigningKeyID, signingKeyID) {
			return fmt.Errorf("%w: %w", domain.ErrConflict, suit.ErrSUITManifestSigningKeyMismatch)
		}
	}

	if _, err := d.manifests.Create(d.ctx, &model.SuitManifest{
		Manifest:       envelope,
		Digest:         digest,
		SigningKeyID:   signingKeyID,
		ComponentID:    m.ComponentID,
		SequenceNumber: m.ManifestSequenceNumber,
	}); err != nil {
		return err
	}
	d.logger.Printf("stored envelope of %x, sequence number %d", []byte(m.ComponentID), m.ManifestSequenceNumber)
	return nil
}

func sameKey(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Installed lists the latest envelope of every component id.
func (d *Device) Installed() ([]*model.SuitManifest, error) {
	return d.manifests.ListLatest(d.ctx)
}
