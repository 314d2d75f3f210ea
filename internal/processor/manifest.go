/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package processor

import (
	"github.com/kentakayama/suit-processor/internal/suit"
)

// Status is the availability of a command sequence or severable member.
type Status int

const (
	StatusUnavailable Status = iota
	// StatusSevered means only the digest is known.
	StatusSevered
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusUnavailable:
		return "unavailable"
	case StatusSevered:
		return "severed"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// commandSequence is one named sequence of a manifest.
type commandSequence struct {
	status Status
	value  []byte
}

// manifest is the state the decoder fills for one envelope.
type manifest struct {
	envelopeBytes []byte
	envelope      *suit.Envelope
	decoded       *suit.Manifest
	// id is the manifest's own component id, nil when absent.
	id             []byte
	digest         suit.Digest
	sequenceNumber uint32
	members        [suit.MemberCount]commandSequence
	sequences      [suit.SequenceCount]commandSequence
	components     componentView
}

func (m *manifest) sequence(seq suit.Sequence) commandSequence {
	if !seq.Valid() {
		return commandSequence{}
	}
	return m.sequences[seq]
}

func (m *manifest) shared() []byte {
	if m.decoded == nil {
		return nil
	}
	return m.decoded.Common.SharedSequence
}

func (m *manifest) reset() {
	records := m.components.records[:0]
	*m = manifest{}
	m.components.records = records
}
