/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

// SuitManifest represents an installed SUIT envelope stored in DB.
type SuitManifest struct {
	ID       int64
	Manifest []byte
	Digest   []byte
	// SigningKeyID is nil for envelopes installed without a signature.
	SigningKeyID   *int64
	ComponentID    []byte
	SequenceNumber uint64
	CreatedAt      time.Time
}

// SuitManifestOverview is the CBOR summary of an installed manifest.
type SuitManifestOverview struct {
	_              struct{} `cbor:",toarray"`
	ComponentID    []byte
	SequenceNumber uint64
}

func (m *SuitManifest) Overview() SuitManifestOverview {
	return SuitManifestOverview{ComponentID: m.ComponentID, SequenceNumber: m.SequenceNumber}
}
