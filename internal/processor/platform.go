/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package processor

import (
	"github.com/kentakayama/suit-processor/internal/suit"
	"github.com/veraison/go-cose"
)

// ComponentHandle is the platform's reference to a component it manages.
type ComponentHandle uint64

// Platform is everything the processor needs from the device: crypto,
// storage and the component lifecycle. Manifest ids are encoded
// SUIT_Component_Identifier values, nil for manifests without one.
//
// Condition checks return an error wrapping suit.ErrFailCondition when the
// component does not match. Every call completes before it returns except
// RetrieveManifest, which may return suit.ErrAgain.
type Platform interface {
	AuthorizeUnsignedManifest(manifestID []byte) error
	// AuthenticateManifest verifies one COSE_Sign1 signature over data.
	AuthenticateManifest(manifestID []byte, alg cose.Algorithm, kid, signature, data []byte) error
	CheckDigest(digest suit.Digest, payload []byte) error
	AuthorizeComponentID(manifestID, componentID []byte) error

	CreateComponentHandle(componentID []byte) (ComponentHandle, error)
	ReleaseComponentHandle(h ComponentHandle) error

	CheckVendorID(h ComponentHandle, id []byte) error
	CheckClassID(h ComponentHandle, id []byte) error
	CheckDeviceID(h ComponentHandle, id []byte) error
	// CheckImageMatch compares the image of h; an unset size skips the
	// size check.
	CheckImageMatch(h ComponentHandle, digest suit.Digest, size suit.Param[uint64]) error
	OverrideImageSize(h ComponentHandle, size uint64) error
	CheckSlot(h ComponentHandle, slot uint64) error

	Fetch(h ComponentHandle, uri string) error
	CheckFetch(h ComponentHandle, uri string) error
	FetchIntegrated(h ComponentHandle, payload []byte) error
	CheckFetchIntegrated(h ComponentHandle, payload []byte) error
	Copy(dst, src ComponentHandle) error
	CheckCopy(dst, src ComponentHandle) error
	Write(h ComponentHandle, content []byte) error
	CheckWrite(h ComponentHandle, content []byte) error
	Invoke(h ComponentHandle, args []byte) error
	CheckInvoke(h ComponentHandle, args []byte) error

	// RetrieveManifest returns the envelope of the dependency behind h.
	RetrieveManifest(h ComponentHandle) ([]byte, error)
	AuthorizeSequenceNum(seq suit.Sequence, manifestID []byte, sequenceNumber uint32) error
	AuthorizeProcessDependency(parentID, childID []byte, seq suit.Sequence) error
	SequenceCompleted(seq suit.Sequence, manifestID []byte, envelope []byte) error
}
