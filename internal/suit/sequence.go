/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package suit

import (
	"fmt"
	"strings"
)

// Sequence names one of the command sequences a manifest may carry.
type Sequence int

const (
	SequenceDependencyResolution Sequence = iota
	SequencePayloadFetch
	SequenceInstall
	SequenceValidate
	SequenceLoad
	SequenceInvoke

	SequenceCount = int(SequenceInvoke) + 1
)

var sequenceNames = [SequenceCount]string{
	SequenceDependencyResolution: "dependency-resolution",
	SequencePayloadFetch:         "payload-fetch",
	SequenceInstall:              "install",
	SequenceValidate:             "validate",
	SequenceLoad:                 "load",
	SequenceInvoke:               "invoke",
}

func (s Sequence) String() string {
	if !s.Valid() {
		return fmt.Sprintf("unknown(%d)", int(s))
	}
	return sequenceNames[s]
}

func (s Sequence) Valid() bool {
	return s >= 0 && int(s) < SequenceCount
}

// Member returns the severable envelope member carrying s, if s is severable.
func (s Sequence) Member() (Member, bool) {
	switch s {
	case SequenceDependencyResolution:
		return MemberDependencyResolution, true
	case SequencePayloadFetch:
		return MemberPayloadFetch, true
	case SequenceInstall:
		return MemberInstall, true
	default:
		return 0, false
	}
}

func ParseSequence(name string) (Sequence, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range sequenceNames {
		if n == name {
			return Sequence(i), nil
		}
	}
	return 0, fmt.Errorf("unknown sequence %q", name)
}

// Member is a severable member of a manifest: it may be carried inline in
// the manifest or moved to the envelope and referenced by digest.
type Member int

const (
	MemberDependencyResolution Member = iota
	MemberPayloadFetch
	MemberInstall
	MemberText

	MemberCount = int(MemberText) + 1
)

var memberKeys = [MemberCount]uint64{
	MemberDependencyResolution: 15,
	MemberPayloadFetch:         16,
	MemberInstall:              17,
	MemberText:                 23,
}

// Key is the map key used for m in both the envelope and the manifest.
func (m Member) Key() uint64 {
	return memberKeys[m]
}

func memberByKey(key uint64) (Member, bool) {
	for i, k := range memberKeys {
		if k == key {
			return Member(i), true
		}
	}
	return 0, false
}
