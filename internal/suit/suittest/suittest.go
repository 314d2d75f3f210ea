/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package suittest builds SUIT envelopes for tests.
package suittest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/suit-processor/internal/suit"
	"github.com/stretchr/testify/require"
	"github.com/veraison/go-cose"
)

// Signer signs authentication blocks with an ES256 key.
type Signer struct {
	Key    *cose.Key
	KID    []byte
	signer cose.Signer
}

func NewSigner(t testing.TB) *Signer {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	signer, err := cose.NewSigner(cose.AlgorithmES256, priv)
	require.NoError(t, err)
	key, err := cose.NewKeyEC2(cose.AlgorithmES256, priv.PublicKey.X.FillBytes(make([]byte, 32)), priv.PublicKey.Y.FillBytes(make([]byte, 32)), nil)
	require.NoError(t, err)
	kid, err := key.Thumbprint(crypto.SHA256)
	require.NoError(t, err)
	return &Signer{Key: key, KID: kid, signer: signer}
}

// PublicKey returns the COSE_Key encoding of the public key.
func (s *Signer) PublicKey(t testing.TB) []byte {
	t.Helper()
	b, err := cbor.Marshal(s.Key)
	require.NoError(t, err)
	return b
}

// Sign returns a tagged COSE_Sign1 with a detached payload over digestBstr.
func (s *Signer) Sign(t testing.TB, digestBstr []byte) []byte {
	t.Helper()
	protected := Encode(t, Encode(t, map[int64]any{1: int64(cose.AlgorithmES256)}))
	toBeSigned, err := suit.SigStructure(protected, digestBstr)
	require.NoError(t, err)
	sig, err := s.signer.Sign(rand.Reader, toBeSigned)
	require.NoError(t, err)
	return Encode(t, cbor.Tag{
		Number: 18,
		Content: []any{
			cbor.RawMessage(protected),
			map[int64]any{4: s.KID},
			nil,
			sig,
		},
	})
}

// Encode encodes v deterministically.
func Encode(t testing.TB, v any) []byte {
	t.Helper()
	b, err := suit.Marshal(v)
	require.NoError(t, err)
	return b
}

// Seq encodes a command sequence from alternating command ids and arguments.
func Seq(t testing.TB, items ...any) []byte {
	t.Helper()
	if items == nil {
		items = []any{}
	}
	return Encode(t, items)
}

// ID encodes a component identifier.
func ID(t testing.TB, parts ...string) []byte {
	t.Helper()
	bs := make([][]byte, len(parts))
	for i, p := range parts {
		bs[i] = []byte(p)
	}
	return Encode(t, bs)
}

// DigestOf returns the SHA-256 SUIT_Digest of data.
func DigestOf(data []byte) suit.Digest {
	sum := sha256.Sum256(data)
	return suit.Digest{DigestAlg: suit.DigestAlgorithmSHA256, DigestBytes: sum[:]}
}

// DigestParam encodes a digest as the bstr-wrapped value of the
// image-digest parameter.
func DigestParam(t testing.TB, d suit.Digest) []byte {
	t.Helper()
	return Encode(t, d)
}

type Dependency struct {
	// Prefix is an encoded component identifier, nil when absent.
	Prefix []byte
}

// Manifest describes the manifest carried by an Envelope.
type Manifest struct {
	// Version defaults to 1.
	Version        uint64
	SequenceNumber uint64
	// ComponentID is an encoded component identifier, nil when absent.
	ComponentID  []byte
	Components   [][]byte
	Dependencies map[uint64]Dependency
	Shared       []byte

	DependencyResolution []byte
	PayloadFetch         []byte
	Install              []byte
	Validate             []byte
	Load                 []byte
	Invoke               []byte
	Text                 []byte

	// Sever moves the named severable members to the envelope, replacing
	// them with their digest in the manifest.
	Sever []suit.Member
	// Absent drops the severed copy of a member from the envelope while
	// keeping its digest in the manifest.
	Absent []suit.Member
}

type Envelope struct {
	Manifest           Manifest
	Signers            []*Signer
	IntegratedPayloads map[string][]byte
	// Untagged omits the SUIT_Envelope tag.
	Untagged bool
	// DigestAlg overrides the manifest digest algorithm.
	DigestAlg cose.Algorithm
	// Digest overrides the manifest digest bytes.
	Digest []byte
}

func (m Manifest) member(member suit.Member) []byte {
	switch member {
	case suit.MemberDependencyResolution:
		return m.DependencyResolution
	case suit.MemberPayloadFetch:
		return m.PayloadFetch
	case suit.MemberInstall:
		return m.Install
	default:
		return m.Text
	}
}

func contains(members []suit.Member, m suit.Member) bool {
	for _, v := range members {
		if v == m {
			return true
		}
	}
	return false
}

// Build encodes, digests and signs the envelope.
func (e Envelope) Build(t testing.TB) []byte {
	t.Helper()
	m := e.Manifest
	version := m.Version
	if version == 0 {
		version = suit.ManifestVersion
	}

	common := map[uint64]any{}
	if m.Components != nil {
		ids := make([]cbor.RawMessage, len(m.Components))
		for i, c := range m.Components {
			ids[i] = c
		}
		common[2] = ids
	}
	if m.Dependencies != nil {
		deps := map[uint64]map[uint64]any{}
		for i, d := range m.Dependencies {
			meta := map[uint64]any{}
			if d.Prefix != nil {
				meta[1] = cbor.RawMessage(d.Prefix)
			}
			deps[i] = meta
		}
		common[1] = deps
	}
	if m.Shared != nil {
		common[4] = m.Shared
	}

	manifest := map[uint64]any{
		1: version,
		2: m.SequenceNumber,
		3: Encode(t, common),
	}
	if m.ComponentID != nil {
		manifest[5] = cbor.RawMessage(m.ComponentID)
	}
	if m.Validate != nil {
		manifest[7] = m.Validate
	}
	if m.Load != nil {
		manifest[8] = m.Load
	}
	if m.Invoke != nil {
		manifest[9] = m.Invoke
	}

	envelope := map[any]any{}
	for i := 0; i < suit.MemberCount; i++ {
		member := suit.Member(i)
		value := m.member(member)
		if value == nil {
			continue
		}
		if !contains(m.Sever, member) {
			manifest[member.Key()] = value
			continue
		}
		bstr := Encode(t, value)
		manifest[member.Key()] = DigestOf(bstr)
		if !contains(m.Absent, member) {
			envelope[member.Key()] = cbor.RawMessage(bstr)
		}
	}

	manifestBstr := Encode(t, Encode(t, manifest))
	digest := DigestOf(manifestBstr)
	if e.DigestAlg != 0 {
		digest.DigestAlg = e.DigestAlg
	}
	if e.Digest != nil {
		digest.DigestBytes = e.Digest
	}
	digestBstr := Encode(t, digest)

	auth := []cbor.RawMessage{Encode(t, digestBstr)}
	for _, s := range e.Signers {
		auth = append(auth, Encode(t, s.Sign(t, digestBstr)))
	}
	envelope[uint64(2)] = Encode(t, auth)
	envelope[uint64(3)] = cbor.RawMessage(manifestBstr)
	for uri, payload := range e.IntegratedPayloads {
		envelope[uri] = payload
	}

	if e.Untagged {
		return Encode(t, envelope)
	}
	return Encode(t, cbor.Tag{Number: suit.EnvelopeTag, Content: envelope})
}
