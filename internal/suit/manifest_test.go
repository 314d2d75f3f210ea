/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package suit_test

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/suit-processor/internal/suit"
	"github.com/kentakayama/suit-processor/internal/suit/suittest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	signer := suittest.NewSigner(t)
	component := suittest.ID(t, "M")
	raw := suittest.Envelope{
		Manifest: suittest.Manifest{
			SequenceNumber: 3,
			ComponentID:    suittest.ID(t, "root"),
			Components:     [][]byte{component},
			Install:        suittest.Seq(t, uint64(suit.DirectiveFetch), uint64(0)),
			Validate:       suittest.Seq(t, uint64(suit.ConditionImageMatch), uint64(2)),
			Sever:          []suit.Member{suit.MemberInstall},
		},
		Signers:            []*suittest.Signer{signer},
		IntegratedPayloads: map[string][]byte{"#b": []byte("B"), "#a": []byte("A")},
	}.Build(t)

	envelope, err := suit.DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.True(t, envelope.Tagged)
	require.Len(t, envelope.AuthenticationWrapper.Blocks, 1)
	block := envelope.AuthenticationWrapper.Blocks[0]
	assert.Equal(t, signer.KID, block.KID)
	assert.Equal(t, -7, int(block.Algorithm))
	assert.NoError(t, envelope.AuthenticationWrapper.Digest.Validate())
	assert.Equal(t, suittest.DigestOf(envelope.ManifestBstr), envelope.AuthenticationWrapper.Digest)

	// integrated payloads are sorted by uri
	require.Len(t, envelope.IntegratedPayloads, 2)
	assert.Equal(t, "#a", envelope.IntegratedPayloads[0].URI)
	p, ok := envelope.IntegratedPayload("#b")
	assert.True(t, ok)
	assert.Equal(t, []byte("B"), p)
	_, ok = envelope.IntegratedPayload("#c")
	assert.False(t, ok)

	assert.True(t, envelope.Severed[suit.MemberInstall].Present())
	assert.False(t, envelope.Severed[suit.MemberPayloadFetch].Present())

	manifest, err := suit.DecodeManifest(envelope.Manifest)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), manifest.ManifestVersion)
	assert.Equal(t, uint64(3), manifest.ManifestSequenceNumber)
	assert.Equal(t, cbor.RawMessage(suittest.ID(t, "root")), manifest.ComponentID)
	require.Len(t, manifest.Common.Components, 1)
	assert.Equal(t, cbor.RawMessage(component), manifest.Common.Components[0])
	assert.NotNil(t, manifest.Validate)

	install := manifest.Severable[suit.MemberInstall]
	assert.True(t, install.Present)
	assert.True(t, install.Severed)
	assert.Equal(t, suittest.DigestOf(envelope.Severed[suit.MemberInstall].Raw), install.Digest)
	assert.False(t, manifest.Severable[suit.MemberPayloadFetch].Present)
}

func TestDecodeEnvelope_Untagged(t *testing.T) {
	raw := suittest.Envelope{
		Manifest: suittest.Manifest{Components: [][]byte{suittest.ID(t, "M")}},
		Untagged: true,
	}.Build(t)
	envelope, err := suit.DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.False(t, envelope.Tagged)
	assert.Empty(t, envelope.AuthenticationWrapper.Blocks)
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	valid := suittest.Envelope{
		Manifest: suittest.Manifest{Components: [][]byte{suittest.ID(t, "M")}},
	}.Build(t)

	cases := map[string][]byte{
		"empty":     nil,
		"truncated": valid[:len(valid)-1],
		"wrong tag": suittest.Encode(t, cbor.Tag{Number: 108, Content: map[uint64]any{}}),
		"not a map": suittest.Encode(t, []any{1, 2}),
		"no manifest": suittest.Encode(t, map[uint64]any{
			2: suittest.Encode(t, []any{suittest.Encode(t, suittest.DigestOf(nil))}),
		}),
		"unknown key": suittest.Encode(t, map[uint64]any{99: 0}),
		"indefinite":  {0xBF, 0xFF},
		"duplicate key": {
			0xA2, 0x03, 0x40, 0x03, 0x40,
		},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := suit.DecodeEnvelope(raw)
			assert.True(t, errors.Is(err, suit.ErrDecoding), "got %v", err)
		})
	}
}

func TestDecodeEnvelope_TooManyIntegratedPayloads(t *testing.T) {
	payloads := map[string][]byte{}
	for i := 0; i <= suit.MaxIntegratedPayloads; i++ {
		payloads[string(rune('a'+i))] = []byte{byte(i)}
	}
	raw := suittest.Envelope{
		Manifest:           suittest.Manifest{Components: [][]byte{suittest.ID(t, "M")}},
		IntegratedPayloads: payloads,
	}.Build(t)
	_, err := suit.DecodeEnvelope(raw)
	assert.ErrorIs(t, err, suit.ErrDecoding)
}

func TestAuthenticationWrapper_Bounds(t *testing.T) {
	digest := suittest.Encode(t, suittest.Encode(t, suittest.DigestOf(nil)))

	var empty suit.AuthenticationWrapper
	assert.ErrorIs(t, empty.UnmarshalCBOR(suittest.Encode(t, []any{})), suit.ErrDecoding)

	signer := suittest.NewSigner(t)
	block := suittest.Encode(t, signer.Sign(t, digest))
	var tooMany suit.AuthenticationWrapper
	elements := []cbor.RawMessage{digest, block, block, block, block}
	assert.ErrorIs(t, tooMany.UnmarshalCBOR(suittest.Encode(t, elements)), suit.ErrDecoding)

	var ok suit.AuthenticationWrapper
	require.NoError(t, ok.UnmarshalCBOR(suittest.Encode(t, elements[:4])))
	assert.Len(t, ok.Blocks, 3)
}

func TestDigest_Validate(t *testing.T) {
	assert.NoError(t, suittest.DigestOf([]byte("x")).Validate())
	assert.NoError(t, suit.Digest{DigestAlg: suit.DigestAlgorithmSHA512, DigestBytes: make([]byte, 64)}.Validate())
	assert.ErrorIs(t, suit.Digest{DigestAlg: suit.DigestAlgorithmSHA256, DigestBytes: make([]byte, 31)}.Validate(), suit.ErrManifestValidation)
	assert.ErrorIs(t, suit.Digest{DigestAlg: -15, DigestBytes: make([]byte, 32)}.Validate(), suit.ErrManifestValidation)
}

func TestDecodeManifest_Malformed(t *testing.T) {
	common := suittest.Encode(t, map[uint64]any{2: []cbor.RawMessage{suittest.ID(t, "M")}})
	cases := map[string]map[uint64]any{
		"missing version":    {2: 0, 3: common},
		"missing sequence":   {1: 1, 3: common},
		"missing common":     {1: 1, 2: 0},
		"unknown key":        {1: 1, 2: 0, 3: common, 42: 0},
		"bad component id":   {1: 1, 2: 0, 3: common, 5: []byte("M")},
		"empty component id": {1: 1, 2: 0, 3: common, 5: []cbor.RawMessage{}},
		"bad member":         {1: 1, 2: 0, 3: common, 17: 5},
		"bad common":         {1: 1, 2: 0, 3: suittest.Encode(t, map[uint64]any{9: 0})},
		"bad component":      {1: 1, 2: 0, 3: suittest.Encode(t, map[uint64]any{2: []any{[]any{5}}})},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := suit.DecodeManifest(suittest.Encode(t, m))
			assert.ErrorIs(t, err, suit.ErrDecoding)
		})
	}
}

func TestDecodeManifest_Dependencies(t *testing.T) {
	prefix := suittest.ID(t, "p")
	common := suittest.Encode(t, map[uint64]any{
		1: map[uint64]any{1: map[uint64]any{1: cbor.RawMessage(prefix)}, 2: map[uint64]any{}},
		2: []cbor.RawMessage{suittest.ID(t, "A"), suittest.ID(t, "B"), suittest.ID(t, "C")},
		4: suittest.Seq(t),
	})
	m, err := suit.DecodeManifest(suittest.Encode(t, map[uint64]any{1: 1, 2: 0, 3: common}))
	require.NoError(t, err)
	require.Len(t, m.Common.Dependencies, 2)
	assert.Equal(t, cbor.RawMessage(prefix), m.Common.Dependencies[1].Prefix)
	assert.Nil(t, m.Common.Dependencies[2].Prefix)
	assert.NotNil(t, m.Common.SharedSequence)
}

func TestValidComponentID(t *testing.T) {
	assert.True(t, suit.ValidComponentID(suittest.ID(t, "a", "b"), false))
	assert.False(t, suit.ValidComponentID(suittest.ID(t), false))
	assert.True(t, suit.ValidComponentID(suittest.ID(t), true))
	assert.False(t, suit.ValidComponentID(suittest.Encode(t, []any{1}), true))
	assert.False(t, suit.ValidComponentID(nil, true))
}
