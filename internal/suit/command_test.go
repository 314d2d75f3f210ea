/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package suit_test

import (
	"testing"

	"github.com/kentakayama/suit-processor/internal/suit"
	"github.com/kentakayama/suit-processor/internal/suit/suittest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommandSequence(t *testing.T) {
	digest := suittest.DigestOf([]byte("payload"))
	seq := suittest.Seq(t,
		uint64(suit.DirectiveSetComponentIndex), uint64(1),
		uint64(suit.DirectiveOverrideParameters), map[uint64]any{
			1:  []byte("vendor"),
			3:  suittest.DigestParam(t, digest),
			13: true,
			14: uint64(7),
			21: "https://example.com/file",
		},
		uint64(suit.ConditionVendorIdentifier), uint64(suit.RecordOnSuccess|suit.RecordOnFailure),
		uint64(suit.DirectiveTryEach), []any{suittest.Seq(t), nil},
		uint64(suit.DirectiveRunSequence), suittest.Seq(t, uint64(suit.ConditionAbort), uint64(0)),
		uint64(suit.DirectiveSetComponentIndex), true,
		uint64(suit.DirectiveSetComponentIndex), []uint64{0, 2},
		uint64(suit.DirectiveFetch), uint64(2),
	)

	commands, err := suit.DecodeCommandSequence(seq)
	require.NoError(t, err)
	require.Len(t, commands, 8)

	assert.Equal(t, suit.SetComponentIndex{Indices: []uint64{1}}, commands[0])

	override, ok := commands[1].(suit.OverrideParameters)
	require.True(t, ok)
	assert.Equal(t, suit.Some([]byte("vendor")), override.Parameters.VendorID)
	assert.Equal(t, suit.Some(digest), override.Parameters.ImageDigest)
	assert.Equal(t, suit.Some(uint64(7)), override.Parameters.ImageSize)
	assert.Equal(t, suit.Some("https://example.com/file"), override.Parameters.URI)
	assert.Equal(t, suit.Some(true), override.SoftFailure)
	assert.False(t, override.Parameters.ClassID.Set)

	assert.Equal(t, suit.Condition{ID: suit.ConditionVendorIdentifier, Policy: suit.RecordOnSuccess | suit.RecordOnFailure}, commands[2])

	tryEach, ok := commands[3].(suit.TryEach)
	require.True(t, ok)
	assert.Len(t, tryEach.Alternatives, 1)
	assert.True(t, tryEach.TrailingNil)

	run, ok := commands[4].(suit.RunSequence)
	require.True(t, ok)
	nested, err := suit.DecodeCommandSequence(run.Sequence)
	require.NoError(t, err)
	assert.Equal(t, []suit.Command{suit.Condition{ID: suit.ConditionAbort}}, nested)

	assert.Equal(t, suit.SetComponentIndex{All: true}, commands[5])
	assert.Equal(t, suit.SetComponentIndex{Indices: []uint64{0, 2}}, commands[6])
	assert.Equal(t, suit.Action{ID: suit.DirectiveFetch, Policy: suit.RecordOnFailure}, commands[7])
	assert.Equal(t, suit.DirectiveFetch, commands[7].CommandID())
}

func TestDecodeCommandSequence_Errors(t *testing.T) {
	tooMany := make([]any, 0, 2*(suit.MaxCommands+1))
	for i := 0; i <= suit.MaxCommands; i++ {
		tooMany = append(tooMany, uint64(suit.ConditionAbort), uint64(0))
	}

	cases := []struct {
		name string
		seq  []byte
		want error
	}{
		{"not an array", suittest.Encode(t, 1), suit.ErrDecoding},
		{"odd length", suittest.Seq(t, uint64(suit.ConditionAbort)), suit.ErrDecoding},
		{"too many commands", suittest.Seq(t, tooMany...), suit.ErrDecoding},
		{"unknown command", suittest.Seq(t, uint64(99), uint64(0)), suit.ErrDecoding},
		{"negative command", suittest.Seq(t, int64(-1), uint64(0)), suit.ErrDecoding},
		{"unknown policy bit", suittest.Seq(t, uint64(suit.ConditionAbort), uint64(0x10)), suit.ErrDecoding},
		{"false component index", suittest.Seq(t, uint64(suit.DirectiveSetComponentIndex), false), suit.ErrDecoding},
		{"duplicate component index", suittest.Seq(t, uint64(suit.DirectiveSetComponentIndex), []uint64{1, 1}), suit.ErrDecoding},
		{"empty try-each", suittest.Seq(t, uint64(suit.DirectiveTryEach), []any{}), suit.ErrDecoding},
		{"nil not last", suittest.Seq(t, uint64(suit.DirectiveTryEach), []any{nil, suittest.Seq(t)}), suit.ErrDecoding},
		{"run-sequence not bstr", suittest.Seq(t, uint64(suit.DirectiveRunSequence), uint64(1)), suit.ErrDecoding},
		{"unknown parameter", suittest.Seq(t, uint64(suit.DirectiveOverrideParameters), map[uint64]any{99: 0}), suit.ErrUnsupportedParameter},
		{"set soft-failure", suittest.Seq(t, uint64(suit.DirectiveSetParameters), map[uint64]any{13: true}), suit.ErrUnsupportedParameter},
		{"wrong parameter type", suittest.Seq(t, uint64(suit.DirectiveSetParameters), map[uint64]any{14: "big"}), suit.ErrDecoding},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := suit.DecodeCommandSequence(tc.seq)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParameters_OverrideMerge(t *testing.T) {
	var p suit.Parameters
	p.Override(suit.Parameters{ImageSize: suit.Some(uint64(1)), URI: suit.Some("a")})

	p.Merge(suit.Parameters{ImageSize: suit.Some(uint64(2)), ComponentSlot: suit.Some(uint64(3))})
	assert.Equal(t, suit.Some(uint64(1)), p.ImageSize)
	assert.Equal(t, suit.Some(uint64(3)), p.ComponentSlot)

	p.Override(suit.Parameters{ImageSize: suit.Some(uint64(4))})
	assert.Equal(t, suit.Some(uint64(4)), p.ImageSize)
	assert.Equal(t, suit.Some("a"), p.URI)
}

func TestReportingPolicy_Wants(t *testing.T) {
	assert.True(t, suit.RecordOnSuccess.Wants(nil))
	assert.False(t, suit.RecordOnSuccess.Wants(suit.ErrFailCondition))
	assert.True(t, suit.RecordOnFailure.Wants(suit.ErrFailCondition))
	assert.False(t, suit.ReportingPolicy(0).Wants(nil))
}

func TestSequence(t *testing.T) {
	for i := 0; i < suit.SequenceCount; i++ {
		s, err := suit.ParseSequence(suit.Sequence(i).String())
		require.NoError(t, err)
		assert.Equal(t, suit.Sequence(i), s)
	}
	_, err := suit.ParseSequence("uninstall")
	assert.Error(t, err)

	m, ok := suit.SequenceInstall.Member()
	assert.True(t, ok)
	assert.Equal(t, uint64(17), m.Key())
	_, ok = suit.SequenceValidate.Member()
	assert.False(t, ok)
}

func TestReport(t *testing.T) {
	r := suit.Report{
		Result: suit.CodeFailCondition,
		Records: []suit.Record{{
			ManifestComponentID: suittest.ID(t, "root"),
			Sequence:            suit.SequenceInstall,
			Offset:              2,
			Command:             suit.DirectiveFetch,
			Component:           1,
			Result:              suit.CodeFailCondition,
		}},
		Dropped: 1,
	}
	b, err := suit.EncodeReport(r)
	require.NoError(t, err)
	decoded, err := suit.DecodeReport(b)
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}
