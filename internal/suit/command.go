/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package suit

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/suit-processor/internal/util"
)

// MaxCommands bounds the number of commands in one command sequence.
const MaxCommands = 256

type CommandID uint64

const (
	ConditionVendorIdentifier    CommandID = 1
	ConditionClassIdentifier     CommandID = 2
	ConditionImageMatch          CommandID = 3
	ConditionComponentSlot       CommandID = 5
	ConditionDependencyIntegrity CommandID = 7
	ConditionIsDependency        CommandID = 8
	DirectiveProcessDependency   CommandID = 11
	DirectiveSetComponentIndex   CommandID = 12
	ConditionAbort               CommandID = 14
	DirectiveTryEach             CommandID = 15
	DirectiveWrite               CommandID = 18
	DirectiveSetParameters       CommandID = 19
	DirectiveOverrideParameters  CommandID = 20
	DirectiveFetch               CommandID = 21
	DirectiveCopy                CommandID = 22
	DirectiveInvoke              CommandID = 23
	ConditionDeviceIdentifier    CommandID = 24
	DirectiveRunSequence         CommandID = 32
)

func (c CommandID) String() string {
	switch c {
	case ConditionVendorIdentifier:
		return "condition-vendor-identifier"
	case ConditionClassIdentifier:
		return "condition-class-identifier"
	case ConditionImageMatch:
		return "condition-image-match"
	case ConditionComponentSlot:
		return "condition-component-slot"
	case ConditionDependencyIntegrity:
		return "condition-dependency-integrity"
	case ConditionIsDependency:
		return "condition-is-dependency"
	case DirectiveProcessDependency:
		return "directive-process-dependency"
	case DirectiveSetComponentIndex:
		return "directive-set-component-index"
	case ConditionAbort:
		return "condition-abort"
	case DirectiveTryEach:
		return "directive-try-each"
	case DirectiveWrite:
		return "directive-write"
	case DirectiveSetParameters:
		return "directive-set-parameters"
	case DirectiveOverrideParameters:
		return "directive-override-parameters"
	case DirectiveFetch:
		return "directive-fetch"
	case DirectiveCopy:
		return "directive-copy"
	case DirectiveInvoke:
		return "directive-invoke"
	case ConditionDeviceIdentifier:
		return "condition-device-identifier"
	case DirectiveRunSequence:
		return "directive-run-sequence"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(c))
	}
}

type ReportingPolicy uint64

const (
	RecordOnSuccess ReportingPolicy = 1 << iota
	RecordOnFailure
	SysInfoOnSuccess
	SysInfoOnFailure

	reportingPolicyMask = RecordOnSuccess | RecordOnFailure | SysInfoOnSuccess | SysInfoOnFailure
)

// Wants reports whether a command finishing with err must be recorded.
func (p ReportingPolicy) Wants(err error) bool {
	if err == nil {
		return p&RecordOnSuccess != 0
	}
	return p&RecordOnFailure != 0
}

// Command is one decoded entry of a command sequence. The concrete types
// below are the only implementations.
type Command interface {
	CommandID() CommandID
	command()
}

// Condition is a read-only check against the selected components.
type Condition struct {
	ID     CommandID
	Policy ReportingPolicy
}

// Action is a directive delegated to the platform for every selected
// component: fetch, copy, write, invoke and process-dependency.
type Action struct {
	ID     CommandID
	Policy ReportingPolicy
}

type SetComponentIndex struct {
	All     bool
	Indices []uint64
}

type OverrideParameters struct {
	Parameters  Parameters
	SoftFailure Param[bool]
}

// SetParameters only fills parameters that are still unset.
type SetParameters struct {
	Parameters Parameters
}

type RunSequence struct {
	Sequence []byte
}

type TryEach struct {
	Alternatives [][]byte
	// TrailingNil makes the directive succeed when every alternative fails.
	TrailingNil bool
}

func (c Condition) CommandID() CommandID { return c.ID }
func (c Action) CommandID() CommandID { return c.ID }
func (SetComponentIndex) CommandID() CommandID { return DirectiveSetComponentIndex }
func (OverrideParameters) CommandID() CommandID { return DirectiveOverrideParameters }
func (SetParameters) CommandID() CommandID { return DirectiveSetParameters }
func (RunSequence) CommandID() CommandID { return DirectiveRunSequence }
func (TryEach) CommandID() CommandID { return DirectiveTryEach }
func (Condition) command() {}
func (Action) command() {}
func (SetComponentIndex) command() {}
func (OverrideParameters) command() {}
func (SetParameters) command() {}
func (RunSequence) command() {}
func (TryEach) command() {}

// DecodeCommandSequence decodes the content of a command sequence bstr,
// a flat array alternating command ids and their arguments.
func DecodeCommandSequence(seq []byte) ([]Command, error) {
	var items []cbor.RawMessage
	if err := decMode.Unmarshal(seq, &items); err != nil {
		return nil, fmt.Errorf("%w: command sequence: %v", ErrDecoding, err)
	}
	if len(items)%2 != 0 {
		return nil, fmt.Errorf("%w: command without argument", ErrDecoding)
	}
	if len(items)/2 > MaxCommands {
		return nil, fmt.Errorf("%w: more than %d commands", ErrDecoding, MaxCommands)
	}

	commands := make([]Command, 0, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		var id uint64
		if err := decMode.Unmarshal(items[i], &id); err != nil {
			return nil, fmt.Errorf("%w: command id at %d: %v", ErrDecoding, i/2, err)
		}
		cmd, err := DecodeCommand(CommandID(id), items[i+1])
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

// DecodeCommand decodes the argument of command id.
func DecodeCommand(id CommandID, arg cbor.RawMessage) (Command, error) {
	switch id {
	case ConditionVendorIdentifier, ConditionClassIdentifier, ConditionDeviceIdentifier,
		ConditionImageMatch, ConditionComponentSlot, ConditionAbort,
		ConditionIsDependency, ConditionDependencyIntegrity:
		policy, err := decodeReportingPolicy(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDecoding, id, err)
		}
		return Condition{ID: id, Policy: policy}, nil

	case DirectiveFetch, DirectiveCopy, DirectiveWrite, DirectiveInvoke, DirectiveProcessDependency:
		policy, err := decodeReportingPolicy(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDecoding, id, err)
		}
		return Action{ID: id, Policy: policy}, nil

	case DirectiveSetComponentIndex:
		return decodeComponentIndex(arg)

	case DirectiveOverrideParameters:
		params, softFailure, err := decodeParameters(arg)
		if err != nil {
			return nil, err
		}
		return OverrideParameters{Parameters: params, SoftFailure: softFailure}, nil

	case DirectiveSetParameters:
		params, softFailure, err := decodeParameters(arg)
		if err != nil {
			return nil, err
		}
		if softFailure.Set {
			return nil, fmt.Errorf("%w: soft-failure cannot be set by %s", ErrUnsupportedParameter, id)
		}
		return SetParameters{Parameters: params}, nil

	case DirectiveRunSequence:
		var seq []byte
		if err := decMode.Unmarshal(arg, &seq); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDecoding, id, err)
		}
		return RunSequence{Sequence: seq}, nil

	case DirectiveTryEach:
		return decodeTryEach(arg)

	default:
		return nil, fmt.Errorf("%w: unsupported command %s", ErrDecoding, id)
	}
}

func decodeReportingPolicy(arg cbor.RawMessage) (ReportingPolicy, error) {
	var policy uint64
	if err := decMode.Unmarshal(arg, &policy); err != nil {
		return 0, err
	}
	if ReportingPolicy(policy)&^reportingPolicyMask != 0 {
		return 0, fmt.Errorf("unknown reporting policy bits 0x%x", policy)
	}
	return ReportingPolicy(policy), nil
}

func decodeComponentIndex(arg cbor.RawMessage) (Command, error) {
	if len(arg) == 0 {
		return nil, fmt.Errorf("%w: empty component index", ErrDecoding)
	}
	switch majorType(arg) {
	case cborArray:
		var indices []uint64
		if err := decMode.Unmarshal(arg, &indices); err != nil {
			return nil, fmt.Errorf("%w: component index: %v", ErrDecoding, err)
		}
		seen := util.NewSet[uint64]()
		for _, i := range indices {
			if !seen.Add(i) {
				return nil, fmt.Errorf("%w: component index %d listed twice", ErrDecoding, i)
			}
		}
		return SetComponentIndex{Indices: indices}, nil
	case 0:
		var index uint64
		if err := decMode.Unmarshal(arg, &index); err != nil {
			return nil, fmt.Errorf("%w: component index: %v", ErrDecoding, err)
		}
		return SetComponentIndex{Indices: []uint64{index}}, nil
	default:
		var all bool
		if err := decMode.Unmarshal(arg, &all); err != nil || !all {
			return nil, fmt.Errorf("%w: component index must be uint, array or true", ErrDecoding)
		}
		return SetComponentIndex{All: true}, nil
	}
}

func decodeTryEach(arg cbor.RawMessage) (Command, error) {
	var items []cbor.RawMessage
	if err := decMode.Unmarshal(arg, &items); err != nil {
		return nil, fmt.Errorf("%w: try-each: %v", ErrDecoding, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: try-each without alternatives", ErrDecoding)
	}

	var t TryEach
	for i, item := range items {
		if isNull(item) {
			if i != len(items)-1 {
				return nil, fmt.Errorf("%w: try-each nil alternative must be last", ErrDecoding)
			}
			t.TrailingNil = true
			continue
		}
		var seq []byte
		if err := decMode.Unmarshal(item, &seq); err != nil {
			return nil, fmt.Errorf("%w: try-each alternative %d: %v", ErrDecoding, i, err)
		}
		t.Alternatives = append(t.Alternatives, seq)
	}
	return t, nil
}

func isNull(raw cbor.RawMessage) bool {
	return len(raw) == 1 && raw[0] == 0xF6
}
