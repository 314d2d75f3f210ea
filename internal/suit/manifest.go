/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package suit

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

const (
	EnvelopeTag         = 107
	envelopeTagBytesLen = 2

	ManifestVersion = 1

	// digest block plus up to three signatures
	MaxAuthenticationElements = 4
	MaxIntegratedPayloads     = 8

	DigestAlgorithmSHA256 cose.Algorithm = -16
	DigestAlgorithmSHA512 cose.Algorithm = -44
)

var envelopeTagBytes = []byte{0xD8, 0x6B}

const (
	envelopeKeyAuthentication = 2
	envelopeKeyManifest       = 3
)

const (
	manifestKeyVersion        = 1
	manifestKeySequenceNumber = 2
	manifestKeyCommon         = 3
	manifestKeyReferenceURI   = 4
	manifestKeyComponentID    = 5
	manifestKeyValidate       = 7
	manifestKeyLoad           = 8
	manifestKeyInvoke         = 9
)

const (
	commonKeyDependencies   = 1
	commonKeyComponents     = 2
	commonKeySharedSequence = 4

	dependencyKeyPrefix = 1
)

// draft-ietf-suit-manifest

type Envelope struct {
	Tagged                bool
	AuthenticationWrapper AuthenticationWrapper
	// ManifestBstr is the bstr-wrapped manifest exactly as encoded; the
	// manifest digest covers these bytes.
	ManifestBstr cbor.RawMessage
	// Manifest is the content of ManifestBstr.
	Manifest           []byte
	Severed            [MemberCount]SeveredMember
	IntegratedPayloads []IntegratedPayload
}

// SeveredMember is a severable member moved out of the manifest.
type SeveredMember struct {
	Raw   cbor.RawMessage
	Value []byte
}

func (s SeveredMember) Present() bool {
	return s.Raw != nil
}

type IntegratedPayload struct {
	URI     string
	Payload []byte
}

// DecodeEnvelope parses a SUIT_Envelope or Tagged_SUIT_Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := e.UnmarshalCBOR(data); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *Envelope) UnmarshalCBOR(data []byte) error {
	e.Tagged, data = e.SkipTag(data)
	if len(data) == 0 || majorType(data) == cborTag {
		return fmt.Errorf("%w: not a SUIT envelope", ErrDecoding)
	}
	var t map[any]cbor.RawMessage
	if err := decMode.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("%w: envelope: %v", ErrDecoding, err)
	}

	for k, v := range t {
		switch key := k.(type) {
		case uint64:
			if err := e.decodeMember(key, v); err != nil {
				return err
			}
		case string:
			if len(e.IntegratedPayloads) >= MaxIntegratedPayloads {
				return fmt.Errorf("%w: more than %d integrated payloads", ErrDecoding, MaxIntegratedPayloads)
			}
			var payload []byte
			if err := decMode.Unmarshal(v, &payload); err != nil {
				return fmt.Errorf("%w: integrated payload %q: %v", ErrDecoding, key, err)
			}
			e.IntegratedPayloads = append(e.IntegratedPayloads, IntegratedPayload{URI: key, Payload: payload})
		default:
			return fmt.Errorf("%w: envelope key of type %T", ErrDecoding, k)
		}
	}

	if e.ManifestBstr == nil {
		return fmt.Errorf("%w: envelope without manifest", ErrDecoding)
	}
	if e.AuthenticationWrapper.DigestBstr == nil {
		return fmt.Errorf("%w: envelope without authentication wrapper", ErrDecoding)
	}

	// map iteration order is random, keep the table deterministic
	sort.Slice(e.IntegratedPayloads, func(i, j int) bool {
		return e.IntegratedPayloads[i].URI < e.IntegratedPayloads[j].URI
	})
	return nil
}

func (e *Envelope) decodeMember(key uint64, v cbor.RawMessage) error {
	switch key {
	case envelopeKeyAuthentication:
		var wrapper Nested[AuthenticationWrapper]
		if err := decMode.Unmarshal(v, &wrapper); err != nil {
			return fmt.Errorf("%w: authentication wrapper: %v", ErrDecoding, err)
		}
		e.AuthenticationWrapper = wrapper.Value
	case envelopeKeyManifest:
		var manifest []byte
		if err := decMode.Unmarshal(v, &manifest); err != nil {
			return fmt.Errorf("%w: manifest: %v", ErrDecoding, err)
		}
		e.ManifestBstr = v
		e.Manifest = manifest
	default:
		member, ok := memberByKey(key)
		if !ok {
			return fmt.Errorf("%w: unknown envelope key %d", ErrDecoding, key)
		}
		var value []byte
		if err := decMode.Unmarshal(v, &value); err != nil {
			return fmt.Errorf("%w: severed member %d: %v", ErrDecoding, key, err)
		}
		e.Severed[member] = SeveredMember{Raw: v, Value: value}
	}
	return nil
}

func (e *Envelope) SkipTag(data []byte) (bool, []byte) {
	// rough tag check
	if len(data) >= envelopeTagBytesLen && bytes.Equal(data[:envelopeTagBytesLen], envelopeTagBytes) {
		// tag exists, skip the data
		return true, data[envelopeTagBytesLen:]
	}
	return false, data
}

// IntegratedPayload looks up a payload carried inside the envelope.
func (e *Envelope) IntegratedPayload(uri string) ([]byte, bool) {
	for _, p := range e.IntegratedPayloads {
		if p.URI == uri {
			return p.Payload, true
		}
	}
	return nil, false
}

type AuthenticationWrapper struct {
	// the bstr-wrapped SUIT_Digest
	DigestBstr []byte
	Digest     Digest
	Blocks     []AuthenticationBlock
}

// AuthenticationBlock is a decoded COSE_Sign1 with a detached payload.
type AuthenticationBlock struct {
	Algorithm cose.Algorithm
	KID       []byte
	// Protected is the serialized protected header bucket (a CBOR bstr).
	Protected []byte
	Signature []byte
}

func (a *AuthenticationWrapper) UnmarshalCBOR(data []byte) error {
	var suitAuthenticationElements []cbor.RawMessage
	if err := decMode.Unmarshal(data, &suitAuthenticationElements); err != nil {
		return fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	if len(suitAuthenticationElements) < 1 || len(suitAuthenticationElements) > MaxAuthenticationElements {
		return fmt.Errorf("%w: %d authentication elements", ErrDecoding, len(suitAuthenticationElements))
	}
	if err := decMode.Unmarshal(suitAuthenticationElements[0], &a.DigestBstr); err != nil {
		return fmt.Errorf("%w: digest: %v", ErrDecoding, err)
	}
	if err := decMode.Unmarshal(a.DigestBstr, &a.Digest); err != nil {
		return fmt.Errorf("%w: digest: %v", ErrDecoding, err)
	}

	for _, element := range suitAuthenticationElements[1:] {
		var sign1 Nested[cose.Sign1Message]
		if err := decMode.Unmarshal(element, &sign1); err != nil {
			// only COSE_Sign1 is supported
			return fmt.Errorf("%w: authentication block: %v", ErrDecoding, err)
		}
		if sign1.Value.Payload != nil {
			return fmt.Errorf("%w: authentication block carries a payload", ErrDecoding)
		}
		alg, err := sign1.Value.Headers.Protected.Algorithm()
		if err != nil {
			return fmt.Errorf("%w: authentication block: %v", ErrDecoding, err)
		}
		a.Blocks = append(a.Blocks, AuthenticationBlock{
			Algorithm: alg,
			KID:       extractKID(sign1.Value),
			Protected: sign1.Value.Headers.RawProtected,
			Signature: sign1.Value.Signature,
		})
	}
	return nil
}

func extractKID(sign1 cose.Sign1Message) []byte {
	if p4, ok := sign1.Headers.Protected[int64(4)]; ok {
		if kid, ok := p4.([]byte); ok {
			return kid
		}
		return nil
	}
	if u4, ok := sign1.Headers.Unprotected[int64(4)]; ok {
		if kid, ok := u4.([]byte); ok {
			return kid
		}
		return nil
	}
	return nil
}

// SigStructure builds the COSE Sig_structure signed by an authentication
// block: the manifest digest is the detached payload.
func SigStructure(protected []byte, digestBstr []byte) ([]byte, error) {
	return encMode.Marshal([]any{
		"Signature1",
		cbor.RawMessage(protected),
		[]byte{},
		digestBstr,
	})
}

type Digest struct {
	_           struct{} `cbor:",toarray"`
	DigestAlg   cose.Algorithm
	DigestBytes []byte
}

// DigestLength reports the digest size of a supported algorithm.
func DigestLength(alg cose.Algorithm) (int, bool) {
	switch alg {
	case DigestAlgorithmSHA256:
		return 32, true
	case DigestAlgorithmSHA512:
		return 64, true
	default:
		return 0, false
	}
}

// Validate checks the algorithm is supported and the length matches it.
func (d Digest) Validate() error {
	n, ok := DigestLength(d.DigestAlg)
	if !ok {
		return fmt.Errorf("%w: digest algorithm %d", ErrManifestValidation, d.DigestAlg)
	}
	if len(d.DigestBytes) != n {
		return fmt.Errorf("%w: %d byte digest for algorithm %d", ErrManifestValidation, len(d.DigestBytes), d.DigestAlg)
	}
	return nil
}

func (d Digest) Equal(o Digest) bool {
	return d.DigestAlg == o.DigestAlg && bytes.Equal(d.DigestBytes, o.DigestBytes)
}

type Manifest struct {
	ManifestVersion        uint64
	ManifestSequenceNumber uint64
	Common                 Common
	ReferenceURI           string
	// ComponentID is the encoded SUIT_Component_Identifier of the manifest
	// itself, nil when absent.
	ComponentID cbor.RawMessage
	Validate    []byte
	Load        []byte
	Invoke      []byte
	Severable   [MemberCount]MemberField
}

// MemberField is a severable member as seen from the manifest: either the
// member itself or the digest of its severed copy.
type MemberField struct {
	Present bool
	Severed bool
	Digest  Digest
	Value   []byte
}

type Common struct {
	Dependencies   map[uint64]Dependency
	Components     []cbor.RawMessage
	SharedSequence []byte
}

type Dependency struct {
	// Prefix is an encoded SUIT_Component_Identifier, nil when absent.
	Prefix cbor.RawMessage
}

// DecodeManifest parses the content of the manifest bstr.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := m.UnmarshalCBOR(data); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) UnmarshalCBOR(data []byte) error {
	var t map[uint64]cbor.RawMessage
	if err := decMode.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("%w: manifest: %v", ErrDecoding, err)
	}

	var hasVersion, hasSequence, hasCommon bool
	for key, v := range t {
		var err error
		switch key {
		case manifestKeyVersion:
			hasVersion = true
			err = decMode.Unmarshal(v, &m.ManifestVersion)
		case manifestKeySequenceNumber:
			hasSequence = true
			err = decMode.Unmarshal(v, &m.ManifestSequenceNumber)
		case manifestKeyCommon:
			hasCommon = true
			var common Nested[Common]
			err = decMode.Unmarshal(v, &common)
			m.Common = common.Value
		case manifestKeyReferenceURI:
			err = decMode.Unmarshal(v, &m.ReferenceURI)
		case manifestKeyComponentID:
			if !ValidComponentID(v, false) {
				err = fmt.Errorf("malformed component id")
			}
			m.ComponentID = v
		case manifestKeyValidate:
			err = decMode.Unmarshal(v, &m.Validate)
		case manifestKeyLoad:
			err = decMode.Unmarshal(v, &m.Load)
		case manifestKeyInvoke:
			err = decMode.Unmarshal(v, &m.Invoke)
		default:
			member, ok := memberByKey(key)
			if !ok {
				return fmt.Errorf("%w: unknown manifest key %d", ErrDecoding, key)
			}
			m.Severable[member], err = decodeMemberField(v)
		}
		if err != nil {
			return fmt.Errorf("%w: manifest key %d: %v", ErrDecoding, key, err)
		}
	}

	if !hasVersion || !hasSequence || !hasCommon {
		return fmt.Errorf("%w: manifest lacks version, sequence number or common", ErrDecoding)
	}
	return nil
}

func decodeMemberField(v cbor.RawMessage) (MemberField, error) {
	if len(v) == 0 {
		return MemberField{}, fmt.Errorf("empty member")
	}
	f := MemberField{Present: true}
	switch majorType(v) {
	case cborByteString:
		if err := decMode.Unmarshal(v, &f.Value); err != nil {
			return MemberField{}, err
		}
	case cborArray:
		f.Severed = true
		if err := decMode.Unmarshal(v, &f.Digest); err != nil {
			return MemberField{}, err
		}
	default:
		return MemberField{}, fmt.Errorf("member is neither bstr nor digest")
	}
	return f, nil
}

func (c *Common) UnmarshalCBOR(data []byte) error {
	var t map[uint64]cbor.RawMessage
	if err := decMode.Unmarshal(data, &t); err != nil {
		return err
	}
	for key, v := range t {
		switch key {
		case commonKeyDependencies:
			var deps map[uint64]map[uint64]cbor.RawMessage
			if err := decMode.Unmarshal(v, &deps); err != nil {
				return fmt.Errorf("dependencies: %w", err)
			}
			c.Dependencies = make(map[uint64]Dependency, len(deps))
			for index, metadata := range deps {
				var d Dependency
				for mk, mv := range metadata {
					if mk != dependencyKeyPrefix {
						return fmt.Errorf("dependency %d: unknown key %d", index, mk)
					}
					d.Prefix = mv
				}
				c.Dependencies[index] = d
			}
		case commonKeyComponents:
			if err := decMode.Unmarshal(v, &c.Components); err != nil {
				return fmt.Errorf("components: %w", err)
			}
			for i, id := range c.Components {
				if !ValidComponentID(id, false) {
					return fmt.Errorf("component %d: malformed component id", i)
				}
			}
		case commonKeySharedSequence:
			if err := decMode.Unmarshal(v, &c.SharedSequence); err != nil {
				return fmt.Errorf("shared sequence: %w", err)
			}
		default:
			return fmt.Errorf("unknown common key %d", key)
		}
	}
	return nil
}

const (
	cborByteString = 2
	cborArray      = 4
	cborTag        = 6
)

func majorType(raw []byte) byte {
	return raw[0] >> 5
}

// ValidComponentID reports whether raw encodes a SUIT_Component_Identifier,
// an array of byte strings. allowEmpty accepts the zero-length array.
func ValidComponentID(raw []byte, allowEmpty bool) bool {
	if len(raw) == 0 || majorType(raw) != cborArray {
		return false
	}
	var parts []cbor.RawMessage
	if err := decMode.Unmarshal(raw, &parts); err != nil {
		return false
	}
	if len(parts) == 0 {
		return allowEmpty
	}
	for _, p := range parts {
		if len(p) == 0 || majorType(p) != cborByteString {
			return false
		}
	}
	return true
}
