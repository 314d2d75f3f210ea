/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package suit

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	parameterVendorIdentifier = 1
	parameterClassIdentifier  = 2
	parameterImageDigest      = 3
	parameterComponentSlot    = 5
	parameterSoftFailure      = 13
	parameterImageSize        = 14
	parameterContent          = 18
	parameterURI              = 21
	parameterSourceComponent  = 22
	parameterInvokeArgs       = 23
	parameterDeviceIdentifier = 24
)

// Param is an optional value together with its presence flag.
type Param[T any] struct {
	Value T
	Set   bool
}

func Some[T any](v T) Param[T] {
	return Param[T]{Value: v, Set: true}
}

// Parameters are the per-component values commands operate on.
type Parameters struct {
	VendorID        Param[[]byte]
	ClassID         Param[[]byte]
	DeviceID        Param[[]byte]
	ImageDigest     Param[Digest]
	ImageSize       Param[uint64]
	ComponentSlot   Param[uint64]
	URI             Param[string]
	SourceComponent Param[uint64]
	InvokeArgs      Param[[]byte]
	Content         Param[[]byte]
}

// Override copies every parameter set in src over p.
func (p *Parameters) Override(src Parameters) {
	override(&p.VendorID, src.VendorID)
	override(&p.ClassID, src.ClassID)
	override(&p.DeviceID, src.DeviceID)
	override(&p.ImageDigest, src.ImageDigest)
	override(&p.ImageSize, src.ImageSize)
	override(&p.ComponentSlot, src.ComponentSlot)
	override(&p.URI, src.URI)
	override(&p.SourceComponent, src.SourceComponent)
	override(&p.InvokeArgs, src.InvokeArgs)
	override(&p.Content, src.Content)
}

// Merge copies the parameters set in src that are still unset in p.
func (p *Parameters) Merge(src Parameters) {
	merge(&p.VendorID, src.VendorID)
	merge(&p.ClassID, src.ClassID)
	merge(&p.DeviceID, src.DeviceID)
	merge(&p.ImageDigest, src.ImageDigest)
	merge(&p.ImageSize, src.ImageSize)
	merge(&p.ComponentSlot, src.ComponentSlot)
	merge(&p.URI, src.URI)
	merge(&p.SourceComponent, src.SourceComponent)
	merge(&p.InvokeArgs, src.InvokeArgs)
	merge(&p.Content, src.Content)
}

func override[T any](dst *Param[T], src Param[T]) {
	if src.Set {
		*dst = src
	}
}

func merge[T any](dst *Param[T], src Param[T]) {
	if src.Set && !dst.Set {
		*dst = src
	}
}

func decodeParameters(arg cbor.RawMessage) (Parameters, Param[bool], error) {
	var p Parameters
	var softFailure Param[bool]

	var t map[uint64]cbor.RawMessage
	if err := decMode.Unmarshal(arg, &t); err != nil {
		return p, softFailure, fmt.Errorf("%w: parameters: %v", ErrDecoding, err)
	}
	for key, v := range t {
		var err error
		switch key {
		case parameterVendorIdentifier:
			err = decodeParam(v, &p.VendorID)
		case parameterClassIdentifier:
			err = decodeParam(v, &p.ClassID)
		case parameterDeviceIdentifier:
			err = decodeParam(v, &p.DeviceID)
		case parameterImageDigest:
			var digest Nested[Digest]
			if err = decMode.Unmarshal(v, &digest); err == nil {
				p.ImageDigest = Some(digest.Value)
			}
		case parameterImageSize:
			err = decodeParam(v, &p.ImageSize)
		case parameterComponentSlot:
			err = decodeParam(v, &p.ComponentSlot)
		case parameterURI:
			err = decodeParam(v, &p.URI)
		case parameterSourceComponent:
			err = decodeParam(v, &p.SourceComponent)
		case parameterInvokeArgs:
			err = decodeParam(v, &p.InvokeArgs)
		case parameterContent:
			err = decodeParam(v, &p.Content)
		case parameterSoftFailure:
			err = decodeParam(v, &softFailure)
		default:
			return p, softFailure, fmt.Errorf("%w: parameter %d", ErrUnsupportedParameter, key)
		}
		if err != nil {
			return p, softFailure, fmt.Errorf("%w: parameter %d: %v", ErrDecoding, key, err)
		}
	}
	return p, softFailure, nil
}

func decodeParam[T any](v cbor.RawMessage, dst *Param[T]) error {
	var value T
	if err := decMode.Unmarshal(v, &value); err != nil {
		return err
	}
	*dst = Some(value)
	return nil
}
