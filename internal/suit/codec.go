/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package suit

import (
	"github.com/fxamacker/cbor/v2"
)

const (
	maxNestedLevels  = 16
	maxArrayElements = 1024
	maxMapPairs      = 1024
)

var (
	decMode cbor.DecMode
	encMode cbor.EncMode
)

func init() {
	var err error

	// manifests come from the network: reject anything a strict SUIT
	// decoder would, and bound the work done on hostile input
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxNestedLevels:  maxNestedLevels,
		MaxArrayElements: maxArrayElements,
		MaxMapPairs:      maxMapPairs,
		TagsMd:           cbor.TagsAllowed,
	}.DecMode()
	if err != nil {
		panic("suit: CBOR decoder initialization failed: " + err.Error())
	}

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("suit: CBOR encoder initialization failed: " + err.Error())
	}
}

// Unmarshal decodes data with the strict SUIT decoding options.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Marshal encodes v with Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

type Nested[T any] struct {
	Value T
}

func (n *Nested[T]) UnmarshalCBOR(data []byte) error {
	// data is bstr wrapped something
	var raw []byte
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return err
	}
	// raw is the content
	return decMode.Unmarshal(raw, &n.Value)
}
