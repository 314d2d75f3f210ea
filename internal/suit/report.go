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

// Record is the outcome of one command, kept when the command's reporting
// policy asks for it.
type Record struct {
	_ struct{} `cbor:",toarray"`
	// ManifestComponentID identifies the manifest the command belongs to,
	// null for manifests without a component id.
	ManifestComponentID cbor.RawMessage
	Sequence            Sequence
	// Offset is the index of the command inside its command sequence.
	Offset    int
	Command   CommandID
	Component int
	Result    int
}

// Report is the CBOR encoding of the records of one ProcessSequence call.
type Report struct {
	_       struct{} `cbor:",toarray"`
	Result  int
	Records []Record
	// Dropped counts records that did not fit the record table.
	Dropped int
}

func EncodeReport(r Report) ([]byte, error) {
	if r.Records == nil {
		r.Records = []Record{}
	}
	b, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return b, nil
}

func DecodeReport(data []byte) (Report, error) {
	var r Report
	if err := decMode.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("%w: report: %v", ErrDecoding, err)
	}
	return r, nil
}
