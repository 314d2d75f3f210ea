/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package processor

import (
	"bytes"

	"github.com/kentakayama/suit-processor/internal/suit"
)

// record keeps the outcome of a command when its reporting policy asks
// for it.
func (p *Processor) record(f *frame, id suit.CommandID, policy suit.ReportingPolicy, index int, err error) {
	if !policy.Wants(err) {
		return
	}
	if len(p.records) >= p.config.Limits.MaxRecords {
		p.dropped++
		return
	}
	var manifestID []byte
	if entry := p.entry(f); entry != nil {
		manifestID = bytes.Clone(entry.manifest.id)
	}
	p.records = append(p.records, suit.Record{
		ManifestComponentID: manifestID,
		Sequence:            f.sequence,
		Offset:              f.offset,
		Command:             id,
		Component:           index,
		Result:              suit.Code(err),
	})
}

func (p *Processor) resetRecords() {
	p.records = p.records[:0]
	p.dropped = 0
}

// Records returns the records of the last ProcessSequence call and the
// number of records that did not fit.
func (p *Processor) Records() ([]suit.Record, int) {
	out := make([]suit.Record, len(p.records))
	copy(out, p.records)
	return out, p.dropped
}

// Report bundles the outcome of the last ProcessSequence call.
func (p *Processor) Report(err error) suit.Report {
	records, dropped := p.Records()
	return suit.Report{
		Result:  suit.Code(err),
		Records: records,
		Dropped: dropped,
	}
}
