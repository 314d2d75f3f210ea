/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package suit

import "errors"

var (
	ErrDecoding               = errors.New("malformed CBOR input")
	ErrOrder                  = errors.New("operation called out of order")
	ErrManifestValidation     = errors.New("manifest is structurally valid but not allowed")
	ErrOverflow               = errors.New("capacity exceeded")
	ErrAuthentication         = errors.New("SUIT manifest not authenticated")
	ErrManifestVerification   = errors.New("digest or signature rejected by the platform")
	ErrTamper                 = errors.New("tamper detected")
	ErrFailCondition          = errors.New("condition failed")
	ErrUnavailableParameter   = errors.New("parameter not set")
	ErrUnavailablePayload     = errors.New("payload not available")
	ErrUnavailableCommandSeq  = errors.New("command sequence not available")
	ErrUnsupportedComponentID = errors.New("component id not supported")
	ErrUnsupportedParameter   = errors.New("parameter not supported")
	ErrAgain                  = errors.New("operation not complete, call again")
	ErrCrash                  = errors.New("internal contract violated")
	ErrMissingComponent       = errors.New("component not found")

	ErrSUITManifestSmallerSequenceNumber = errors.New("exising SUIT manifest has bigger sequence-number")
	ErrSUITManifestSigningKeyMismatch    = errors.New("existing SUIT manifest is signed by another entity")
)

// Integer codes reported by the top-level entry points.
const (
	CodeSuccess                = 0
	CodeDecoding               = -1
	CodeOrder                  = -2
	CodeManifestValidation     = -3
	CodeOverflow               = -4
	CodeAuthentication         = -5
	CodeManifestVerification   = -6
	CodeTamper                 = -7
	CodeFailCondition          = -8
	CodeUnavailableParameter   = -9
	CodeUnavailablePayload     = -10
	CodeUnavailableCommandSeq  = -11
	CodeUnsupportedComponentID = -12
	CodeUnsupportedParameter   = -13
	CodeAgain                  = -14
	CodeCrash                  = -15
	CodeMissingComponent       = -16
)

var codes = []struct {
	err  error
	code int
}{
	// Tamper and Again first: they must win over anything they wrap.
	{ErrTamper, CodeTamper},
	{ErrAgain, CodeAgain},
	{ErrDecoding, CodeDecoding},
	{ErrOrder, CodeOrder},
	{ErrManifestValidation, CodeManifestValidation},
	{ErrOverflow, CodeOverflow},
	{ErrAuthentication, CodeAuthentication},
	{ErrManifestVerification, CodeManifestVerification},
	{ErrFailCondition, CodeFailCondition},
	{ErrUnavailableParameter, CodeUnavailableParameter},
	{ErrUnavailablePayload, CodeUnavailablePayload},
	{ErrUnavailableCommandSeq, CodeUnavailableCommandSeq},
	{ErrUnsupportedComponentID, CodeUnsupportedComponentID},
	{ErrUnsupportedParameter, CodeUnsupportedParameter},
	{ErrCrash, CodeCrash},
	{ErrMissingComponent, CodeMissingComponent},
}

// Code maps err onto the integer reported to callers. Errors outside the
// taxonomy are treated as a Crash.
func Code(err error) int {
	if err == nil {
		return CodeSuccess
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeCrash
}
