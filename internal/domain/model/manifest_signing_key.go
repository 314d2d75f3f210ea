/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

// ManifestSigningKey represents a trust anchor for SUIT manifest signatures.
type ManifestSigningKey struct {
	ID    int64
	KID   []byte
	Owner string
	// PublicKey is the COSE_Key encoding of the public key.
	PublicKey []byte
	CreatedAt time.Time
	ExpiredAt time.Time
}

func (k *ManifestSigningKey) Expired(now time.Time) bool {
	return !now.Before(k.ExpiredAt)
}
