/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package service

import (
	"context"

	"github.com/kentakayama/suit-processor/internal/domain/model"
)

// SuitManifestRepository defines the interface for SUIT manifest persistence.
type SuitManifestRepository interface {
	FindByID(ctx context.Context, id int64) (*model.SuitManifest, error)
	FindLatestByComponentID(ctx context.Context, componentID []byte) (*model.SuitManifest, error)
	ListLatest(ctx context.Context) ([]*model.SuitManifest, error)
	Create(ctx context.Context, m *model.SuitManifest) (int64, error)
}

// ManifestSigningKeyRepository defines the interface for manifest signing key persistence.
type ManifestSigningKeyRepository interface {
	Create(ctx context.Context, key *model.ManifestSigningKey) (int64, error)
	FindByID(ctx context.Context, id int64) (*model.ManifestSigningKey, error)
	FindByKID(ctx context.Context, kid []byte) (*model.ManifestSigningKey, error)
}
