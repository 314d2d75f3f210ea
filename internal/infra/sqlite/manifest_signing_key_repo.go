/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kentakayama/suit-processor/internal/domain/model"
)

// ManifestSigningKeyRepository handles manifest signing key persistence.
type ManifestSigningKeyRepository struct {
	db *sql.DB
}

func NewManifestSigningKeyRepository(db *sql.DB) *ManifestSigningKeyRepository {
	return &ManifestSigningKeyRepository{db: db}
}

// Create inserts a new manifest signing key and returns the inserted id.
func (r *ManifestSigningKeyRepository) Create(ctx context.Context, key *model.ManifestSigningKey) (int64, error) {
	const q = `
		INSERT INTO manifest_signing_keys (kid, owner, public_key, created_at, expired_at)
		VALUES (?, ?, ?, ?, ?)
	`
	res, err := r.db.ExecContext(ctx, q, key.KID, key.Owner, key.PublicKey, key.CreatedAt, key.ExpiredAt)
	if err != nil {
		return 0, fmt.Errorf("insert manifest_signing_key: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// FindByID returns a manifest signing key by its row id.
func (r *ManifestSigningKeyRepository) FindByID(ctx context.Context, id int64) (*model.ManifestSigningKey, error) {
	const q = `
		SELECT id, kid, owner, public_key, created_at, expired_at
		FROM manifest_signing_keys
		WHERE id = ?
		LIMIT 1
	`
	return r.scan(r.db.QueryRowContext(ctx, q, id))
}

// FindByKID returns a manifest signing key by KID.
func (r *ManifestSigningKeyRepository) FindByKID(ctx context.Context, kid []byte) (*model.ManifestSigningKey, error) {
	const q = `
		SELECT id, kid, owner, public_key, created_at, expired_at
		FROM manifest_signing_keys
		WHERE kid = ?
		LIMIT 1
	`
	return r.scan(r.db.QueryRowContext(ctx, q, kid))
}

func (r *ManifestSigningKeyRepository) scan(row *sql.Row) (*model.ManifestSigningKey, error) {
	var key model.ManifestSigningKey
	if err := row.Scan(&key.ID, &key.KID, &key.Owner, &key.PublicKey, &key.CreatedAt, &key.ExpiredAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan manifest_signing_key: %w", err)
	}
	return &key, nil
}
