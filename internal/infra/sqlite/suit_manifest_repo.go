/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/kentakayama/suit-processor/internal/domain/model"
)

// SuitManifestRepository handles SUIT manifest persistence.
type SuitManifestRepository struct {
	db *sql.DB
}

func NewSuitManifestRepository(db *sql.DB) *SuitManifestRepository {
	return &SuitManifestRepository{db: db}
}

const suitManifestColumns = `id, manifest, digest, signing_key_id, component_id, sequence_number, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSuitManifest(row scanner) (*model.SuitManifest, error) {
	var m model.SuitManifest
	var signingKeyID sql.NullInt64
	if err := row.Scan(&m.ID, &m.Manifest, &m.Digest, &signingKeyID, &m.ComponentID, &m.SequenceNumber, &m.CreatedAt); err != nil {
		return nil, err
	}
	if signingKeyID.Valid {
		m.SigningKeyID = &signingKeyID.Int64
	}
	return &m, nil
}

func (r *SuitManifestRepository) FindByID(ctx context.Context, id int64) (*model.SuitManifest, error) {
	q := `SELECT ` + suitManifestColumns + `
		FROM suit_manifests
		WHERE id = ?
		LIMIT 1
	`
	m, err := scanSuitManifest(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("suit manifest scan: %w", err)
	}
	return m, nil
}

// FindLatestByComponentID returns the manifest with the largest sequence_number for a component.
func (r *SuitManifestRepository) FindLatestByComponentID(ctx context.Context, componentID []byte) (*model.SuitManifest, error) {
	q := `SELECT ` + suitManifestColumns + `
		FROM suit_manifests
		WHERE component_id = ?
		ORDER BY sequence_number DESC
		LIMIT 1
	`
	m, err := scanSuitManifest(r.db.QueryRowContext(ctx, q, componentID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("suit manifest scan: %w", err)
	}
	return m, nil
}

// ListLatest returns the latest manifest of every component, ordered by component id.
func (r *SuitManifestRepository) ListLatest(ctx context.Context) ([]*model.SuitManifest, error) {
	const q = `
		SELECT m.id, m.manifest, m.digest, m.signing_key_id, m.component_id, m.sequence_number, m.created_at
		FROM suit_manifests m
		WHERE m.sequence_number = (
			SELECT MAX(sequence_number) FROM suit_manifests WHERE component_id = m.component_id
		)
		ORDER BY m.component_id
	`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query suit manifests: %w", err)
	}
	defer rows.Close()

	manifests := []*model.SuitManifest{}
	for rows.Next() {
		m, err := scanSuitManifest(rows)
		if err != nil {
			return nil, fmt.Errorf("suit manifest scan: %w", err)
		}
		manifests = append(manifests, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return manifests, nil
}

// Create inserts a new SUIT manifest and returns the inserted id.
func (r *SuitManifestRepository) Create(ctx context.Context, m *model.SuitManifest) (int64, error) {
	if m.SequenceNumber >= math.MaxInt64 {
		return 0, errors.New("sequence-number exceeds the limit")
	}
	const q = `
		INSERT INTO suit_manifests (manifest, digest, signing_key_id, component_id, sequence_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	res, err := r.db.ExecContext(ctx, q, m.Manifest, m.Digest, m.SigningKeyID, m.ComponentID, m.SequenceNumber, m.CreatedAt)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}
