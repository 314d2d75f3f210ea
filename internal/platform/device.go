/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package platform is a host side implementation of the processor's
// Platform: trust anchors and installed manifests live in sqlite, component
// images in memory.
package platform

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/suit-processor/internal/config"
	"github.com/kentakayama/suit-processor/internal/domain"
	"github.com/kentakayama/suit-processor/internal/domain/model"
	"github.com/kentakayama/suit-processor/internal/domain/service"
	"github.com/kentakayama/suit-processor/internal/infra/sqlite"
	"github.com/kentakayama/suit-processor/internal/processor"
	"github.com/kentakayama/suit-processor/internal/suit"
	"github.com/kentakayama/suit-processor/internal/util"
	"github.com/veraison/go-cose"
)

// KeyValidity is how long a trust anchor added with AddSigningKey stays valid.
const KeyValidity = 365 * 24 * time.Hour

var _ processor.Platform = (*Device)(nil)

// Device is safe for concurrent use.
type Device struct {
	config    config.DeviceConfig
	logger    *log.Logger
	ctx       context.Context
	keys      service.ManifestSigningKeyRepository
	manifests service.SuitManifestRepository
	allowed   util.Set[string]

	mu      sync.Mutex
	next    processor.ComponentHandle
	handles map[processor.ComponentHandle][]byte
	// images and pending are keyed by the hex encoded component id.
	images  map[string][]byte
	pending map[string]*pendingRetrieval
	sources map[string][]byte
	invoked []Invocation
}

type pendingRetrieval struct {
	ready int
	again int
}

type Invocation struct {
	ComponentID []byte
	Args        []byte
}

func NewDevice(ctx context.Context, db *sql.DB, cfg config.DeviceConfig) *Device {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	allowed := util.NewSet[string]()
	for _, id := range cfg.AllowedComponents {
		allowed.Add(hex.EncodeToString(id))
	}
	return &Device{
		config:    cfg,
		logger:    logger,
		ctx:       ctx,
		keys:      sqlite.NewManifestSigningKeyRepository(db),
		manifests: sqlite.NewSuitManifestRepository(db),
		allowed:   allowed,
		handles:   map[processor.ComponentHandle][]byte{},
		images:    map[string][]byte{},
		pending:   map[string]*pendingRetrieval{},
		sources:   map[string][]byte{},
	}
}

// AddSigningKey stores key as a trust anchor and returns its kid, the
// SHA-256 COSE_Key thumbprint. Adding a known key is a no-op.
func (d *Device) AddSigningKey(owner string, key *cose.Key) ([]byte, error) {
	if key == nil {
		return nil, errors.New("public key is nil")
	}
	kid, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("thumbprint: %w", err)
	}
	pubKeyBytes, err := cbor.Marshal(key)
	if err != nil {
		return nil, err
	}

	existing, err := d.keys.FindByKID(d.ctx, kid)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return kid, nil
	}

	now := time.Now().UTC().Truncate(time.Second)
	if _, err := d.keys.Create(d.ctx, &model.ManifestSigningKey{
		KID:       kid,
		Owner:     owner,
		PublicKey: pubKeyBytes,
		CreatedAt: now,
		ExpiredAt: now.Add(KeyValidity),
	}); err != nil {
		return nil, err
	}
	d.logger.Printf("added manifest signing key %x of %s", kid, owner)
	return kid, nil
}

func (d *Device) signingKey(kid []byte) (*cose.Key, *model.ManifestSigningKey, error) {
	if len(kid) != 32 {
		return nil, nil, errors.New("invalid key length (expected: 32)")
	}
	stored, err := d.keys.FindByKID(d.ctx, kid)
	if err != nil {
		return nil, nil, err
	}
	if stored == nil {
		return nil, nil, domain.ErrNotFound
	}
	if stored.Expired(time.Now()) {
		return nil, nil, domain.ErrExpired
	}

	var coseKey cose.Key
	if err := cbor.Unmarshal(stored.PublicKey, &coseKey); err != nil {
		return nil, nil, err
	}
	return &coseKey, stored, nil
}

func (d *Device) AuthorizeUnsignedManifest(manifestID []byte) error {
	if !d.config.AllowUnsigned {
		return fmt.Errorf("%w: unsigned manifest %x", suit.ErrAuthentication, manifestID)
	}
	return nil
}

func (d *Device) AuthenticateManifest(manifestID []byte, alg cose.Algorithm, kid, signature, data []byte) error {
	_, err := d.verify(alg, kid, signature, data)
	return err
}

// verify checks one COSE_Sign1 signature over data and returns the trust
// anchor that made it.
func (d *Device) verify(alg cose.Algorithm, kid, signature, data []byte) (*model.ManifestSigningKey, error) {
	key, stored, err := d.signingKey(kid)
	if err != nil {
		return nil, fmt.Errorf("%w: kid %x: %v", suit.ErrAuthentication, kid, err)
	}
	pub, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: kid %x: %v", suit.ErrAuthentication, kid, err)
	}
	verifier, err := cose.NewVerifier(alg, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", suit.ErrManifestVerification, err)
	}
	if err := verifier.Verify(data, signature); err != nil {
		return nil, fmt.Errorf("%w: %v", suit.ErrManifestVerification, err)
	}
	return stored, nil
}

func (d *Device) CheckDigest(digest suit.Digest, payload []byte) error {
	var sum []byte
	switch digest.DigestAlg {
	case suit.DigestAlgorithmSHA256:
		s := sha256.Sum256(payload)
		sum = s[:]
	case suit.DigestAlgorithmSHA512:
		s := sha512.Sum512(payload)
		sum = s[:]
	default:
		return fmt.Errorf("%w: digest algorithm %d", suit.ErrManifestValidation, digest.DigestAlg)
	}
	if subtle.ConstantTimeCompare(sum, digest.DigestBytes) != 1 {
		return fmt.Errorf("%w: digest mismatch", suit.ErrManifestVerification)
	}
	return nil
}

func (d *Device) AuthorizeComponentID(manifestID, componentID []byte) error {
	if d.allowed.Len() == 0 {
		return nil
	}
	if !d.allowed.Has(hex.EncodeToString(componentID)) {
		return fmt.Errorf("%w: %x", suit.ErrUnsupportedComponentID, componentID)
	}
	return nil
}

func (d *Device) checkIdentity(name string, want, got []byte) error {
	if want == nil {
		return fmt.Errorf("%w: device has no %s", suit.ErrFailCondition, name)
	}
	if !bytes.Equal(want, got) {
		return fmt.Errorf("%w: %s %x", suit.ErrFailCondition, name, got)
	}
	return nil
}

func (d *Device) CheckVendorID(h processor.ComponentHandle, id []byte) error {
	return d.checkIdentity("vendor-id", d.config.VendorID, id)
}

func (d *Device) CheckClassID(h processor.ComponentHandle, id []byte) error {
	return d.checkIdentity("class-id", d.config.ClassID, id)
}

func (d *Device) CheckDeviceID(h processor.ComponentHandle, id []byte) error {
	return d.checkIdentity("device-id", d.config.DeviceID, id)
}
