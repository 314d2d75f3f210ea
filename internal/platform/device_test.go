/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package platform

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/kentakayama/suit-processor/internal/config"
	"github.com/kentakayama/suit-processor/internal/domain"
	"github.com/kentakayama/suit-processor/internal/infra/sqlite"
	"github.com/kentakayama/suit-processor/internal/processor"
	"github.com/kentakayama/suit-processor/internal/suit"
	"github.com/kentakayama/suit-processor/internal/suit/suittest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func op(id suit.CommandID) uint64 {
	return uint64(id)
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestDevice(t *testing.T, cfg config.DeviceConfig) *Device {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.InitDB(ctx, ":memory:")
	if err != nil {
		t.Fatalf("InitDB error: %v", err)
	}
	t.Cleanup(func() { sqlite.CloseDB(db) })
	if cfg.VendorID == nil {
		cfg.VendorID = []byte("vendor")
	}
	if cfg.ClassID == nil {
		cfg.ClassID = []byte("class")
	}
	cfg.Logger = testLogger()
	return NewDevice(ctx, db, cfg)
}

func newTestProcessor(t *testing.T, d *Device) *processor.Processor {
	t.Helper()
	p, err := processor.New(config.ProcessorConfig{Limits: config.DefaultLimits(), Logger: testLogger()}, d)
	require.NoError(t, err)
	require.NoError(t, p.Init())
	return p
}

func trustedSigner(t *testing.T, d *Device) *suittest.Signer {
	t.Helper()
	s := suittest.NewSigner(t)
	kid, err := d.AddSigningKey("Test Corp", s.Key)
	require.NoError(t, err)
	require.Equal(t, s.KID, kid)
	return s
}

func build(t *testing.T, s *suittest.Signer, m suittest.Manifest) []byte {
	t.Helper()
	return suittest.Envelope{Manifest: m, Signers: []*suittest.Signer{s}}.Build(t)
}

// register authenticates envelope through p and stores it.
func register(t *testing.T, p *processor.Processor, d *Device, envelope []byte) {
	t.Helper()
	_, err := p.GetManifestMetadata(envelope, true)
	require.NoError(t, err)
	require.NoError(t, d.StoreEnvelope(envelope))
}

func appManifest(t *testing.T, seq uint64, uri string, image []byte) suittest.Manifest {
	return suittest.Manifest{
		SequenceNumber: seq,
		ComponentID:    suittest.ID(t, "app"),
		Components:     [][]byte{suittest.ID(t, "app", "image")},
		Install: suittest.Seq(t,
			op(suit.DirectiveOverrideParameters), map[uint64]any{
				1:  []byte("vendor"),
				2:  []byte("class"),
				3:  suittest.DigestParam(t, suittest.DigestOf(image)),
				14: uint64(len(image)),
				21: uri,
			},
			op(suit.ConditionVendorIdentifier), uint64(0),
			op(suit.ConditionClassIdentifier), uint64(0),
			op(suit.DirectiveFetch), uint64(0),
			op(suit.ConditionImageMatch), uint64(0),
		),
		Invoke: suittest.Seq(t,
			op(suit.DirectiveOverrideParameters), map[uint64]any{23: []byte("--verbose")},
			op(suit.DirectiveInvoke), uint64(0),
		),
	}
}

func TestDevice_AddSigningKey(t *testing.T) {
	d := newTestDevice(t, config.DeviceConfig{})
	s := trustedSigner(t, d)

	kid, err := d.AddSigningKey("Other Corp", s.Key)
	require.NoError(t, err)
	assert.Equal(t, s.KID, kid)

	key, stored, err := d.signingKey(kid)
	require.NoError(t, err)
	assert.Equal(t, "Test Corp", stored.Owner)
	assert.Equal(t, s.Key.Algorithm, key.Algorithm)

	_, _, err = d.signingKey(make([]byte, 32))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, _, err = d.signingKey([]byte("short"))
	assert.Error(t, err)
	_, err = d.AddSigningKey("nobody", nil)
	assert.Error(t, err)
}

func TestDevice_Install(t *testing.T) {
	d := newTestDevice(t, config.DeviceConfig{})
	s := trustedSigner(t, d)
	image := []byte("application image")
	uri := "https://example.com/app.bin"
	d.AddPayload(uri, image)

	envelope := build(t, s, appManifest(t, 1, uri, image))
	p := newTestProcessor(t, d)
	require.NoError(t, p.ProcessSequence(envelope, suit.SequenceInstall))

	got, ok := d.Image(suittest.ID(t, "app", "image"))
	require.True(t, ok)
	assert.Equal(t, image, got)

	installed, err := d.Installed()
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, suittest.ID(t, "app"), installed[0].ComponentID)
	assert.Equal(t, uint64(1), installed[0].SequenceNumber)
	assert.Equal(t, envelope, installed[0].Manifest)
	require.NotNil(t, installed[0].SigningKeyID)

	require.NoError(t, p.ProcessSequence(envelope, suit.SequenceInvoke))
	invoked := d.Invocations()
	require.Len(t, invoked, 1)
	assert.Equal(t, suittest.ID(t, "app", "image"), invoked[0].ComponentID)
	assert.Equal(t, []byte("--verbose"), invoked[0].Args)

	// rollback
	older := build(t, s, appManifest(t, 0, uri, image))
	err = p.ProcessSequence(older, suit.SequenceInstall)
	assert.ErrorIs(t, err, suit.ErrManifestValidation)
	assert.ErrorIs(t, err, suit.ErrSUITManifestSmallerSequenceNumber)
}

func TestDevice_InstallFailures(t *testing.T) {
	image := []byte("application image")
	uri := "https://example.com/app.bin"

	t.Run("missing payload", func(t *testing.T) {
		d := newTestDevice(t, config.DeviceConfig{})
		s := trustedSigner(t, d)
		p := newTestProcessor(t, d)
		err := p.ProcessSequence(build(t, s, appManifest(t, 1, uri, image)), suit.SequenceInstall)
		assert.Equal(t, suit.CodeUnavailablePayload, suit.Code(err))
	})
	t.Run("wrong image", func(t *testing.T) {
		d := newTestDevice(t, config.DeviceConfig{})
		s := trustedSigner(t, d)
		d.AddPayload(uri, []byte("tampered image...."))
		p := newTestProcessor(t, d)
		err := p.ProcessSequence(build(t, s, appManifest(t, 1, uri, image)), suit.SequenceInstall)
		assert.ErrorIs(t, err, suit.ErrFailCondition)
		installed, err := d.Installed()
		require.NoError(t, err)
		assert.Empty(t, installed)
	})
	t.Run("zero image size", func(t *testing.T) {
		d := newTestDevice(t, config.DeviceConfig{})
		s := trustedSigner(t, d)
		d.AddPayload(uri, image)
		p := newTestProcessor(t, d)
		m := appManifest(t, 1, uri, image)
		m.Install = suittest.Seq(t,
			op(suit.DirectiveOverrideParameters), map[uint64]any{
				3:  suittest.DigestParam(t, suittest.DigestOf(image)),
				14: uint64(0),
				21: uri,
			},
			op(suit.DirectiveFetch), uint64(0),
			op(suit.ConditionImageMatch), uint64(0),
		)
		err := p.ProcessSequence(build(t, s, m), suit.SequenceInstall)
		assert.ErrorIs(t, err, suit.ErrFailCondition)
	})
	t.Run("other vendor", func(t *testing.T) {
		d := newTestDevice(t, config.DeviceConfig{VendorID: []byte("other")})
		s := trustedSigner(t, d)
		d.AddPayload(uri, image)
		p := newTestProcessor(t, d)
		err := p.ProcessSequence(build(t, s, appManifest(t, 1, uri, image)), suit.SequenceInstall)
		assert.ErrorIs(t, err, suit.ErrFailCondition)
	})
	t.Run("untrusted signer", func(t *testing.T) {
		d := newTestDevice(t, config.DeviceConfig{})
		d.AddPayload(uri, image)
		p := newTestProcessor(t, d)
		err := p.ProcessSequence(build(t, suittest.NewSigner(t), appManifest(t, 1, uri, image)), suit.SequenceInstall)
		assert.Equal(t, suit.CodeManifestVerification, suit.Code(err))
	})
	t.Run("component not allowed", func(t *testing.T) {
		d := newTestDevice(t, config.DeviceConfig{AllowedComponents: [][]byte{suittest.ID(t, "other")}})
		s := trustedSigner(t, d)
		d.AddPayload(uri, image)
		p := newTestProcessor(t, d)
		err := p.ProcessSequence(build(t, s, appManifest(t, 1, uri, image)), suit.SequenceInstall)
		assert.ErrorIs(t, err, suit.ErrUnsupportedComponentID)
	})
}

func TestDevice_Unsigned(t *testing.T) {
	envelope := suittest.Envelope{Manifest: suittest.Manifest{
		ComponentID: suittest.ID(t, "config"),
		Components:  [][]byte{suittest.ID(t, "config", "file")},
		Install: suittest.Seq(t,
			op(suit.DirectiveOverrideParameters), map[uint64]any{18: []byte("debug=1")},
			op(suit.DirectiveWrite), uint64(0),
		),
	}}.Build(t)

	d := newTestDevice(t, config.DeviceConfig{})
	err := newTestProcessor(t, d).ProcessSequence(envelope, suit.SequenceInstall)
	assert.ErrorIs(t, err, suit.ErrAuthentication)

	d = newTestDevice(t, config.DeviceConfig{AllowUnsigned: true})
	require.NoError(t, newTestProcessor(t, d).ProcessSequence(envelope, suit.SequenceInstall))
	got, ok := d.Image(suittest.ID(t, "config", "file"))
	require.True(t, ok)
	assert.Equal(t, []byte("debug=1"), got)

	installed, err := d.Installed()
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Nil(t, installed[0].SigningKeyID)
}

func TestDevice_StoreEnvelope(t *testing.T) {
	image := []byte("application image")
	uri := "https://example.com/app.bin"
	d := newTestDevice(t, config.DeviceConfig{})
	s := trustedSigner(t, d)
	p := newTestProcessor(t, d)

	v2 := build(t, s, appManifest(t, 2, uri, image))
	register(t, p, d, v2)
	// the same envelope again
	require.NoError(t, d.StoreEnvelope(v2))

	assert.ErrorIs(t, d.StoreEnvelope(build(t, s, appManifest(t, 2, uri, []byte("other")))), suit.ErrSUITManifestSmallerSequenceNumber)
	assert.ErrorIs(t, d.StoreEnvelope(build(t, s, appManifest(t, 1, uri, image))), suit.ErrSUITManifestSmallerSequenceNumber)

	other := trustedSigner(t, d)
	v3 := build(t, other, appManifest(t, 3, uri, image))
	_, err := p.GetManifestMetadata(v3, true)
	require.NoError(t, err)
	assert.ErrorIs(t, d.StoreEnvelope(v3), suit.ErrSUITManifestSigningKeyMismatch)

	installed, err := d.Installed()
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, uint64(2), installed[0].SequenceNumber)

	assert.Error(t, d.StoreEnvelope([]byte{0xA0}))
	assert.Error(t, d.StoreEnvelope(nil))
}

func TestDevice_StoreEnvelopeSigner(t *testing.T) {
	image := []byte("application image")
	uri := "https://example.com/app.bin"
	d := newTestDevice(t, config.DeviceConfig{AllowUnsigned: true})
	first := trustedSigner(t, d)
	second := trustedSigner(t, d)

	// every signature is verified, the first one is recorded
	v1 := suittest.Envelope{
		Manifest: appManifest(t, 1, uri, image),
		Signers:  []*suittest.Signer{first, second},
	}.Build(t)
	require.NoError(t, d.StoreEnvelope(v1))
	key, err := d.keys.FindByKID(d.ctx, first.KID)
	require.NoError(t, err)
	require.NotNil(t, key)
	installed, err := d.Installed()
	require.NoError(t, err)
	require.Len(t, installed, 1)
	require.NotNil(t, installed[0].SigningKeyID)
	assert.Equal(t, key.ID, *installed[0].SigningKeyID)

	// an unsigned update does not take over the key of the signed one
	err = d.StoreEnvelope(suittest.Envelope{Manifest: appManifest(t, 2, uri, image)}.Build(t))
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.ErrorIs(t, err, suit.ErrSUITManifestSigningKeyMismatch)

	assert.ErrorIs(t, d.StoreEnvelope(build(t, suittest.NewSigner(t), appManifest(t, 3, uri, image))), suit.ErrAuthentication)

	installed, err = d.Installed()
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, uint64(1), installed[0].SequenceNumber)
}

type dependencyFixture struct {
	root  []byte
	child []byte
}

func newDependencyFixture(t *testing.T, s *suittest.Signer) dependencyFixture {
	t.Helper()
	child := build(t, s, suittest.Manifest{
		SequenceNumber: 5,
		ComponentID:    suittest.ID(t, "tc"),
		Components:     [][]byte{suittest.ID(t, "tc", "image")},
		Install: suittest.Seq(t,
			op(suit.DirectiveOverrideParameters), map[uint64]any{21: "https://example.com/tc.bin"},
			op(suit.DirectiveFetch), uint64(0),
		),
	})
	decoded, err := suit.DecodeEnvelope(child)
	require.NoError(t, err)

	root := build(t, s, suittest.Manifest{
		SequenceNumber: 1,
		ComponentID:    suittest.ID(t, "root"),
		Components:     [][]byte{suittest.ID(t, "tc")},
		Dependencies:   map[uint64]suittest.Dependency{0: {}},
		Install: suittest.Seq(t,
			op(suit.DirectiveOverrideParameters), map[uint64]any{
				3: suittest.DigestParam(t, decoded.AuthenticationWrapper.Digest),
			},
			op(suit.ConditionIsDependency), uint64(0),
			op(suit.ConditionDependencyIntegrity), uint64(0),
			op(suit.DirectiveProcessDependency), uint64(0),
		),
	})
	return dependencyFixture{root: root, child: child}
}

func TestDevice_Dependency(t *testing.T) {
	d := newTestDevice(t, config.DeviceConfig{})
	s := trustedSigner(t, d)
	d.AddPayload("https://example.com/tc.bin", []byte("trusted component"))
	fixture := newDependencyFixture(t, s)
	p := newTestProcessor(t, d)

	err := p.ProcessSequence(fixture.root, suit.SequenceInstall)
	assert.Equal(t, suit.CodeUnavailablePayload, suit.Code(err))

	register(t, p, d, fixture.child)
	require.NoError(t, p.ProcessSequence(fixture.root, suit.SequenceInstall))

	got, ok := d.Image(suittest.ID(t, "tc", "image"))
	require.True(t, ok)
	assert.Equal(t, []byte("trusted component"), got)

	installed, err := d.Installed()
	require.NoError(t, err)
	// ordered by encoded component id
	require.Len(t, installed, 2)
	assert.Equal(t, suittest.ID(t, "tc"), installed[0].ComponentID)
	assert.Equal(t, suittest.ID(t, "root"), installed[1].ComponentID)
}

func TestDevice_PendingDependency(t *testing.T) {
	d := newTestDevice(t, config.DeviceConfig{})
	s := trustedSigner(t, d)
	d.AddPayload("https://example.com/tc.bin", []byte("trusted component"))
	fixture := newDependencyFixture(t, s)
	p := newTestProcessor(t, d)
	register(t, p, d, fixture.child)

	// dependency-integrity reads the envelope before process-dependency
	d.SetPending(suittest.ID(t, "tc"), 1, 2)
	for i := 0; i < 2; i++ {
		err := p.ProcessSequence(fixture.root, suit.SequenceInstall)
		require.ErrorIs(t, err, suit.ErrAgain)
	}
	require.NoError(t, p.ProcessSequence(fixture.root, suit.SequenceInstall))
	_, ok := d.Image(suittest.ID(t, "tc", "image"))
	assert.True(t, ok)
}

func TestDevice_Handles(t *testing.T) {
	d := newTestDevice(t, config.DeviceConfig{})
	a, err := d.CreateComponentHandle(suittest.ID(t, "a"))
	require.NoError(t, err)
	b, err := d.CreateComponentHandle(suittest.ID(t, "b"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	assert.ErrorIs(t, d.CheckCopy(b, a), suit.ErrUnavailablePayload)
	require.NoError(t, d.Write(a, []byte("content")))
	require.NoError(t, d.CheckCopy(b, a))
	require.NoError(t, d.Copy(b, a))
	got, ok := d.Image(suittest.ID(t, "b"))
	require.True(t, ok)
	assert.Equal(t, []byte("content"), got)

	assert.ErrorIs(t, d.CheckSlot(a, 1), suit.ErrFailCondition)
	require.NoError(t, d.CheckSlot(a, 0))
	assert.ErrorIs(t, d.CheckDeviceID(a, []byte("device")), suit.ErrFailCondition)

	require.NoError(t, d.ReleaseComponentHandle(a))
	assert.ErrorIs(t, d.ReleaseComponentHandle(a), suit.ErrCrash)
	assert.ErrorIs(t, d.Write(a, nil), suit.ErrCrash)
	_, err = d.RetrieveManifest(a)
	assert.ErrorIs(t, err, suit.ErrCrash)
}

func TestDevice_CheckDigest(t *testing.T) {
	d := newTestDevice(t, config.DeviceConfig{})
	payload := []byte("payload")
	digest := suittest.DigestOf(payload)
	require.NoError(t, d.CheckDigest(digest, payload))
	assert.ErrorIs(t, d.CheckDigest(digest, []byte("other")), suit.ErrManifestVerification)
	digest.DigestAlg = -99
	assert.ErrorIs(t, d.CheckDigest(digest, payload), suit.ErrManifestValidation)
}
