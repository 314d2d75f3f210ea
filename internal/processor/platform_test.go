/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package processor

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/kentakayama/suit-processor/internal/config"
	"github.com/kentakayama/suit-processor/internal/suit"
	"github.com/kentakayama/suit-processor/internal/suit/suittest"
	"github.com/stretchr/testify/require"
	"github.com/veraison/go-cose"
)

var _ Platform = (*mockPlatform)(nil)

// mockPlatform is an in-memory Platform recording every call it gets.
type mockPlatform struct {
	keys          map[string]*cose.Key
	allowUnsigned bool

	vendorID []byte
	classID  []byte
	deviceID []byte

	next     ComponentHandle
	handles  map[ComponentHandle][]byte
	released []ComponentHandle
	images   map[ComponentHandle][]byte

	// manifests maps a hex encoded dependency component id to its envelope.
	manifests map[string][]byte
	// pending makes RetrieveManifest return ErrAgain that many times once
	// ready retrievals have succeeded.
	pending    int
	ready      int
	retrievals int

	createErr  error
	releaseErr error
	seqNumErr  error
	denied     map[string]bool

	calls     []string
	completed []string
}

func newMockPlatform() *mockPlatform {
	return &mockPlatform{
		keys:      map[string]*cose.Key{},
		handles:   map[ComponentHandle][]byte{},
		images:    map[ComponentHandle][]byte{},
		manifests: map[string][]byte{},
		denied:    map[string]bool{},
		vendorID:  []byte("vendor"),
		classID:   []byte("class"),
		deviceID:  []byte("device"),
	}
}

func (m *mockPlatform) trust(s *suittest.Signer) {
	m.keys[hex.EncodeToString(s.KID)] = s.Key
}

func (m *mockPlatform) call(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockPlatform) count(prefix string) int {
	n := 0
	for _, c := range m.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (m *mockPlatform) AuthorizeUnsignedManifest(manifestID []byte) error {
	if !m.allowUnsigned {
		return fmt.Errorf("%w: unsigned", suit.ErrAuthentication)
	}
	return nil
}

func (m *mockPlatform) AuthenticateManifest(manifestID []byte, alg cose.Algorithm, kid, signature, data []byte) error {
	key, ok := m.keys[hex.EncodeToString(kid)]
	if !ok {
		return fmt.Errorf("%w: unknown kid", suit.ErrAuthentication)
	}
	pub, err := key.PublicKey()
	if err != nil {
		return err
	}
	verifier, err := cose.NewVerifier(alg, pub)
	if err != nil {
		return err
	}
	return verifier.Verify(data, signature)
}

func (m *mockPlatform) CheckDigest(digest suit.Digest, payload []byte) error {
	var sum []byte
	switch digest.DigestAlg {
	case suit.DigestAlgorithmSHA256:
		s := sha256.Sum256(payload)
		sum = s[:]
	case suit.DigestAlgorithmSHA512:
		s := sha512.Sum512(payload)
		sum = s[:]
	default:
		return fmt.Errorf("%w: algorithm", suit.ErrManifestVerification)
	}
	if !bytes.Equal(sum, digest.DigestBytes) {
		return fmt.Errorf("%w: digest mismatch", suit.ErrManifestVerification)
	}
	return nil
}

func (m *mockPlatform) AuthorizeComponentID(manifestID, componentID []byte) error {
	if m.denied[hex.EncodeToString(componentID)] {
		return fmt.Errorf("%w: denied", suit.ErrUnsupportedComponentID)
	}
	return nil
}

func (m *mockPlatform) CreateComponentHandle(componentID []byte) (ComponentHandle, error) {
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.next++
	m.handles[m.next] = bytes.Clone(componentID)
	m.call("create %x", componentID)
	return m.next, nil
}

func (m *mockPlatform) ReleaseComponentHandle(h ComponentHandle) error {
	m.call("release %d", h)
	m.released = append(m.released, h)
	delete(m.handles, h)
	return m.releaseErr
}

func (m *mockPlatform) check(name string, h ComponentHandle, want, got []byte) error {
	m.call("%s %d", name, h)
	if !bytes.Equal(want, got) {
		return fmt.Errorf("%w: %s", suit.ErrFailCondition, name)
	}
	return nil
}

func (m *mockPlatform) CheckVendorID(h ComponentHandle, id []byte) error {
	return m.check("vendor", h, m.vendorID, id)
}

func (m *mockPlatform) CheckClassID(h ComponentHandle, id []byte) error {
	return m.check("class", h, m.classID, id)
}

func (m *mockPlatform) CheckDeviceID(h ComponentHandle, id []byte) error {
	return m.check("device", h, m.deviceID, id)
}

func (m *mockPlatform) CheckImageMatch(h ComponentHandle, digest suit.Digest, size suit.Param[uint64]) error {
	m.call("image-match %d", h)
	image, ok := m.images[h]
	if !ok {
		return fmt.Errorf("%w: no image", suit.ErrFailCondition)
	}
	if size.Set && uint64(len(image)) != size.Value {
		return fmt.Errorf("%w: size", suit.ErrFailCondition)
	}
	if err := m.CheckDigest(digest, image); err != nil {
		return fmt.Errorf("%w: %v", suit.ErrFailCondition, err)
	}
	return nil
}

func (m *mockPlatform) OverrideImageSize(h ComponentHandle, size uint64) error {
	m.call("image-size %d %d", h, size)
	return nil
}

func (m *mockPlatform) CheckSlot(h ComponentHandle, slot uint64) error {
	m.call("slot %d", h)
	if slot != 0 {
		return fmt.Errorf("%w: slot", suit.ErrFailCondition)
	}
	return nil
}

func (m *mockPlatform) Fetch(h ComponentHandle, uri string) error {
	m.call("fetch %d %s", h, uri)
	m.images[h] = []byte(uri)
	return nil
}

func (m *mockPlatform) CheckFetch(h ComponentHandle, uri string) error {
	m.call("check-fetch %d %s", h, uri)
	return nil
}

func (m *mockPlatform) FetchIntegrated(h ComponentHandle, payload []byte) error {
	m.call("fetch-integrated %d %s", h, payload)
	m.images[h] = bytes.Clone(payload)
	return nil
}

func (m *mockPlatform) CheckFetchIntegrated(h ComponentHandle, payload []byte) error {
	m.call("check-fetch-integrated %d", h)
	return nil
}

func (m *mockPlatform) Copy(dst, src ComponentHandle) error {
	m.call("copy %d %d", dst, src)
	m.images[dst] = bytes.Clone(m.images[src])
	return nil
}

func (m *mockPlatform) CheckCopy(dst, src ComponentHandle) error {
	m.call("check-copy %d %d", dst, src)
	return nil
}

func (m *mockPlatform) Write(h ComponentHandle, content []byte) error {
	m.call("write %d %s", h, content)
	m.images[h] = bytes.Clone(content)
	return nil
}

func (m *mockPlatform) CheckWrite(h ComponentHandle, content []byte) error {
	m.call("check-write %d", h)
	return nil
}

func (m *mockPlatform) Invoke(h ComponentHandle, args []byte) error {
	m.call("invoke %d", h)
	return nil
}

func (m *mockPlatform) CheckInvoke(h ComponentHandle, args []byte) error {
	m.call("check-invoke %d", h)
	return nil
}

func (m *mockPlatform) RetrieveManifest(h ComponentHandle) ([]byte, error) {
	m.call("retrieve %d", h)
	m.retrievals++
	if m.retrievals > m.ready && m.pending > 0 {
		m.pending--
		return nil, fmt.Errorf("%w: still fetching", suit.ErrAgain)
	}
	envelope, ok := m.manifests[hex.EncodeToString(m.handles[h])]
	if !ok {
		return nil, fmt.Errorf("%w: no envelope", suit.ErrUnavailablePayload)
	}
	return envelope, nil
}

func (m *mockPlatform) AuthorizeSequenceNum(seq suit.Sequence, manifestID []byte, sequenceNumber uint32) error {
	m.call("sequence-number %s %x %d", seq, manifestID, sequenceNumber)
	return m.seqNumErr
}

func (m *mockPlatform) AuthorizeProcessDependency(parentID, childID []byte, seq suit.Sequence) error {
	m.call("process-dependency %x %x %s", parentID, childID, seq)
	return nil
}

func (m *mockPlatform) SequenceCompleted(seq suit.Sequence, manifestID []byte, envelope []byte) error {
	m.completed = append(m.completed, fmt.Sprintf("%s %x", seq, manifestID))
	return nil
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig() config.ProcessorConfig {
	return config.ProcessorConfig{Limits: config.DefaultLimits(), Logger: testLogger()}
}

func newTestProcessor(t *testing.T, platform *mockPlatform) *Processor {
	t.Helper()
	p, err := New(testConfig(), platform)
	require.NoError(t, err)
	require.NoError(t, p.Init())
	return p
}
