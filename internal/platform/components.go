/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package platform

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/kentakayama/suit-processor/internal/processor"
	"github.com/kentakayama/suit-processor/internal/suit"
)

// AddPayload makes data available to fetch directives for uri.
func (d *Device) AddPayload(uri string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources[uri] = bytes.Clone(data)
}

// SetPending makes RetrieveManifest report the envelope of componentID as
// not ready n times once ready retrievals have succeeded.
func (d *Device) SetPending(componentID []byte, ready, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[hex.EncodeToString(componentID)] = &pendingRetrieval{ready: ready, again: n}
}

// Image returns the stored image of componentID.
func (d *Device) Image(componentID []byte) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	image, ok := d.images[hex.EncodeToString(componentID)]
	return bytes.Clone(image), ok
}

// Invocations returns the invoke directives performed so far.
func (d *Device) Invocations() []Invocation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Invocation, len(d.invoked))
	copy(out, d.invoked)
	return out
}

func (d *Device) CreateComponentHandle(componentID []byte) (processor.ComponentHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.handles[d.next] = bytes.Clone(componentID)
	return d.next, nil
}

func (d *Device) ReleaseComponentHandle(h processor.ComponentHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handles[h]; !ok {
		return fmt.Errorf("%w: unknown component handle %d", suit.ErrCrash, h)
	}
	delete(d.handles, h)
	return nil
}

// key resolves h to its image key; the caller holds d.mu.
func (d *Device) key(h processor.ComponentHandle) (string, error) {
	id, ok := d.handles[h]
	if !ok {
		return "", fmt.Errorf("%w: unknown component handle %d", suit.ErrCrash, h)
	}
	return hex.EncodeToString(id), nil
}

func (d *Device) CheckImageMatch(h processor.ComponentHandle, digest suit.Digest, size suit.Param[uint64]) error {
	d.mu.Lock()
	key, err := d.key(h)
	image, ok := d.images[key]
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: component %s has no image", suit.ErrFailCondition, key)
	}
	if size.Set && uint64(len(image)) != size.Value {
		return fmt.Errorf("%w: image is %d bytes, want %d", suit.ErrFailCondition, len(image), size.Value)
	}
	if err := d.CheckDigest(digest, image); err != nil {
		return fmt.Errorf("%w: image digest: %v", suit.ErrFailCondition, err)
	}
	return nil
}

func (d *Device) OverrideImageSize(h processor.ComponentHandle, size uint64) error {
	d.logger.Printf("component handle %d: expecting %d bytes", h, size)
	return nil
}

// CheckSlot accepts slot 0 only: every component has a single slot.
func (d *Device) CheckSlot(h processor.ComponentHandle, slot uint64) error {
	if slot != 0 {
		return fmt.Errorf("%w: slot %d", suit.ErrFailCondition, slot)
	}
	return nil
}

func (d *Device) source(uri string) ([]byte, error) {
	payload, ok := d.sources[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", suit.ErrUnavailablePayload, uri)
	}
	return payload, nil
}

func (d *Device) Fetch(h processor.ComponentHandle, uri string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, err := d.key(h)
	if err != nil {
		return err
	}
	payload, err := d.source(uri)
	if err != nil {
		return err
	}
	d.images[key] = bytes.Clone(payload)
	d.logger.Printf("fetched %s into %s (%d bytes)", uri, key, len(payload))
	return nil
}

func (d *Device) CheckFetch(h processor.ComponentHandle, uri string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.key(h); err != nil {
		return err
	}
	_, err := d.source(uri)
	return err
}

func (d *Device) FetchIntegrated(h processor.ComponentHandle, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, err := d.key(h)
	if err != nil {
		return err
	}
	d.images[key] = bytes.Clone(payload)
	return nil
}

func (d *Device) CheckFetchIntegrated(h processor.ComponentHandle, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.key(h)
	return err
}

func (d *Device) Copy(dst, src processor.ComponentHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkCopy(dst, src); err != nil {
		return err
	}
	dstKey, _ := d.key(dst)
	srcKey, _ := d.key(src)
	d.images[dstKey] = bytes.Clone(d.images[srcKey])
	return nil
}

func (d *Device) CheckCopy(dst, src processor.ComponentHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkCopy(dst, src)
}

func (d *Device) checkCopy(dst, src processor.ComponentHandle) error {
	if _, err := d.key(dst); err != nil {
		return err
	}
	srcKey, err := d.key(src)
	if err != nil {
		return err
	}
	if _, ok := d.images[srcKey]; !ok {
		return fmt.Errorf("%w: source component %s has no image", suit.ErrUnavailablePayload, srcKey)
	}
	return nil
}

func (d *Device) Write(h processor.ComponentHandle, content []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, err := d.key(h)
	if err != nil {
		return err
	}
	d.images[key] = bytes.Clone(content)
	return nil
}

func (d *Device) CheckWrite(h processor.ComponentHandle, content []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.key(h)
	return err
}

func (d *Device) Invoke(h processor.ComponentHandle, args []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkInvoke(h); err != nil {
		return err
	}
	d.invoked = append(d.invoked, Invocation{ComponentID: bytes.Clone(d.handles[h]), Args: bytes.Clone(args)})
	d.logger.Printf("invoked component handle %d", h)
	return nil
}

func (d *Device) CheckInvoke(h processor.ComponentHandle, args []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkInvoke(h)
}

func (d *Device) checkInvoke(h processor.ComponentHandle) error {
	key, err := d.key(h)
	if err != nil {
		return err
	}
	if _, ok := d.images[key]; !ok {
		return fmt.Errorf("%w: component %s has no image to invoke", suit.ErrUnavailablePayload, key)
	}
	return nil
}
