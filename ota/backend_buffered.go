//
// Copyright (c) 2023-2026 Uniota Contributors
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package ota

import (
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/uniota/uniota/flash"
	"github.com/uniota/uniota/partition"
)

// BufferedBackend stages the whole image in memory, verifies its digest,
// and only then erases and rewrites the target partition, read-back
// verifying every chunk. Nothing on flash changes until the image is fully
// received and verified, which turns a multi-minute streamed write into an
// all-or-nothing commit.
type BufferedBackend struct {
	bank *flash.Bank
	// targetLabel, when set, names the partition to flash; otherwise the
	// first application OTA slot is used.
	targetLabel string
	// maxBuffer caps staging memory, standing in for the free-RAM check a
	// device would make. Zero means no cap.
	maxBuffer int64

	buf      []byte
	received uint32
	verifier *Verifier
}

// NewBufferedBackend returns a buffered backend flashing to targetLabel (or
// the first OTA slot, when empty), staging at most maxBuffer bytes.
func NewBufferedBackend(bank *flash.Bank, targetLabel string, maxBuffer int64) *BufferedBackend {
	return &BufferedBackend{bank: bank, targetLabel: targetLabel, maxBuffer: maxBuffer}
}

func (b *BufferedBackend) SupportsCompression() bool { return true }

func (b *BufferedBackend) Begin(size uint32) Response {
	if size == 0 {
		glog.Errorf("Zero-length image")
		return ResponseErrorMagic
	}
	if b.maxBuffer > 0 && int64(size) > b.maxBuffer {
		glog.Errorf("Not enough memory to stage image: need %d, have %d", size, b.maxBuffer)
		return ResponseErrorNotEnoughSpace
	}
	b.buf = make([]byte, size)
	b.received = 0
	glog.Infof("Staging %d-byte image in memory", size)
	return ResponseOK
}

func (b *BufferedBackend) SetExpectedDigest(kind DigestKind, hexDigest string) error {
	v, err := NewVerifier(kind, hexDigest)
	if err != nil {
		return errors.Trace(err)
	}
	b.verifier = v
	return nil
}

func (b *BufferedBackend) Write(p []byte) Response {
	if b.buf == nil {
		glog.Errorf("Write before Begin")
		return ResponseErrorUnknown
	}
	if b.received == 0 && len(p) > 0 && p[0] != imageMagicByte {
		glog.Errorf("Invalid magic byte 0x%02x in image", p[0])
		return ResponseErrorMagic
	}
	if int64(b.received)+int64(len(p)) > int64(len(b.buf)) {
		glog.Errorf("Image overflows declared size: %d + %d > %d", b.received, len(p), len(b.buf))
		return ResponseErrorNotEnoughSpace
	}
	copy(b.buf[b.received:], p)
	b.received += uint32(len(p))
	if b.verifier != nil {
		b.verifier.Add(p)
	}
	return ResponseOK
}

func (b *BufferedBackend) End() Response {
	if b.buf == nil {
		return ResponseErrorUnknown
	}
	if b.verifier != nil && !b.verifier.Check() {
		glog.Errorf("Image digest mismatch, got %s", b.verifier.SumHex())
		b.Abort()
		return ResponseErrorChecksumMismatch
	}

	target, err := b.resolveTarget()
	if err != nil {
		glog.Errorf("No target partition: %v", err)
		b.Abort()
		return ResponseErrorNoUpdatePartition
	}
	if b.received > target.Size {
		glog.Errorf("Image (%d) exceeds target partition %q (%d)", b.received, target.Label, target.Size)
		b.Abort()
		return ResponseErrorNotEnoughSpace
	}

	image := b.buf[:b.received]
	glog.Infof("Image verified, flashing %d bytes to %q", len(image), target.Label)
	if err := b.bank.ErasePartition(target); err != nil {
		glog.Errorf("Erase failed: %v", err)
		b.Abort()
		return ResponseErrorWriteFlash
	}
	if err := b.bank.WritePartition(target, image); err != nil {
		glog.Errorf("Write failed: %v", err)
		b.Abort()
		return ResponseErrorWriteFlash
	}
	if err := b.bank.VerifyPartition(target, image); err != nil {
		glog.Errorf("Read-back verification failed: %v", err)
		b.Abort()
		return ResponseErrorWriteFlash
	}
	if err := b.bank.SetBoot(target); err != nil {
		glog.Errorf("Failed to set boot partition: %v", err)
		b.Abort()
		return ResponseErrorUpdateEnd
	}
	b.Abort() // release the staging buffer
	glog.Infof("Update committed to %q", target.Label)
	return ResponseOK
}

func (b *BufferedBackend) resolveTarget() (*partition.Descriptor, error) {
	if b.targetLabel != "" {
		d, err := b.bank.Table().Find(b.targetLabel)
		return d, errors.Trace(err)
	}
	d, err := b.bank.Table().FirstOTASlot()
	return d, errors.Trace(err)
}

func (b *BufferedBackend) Abort() {
	b.buf = nil
	b.received = 0
	b.verifier = nil
}
