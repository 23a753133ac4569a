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

// DirectBackend streams writes straight into the next free OTA slot,
// trading the buffered backend's all-or-nothing commit for a flat memory
// footprint. A digest mismatch detected at End leaves the slot content
// undefined, but the boot pointer is only ever switched after every check
// has passed, so the device always restarts into a known-good image.
type DirectBackend struct {
	bank *flash.Bank

	w        *flash.Writer
	target   *partition.Descriptor
	received uint32
	verifier *Verifier
}

// NewDirectBackend returns a direct-flash backend on the given bank.
func NewDirectBackend(bank *flash.Bank) *DirectBackend {
	return &DirectBackend{bank: bank}
}

func (b *DirectBackend) SupportsCompression() bool { return false }

func (b *DirectBackend) Begin(size uint32) Response {
	if size == 0 {
		glog.Errorf("Zero-length image")
		return ResponseErrorMagic
	}
	boot, err := b.bank.Boot()
	current := ""
	if err == nil {
		current = boot.Label
	} else {
		glog.Warningf("Cannot determine running partition: %v", err)
	}
	target, err := b.bank.Table().NextUpdateSlot(current)
	if err != nil {
		glog.Errorf("No update partition: %v", err)
		return ResponseErrorNoUpdatePartition
	}
	if size > target.Size {
		glog.Errorf("Image (%d) exceeds update partition %q (%d)", size, target.Label, target.Size)
		return ResponseErrorNotEnoughSpace
	}
	w, err := b.bank.OpenWriter(target, size)
	if err != nil {
		glog.Errorf("Failed to open flash write session: %v", err)
		return ResponseErrorWriteFlash
	}
	b.w = w
	b.target = target
	b.received = 0
	glog.Infof("Writing %d-byte image directly to %q", size, target.Label)
	return ResponseOK
}

func (b *DirectBackend) SetExpectedDigest(kind DigestKind, hexDigest string) error {
	v, err := NewVerifier(kind, hexDigest)
	if err != nil {
		return errors.Trace(err)
	}
	b.verifier = v
	return nil
}

func (b *DirectBackend) Write(p []byte) Response {
	if b.w == nil {
		glog.Errorf("Write before Begin")
		return ResponseErrorUnknown
	}
	if b.received == 0 && len(p) > 0 && p[0] != imageMagicByte {
		glog.Errorf("Invalid magic byte 0x%02x in image", p[0])
		return ResponseErrorMagic
	}
	n, err := b.w.Write(p)
	b.received += uint32(n)
	if err != nil {
		if errors.Cause(err) == flash.ErrWriterOverflow {
			glog.Errorf("Image overflows declared size at byte %d", b.received)
			return ResponseErrorNotEnoughSpace
		}
		glog.Errorf("Flash write failed: %v", err)
		return ResponseErrorWriteFlash
	}
	if b.verifier != nil {
		b.verifier.Add(p)
	}
	return ResponseOK
}

func (b *DirectBackend) End() Response {
	if b.w == nil {
		return ResponseErrorUnknown
	}
	if b.verifier != nil && !b.verifier.Check() {
		// The slot has already been partially written; its content is
		// undefined until the next update. The boot pointer is untouched.
		glog.Errorf("Image digest mismatch, got %s; %q left undefined", b.verifier.SumHex(), b.target.Label)
		b.Abort()
		return ResponseErrorChecksumMismatch
	}
	if err := b.w.Close(); err != nil {
		glog.Errorf("Failed to finalize flash write: %v", err)
		b.Abort()
		return ResponseErrorUpdateEnd
	}
	if err := b.bank.SetBoot(b.target); err != nil {
		glog.Errorf("Failed to set boot partition: %v", err)
		b.Abort()
		return ResponseErrorUpdateEnd
	}
	glog.Infof("Update committed to %q", b.target.Label)
	b.w = nil
	b.target = nil
	b.received = 0
	b.verifier = nil
	return ResponseOK
}

func (b *DirectBackend) Abort() {
	if b.w != nil {
		b.w.Discard()
		b.w = nil
	}
	b.target = nil
	b.received = 0
	b.verifier = nil
}
