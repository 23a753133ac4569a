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

// Package flash models the flash device the OTA storage backends operate
// on: partition-scoped erase/write/read, a sized sequential write session
// for direct-mode updates, and the persistent boot partition selector.
package flash

import (
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	// SectorSize is the erase granularity and the chunk size used for
	// long write/verify operations.
	SectorSize = 0x1000

	erasedByte = 0xff
)

// Device is raw flash: a fixed-size byte array with sector-granular erase.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	// EraseRange resets [off, off+size) to 0xff. Both values must be
	// sector-aligned.
	EraseRange(off, size int64) error
	Size() int64
	Sync() error
	Close() error
}

// Watchdog is fed between long flash operations so a supervisory timer does
// not kill the process mid-erase or mid-write.
type Watchdog interface {
	Feed()
}

type nopWatchdog struct{}

func (nopWatchdog) Feed() {}

// NopWatchdog is used where no supervisory timer exists (tests, hosts).
var NopWatchdog Watchdog = nopWatchdog{}

func checkRange(dev Device, off, size int64) error {
	if off < 0 || size < 0 || off+size > dev.Size() {
		return errors.Errorf("range %d @ 0x%x outside device (size %d)", size, off, dev.Size())
	}
	return nil
}

// MemDevice is an in-memory flash device.
type MemDevice struct {
	data []byte
}

// NewMemDevice returns an erased in-memory device of the given size.
func NewMemDevice(size int64) *MemDevice {
	data := make([]byte, size)
	for i := range data {
		data[i] = erasedByte
	}
	return &MemDevice{data: data}
}

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(d, off, int64(len(p))); err != nil {
		return 0, errors.Trace(err)
	}
	return copy(p, d.data[off:]), nil
}

func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(d, off, int64(len(p))); err != nil {
		return 0, errors.Trace(err)
	}
	return copy(d.data[off:], p), nil
}

func (d *MemDevice) EraseRange(off, size int64) error {
	if err := checkRange(d, off, size); err != nil {
		return errors.Trace(err)
	}
	if off%SectorSize != 0 || size%SectorSize != 0 {
		return errors.Errorf("erase %d @ 0x%x is not sector-aligned", size, off)
	}
	for i := off; i < off+size; i++ {
		d.data[i] = erasedByte
	}
	return nil
}

func (d *MemDevice) Size() int64 { return int64(len(d.data)) }
func (d *MemDevice) Sync() error { return nil }
func (d *MemDevice) Close() error {
	d.data = nil
	return nil
}

// FileDevice is a flash image file, as produced by build tooling. This is
// what the device daemon operates on.
type FileDevice struct {
	f    *os.File
	size int64
}

// OpenFileDevice opens (creating and erasing, if missing) a flash image
// file of the given size.
func OpenFileDevice(fname string, size int64) (*FileDevice, error) {
	f, err := os.OpenFile(fname, os.O_RDWR, 0644)
	if os.IsNotExist(err) {
		f, err = os.OpenFile(fname, os.O_RDWR|os.O_CREATE, 0644)
		if err == nil {
			glog.Infof("Creating %d-byte flash image %s", size, fname)
			blank := make([]byte, SectorSize)
			for i := range blank {
				blank[i] = erasedByte
			}
			for off := int64(0); off < size && err == nil; off += SectorSize {
				_, err = f.WriteAt(blank, off)
			}
		}
	}
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open flash image")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}
	if st.Size() < size {
		f.Close()
		return nil, errors.Errorf("%s: flash image is %d bytes, need %d", fname, st.Size(), size)
	}
	return &FileDevice{f: f, size: size}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(d, off, int64(len(p))); err != nil {
		return 0, errors.Trace(err)
	}
	n, err := d.f.ReadAt(p, off)
	return n, errors.Trace(err)
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(d, off, int64(len(p))); err != nil {
		return 0, errors.Trace(err)
	}
	n, err := d.f.WriteAt(p, off)
	return n, errors.Trace(err)
}

func (d *FileDevice) EraseRange(off, size int64) error {
	if err := checkRange(d, off, size); err != nil {
		return errors.Trace(err)
	}
	if off%SectorSize != 0 || size%SectorSize != 0 {
		return errors.Errorf("erase %d @ 0x%x is not sector-aligned", size, off)
	}
	blank := make([]byte, SectorSize)
	for i := range blank {
		blank[i] = erasedByte
	}
	for o := off; o < off+size; o += SectorSize {
		if _, err := d.f.WriteAt(blank, o); err != nil {
			return errors.Annotatef(err, "erase @ 0x%x", o)
		}
	}
	return nil
}

func (d *FileDevice) Size() int64  { return d.size }
func (d *FileDevice) Sync() error  { return errors.Trace(d.f.Sync()) }
func (d *FileDevice) Close() error { return errors.Trace(d.f.Close()) }
