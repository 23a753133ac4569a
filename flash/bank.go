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
package flash

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/uniota/uniota/partition"
)

// Bank combines a flash device with its partition table and watchdog. All
// long operations are chunked per sector, with a watchdog feed after each
// chunk.
type Bank struct {
	dev   Device
	table *partition.Table
	wdt   Watchdog
}

// NewBank wires a device to its partition table. A nil watchdog means none.
func NewBank(dev Device, table *partition.Table, wdt Watchdog) (*Bank, error) {
	if wdt == nil {
		wdt = NopWatchdog
	}
	for _, p := range table.Parts() {
		if int64(p.Offset)+int64(p.Size) > dev.Size() {
			return nil, errors.Errorf("partition %q (%d @ 0x%x) does not fit device (size %d)",
				p.Label, p.Size, p.Offset, dev.Size())
		}
	}
	return &Bank{dev: dev, table: table, wdt: wdt}, nil
}

// Table returns the partition table.
func (b *Bank) Table() *partition.Table { return b.table }

// ErasePartition erases the whole partition, sector by sector. Partition
// sizes are sector multiples (the table enforces this), so the erase never
// extends past the partition end.
func (b *Bank) ErasePartition(p *partition.Descriptor) error {
	glog.V(1).Infof("Erasing %q (%d @ 0x%x)", p.Label, p.Size, p.Offset)
	for off := int64(0); off < int64(p.Size); off += SectorSize {
		if err := b.dev.EraseRange(int64(p.Offset)+off, SectorSize); err != nil {
			return errors.Annotatef(err, "%s", p.Label)
		}
		b.wdt.Feed()
	}
	return nil
}

// WritePartition writes data to the start of a previously erased partition
// in sector-sized chunks.
func (b *Bank) WritePartition(p *partition.Descriptor, data []byte) error {
	if uint32(len(data)) > p.Size {
		return errors.Errorf("%s: %d bytes do not fit (partition size %d)", p.Label, len(data), p.Size)
	}
	for off := 0; off < len(data); off += SectorSize {
		end := off + SectorSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := b.dev.WriteAt(data[off:end], int64(p.Offset)+int64(off)); err != nil {
			return errors.Annotatef(err, "%s: write @ 0x%x", p.Label, off)
		}
		b.wdt.Feed()
	}
	return nil
}

// VerifyPartition reads the first len(data) bytes of the partition back in
// sector-sized chunks and compares them against data.
func (b *Bank) VerifyPartition(p *partition.Descriptor, data []byte) error {
	buf := make([]byte, SectorSize)
	for off := 0; off < len(data); off += SectorSize {
		end := off + SectorSize
		if end > len(data) {
			end = len(data)
		}
		chunk := buf[:end-off]
		if _, err := b.dev.ReadAt(chunk, int64(p.Offset)+int64(off)); err != nil {
			return errors.Annotatef(err, "%s: read-back @ 0x%x", p.Label, off)
		}
		if !bytes.Equal(chunk, data[off:end]) {
			return errors.Errorf("%s: verification failed @ 0x%x", p.Label, off)
		}
		b.wdt.Feed()
	}
	return nil
}

// ReadPartition reads size bytes from the start of the partition.
func (b *Bank) ReadPartition(p *partition.Descriptor, size uint32) ([]byte, error) {
	if size > p.Size {
		return nil, errors.Errorf("%s: read of %d exceeds partition size %d", p.Label, size, p.Size)
	}
	data := make([]byte, size)
	if _, err := b.dev.ReadAt(data, int64(p.Offset)); err != nil {
		return nil, errors.Annotatef(err, "%s", p.Label)
	}
	return data, nil
}

// Sync flushes the device.
func (b *Bank) Sync() error { return errors.Trace(b.dev.Sync()) }

// The boot selector lives in the otadata partition: the target label padded
// to 16 bytes, followed by a CRC32 (IEEE) of those bytes. A record that
// fails the CRC is ignored and the first app partition is the fallback.

const bootRecordLen = partition.MaxLabelLen + 4

// SetBoot atomically points the bootloader at the given app partition.
func (b *Bank) SetBoot(p *partition.Descriptor) error {
	if p.Type != partition.TypeApp {
		return errors.Errorf("%s: boot partition must be an app partition", p.Label)
	}
	od, err := b.table.FindByType(partition.TypeData, partition.SubTypeOTAData)
	if err != nil {
		return errors.Annotatef(err, "no otadata partition")
	}
	var rec [bootRecordLen]byte
	copy(rec[:partition.MaxLabelLen], p.Label)
	binary.LittleEndian.PutUint32(rec[partition.MaxLabelLen:], crc32.ChecksumIEEE(rec[:partition.MaxLabelLen]))
	if err := b.dev.EraseRange(int64(od.Offset), SectorSize); err != nil {
		return errors.Annotatef(err, "%s", od.Label)
	}
	if _, err := b.dev.WriteAt(rec[:], int64(od.Offset)); err != nil {
		return errors.Annotatef(err, "%s", od.Label)
	}
	if err := b.dev.Sync(); err != nil {
		return errors.Trace(err)
	}
	glog.Infof("Boot partition set to %q", p.Label)
	return nil
}

// Boot returns the currently selected boot partition.
func (b *Bank) Boot() (*partition.Descriptor, error) {
	od, err := b.table.FindByType(partition.TypeData, partition.SubTypeOTAData)
	if err != nil {
		return nil, errors.Annotatef(err, "no otadata partition")
	}
	var rec [bootRecordLen]byte
	if _, err := b.dev.ReadAt(rec[:], int64(od.Offset)); err != nil {
		return nil, errors.Trace(err)
	}
	want := binary.LittleEndian.Uint32(rec[partition.MaxLabelLen:])
	if crc32.ChecksumIEEE(rec[:partition.MaxLabelLen]) != want {
		glog.V(1).Infof("Boot record invalid, falling back to first app partition")
		d, err := b.table.FindByType(partition.TypeApp, partition.AnySubType)
		return d, errors.Trace(err)
	}
	label := string(bytes.TrimRight(rec[:partition.MaxLabelLen], "\x00"))
	d, err := b.table.Find(label)
	return d, errors.Trace(err)
}

// ErrWriterOverflow is returned by Writer.Write when the session limit set
// at open time would be exceeded.
var ErrWriterOverflow = errors.New("write session overflow")

// Writer is a sized sequential write session on one partition, the
// direct-mode analog of an OTA flash handle. The covered range is erased up
// front; writes append.
type Writer struct {
	bank *Bank
	part *partition.Descriptor
	// limit is the declared image size; written tracks progress.
	limit   int64
	written int64
	closed  bool
}

// OpenWriter erases enough of the partition to hold size bytes and returns
// an append-only writer for it.
func (b *Bank) OpenWriter(p *partition.Descriptor, size uint32) (*Writer, error) {
	if size > p.Size {
		return nil, errors.Errorf("%s: image of %d bytes does not fit (partition size %d)", p.Label, size, p.Size)
	}
	eraseLen := int64(size)
	if eraseLen%SectorSize != 0 {
		eraseLen += SectorSize - eraseLen%SectorSize
	}
	for off := int64(0); off < eraseLen; off += SectorSize {
		if err := b.dev.EraseRange(int64(p.Offset)+off, SectorSize); err != nil {
			return nil, errors.Annotatef(err, "%s", p.Label)
		}
		b.wdt.Feed()
	}
	return &Writer{bank: b, part: p, limit: int64(size)}, nil
}

// Part returns the partition this writer targets.
func (w *Writer) Part() *partition.Descriptor { return w.part }

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.Errorf("write session closed")
	}
	if w.written+int64(len(p)) > w.limit {
		return 0, ErrWriterOverflow
	}
	n, err := w.bank.dev.WriteAt(p, int64(w.part.Offset)+w.written)
	w.written += int64(n)
	w.bank.wdt.Feed()
	return n, errors.Trace(err)
}

// Close finalizes the session. The image must have been written in full.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.written != w.limit {
		return errors.Errorf("%s: wrote %d of %d bytes", w.part.Label, w.written, w.limit)
	}
	return errors.Trace(w.bank.dev.Sync())
}

// Discard abandons the session. The written range is left undefined; it is
// safe to call at any point, more than once.
func (w *Writer) Discard() {
	w.closed = true
	w.written = 0
}
