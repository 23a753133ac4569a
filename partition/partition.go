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
package partition

import (
	"sort"

	"github.com/juju/errors"
)

// Type is the top-level partition type, matching the values used by the
// ESP-IDF partition table.
type Type uint8

const (
	TypeApp  Type = 0x00
	TypeData Type = 0x01
)

// SubType refines Type. App subtypes of interest are the factory slot and
// the numbered OTA slots; the data subtype OTAData holds the boot selector.
type SubType uint8

const (
	SubTypeFactory SubType = 0x00
	SubTypeOTA0    SubType = 0x10
	SubTypeOTAMax  SubType = 0x20 // exclusive upper bound of the OTA slot range
	SubTypeTest    SubType = 0x20

	SubTypeOTAData SubType = 0x00 // data partition holding the boot selector
	SubTypeNVS     SubType = 0x02

	// AnySubType matches any subtype in FindByType.
	AnySubType SubType = 0xFF
)

const (
	// MaxLabelLen is the partition label limit imposed by the table format.
	MaxLabelLen = 16

	// Flash sector granularity. App partition offsets and all partition
	// sizes must be multiples of it, so a sector-granular erase of one
	// partition can never touch a neighbor.
	sectorAlign = 0x1000
)

// Descriptor describes one fixed region of flash. Immutable once parsed
// from the partition table.
type Descriptor struct {
	Label   string
	Type    Type
	SubType SubType
	Offset  uint32
	Size    uint32
}

// IsOTASlot reports whether d is a numbered application OTA slot.
func (d *Descriptor) IsOTASlot() bool {
	return d.Type == TypeApp && d.SubType >= SubTypeOTA0 && d.SubType < SubTypeOTAMax
}

// Table is an immutable set of partition descriptors with pure lookup
// operations. All lookups return a not-found error (checkable with
// errors.IsNotFound) when nothing matches; callers treat that as fatal to
// the operation in progress, never as something to retry.
type Table struct {
	parts []Descriptor
}

// NewTable validates descriptors and builds a table. Labels must be unique,
// at most MaxLabelLen bytes, app partitions aligned, and no two partitions
// may overlap.
func NewTable(parts []Descriptor) (*Table, error) {
	byLabel := map[string]bool{}
	for _, p := range parts {
		if p.Label == "" {
			return nil, errors.Errorf("partition with empty label @ 0x%x", p.Offset)
		}
		if len(p.Label) > MaxLabelLen {
			return nil, errors.Errorf("partition label %q exceeds %d chars", p.Label, MaxLabelLen)
		}
		if byLabel[p.Label] {
			return nil, errors.Errorf("duplicate partition label %q", p.Label)
		}
		byLabel[p.Label] = true
		if p.Size == 0 {
			return nil, errors.Errorf("%s: zero-size partition", p.Label)
		}
		if p.Size%sectorAlign != 0 {
			return nil, errors.Errorf("%s: size 0x%x is not a multiple of the 0x%x sector size",
				p.Label, p.Size, sectorAlign)
		}
		if p.Type == TypeApp && p.Offset%sectorAlign != 0 {
			return nil, errors.Errorf("%s: app partition offset 0x%x is not 0x%x-aligned",
				p.Label, p.Offset, sectorAlign)
		}
	}
	sorted := make([]Descriptor, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	// We traverse the list in order, so a simple check will suffice.
	for i := 1; i < len(sorted); i++ {
		prev, cur := &sorted[i-1], &sorted[i]
		if prev.Offset+prev.Size > cur.Offset {
			return nil, errors.Errorf("partitions %q and %q overlap", prev.Label, cur.Label)
		}
	}
	return &Table{parts: sorted}, nil
}

// Parts returns the descriptors in flash offset order.
func (t *Table) Parts() []Descriptor {
	res := make([]Descriptor, len(t.parts))
	copy(res, t.parts)
	return res
}

// Find looks up a partition by its label.
func (t *Table) Find(label string) (*Descriptor, error) {
	for i := range t.parts {
		if t.parts[i].Label == label {
			d := t.parts[i]
			return &d, nil
		}
	}
	return nil, errors.NotFoundf("partition %q", label)
}

// FindByType returns the first partition of the given type and subtype, in
// flash offset order. AnySubType matches any subtype.
func (t *Table) FindByType(typ Type, sub SubType) (*Descriptor, error) {
	for i := range t.parts {
		p := &t.parts[i]
		if p.Type != typ {
			continue
		}
		if sub != AnySubType && p.SubType != sub {
			continue
		}
		d := *p
		return &d, nil
	}
	return nil, errors.NotFoundf("partition type 0x%02x/0x%02x", typ, sub)
}

// FirstOTASlot returns the lowest-numbered application OTA slot. This is
// the default flash target when no label is configured.
func (t *Table) FirstOTASlot() (*Descriptor, error) {
	var best *Descriptor
	for i := range t.parts {
		p := &t.parts[i]
		if !p.IsOTASlot() {
			continue
		}
		if best == nil || p.SubType < best.SubType {
			best = p
		}
	}
	if best == nil {
		return nil, errors.NotFoundf("application OTA slot")
	}
	d := *best
	return &d, nil
}

// NextUpdateSlot returns the OTA slot after the one labeled current,
// wrapping around the numbered slots. When current names no OTA slot (or is
// empty, e.g. the device runs from the factory slot) the first OTA slot is
// returned. With a single OTA slot and the device running from it there is
// nowhere to write, which is a not-found condition.
func (t *Table) NextUpdateSlot(current string) (*Descriptor, error) {
	var slots []*Descriptor
	for i := range t.parts {
		if t.parts[i].IsOTASlot() {
			slots = append(slots, &t.parts[i])
		}
	}
	if len(slots) == 0 {
		return nil, errors.NotFoundf("application OTA slot")
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].SubType < slots[j].SubType })
	cur := -1
	for i, p := range slots {
		if p.Label == current {
			cur = i
			break
		}
	}
	next := slots[(cur+1)%len(slots)]
	if next.Label == current {
		return nil, errors.NotFoundf("free application OTA slot (only %q)", current)
	}
	d := *next
	return &d, nil
}
