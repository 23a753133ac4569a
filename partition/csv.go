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
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// The ESP-IDF partition table CSV has no header row:
//   name, type, subtype, offset, size, flags
// Comment lines start with '#'. Offsets and sizes accept hex (0x...) and
// K/M suffixes. Type and subtype may be symbolic or numeric.

var appSubTypeNames = map[string]SubType{
	"factory": SubTypeFactory,
	"test":    SubTypeTest,
}

var dataSubTypeNames = map[string]SubType{
	"ota": SubTypeOTAData,
	"nvs": SubTypeNVS,
}

// ParseCSV parses a partition table in the ESP-IDF CSV format and validates
// it via NewTable.
func ParseCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	var parts []Descriptor
	var nextOffset uint32
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Annotatef(err, "malformed partition table")
		}
		if len(rec) < 5 {
			return nil, errors.Errorf("partition entry %q: want at least 5 fields, got %d", strings.Join(rec, ","), len(rec))
		}
		label := strings.TrimSpace(rec[0])
		typ, err := parseType(strings.TrimSpace(rec[1]))
		if err != nil {
			return nil, errors.Annotatef(err, "%s", label)
		}
		sub, err := parseSubType(typ, strings.TrimSpace(rec[2]))
		if err != nil {
			return nil, errors.Annotatef(err, "%s", label)
		}
		var offset uint32
		if o := strings.TrimSpace(rec[3]); o != "" {
			if offset, err = parseSize(o); err != nil {
				return nil, errors.Annotatef(err, "%s: offset", label)
			}
		} else {
			// Empty offset means "right after the previous partition",
			// aligned as required for the type.
			offset = nextOffset
			if typ == TypeApp && offset%sectorAlign != 0 {
				offset += sectorAlign - offset%sectorAlign
			}
		}
		size, err := parseSize(strings.TrimSpace(rec[4]))
		if err != nil {
			return nil, errors.Annotatef(err, "%s: size", label)
		}
		nextOffset = offset + size
		parts = append(parts, Descriptor{
			Label:   label,
			Type:    typ,
			SubType: sub,
			Offset:  offset,
			Size:    size,
		})
	}
	t, err := NewTable(parts)
	return t, errors.Trace(err)
}

// LoadCSV reads and parses a partition table file.
func LoadCSV(fname string) (*Table, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open partition table")
	}
	defer f.Close()
	t, err := ParseCSV(f)
	return t, errors.Annotatef(err, "%s", fname)
}

func parseType(s string) (Type, error) {
	switch s {
	case "app":
		return TypeApp, nil
	case "data":
		return TypeData, nil
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, errors.Errorf("invalid partition type %q", s)
	}
	return Type(n), nil
}

func parseSubType(typ Type, s string) (SubType, error) {
	if typ == TypeApp {
		if sub, ok := appSubTypeNames[s]; ok {
			return sub, nil
		}
		// ota_0 .. ota_15
		if strings.HasPrefix(s, "ota_") {
			n, err := strconv.ParseUint(s[4:], 10, 8)
			if err != nil || SubTypeOTA0+SubType(n) >= SubTypeOTAMax {
				return 0, errors.Errorf("invalid OTA slot %q", s)
			}
			return SubTypeOTA0 + SubType(n), nil
		}
	} else if sub, ok := dataSubTypeNames[s]; ok {
		return sub, nil
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, errors.Errorf("invalid partition subtype %q", s)
	}
	return SubType(n), nil
}

func parseSize(s string) (uint32, error) {
	mult := uint32(1)
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mult, s = 1024, s[:len(s)-1]
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult, s = 1024*1024, s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Errorf("invalid size %q", s)
	}
	return uint32(n) * mult, nil
}
