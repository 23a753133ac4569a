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
	"strings"
	"testing"
)

func TestVerifier(t *testing.T) {
	data := []byte("The quick brown fox jumps over the lazy dog")
	for _, kind := range []DigestKind{DigestMD5, DigestSHA256} {
		expected := DigestHex(kind, data)
		v, err := NewVerifier(kind, strings.ToUpper(expected)) // case-insensitive
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		// Chunk boundaries must not matter.
		v.Add(data[:7])
		v.Add(data[7:])
		if !v.Check() {
			t.Errorf("%s: digest of identical data rejected", kind)
		}

		v, err = NewVerifier(kind, expected)
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		v.Add(data[:len(data)-1])
		v.Add([]byte("!"))
		if v.Check() {
			t.Errorf("%s: digest of different data accepted", kind)
		}
	}
}

func TestNewVerifierErrors(t *testing.T) {
	md5OK := DigestHex(DigestMD5, []byte("x"))
	for _, tc := range []struct {
		name string
		kind DigestKind
		hex  string
	}{
		{"none kind", DigestNone, md5OK},
		{"bad kind", DigestKind(9), md5OK},
		{"short", DigestMD5, md5OK[:30]},
		{"wrong length for kind", DigestSHA256, md5OK},
		{"not hex", DigestMD5, strings.Repeat("zz", 16)},
	} {
		if _, err := NewVerifier(tc.kind, tc.hex); err == nil {
			t.Errorf("%s: no error", tc.name)
		}
	}
}

func TestAuthResponse(t *testing.T) {
	for _, kind := range []DigestKind{DigestMD5, DigestSHA256} {
		nonce, err := newNonce(kind)
		if err != nil {
			t.Fatalf("nonce: %v", err)
		}
		if len(nonce) != kind.HexLen() {
			t.Fatalf("%s nonce length %d, want %d", kind, len(nonce), kind.HexLen())
		}
		cnonce, err := newNonce(kind)
		if err != nil {
			t.Fatalf("cnonce: %v", err)
		}
		good := authResponse(kind, "pass", nonce, cnonce)
		if len(good) != kind.HexLen() {
			t.Errorf("%s response length %d, want %d", kind, len(good), kind.HexLen())
		}
		if authResponse(kind, "wrong", nonce, cnonce) == good {
			t.Errorf("%s: different passwords produced the same response", kind)
		}
		if authResponse(kind, "pass", cnonce, nonce) == good {
			t.Errorf("%s: nonce order does not matter", kind)
		}
	}
}

func TestInflateChunkLimits(t *testing.T) {
	payload := make([]byte, 4096)
	deflated, err := deflateChunk(payload)
	if err != nil {
		t.Fatalf("deflate: %v", err)
	}
	out, err := inflateChunk(deflated, 4096)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if len(out) != len(payload) {
		t.Fatalf("inflated %d bytes, want %d", len(out), len(payload))
	}
	// A chunk claiming more than the remaining image is a protocol error,
	// not an allocation.
	if _, err := inflateChunk(deflated, 100); err == nil {
		t.Error("oversized inflation accepted")
	}
	if _, err := inflateChunk([]byte{0x01, 0x02, 0x03}, 4096); err == nil {
		t.Error("garbage zlib stream accepted")
	}
}
