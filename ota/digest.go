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
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/juju/errors"
)

// DigestKind selects the digest algorithm for image verification and for
// the auth challenge. MD5 is the historical default; SHA-256 is negotiated
// via the strong-auth feature bit.
type DigestKind byte

const (
	DigestNone   DigestKind = 0
	DigestMD5    DigestKind = 1
	DigestSHA256 DigestKind = 2
)

// HexLen returns the length of the hex encoding of a digest of this kind.
func (k DigestKind) HexLen() int {
	switch k {
	case DigestMD5:
		return 2 * md5.Size
	case DigestSHA256:
		return 2 * sha256.Size
	}
	return 0
}

func (k DigestKind) newHash() hash.Hash {
	if k == DigestSHA256 {
		return sha256.New()
	}
	return md5.New()
}

func (k DigestKind) String() string {
	switch k {
	case DigestMD5:
		return "md5"
	case DigestSHA256:
		return "sha256"
	}
	return "none"
}

// Verifier accumulates transferred bytes into a digest and compares the
// final sum against an expected hex value.
type Verifier struct {
	kind     DigestKind
	h        hash.Hash
	expected string
}

// NewVerifier returns a verifier expecting the given hex digest.
func NewVerifier(kind DigestKind, expectedHex string) (*Verifier, error) {
	if kind != DigestMD5 && kind != DigestSHA256 {
		return nil, errors.Errorf("unsupported digest kind %d", kind)
	}
	expectedHex = strings.ToLower(expectedHex)
	if len(expectedHex) != kind.HexLen() {
		return nil, errors.Errorf("%s digest must be %d hex chars, got %d", kind, kind.HexLen(), len(expectedHex))
	}
	if _, err := hex.DecodeString(expectedHex); err != nil {
		return nil, errors.Annotatef(err, "bad %s digest", kind)
	}
	return &Verifier{kind: kind, h: kind.newHash(), expected: expectedHex}, nil
}

// Add feeds transferred bytes, in arrival order.
func (v *Verifier) Add(p []byte) {
	v.h.Write(p)
}

// SumHex returns the hex digest of everything added so far.
func (v *Verifier) SumHex() string {
	return hex.EncodeToString(v.h.Sum(nil))
}

// Check compares the accumulated digest against the expected one.
func (v *Verifier) Check() bool {
	return subtle.ConstantTimeCompare([]byte(v.SumHex()), []byte(v.expected)) == 1
}

// DigestHex computes the hex digest of a complete image. The client uses
// this to declare the expected checksum up front.
func DigestHex(kind DigestKind, data []byte) string {
	h := kind.newHash()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// newNonce produces the hex auth challenge: a digest-sized random value.
func newNonce(kind DigestKind) (string, error) {
	raw := make([]byte, kind.HexLen()/2)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Trace(err)
	}
	h := kind.newHash()
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// authResponse derives the challenge response from the shared password and
// the two nonces. Both sides compute it; the device compares in constant
// time.
func authResponse(kind DigestKind, password, nonce, cnonce string) string {
	h := kind.newHash()
	h.Write([]byte(password))
	h.Write([]byte(nonce))
	h.Write([]byte(cnonce))
	return hex.EncodeToString(h.Sum(nil))
}
