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

// The ESP application image magic byte. Both backends reject images that do
// not start with it before committing anything.
const imageMagicByte = 0xe9

// Backend stages a firmware image and commits it to flash. Exactly one
// instance exists per transfer session; it exclusively owns its buffer or
// flash handle until End or Abort releases it. Operations report a protocol
// Response rather than an error: the session's only job on a failure code
// is to put it on the wire and abort.
type Backend interface {
	// Begin prepares to receive size bytes. On failure nothing is
	// allocated and no flash is touched.
	Begin(size uint32) Response
	// SetExpectedDigest arms end-of-transfer verification. Optional; if
	// never called, End commits without checksum verification.
	SetExpectedDigest(kind DigestKind, hexDigest string) error
	// Write appends a chunk, in arrival order. Callable any number of
	// times with arbitrary chunk sizes.
	Write(p []byte) Response
	// End verifies and commits the image, then switches the boot
	// partition. Any failure aborts the backend first.
	End() Response
	// Abort releases the buffer and any open flash handle and zeroes the
	// byte counters. Idempotent, callable after any partial failure.
	Abort()
	// SupportsCompression distinguishes backend variants during feature
	// negotiation.
	SupportsCompression() bool
}

// BackendFactory builds a fresh backend for each transfer session.
type BackendFactory func() Backend
