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

// Package ota implements the update transfer protocol: the device-side
// session state machine, the storage backends it drives, and the client
// that uploads images, including the reboot-to-helper extension that lets
// a large-main-partition device stage updates through a small helper app.
package ota

import "fmt"

// Response is the single status byte every backend operation produces and
// the device sends on the wire. Values >= 0x80 are failures.
type Response byte

const (
	ResponseOK             Response = 0x00
	ResponseRequestAuth    Response = 0x01
	ResponseAuthOK         Response = 0x02
	ResponseRebootAccepted Response = 0x06

	ResponseErrorMagic             Response = 0x80
	ResponseErrorAuthInvalid       Response = 0x82
	ResponseErrorWriteFlash        Response = 0x83
	ResponseErrorUpdateEnd         Response = 0x84
	ResponseErrorNotEnoughSpace    Response = 0x89
	ResponseErrorNoUpdatePartition Response = 0x8A
	ResponseErrorChecksumMismatch  Response = 0x8B
	ResponseErrorUnknown           Response = 0xFF
)

// IsError reports whether r is a failure code.
func (r Response) IsError() bool { return r >= 0x80 }

func (r Response) String() string {
	switch r {
	case ResponseOK:
		return "ok"
	case ResponseRequestAuth:
		return "auth required"
	case ResponseAuthOK:
		return "auth ok"
	case ResponseRebootAccepted:
		return "reboot accepted"
	case ResponseErrorMagic:
		return "invalid image magic"
	case ResponseErrorAuthInvalid:
		return "authentication failed"
	case ResponseErrorWriteFlash:
		return "flash write failure"
	case ResponseErrorUpdateEnd:
		return "update finalize failure"
	case ResponseErrorNotEnoughSpace:
		return "not enough space"
	case ResponseErrorNoUpdatePartition:
		return "no available update partition"
	case ResponseErrorChecksumMismatch:
		return "checksum mismatch"
	case ResponseErrorUnknown:
		return "unknown error"
	}
	return fmt.Sprintf("response 0x%02x", byte(r))
}

// ResponseError is how the client surfaces a device-reported failure, so
// callers can tell "out of space" from "corrupted transfer".
type ResponseError struct {
	Code Response
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("device reported: %s (0x%02x)", e.Code, byte(e.Code))
}
