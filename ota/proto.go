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
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"io/ioutil"
	"net"
	"time"

	"github.com/juju/errors"
)

// Wire framing, shared by the device session and the client.
const (
	identByte       = 0x6c
	protocolVersion = 0x01

	// Feature bits negotiated before transfer. Independent; may be
	// combined.
	FeatureCompression    byte = 1 << 0
	FeatureStrongAuth     byte = 1 << 1
	FeatureRebootToHelper byte = 1 << 2

	// maxChunkLen bounds a single length-prefixed chunk.
	maxChunkLen = 16 * 1024

	// DefaultHandshakeTimeout bounds each read before data transfer
	// starts; DefaultDataTimeout bounds reads of the image stream.
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDataTimeout      = 30 * time.Second
)

// readFull reads exactly len(p) bytes under the given deadline.
func readFull(conn net.Conn, p []byte, timeout time.Duration) error {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return errors.Trace(err)
	}
	if _, err := io.ReadFull(conn, p); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func readByte(conn net.Conn, timeout time.Duration) (byte, error) {
	var b [1]byte
	err := readFull(conn, b[:], timeout)
	return b[0], errors.Trace(err)
}

func writeAll(conn net.Conn, p []byte, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return errors.Trace(err)
	}
	if _, err := conn.Write(p); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func writeByte(conn net.Conn, b byte, timeout time.Duration) error {
	return errors.Trace(writeAll(conn, []byte{b}, timeout))
}

// deflateChunk compresses one chunk payload for the compression feature.
func deflateChunk(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(p); err != nil {
		return nil, errors.Trace(err)
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

// inflateChunk decompresses one chunk payload, refusing to expand beyond
// limit bytes so a malicious stream cannot balloon memory.
func inflateChunk(p []byte, limit int64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, errors.Annotatef(err, "bad compressed chunk")
	}
	defer zr.Close()
	data, err := ioutil.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, errors.Annotatef(err, "bad compressed chunk")
	}
	if int64(len(data)) > limit {
		return nil, errors.Errorf("compressed chunk inflates past remaining image size %d", limit)
	}
	return data, nil
}

func putUint32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func putUint16(v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b[:]
}
