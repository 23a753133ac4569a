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
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"

	"github.com/uniota/uniota/flash"
)

const testTimeout = 5 * time.Second

type testServer struct {
	srv    *Server
	addr   string
	events chan Event
}

func startServer(t *testing.T, bank *flash.Bank, opts ServerOptions) *testServer {
	t.Helper()
	opts.Bank = bank
	if opts.NewBackend == nil {
		opts.NewBackend = func() Backend { return NewBufferedBackend(bank, "", 0) }
	}
	opts.HandshakeTimeout = testTimeout
	opts.DataTimeout = testTimeout
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ts := &testServer{srv: srv, events: make(chan Event, 100)}
	srv.OnState(func(ev Event) {
		select {
		case ts.events <- ev:
		default:
		}
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ts.addr = ln.Addr().String()
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ts
}

func (ts *testServer) waitFor(t *testing.T, want State) Event {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case ev := <-ts.events:
			if ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", want)
		}
	}
}

func testClient(addr string, opts ClientOptions) *Client {
	opts.Addr = addr
	opts.Timeout = testTimeout
	opts.SettleTime = 10 * time.Millisecond
	opts.ReconnectDelay = 10 * time.Millisecond
	return NewClient(opts)
}

func TestUploadEndToEnd(t *testing.T) {
	bank := testBank(t)
	ts := startServer(t, bank, ServerOptions{})
	image := testImage(64*1024 + 321)

	c := testClient(ts.addr, ClientOptions{DigestKind: DigestMD5, ChunkSize: 1463})
	if err := c.Upload(context.Background(), image); err != nil {
		t.Fatalf("upload: %v", err)
	}
	ts.waitFor(t, StateCompleted)
	if got := partitionBytes(t, bank, "ota_0", len(image)); !bytes.Equal(got, image) {
		t.Errorf("flash content differs from the uploaded image")
	}
	if got := bootLabel(t, bank); got != "ota_0" {
		t.Errorf("boot partition: got %q, want %q", got, "ota_0")
	}
}

func TestUploadCompressed(t *testing.T) {
	bank := testBank(t)
	ts := startServer(t, bank, ServerOptions{})
	image := testImage(32 * 1024)

	c := testClient(ts.addr, ClientOptions{
		DigestKind: DigestSHA256,
		Features:   FeatureCompression,
		ChunkSize:  2048,
	})
	if err := c.Upload(context.Background(), image); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got := partitionBytes(t, bank, "ota_0", len(image)); !bytes.Equal(got, image) {
		t.Errorf("flash content differs from the uploaded image")
	}
}

func TestUploadCompressionRefusedByBackend(t *testing.T) {
	// The direct backend cannot take compressed chunks; the server must
	// clear the feature bit and still complete the transfer.
	bank := testBank(t)
	ts := startServer(t, bank, ServerOptions{
		NewBackend: func() Backend { return NewDirectBackend(bank) },
	})
	image := testImage(16 * 1024)
	c := testClient(ts.addr, ClientOptions{Features: FeatureCompression, DigestKind: DigestMD5})
	if err := c.Upload(context.Background(), image); err != nil {
		t.Fatalf("upload: %v", err)
	}
	// boot record was erased, so NextUpdateSlot starts from the first slot
	if got := partitionBytes(t, bank, "ota_0", len(image)); !bytes.Equal(got, image) {
		t.Errorf("flash content differs from the uploaded image")
	}
}

func TestUploadWithPassword(t *testing.T) {
	bank := testBank(t)
	ts := startServer(t, bank, ServerOptions{Password: "s3cret"})
	image := testImage(4 * 1024)

	for _, tc := range []struct {
		name     string
		features byte
	}{
		{"md5", 0},
		{"sha256", FeatureStrongAuth},
	} {
		c := testClient(ts.addr, ClientOptions{
			Password:   "s3cret",
			Features:   tc.features,
			DigestKind: DigestMD5,
		})
		if err := c.Upload(context.Background(), image); err != nil {
			t.Fatalf("%s: upload: %v", tc.name, err)
		}
	}
}

func TestUploadWrongPassword(t *testing.T) {
	bank := testBank(t)
	ts := startServer(t, bank, ServerOptions{Password: "s3cret"})

	c := testClient(ts.addr, ClientOptions{Password: "wrong", ReconnectAttempts: 1})
	err := c.Upload(context.Background(), testImage(1024))
	if err == nil {
		t.Fatal("upload with wrong password succeeded")
	}
	rerr, ok := errors.Cause(err).(*ResponseError)
	if !ok || rerr.Code != ResponseErrorAuthInvalid {
		t.Fatalf("got %v, want auth invalid response", err)
	}
	if got := bootLabel(t, bank); got != "helper" {
		t.Errorf("boot partition changed to %q", got)
	}
}

func TestUploadOverStagingCap(t *testing.T) {
	// The declared size exceeds the device's staging cap; the device must
	// answer the prepare step with the space error.
	bank := testBank(t)
	ts := startServer(t, bank, ServerOptions{
		NewBackend: func() Backend { return NewBufferedBackend(bank, "", 16*1024) },
	})

	c := testClient(ts.addr, ClientOptions{DigestKind: DigestMD5, ReconnectAttempts: 1})
	err := c.Upload(context.Background(), testImage(32*1024))
	if err == nil {
		t.Fatal("oversized upload succeeded")
	}
	rerr, ok := errors.Cause(err).(*ResponseError)
	if !ok || rerr.Code != ResponseErrorNotEnoughSpace {
		t.Fatalf("got %v, want not enough space response", err)
	}
	ts.waitFor(t, StateAborted)
}

// rawSession dials the server and walks the handshake, features and
// passwordless auth steps byte by byte.
func rawSession(t *testing.T, addr string, features byte) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, testTimeout)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	var hello [2]byte
	if err := readFull(conn, hello[:], testTimeout); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if hello[0] != identByte || hello[1] != protocolVersion {
		t.Fatalf("bad handshake: 0x%02x 0x%02x", hello[0], hello[1])
	}
	if err := writeByte(conn, features, testTimeout); err != nil {
		t.Fatalf("features: %v", err)
	}
	if _, err := readByte(conn, testTimeout); err != nil {
		t.Fatalf("features ack: %v", err)
	}
	b, err := readByte(conn, testTimeout)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	if Response(b) != ResponseAuthOK {
		t.Fatalf("auth: got %s", Response(b))
	}
	return conn
}

func TestUploadChecksumMismatch(t *testing.T) {
	// The transfer itself is flawless but the declared digest does not
	// match. The device reports the mismatch and nothing on flash changes.
	// Driven over the raw wire since the client always declares the true
	// digest.
	bank := testBank(t)
	ts := startServer(t, bank, ServerOptions{})
	image := testImage(8 * 1024)

	conn := rawSession(t, ts.addr, 0)
	if err := writeAll(conn, putUint32(uint32(len(image))), testTimeout); err != nil {
		t.Fatalf("size: %v", err)
	}
	bad := []byte(DigestHex(DigestMD5, image))
	bad[0] ^= 1
	if err := writeByte(conn, byte(DigestMD5), testTimeout); err != nil {
		t.Fatalf("digest kind: %v", err)
	}
	if err := writeAll(conn, bad, testTimeout); err != nil {
		t.Fatalf("digest: %v", err)
	}
	if b, err := readByte(conn, testTimeout); err != nil || Response(b) != ResponseOK {
		t.Fatalf("prepare: %v %s", err, Response(b))
	}
	for off := 0; off < len(image); off += 1024 {
		chunk := image[off : off+1024]
		if err := writeAll(conn, putUint16(uint16(len(chunk))), testTimeout); err != nil {
			t.Fatalf("chunk header: %v", err)
		}
		if err := writeAll(conn, chunk, testTimeout); err != nil {
			t.Fatalf("chunk: %v", err)
		}
		if b, err := readByte(conn, testTimeout); err != nil || Response(b) != ResponseOK {
			t.Fatalf("chunk ack: %v %s", err, Response(b))
		}
	}
	b, err := readByte(conn, testTimeout)
	if err != nil {
		t.Fatalf("verdict: %v", err)
	}
	if Response(b) != ResponseErrorChecksumMismatch {
		t.Fatalf("verdict: got %s, want checksum mismatch", Response(b))
	}
	ev := ts.waitFor(t, StateError)
	if ev.Code != ResponseErrorChecksumMismatch {
		t.Errorf("error event code: got %s", ev.Code)
	}
	for i, v := range partitionBytes(t, bank, "ota_0", 4096) {
		if v != 0xff {
			t.Fatalf("target partition modified at %d despite mismatch", i)
		}
	}
	if got := bootLabel(t, bank); got != "helper" {
		t.Errorf("boot partition switched to %q despite mismatch", got)
	}
}

func TestRebootToHelper(t *testing.T) {
	// Two-phase flow: the device switches its boot pointer to the helper
	// partition, restarts, and the client then runs a normal transfer.
	bank := testBank(t)
	var restarts int32
	var bootAtRestart string
	ts := startServer(t, bank, ServerOptions{
		HelperPartition: "helper",
		Restart: func() {
			if p, err := bank.Boot(); err == nil {
				bootAtRestart = p.Label
			}
			atomic.AddInt32(&restarts, 1)
		},
	})
	image := testImage(8 * 1024)

	c := testClient(ts.addr, ClientOptions{
		Features:   FeatureRebootToHelper,
		DigestKind: DigestMD5,
	})
	if err := c.Upload(context.Background(), image); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if n := atomic.LoadInt32(&restarts); n != 1 {
		t.Errorf("restarts: got %d, want 1", n)
	}
	if bootAtRestart != "helper" {
		t.Errorf("boot at restart: got %q, want %q", bootAtRestart, "helper")
	}
	if got := partitionBytes(t, bank, "ota_0", len(image)); !bytes.Equal(got, image) {
		t.Errorf("flash content differs from the uploaded image")
	}
	if got := bootLabel(t, bank); got != "ota_0" {
		t.Errorf("final boot partition: got %q, want %q", got, "ota_0")
	}
}

func TestRebootNotConfigured(t *testing.T) {
	// No helper partition configured. The request must be refused before
	// any restart, and the boot pointer must not move.
	bank := testBank(t)
	var restarts int32
	ts := startServer(t, bank, ServerOptions{
		Restart: func() { atomic.AddInt32(&restarts, 1) },
	})

	c := testClient(ts.addr, ClientOptions{
		Features:          FeatureRebootToHelper,
		ReconnectAttempts: 1,
	})
	err := c.Upload(context.Background(), testImage(1024))
	if err == nil {
		t.Fatal("reboot request without helper partition succeeded")
	}
	rerr, ok := errors.Cause(err).(*ResponseError)
	if !ok || rerr.Code != ResponseErrorUnknown {
		t.Fatalf("got %v, want unknown error response", err)
	}
	if n := atomic.LoadInt32(&restarts); n != 0 {
		t.Errorf("device restarted %d times", n)
	}
	if got := bootLabel(t, bank); got != "helper" {
		t.Errorf("boot partition changed to %q", got)
	}
}

func TestRebootRequiresAuth(t *testing.T) {
	// A failed challenge must end the session before the reboot step.
	bank := testBank(t)
	var restarts int32
	ts := startServer(t, bank, ServerOptions{
		Password:        "s3cret",
		HelperPartition: "helper",
		Restart:         func() { atomic.AddInt32(&restarts, 1) },
	})

	c := testClient(ts.addr, ClientOptions{
		Password: "wrong",
		Features: FeatureRebootToHelper,
	})
	if err := c.Upload(context.Background(), testImage(1024)); err == nil {
		t.Fatal("upload with wrong password succeeded")
	}
	if n := atomic.LoadInt32(&restarts); n != 0 {
		t.Errorf("device restarted %d times", n)
	}
}

func TestSingleSession(t *testing.T) {
	bank := testBank(t)
	ts := startServer(t, bank, ServerOptions{})

	// First connection completes the handshake, so its session owns the
	// server. A second connection must be dropped without a handshake.
	first := rawSession(t, ts.addr, 0)
	defer first.Close()

	second, err := net.DialTimeout("tcp", ts.addr, testTimeout)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()
	var b [1]byte
	if err := readFull(second, b[:], testTimeout); err == nil {
		t.Fatalf("second session got data 0x%02x, want connection closed", b[0])
	}
}
