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
	"context"
	"net"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// ClientOptions configures the update client.
type ClientOptions struct {
	Addr     string
	Password string
	// Features to request. With FeatureRebootToHelper set, Upload runs the
	// two-phase flow: ask the device to restart into its helper partition,
	// reconnect, then transfer.
	Features   byte
	DigestKind DigestKind // digest declared with the image; DigestNone skips verification

	ChunkSize  int
	Timeout    time.Duration // per network operation
	SettleTime time.Duration // wait after the device acknowledges a reboot

	// Bounded reconnect after the reboot phase; a fixed sleep alone is too
	// fragile when the helper image is slow to bring the network up.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// OnProgress, when set, observes upload progress in bytes.
	OnProgress func(sent, total int)
}

// Client drives one- or two-phase updates against a device. One-shot: no
// resume or retry of a failed transfer.
type Client struct {
	opts ClientOptions
}

// NewClient returns a client with defaults filled in.
func NewClient(opts ClientOptions) *Client {
	if opts.ChunkSize <= 0 || opts.ChunkSize > maxChunkLen {
		opts.ChunkSize = 1024
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultDataTimeout
	}
	if opts.SettleTime == 0 {
		opts.SettleTime = 5 * time.Second
	}
	if opts.ReconnectAttempts == 0 {
		opts.ReconnectAttempts = 5
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	return &Client{opts: opts}
}

// Upload performs the update. The returned error wraps a *ResponseError
// when the device reported a specific failure code.
func (c *Client) Upload(ctx context.Context, image []byte) error {
	if len(image) == 0 {
		return errors.Errorf("empty image")
	}
	if c.opts.Features&FeatureRebootToHelper != 0 {
		if err := c.requestReboot(ctx); err != nil {
			return errors.Annotatef(err, "reboot-to-helper phase")
		}
		glog.Infof("Device is restarting into its helper partition, waiting %s", c.opts.SettleTime)
		select {
		case <-time.After(c.opts.SettleTime):
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}
	return errors.Trace(c.transfer(ctx, image))
}

// requestReboot is phase one: negotiate with the reboot feature bit set,
// authenticate, and wait for the reboot acknowledgment. No data is sent.
func (c *Client) requestReboot(ctx context.Context) error {
	conn, _, err := c.connect(ctx, c.opts.Features|FeatureRebootToHelper)
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()
	b, err := readByte(conn, c.opts.Timeout)
	if err != nil {
		return errors.Annotatef(err, "waiting for reboot ack")
	}
	if Response(b) != ResponseRebootAccepted {
		return errors.Trace(&ResponseError{Code: Response(b)})
	}
	glog.V(1).Infof("Reboot acknowledged")
	return nil
}

// transfer is phase two (or the whole flow without the reboot extension):
// a plain upload with the reboot bit cleared.
func (c *Client) transfer(ctx context.Context, image []byte) error {
	var conn net.Conn
	var effective byte
	var err error
	for attempt := 1; ; attempt++ {
		conn, effective, err = c.connect(ctx, c.opts.Features&^FeatureRebootToHelper)
		if err == nil {
			break
		}
		if attempt >= c.opts.ReconnectAttempts || ctx.Err() != nil {
			return errors.Annotatef(err, "connecting for transfer (attempt %d)", attempt)
		}
		glog.Warningf("Connect attempt %d failed: %v, retrying in %s", attempt, err, c.opts.ReconnectDelay)
		select {
		case <-time.After(c.opts.ReconnectDelay):
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}
	defer conn.Close()

	// Declare size and digest up front.
	if err := writeAll(conn, putUint32(uint32(len(image))), c.opts.Timeout); err != nil {
		return errors.Annotatef(err, "image size")
	}
	if err := writeByte(conn, byte(c.opts.DigestKind), c.opts.Timeout); err != nil {
		return errors.Annotatef(err, "digest kind")
	}
	if c.opts.DigestKind != DigestNone {
		digest := DigestHex(c.opts.DigestKind, image)
		if err := writeAll(conn, []byte(digest), c.opts.Timeout); err != nil {
			return errors.Annotatef(err, "digest")
		}
	}
	if err := c.expectOK(conn); err != nil {
		return errors.Annotatef(err, "device rejected the update")
	}

	sent := 0
	for sent < len(image) {
		end := sent + c.opts.ChunkSize
		if end > len(image) {
			end = len(image)
		}
		payload := image[sent:end]
		if effective&FeatureCompression != 0 {
			if payload, err = deflateChunk(payload); err != nil {
				return errors.Trace(err)
			}
			if len(payload) > maxChunkLen {
				return errors.Errorf("chunk incompressible past frame limit")
			}
		}
		if err := writeAll(conn, putUint16(uint16(len(payload))), c.opts.Timeout); err != nil {
			return errors.Annotatef(err, "chunk header after %d/%d bytes", sent, len(image))
		}
		if err := writeAll(conn, payload, c.opts.Timeout); err != nil {
			return errors.Annotatef(err, "chunk after %d/%d bytes", sent, len(image))
		}
		if err := c.expectOK(conn); err != nil {
			return errors.Annotatef(err, "after %d/%d bytes", sent, len(image))
		}
		sent = end
		if c.opts.OnProgress != nil {
			c.opts.OnProgress(sent, len(image))
		}
		glog.V(2).Infof("Sent %d/%d bytes", sent, len(image))
	}

	if err := c.expectOK(conn); err != nil {
		return errors.Annotatef(err, "finalizing")
	}
	glog.Infof("Update of %d bytes accepted by %s", len(image), c.opts.Addr)
	return nil
}

// connect dials the device and walks the handshake, feature negotiation
// and authentication steps, returning the connection ready for the next
// protocol stage, along with the effective feature mask.
func (c *Client) connect(ctx context.Context, features byte) (net.Conn, byte, error) {
	d := net.Dialer{Timeout: c.opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		return nil, 0, errors.Annotatef(err, "dial %s", c.opts.Addr)
	}
	ok := false
	defer func() {
		if !ok {
			conn.Close()
		}
	}()

	var hello [2]byte
	if err := readFull(conn, hello[:], c.opts.Timeout); err != nil {
		return nil, 0, errors.Annotatef(err, "handshake")
	}
	if hello[0] != identByte || hello[1] != protocolVersion {
		return nil, 0, errors.Errorf("not an update server: got 0x%02x 0x%02x", hello[0], hello[1])
	}
	if err := writeByte(conn, features, c.opts.Timeout); err != nil {
		return nil, 0, errors.Trace(err)
	}
	effective, err := readByte(conn, c.opts.Timeout)
	if err != nil {
		return nil, 0, errors.Annotatef(err, "features ack")
	}
	if effective&^features != 0 {
		return nil, 0, errors.Errorf("device granted features we did not request: 0x%02x", effective)
	}

	b, err := readByte(conn, c.opts.Timeout)
	if err != nil {
		return nil, 0, errors.Annotatef(err, "auth")
	}
	switch Response(b) {
	case ResponseAuthOK:
	case ResponseRequestAuth:
		if err := c.answerChallenge(conn, effective); err != nil {
			return nil, 0, errors.Trace(err)
		}
	default:
		return nil, 0, errors.Trace(&ResponseError{Code: Response(b)})
	}
	ok = true
	return conn, effective, nil
}

func (c *Client) answerChallenge(conn net.Conn, effective byte) error {
	if c.opts.Password == "" {
		return errors.Errorf("device requires a password and none was given")
	}
	kind := DigestMD5
	if effective&FeatureStrongAuth != 0 {
		kind = DigestSHA256
	}
	nonceBuf := make([]byte, kind.HexLen())
	if err := readFull(conn, nonceBuf, c.opts.Timeout); err != nil {
		return errors.Annotatef(err, "auth nonce")
	}
	cnonce, err := newNonce(kind)
	if err != nil {
		return errors.Trace(err)
	}
	response := authResponse(kind, c.opts.Password, string(nonceBuf), cnonce)
	if err := writeAll(conn, []byte(cnonce+response), c.opts.Timeout); err != nil {
		return errors.Annotatef(err, "auth response")
	}
	b, err := readByte(conn, c.opts.Timeout)
	if err != nil {
		return errors.Annotatef(err, "auth verdict")
	}
	if Response(b) != ResponseAuthOK {
		return errors.Trace(&ResponseError{Code: Response(b)})
	}
	return nil
}

// expectOK reads one response byte and fails on anything but ok.
func (c *Client) expectOK(conn net.Conn) error {
	b, err := readByte(conn, c.opts.Timeout)
	if err != nil {
		return errors.Trace(err)
	}
	if Response(b) != ResponseOK {
		return errors.Trace(&ResponseError{Code: Response(b)})
	}
	return nil
}
