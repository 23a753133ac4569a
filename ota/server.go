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
	"crypto/subtle"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/uniota/uniota/flash"
)

// ServerOptions configures the device-side update server.
type ServerOptions struct {
	// Bank is the flash the backends and the reboot extension operate on.
	Bank *flash.Bank
	// NewBackend builds the storage backend for each session.
	NewBackend BackendFactory
	// Password, when set, gates every session behind a challenge/response.
	Password string
	// HelperPartition names the small helper app partition; empty disables
	// the reboot-to-helper extension.
	HelperPartition string
	// Restart reboots the device after the helper partition has been made
	// the boot target. The extension is refused when nil: the device never
	// acknowledges a restart it cannot perform.
	Restart func()

	HandshakeTimeout time.Duration
	DataTimeout      time.Duration
}

// Server accepts update sessions, one at a time. A connection arriving
// while a session is active is dropped without displacing it.
type Server struct {
	opts ServerOptions

	busy int32

	mu  sync.Mutex
	ln  net.Listener
	cbs []StateCallback
}

// NewServer validates options and builds a server.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Bank == nil {
		return nil, errors.Errorf("flash bank is required")
	}
	if opts.NewBackend == nil {
		return nil, errors.Errorf("backend factory is required")
	}
	if opts.HelperPartition != "" {
		if _, err := opts.Bank.Table().Find(opts.HelperPartition); err != nil {
			return nil, errors.Annotatef(err, "helper partition")
		}
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.DataTimeout == 0 {
		opts.DataTimeout = DefaultDataTimeout
	}
	return &Server{opts: opts}, nil
}

// OnState subscribes to session lifecycle events.
func (s *Server) OnState(cb StateCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cbs = append(s.cbs, cb)
}

func (s *Server) emit(ev Event) {
	s.mu.Lock()
	cbs := s.cbs
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// ListenAndServe listens on addr and serves update sessions until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "OTA listen")
	}
	return errors.Trace(s.Serve(ln))
}

// Serve accepts sessions on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	glog.Infof("OTA server listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			return errors.Trace(err)
		}
		if !atomic.CompareAndSwapInt32(&s.busy, 0, 1) {
			glog.Warningf("Rejecting %s: update session already active", conn.RemoteAddr())
			conn.Close()
			continue
		}
		go func() {
			defer atomic.StoreInt32(&s.busy, 0)
			defer conn.Close()
			sess := &session{srv: s, conn: conn}
			if err := sess.run(); err != nil {
				glog.Errorf("Session with %s failed: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// Close stops accepting sessions.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return errors.Trace(ln.Close())
}

// session is one client connection walking the transfer state machine:
// HANDSHAKE, FEATURES, AUTH, AUTH_READ, the optional PARTITION_REBOOT
// extension, DATA, DONE, with every failure path converging on abort().
type session struct {
	srv      *Server
	conn     net.Conn
	features byte
	backend  Backend
}

func (sess *session) run() error {
	opts := &sess.srv.opts
	glog.Infof("Update session from %s", sess.conn.RemoteAddr())

	// HANDSHAKE: identify ourselves.
	if err := writeAll(sess.conn, []byte{identByte, protocolVersion}, opts.HandshakeTimeout); err != nil {
		return errors.Annotatef(err, "handshake")
	}

	// FEATURES. The backend exists from here on; every later failure path
	// must release it.
	sess.backend = opts.NewBackend()
	req, err := readByte(sess.conn, opts.HandshakeTimeout)
	if err != nil {
		return sess.abort(0, errors.Annotatef(err, "features"))
	}
	sess.features = req
	if !sess.backend.SupportsCompression() {
		sess.features &^= FeatureCompression
	}
	if err := writeByte(sess.conn, sess.features, opts.HandshakeTimeout); err != nil {
		return sess.abort(0, errors.Annotatef(err, "features ack"))
	}
	glog.V(1).Infof("Features: requested 0x%02x, effective 0x%02x", req, sess.features)

	// AUTH / AUTH_READ.
	if err := sess.authenticate(); err != nil {
		return errors.Trace(err)
	}

	// PARTITION_REBOOT: only reachable with the client authenticated.
	if sess.features&FeatureRebootToHelper != 0 {
		return errors.Trace(sess.rebootToHelper())
	}

	// DATA / DONE.
	return errors.Trace(sess.transfer())
}

// authenticate runs the challenge/response when a password is configured.
// The digest is MD5, or SHA-256 when the strong-auth feature is active.
func (sess *session) authenticate() error {
	opts := &sess.srv.opts
	if opts.Password == "" {
		return errors.Trace(writeByte(sess.conn, byte(ResponseAuthOK), opts.HandshakeTimeout))
	}
	kind := DigestMD5
	if sess.features&FeatureStrongAuth != 0 {
		kind = DigestSHA256
	}
	nonce, err := newNonce(kind)
	if err != nil {
		return sess.abort(ResponseErrorUnknown, errors.Trace(err))
	}
	msg := append([]byte{byte(ResponseRequestAuth)}, nonce...)
	if err := writeAll(sess.conn, msg, opts.HandshakeTimeout); err != nil {
		return sess.abort(0, errors.Annotatef(err, "auth challenge"))
	}
	buf := make([]byte, 2*kind.HexLen())
	if err := readFull(sess.conn, buf, opts.HandshakeTimeout); err != nil {
		return sess.abort(0, errors.Annotatef(err, "auth response"))
	}
	cnonce, response := string(buf[:kind.HexLen()]), string(buf[kind.HexLen():])
	expected := authResponse(kind, opts.Password, nonce, cnonce)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(response)) != 1 {
		glog.Warningf("Authentication failed for %s", sess.conn.RemoteAddr())
		return sess.abort(ResponseErrorAuthInvalid, errors.Errorf("auth failed"))
	}
	glog.V(1).Infof("Client authenticated (%s)", kind)
	return errors.Trace(writeByte(sess.conn, byte(ResponseAuthOK), opts.HandshakeTimeout))
}

// rebootToHelper switches the boot pointer to the configured helper
// partition and restarts, ending the session before any data transfer. The
// acknowledgment is only sent once the boot switch has succeeded, so the
// client never waits out a restart that did not happen.
func (sess *session) rebootToHelper() error {
	opts := &sess.srv.opts
	if opts.HelperPartition == "" || opts.Restart == nil {
		glog.Errorf("Reboot-to-helper requested but no helper partition is configured")
		return sess.abort(ResponseErrorUnknown, errors.Errorf("helper partition not configured"))
	}
	helper, err := opts.Bank.Table().Find(opts.HelperPartition)
	if err != nil {
		glog.Errorf("Helper partition lookup failed: %v", err)
		return sess.abort(ResponseErrorUnknown, errors.Trace(err))
	}
	if err := opts.Bank.SetBoot(helper); err != nil {
		glog.Errorf("Failed to switch boot to helper: %v", err)
		return sess.abort(ResponseErrorUnknown, errors.Trace(err))
	}
	if err := writeByte(sess.conn, byte(ResponseRebootAccepted), opts.HandshakeTimeout); err != nil {
		return sess.abort(0, errors.Annotatef(err, "reboot ack"))
	}
	sess.backend.Abort()
	glog.Infof("Rebooting into helper partition %q", helper.Label)
	opts.Restart()
	return nil
}

// transfer is the DATA/DONE half: read the declared size and digest, run
// Begin, stream length-prefixed chunks into the backend, then End.
func (sess *session) transfer() error {
	opts := &sess.srv.opts

	var hdr [4]byte
	if err := readFull(sess.conn, hdr[:], opts.HandshakeTimeout); err != nil {
		return sess.abort(0, errors.Annotatef(err, "image size"))
	}
	size := uint32(hdr[0])<<24 | uint32(hdr[1])<<16 | uint32(hdr[2])<<8 | uint32(hdr[3])

	kindByte, err := readByte(sess.conn, opts.HandshakeTimeout)
	if err != nil {
		return sess.abort(0, errors.Annotatef(err, "digest kind"))
	}
	kind := DigestKind(kindByte)
	var digest string
	switch kind {
	case DigestNone:
	case DigestMD5, DigestSHA256:
		buf := make([]byte, kind.HexLen())
		if err := readFull(sess.conn, buf, opts.HandshakeTimeout); err != nil {
			return sess.abort(0, errors.Annotatef(err, "digest"))
		}
		digest = string(buf)
	default:
		return sess.abort(ResponseErrorMagic, errors.Errorf("bad digest kind 0x%02x", kindByte))
	}

	if rsp := sess.backend.Begin(size); rsp.IsError() {
		return sess.abort(rsp, errors.Errorf("begin: %s", rsp))
	}
	if digest != "" {
		if err := sess.backend.SetExpectedDigest(kind, digest); err != nil {
			return sess.abort(ResponseErrorMagic, errors.Trace(err))
		}
	}
	if err := writeByte(sess.conn, byte(ResponseOK), opts.HandshakeTimeout); err != nil {
		return sess.abort(0, errors.Annotatef(err, "prepare ack"))
	}
	glog.Infof("Receiving %d-byte image (digest: %s)", size, kind)
	sess.srv.emit(Event{State: StateStarted})

	var received uint32
	var lenBuf [2]byte
	chunk := make([]byte, maxChunkLen)
	for received < size {
		if err := readFull(sess.conn, lenBuf[:], opts.DataTimeout); err != nil {
			return sess.abort(0, errors.Annotatef(err, "chunk header @ %d/%d", received, size))
		}
		n := int(lenBuf[0])<<8 | int(lenBuf[1])
		if n == 0 || n > maxChunkLen {
			return sess.abort(ResponseErrorMagic, errors.Errorf("bad chunk length %d", n))
		}
		if err := readFull(sess.conn, chunk[:n], opts.DataTimeout); err != nil {
			return sess.abort(0, errors.Annotatef(err, "chunk @ %d/%d", received, size))
		}
		data := chunk[:n]
		if sess.features&FeatureCompression != 0 {
			if data, err = inflateChunk(data, int64(size-received)); err != nil {
				return sess.abort(ResponseErrorMagic, errors.Trace(err))
			}
		}
		if rsp := sess.backend.Write(data); rsp.IsError() {
			return sess.abort(rsp, errors.Errorf("write @ %d: %s", received, rsp))
		}
		received += uint32(len(data))
		if err := writeByte(sess.conn, byte(ResponseOK), opts.DataTimeout); err != nil {
			return sess.abort(0, errors.Annotatef(err, "chunk ack"))
		}
		glog.V(2).Infof("Received %d/%d bytes", received, size)
		sess.srv.emit(Event{State: StateInProgress, Progress: 100 * float64(received) / float64(size)})
	}

	rsp := sess.backend.End()
	if rsp.IsError() {
		// End aborts the backend itself; just report.
		sess.srv.emit(Event{State: StateError, Code: rsp})
		sess.srv.emit(Event{State: StateAborted})
		if err := writeByte(sess.conn, byte(rsp), opts.HandshakeTimeout); err != nil {
			glog.Warningf("Failed to send final result: %v", err)
		}
		return errors.Errorf("update failed: %s", rsp)
	}
	if err := writeByte(sess.conn, byte(ResponseOK), opts.HandshakeTimeout); err != nil {
		return errors.Annotatef(err, "final result")
	}
	glog.Infof("Update session with %s completed", sess.conn.RemoteAddr())
	sess.srv.emit(Event{State: StateCompleted})
	return nil
}

// abort is the absorbing error state: release the backend, try to put a
// failure code on the wire, notify observers, and surface err to the
// session loop. A zero code means the connection is already unusable.
func (sess *session) abort(code Response, err error) error {
	if sess.backend != nil {
		sess.backend.Abort()
	}
	if code != 0 {
		if werr := writeByte(sess.conn, byte(code), time.Second); werr != nil {
			glog.V(1).Infof("Could not send error code 0x%02x: %v", byte(code), werr)
		}
		sess.srv.emit(Event{State: StateError, Code: code})
	}
	sess.srv.emit(Event{State: StateAborted})
	return errors.Trace(err)
}
