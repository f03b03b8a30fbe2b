// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcpclv4

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/cla"
)

// errSessionClosed marks a session which ended through a SESS_TERM exchange
// instead of a failure.
var errSessionClosed = errors.New("session was terminated")

// sessionConfig parameterizes a session.
type sessionConfig struct {
	// activePeer is true for the dialing entity, which speaks first.
	activePeer bool

	// nodeID is the own node ID, announced within the SESS_INIT.
	nodeID bpv7.EndpointID

	// certNodeID is the peer node ID taken from its TLS certificate. If set,
	// the SESS_INIT's node ID must match.
	certNodeID string

	// keepalive interval in seconds offered to the peer; zero disables it.
	keepalive uint16

	// segmentMRU and transferMRU are the own receive limits, announced
	// within the SESS_INIT.
	segmentMRU  uint64
	transferMRU uint64
}

// sessionParams are the negotiated session parameters.
type sessionParams struct {
	// keepalive is the minimum of both peers' offers; zero disables it.
	keepalive uint16

	// segmentMTU and transferMTU are the peer's receive limits, bounding
	// outgoing segments and transfers.
	segmentMTU  uint64
	transferMTU uint64

	// peer is the peer's node ID from its SESS_INIT.
	peer bpv7.EndpointID
}

// session runs one TCPCLv4 session on an established, possibly TLS wrapped,
// connection: the SESS_INIT exchange, keepalives, and the segmented bundle
// transfers in both directions, with one outbound transfer in flight.
//
// The session state lives in a single event loop, fed by a reader and
// drained by a writer goroutine. A fatal condition closes the stop channel
// and leaves the reason in fatalErr.
type session struct {
	cfg  sessionConfig
	conn net.Conn

	// in and out couple the event loop with the connection's pumps.
	in  chan message
	out chan message

	// established reports the negotiated parameters once.
	established chan sessionParams

	// bundles delivers received bundles.
	bundles chan bpv7.Bundle

	// sendQueue accepts one outbound transfer at a time.
	sendQueue chan *outboundTransfer

	// terminate asks the event loop for a graceful SESS_TERM shutdown.
	terminate     chan struct{}
	terminateOnce sync.Once

	stop     chan struct{}
	stopOnce sync.Once

	fatalMutex sync.Mutex
	fatalErr   error

	// State owned by the event loop.
	params   sessionParams
	outgoing *outboundTransfer
	pending  *xferSegment
	nextID   uint64
	inbound  map[uint64]*inboundTransfer
	refused  map[uint64]bool
	lastRx   time.Time
	lastTx   time.Time
}

// runSession starts a session on a connection which finished its contact
// header exchange and optional TLS upgrade.
func runSession(conn net.Conn, cfg sessionConfig) *session {
	s := &session{
		cfg:  cfg,
		conn: conn,

		in:  make(chan message, 32),
		out: make(chan message, 32),

		established: make(chan sessionParams, 1),
		bundles:     make(chan bpv7.Bundle),
		sendQueue:   make(chan *outboundTransfer),
		terminate:   make(chan struct{}),
		stop:        make(chan struct{}),

		inbound: make(map[uint64]*inboundTransfer),
		refused: make(map[uint64]bool),
	}

	go s.readLoop()
	go s.writeLoop()
	go s.run()

	return s
}

// fail records the first fatal error and tears the session down.
func (s *session) fail(err error) {
	s.fatalMutex.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.fatalMutex.Unlock()

	s.stopOnce.Do(func() {
		close(s.stop)
		_ = s.conn.Close()
	})
}

// Err is the reason the session ended, valid after Done is closed.
func (s *session) Err() error {
	s.fatalMutex.Lock()
	defer s.fatalMutex.Unlock()

	return s.fatalErr
}

// Done is closed when the session ended.
func (s *session) Done() <-chan struct{} {
	return s.stop
}

// Bundles delivers the bundles received within this session.
func (s *session) Bundles() <-chan bpv7.Bundle {
	return s.bundles
}

// Established reports the negotiated parameters after the SESS_INIT exchange.
func (s *session) Established() <-chan sessionParams {
	return s.established
}

// Terminate asks for a graceful shutdown: a SESS_TERM is sent, then the
// session ends.
func (s *session) Terminate() {
	s.terminateOnce.Do(func() {
		close(s.terminate)
	})
}

// readLoop decodes frames from the connection and feeds the event loop. A
// message of an unknown type is answered with a MSG_REJECT plus SESS_TERM,
// because no resynchronization is possible afterwards.
func (s *session) readLoop() {
	r := bufio.NewReader(s.conn)

	// termReceived is set by the peer's SESS_TERM; the connection's end
	// afterwards completes the termination instead of being a failure.
	termReceived := false

	for {
		msg, err := readMessage(r)
		if err != nil {
			var opErr *unknownOpcodeError
			if errors.As(err, &opErr) {
				s.enqueue(&msgReject{reason: rejectUnknownType, opcode: opErr.opcode})
				s.enqueue(&sessTerm{reason: termContactFailure})

				// Give the writer a moment to flush the rejection.
				time.Sleep(50 * time.Millisecond)
			}

			if termReceived {
				err = errSessionClosed
			}
			s.fail(err)
			return
		}

		if _, ok := msg.(*sessTerm); ok {
			termReceived = true
		}

		select {
		case s.in <- msg:
		case <-s.stop:
			return
		}
	}
}

// writeLoop encodes the event loop's messages onto the connection.
func (s *session) writeLoop() {
	w := bufio.NewWriter(s.conn)

	for {
		select {
		case msg := <-s.out:
			if _, err := w.Write(msg.encode()); err != nil {
				s.fail(err)
				return
			}
			if err := w.Flush(); err != nil {
				s.fail(err)
				return
			}

		case <-s.stop:
			return
		}
	}
}

// enqueue hands a message to the writer without blocking on a dead session.
// The lastTx bookkeeping stays within the event loop.
func (s *session) enqueue(msg message) {
	select {
	case s.out <- msg:
	case <-s.stop:
	}
}

// run is the session's event loop: first the SESS_INIT exchange, then the
// established phase.
func (s *session) run() {
	params, err := s.negotiate()
	if err != nil {
		s.fail(err)
		return
	}

	s.params = params
	s.established <- params

	s.loop()
}

// negotiate performs the SESS_INIT exchange, the active peer sending first,
// and derives the session parameters.
func (s *session) negotiate() (params sessionParams, err error) {
	own := &sessInit{
		keepalive:   s.cfg.keepalive,
		segmentMRU:  s.cfg.segmentMRU,
		transferMRU: s.cfg.transferMRU,
		nodeID:      s.cfg.nodeID.String(),
	}

	if s.cfg.activePeer {
		s.enqueue(own)
	}

	var peer *sessInit
	select {
	case msg := <-s.in:
		var ok bool
		if peer, ok = msg.(*sessInit); !ok {
			err = fmt.Errorf("expected SESS_INIT, got %T", msg)
			return
		}

	case <-time.After(sessInitTimeout):
		err = fmt.Errorf("SESS_INIT exchange timed out")
		return

	case <-s.stop:
		err = errSessionClosed
		return
	}

	if !s.cfg.activePeer {
		s.enqueue(own)
	}

	peerNodeID, idErr := bpv7.NewEndpointID(peer.nodeID)
	if idErr != nil {
		err = fmt.Errorf("SESS_INIT node ID is invalid: %w", idErr)
		return
	}

	// With mutual TLS authentication, the SESS_INIT node ID must match the
	// certificate's id-on-bundleEID.
	if s.cfg.certNodeID != "" && s.cfg.certNodeID != peerNodeID.String() {
		err = fmt.Errorf("SESS_INIT node ID %v mismatches certificate's %s",
			peerNodeID, s.cfg.certNodeID)
		return
	}

	params = sessionParams{
		keepalive:   s.cfg.keepalive,
		segmentMTU:  peer.segmentMRU,
		transferMTU: peer.transferMRU,
		peer:        peerNodeID,
	}
	if peer.keepalive < params.keepalive {
		params.keepalive = peer.keepalive
	}

	return
}

// loop is the established phase. Outgoing segments are interleaved with
// everything else through a conditionally armed send case; the sendQueue is
// only served while no transfer is in flight.
func (s *session) loop() {
	s.lastRx = time.Now()
	s.lastTx = time.Now()

	var keepaliveTick <-chan time.Time
	if s.params.keepalive > 0 {
		ticker := time.NewTicker(time.Duration(s.params.keepalive) * time.Second / 2)
		defer ticker.Stop()
		keepaliveTick = ticker.C
	}

	for {
		if s.pending == nil && s.outgoing != nil {
			s.pending = s.outgoing.nextSegment(s.params.segmentMTU)
		}

		var outMsg message
		var outCh chan message
		if s.pending != nil {
			outMsg = s.pending
			outCh = s.out
		}

		sendQueue := s.sendQueue
		if s.outgoing != nil {
			sendQueue = nil
		}

		select {
		case <-s.stop:
			s.abortOutgoing(fmt.Errorf("session ended: %w", cla.ErrSendTransient))
			return

		case <-s.terminate:
			s.enqueue(&sessTerm{reason: termUnknown})
			s.abortOutgoing(fmt.Errorf("session terminates: %w", cla.ErrSendTransient))
			s.drainThenFail(errSessionClosed)
			return

		case t := <-sendQueue:
			s.acceptTransfer(t)

		case outCh <- outMsg:
			s.lastTx = time.Now()
			s.pending = nil

		case msg := <-s.in:
			s.lastRx = time.Now()
			if err := s.handleMessage(msg); err != nil {
				s.abortOutgoing(fmt.Errorf("session failed: %w", cla.ErrSendTransient))
				s.drainThenFail(err)
				return
			}

		case <-keepaliveTick:
			if err := s.checkKeepalive(); err != nil {
				s.abortOutgoing(fmt.Errorf("session stalled: %w", cla.ErrSendTransient))
				s.fail(err)
				return
			}
		}
	}
}

// drainThenFail gives the writer a moment to flush queued messages, e.g., a
// final SESS_TERM, before the connection goes down.
func (s *session) drainThenFail(err error) {
	deadline := time.Now().Add(500 * time.Millisecond)
	for len(s.out) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)

	s.fail(err)
}

// acceptTransfer starts an outbound transfer, unless the negotiated limits
// forbid any transfer at all.
func (s *session) acceptTransfer(t *outboundTransfer) {
	switch {
	case s.params.transferMTU == 0:
		// A transfer MRU of zero leaves no room for any transfer.
		t.finish(fmt.Errorf("peer advertised a transfer MRU of zero: %w", cla.ErrSendTransient))

	case s.params.segmentMTU == 0:
		t.finish(fmt.Errorf("peer advertised a segment MRU of zero: %w", cla.ErrSendTransient))

	case uint64(len(t.data)) > s.params.transferMTU:
		t.finish(fmt.Errorf("transfer of %d bytes exceeds the peer's transfer MRU %d: %w",
			len(t.data), s.params.transferMTU, cla.ErrSendRejected))

	default:
		t.id = s.nextID
		s.nextID++
		s.outgoing = t
	}
}

// abortOutgoing reports a failure to a waiting sender, if one exists.
func (s *session) abortOutgoing(err error) {
	if s.outgoing != nil {
		s.outgoing.finish(err)
		s.outgoing = nil
		s.pending = nil
	}
}

// handleMessage reacts on one message within the established phase. A
// returned error is fatal for the session.
func (s *session) handleMessage(msg message) error {
	switch msg := msg.(type) {
	case *xferSegment:
		return s.handleSegment(msg)

	case *xferAck:
		if s.outgoing != nil && msg.id == s.outgoing.id {
			s.outgoing.acked = msg.acked
			if s.outgoing.confirmed() {
				s.outgoing.finish(nil)
				s.outgoing = nil
			}
		}
		return nil

	case *xferRefuse:
		if s.outgoing != nil && msg.id == s.outgoing.id {
			s.outgoing.finish(refusalError(msg.reason))
			s.outgoing = nil
			s.pending = nil
		}
		return nil

	case *keepalive:
		return nil

	case *sessTerm:
		if msg.flags&termReply == 0 {
			s.enqueue(&sessTerm{flags: termReply, reason: msg.reason})
		}
		return errSessionClosed

	case *sessInit:
		s.enqueue(&msgReject{reason: rejectUnexpected, opcode: opSessInit})
		return fmt.Errorf("unexpected SESS_INIT within an established session")

	case *msgReject:
		return fmt.Errorf("peer rejected a message: %v", msg)

	default:
		return fmt.Errorf("unexpected message %T", msg)
	}
}

// handleSegment collects an incoming segment, enforcing the own receive
// limits, and delivers the bundle of a completed transfer.
func (s *session) handleSegment(seg *xferSegment) error {
	if uint64(len(seg.data)) > s.cfg.segmentMRU {
		s.enqueue(&msgReject{reason: rejectUnsupported, opcode: opXferSegment})
		s.enqueue(&sessTerm{reason: termContactFailure})
		return fmt.Errorf("segment of %d bytes exceeds the own segment MRU %d",
			len(seg.data), s.cfg.segmentMRU)
	}

	if s.refused[seg.id] {
		if seg.flags&segEnd != 0 {
			delete(s.refused, seg.id)
		}
		return nil
	}

	tr, known := s.inbound[seg.id]
	if !known {
		tr = &inboundTransfer{id: seg.id}
		s.inbound[seg.id] = tr
	}

	if uint64(len(tr.data)+len(seg.data)) > s.cfg.transferMRU {
		s.enqueue(&xferRefuse{reason: refusalNoResources, id: seg.id})
		delete(s.inbound, seg.id)
		s.refused[seg.id] = true
		return nil
	}

	s.enqueue(tr.absorb(seg))

	if !tr.finished {
		return nil
	}
	delete(s.inbound, seg.id)

	bndl, err := bpv7.ParseBundle(bytes.NewReader(tr.data))
	if err != nil {
		// A malformed bundle is dropped; the session stays healthy.
		log.WithFields(log.Fields{
			"session": s.cfg.nodeID,
			"error":   err,
		}).Warn("Discarding malformed bundle from completed transfer")
		return nil
	}

	select {
	case s.bundles <- bndl:
	case <-s.stop:
	}
	return nil
}

// checkKeepalive sends a KEEPALIVE on an idle sending side and terminates a
// stalled session after twice the negotiated interval without traffic.
func (s *session) checkKeepalive() error {
	interval := time.Duration(s.params.keepalive) * time.Second

	if time.Since(s.lastRx) > 2*interval {
		s.enqueue(&sessTerm{reason: termIdleTimeout})
		return fmt.Errorf("session stalled, nothing received for %v", time.Since(s.lastRx))
	}

	if time.Since(s.lastTx) >= interval/2 {
		s.enqueue(&keepalive{})
		s.lastTx = time.Now()
	}

	return nil
}

// refusalError maps a transfer refusal to the send error taxonomy: a
// completed transfer is a success, a permanent refusal wraps
// cla.ErrSendRejected, everything else wraps cla.ErrSendTransient.
func refusalError(reason refusalCode) error {
	switch reason {
	case refusalCompleted:
		// The peer already knows this bundle.
		return nil

	case refusalNotAcceptable, refusalExtensionFailure:
		return fmt.Errorf("transfer was refused: %v: %w", reason, cla.ErrSendRejected)

	default:
		return fmt.Errorf("transfer was refused: %v: %w", reason, cla.ErrSendTransient)
	}
}

// Send transmits one bundle and blocks until the peer acknowledged it
// completely or the transfer failed.
func (s *session) Send(b bpv7.Bundle) error {
	buff := new(bytes.Buffer)
	if err := b.WriteBundle(buff); err != nil {
		return err
	}

	t := newOutboundTransfer(buff.Bytes())

	select {
	case s.sendQueue <- t:
	case <-s.stop:
		return fmt.Errorf("session ended: %w", cla.ErrSendTransient)
	}

	select {
	case err := <-t.result:
		return err
	case <-s.stop:
		return fmt.Errorf("session ended: %w", cla.ErrSendTransient)
	}
}
