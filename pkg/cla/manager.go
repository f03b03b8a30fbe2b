// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtrd/pkg/bpv7"
)

// PeerStatus describes the connection state of a Peer.
type PeerStatus string

const (
	// PeerDialing means that no link exists yet and a dial is pending.
	PeerDialing PeerStatus = "dialing"

	// PeerConnecting means that a link performs its handshake.
	PeerConnecting PeerStatus = "connecting"

	// PeerEstablished means that an active session to this peer exists.
	PeerEstablished PeerStatus = "established"

	// PeerFailed means that the last connection attempt failed; another one
	// will be made after a backoff.
	PeerFailed PeerStatus = "failed"
)

// Peer is a remote DTN node, known from the configuration, the admin API or
// learned from an inbound connection.
type Peer struct {
	// Url of this peer, e.g., "tcpcl://127.0.0.1:4556". For peers learned
	// from inbound connections this is the remote address.
	Url string

	// NodeId of this peer, known after an established session; the null
	// endpoint before.
	NodeId bpv7.EndpointID

	// Status of this peer's link.
	Status PeerStatus

	// Temporary peers were learned from an inbound connection and are
	// removed on disconnect.
	Temporary bool
}

// DialerFunc creates a new outbound Convergence for a "host:port" address.
type DialerFunc func(address string, permanent bool) Convergence

// managedLink wraps one supervised Convergence.
type managedLink struct {
	conv Convergence

	active   bool
	starting bool
	attempts uint
	retryAt  time.Time

	// pumpDone is closed when the event pump of an active link has stopped.
	pumpStop chan struct{}
	pumpDone chan struct{}
}

// retryBackoff is the duration until the next connection attempt,
// exponentially growing from one second up to a minute, with full jitter.
func retryBackoff(attempts uint) time.Duration {
	limit := time.Second << attempts
	if attempts > 6 || limit > time.Minute {
		limit = time.Minute
	}

	return time.Duration(rand.Int63n(int64(limit)) + 1)
}

// Manager supervises the CLAs: it starts them, restarts failed ones with a
// backoff, keeps the table of Peers, and enforces a single session per peer
// node ID. All link events are merged into one channel for the routing core.
type Manager struct {
	nodeId bpv7.EndpointID

	mutex     sync.Mutex
	links     map[string]*managedLink
	peers     map[string]*Peer
	sessions  map[string]string // peer node ID -> address of its one session
	dialers   map[CLAType]DialerFunc
	providers []ConvergenceProvider
	closed    bool

	// events collects all supervised links' events; out passes them on and
	// must be consumed.
	events chan Event
	out    chan Event

	stop chan struct{}
	done chan struct{}
}

// NewManager creates a Manager for this node's ID.
func NewManager(nodeId bpv7.EndpointID) *Manager {
	manager := &Manager{
		nodeId: nodeId,

		links:    make(map[string]*managedLink),
		peers:    make(map[string]*Peer),
		sessions: make(map[string]string),
		dialers:  make(map[CLAType]DialerFunc),

		events: make(chan Event, 100),
		out:    make(chan Event, 100),

		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go manager.run()

	return manager
}

// Events is the merged stream of all supervised links' events. It must be
// consumed.
func (manager *Manager) Events() <-chan Event {
	return manager.out
}

// run is the Manager's supervision loop.
func (manager *Manager) run() {
	retryTicker := time.NewTicker(time.Second)
	defer retryTicker.Stop()

	for {
		select {
		case <-manager.stop:
			manager.shutdown()
			close(manager.done)
			return

		case event := <-manager.events:
			switch event := event.(type) {
			case PeerUp:
				if manager.onPeerUp(event) {
					manager.out <- event
				}

			case PeerDown:
				manager.onPeerDown(event)
				manager.out <- event

			default:
				manager.out <- event
			}

		case now := <-retryTicker.C:
			manager.retryLinks(now)
		}
	}
}

// shutdown stops every link and provider.
func (manager *Manager) shutdown() {
	manager.mutex.Lock()
	manager.closed = true
	links := make([]*managedLink, 0, len(manager.links))
	for _, l := range manager.links {
		links = append(links, l)
	}
	providers := manager.providers
	manager.mutex.Unlock()

	for _, l := range links {
		manager.stopLink(l, true)
	}
	for _, provider := range providers {
		_ = provider.Close()
	}

	close(manager.out)
}

// retryLinks starts inactive links whose backoff has passed.
func (manager *Manager) retryLinks(now time.Time) {
	manager.mutex.Lock()
	var due []*managedLink
	for _, l := range manager.links {
		if !l.active && !l.retryAt.After(now) {
			due = append(due, l)
		}
	}
	manager.mutex.Unlock()

	for _, l := range due {
		manager.startLink(l)
	}
}

// startLink tries to activate a link and spawns its event pump on success.
func (manager *Manager) startLink(l *managedLink) {
	manager.mutex.Lock()
	if l.starting || l.active {
		manager.mutex.Unlock()
		return
	}
	l.starting = true
	manager.mutex.Unlock()

	manager.setPeerStatus(l.conv.Address(), PeerConnecting)

	if err := l.conv.Start(); err != nil {
		if errors.Is(err, ErrStartFatal) {
			log.WithFields(log.Fields{
				"cla":   l.conv,
				"error": err,
			}).Warn("CLA failed to start for good, dropping it")

			manager.dropLink(l.conv.Address())
			return
		}

		manager.mutex.Lock()
		l.starting = false
		l.attempts++
		l.retryAt = time.Now().Add(retryBackoff(l.attempts))
		manager.mutex.Unlock()

		manager.setPeerStatus(l.conv.Address(), PeerFailed)

		log.WithFields(log.Fields{
			"cla":   l.conv,
			"error": err,
		}).Info("CLA failed to start, retrying later")
		return
	}

	manager.mutex.Lock()
	l.starting = false
	l.active = true
	l.attempts = 0
	l.pumpStop = make(chan struct{})
	l.pumpDone = make(chan struct{})
	manager.mutex.Unlock()

	log.WithField("cla", l.conv).Info("CLA started")

	go manager.pumpEvents(l)
}

// pumpEvents forwards a link's events into the Manager's merged channel.
func (manager *Manager) pumpEvents(l *managedLink) {
	defer close(l.pumpDone)

	for {
		select {
		case <-l.pumpStop:
			return

		case event, ok := <-l.conv.Events():
			if !ok {
				return
			}

			select {
			case manager.events <- event:
			case <-l.pumpStop:
				return
			}
		}
	}
}

// stopLink deactivates a link; closeConv also closes the Convergence itself.
func (manager *Manager) stopLink(l *managedLink, closeConv bool) {
	manager.mutex.Lock()
	wasActive := l.active
	if wasActive {
		l.active = false
		l.attempts++
		l.retryAt = time.Now().Add(retryBackoff(l.attempts))
		close(l.pumpStop)
	}
	manager.mutex.Unlock()

	if wasActive {
		<-l.pumpDone
	}

	if closeConv {
		if err := l.conv.Close(); err != nil {
			log.WithFields(log.Fields{
				"cla":   l.conv,
				"error": err,
			}).Debug("Closing CLA errored")
		}
	}
}

// dropLink forgets a link and its peer entry.
func (manager *Manager) dropLink(address string) {
	manager.mutex.Lock()
	delete(manager.links, address)
	delete(manager.peers, address)
	manager.mutex.Unlock()
}

// onPeerUp books an established session and enforces the single-session
// invariant; it reports whether the event should be passed on.
func (manager *Manager) onPeerUp(event PeerUp) bool {
	address := event.Link().Address()

	manager.mutex.Lock()

	if otherAddress, exists := manager.sessions[event.Peer.String()]; exists && otherAddress != address {
		// Two sessions for one peer node ID: the session initiated by the
		// node with the lexicographic lower node ID survives.
		other, otherExists := manager.links[otherAddress]
		if otherExists {
			keepOther := manager.sessionInitiator(other.conv, event.Peer) <=
				manager.sessionInitiator(event.Link(), event.Peer)

			loser := address
			if !keepOther {
				loser = otherAddress
				manager.sessions[event.Peer.String()] = address
			}

			log.WithFields(log.Fields{
				"peer":  event.Peer,
				"loser": loser,
			}).Info("Closing duplicated session for peer")

			loserLink := manager.links[loser]
			delete(manager.links, loser)
			delete(manager.peers, loser)

			if loserLink != nil {
				go manager.stopLink(loserLink, true)
			}

			if keepOther {
				manager.mutex.Unlock()
				return false
			}
			// The new session survives and is booked below.
		}
	}

	manager.sessions[event.Peer.String()] = address

	peer, exists := manager.peers[address]
	if !exists {
		// An inbound connection from an unknown node becomes a temporary peer.
		peer = &Peer{
			Url:       address,
			Temporary: true,
		}
		manager.peers[address] = peer
	}
	peer.NodeId = event.Peer
	peer.Status = PeerEstablished

	manager.mutex.Unlock()
	return true
}

// onPeerDown books a closed session. Temporary peers vanish; links to
// permanent peers re-dial after a backoff.
func (manager *Manager) onPeerDown(event PeerDown) {
	address := event.Link().Address()

	manager.mutex.Lock()

	if manager.sessions[event.Peer.String()] == address {
		delete(manager.sessions, event.Peer.String())
	}

	peer, peerExists := manager.peers[address]
	temporary := peerExists && peer.Temporary
	if temporary {
		delete(manager.peers, address)
	} else if peerExists {
		peer.Status = PeerFailed
	}

	l, linkExists := manager.links[address]
	keep := linkExists && !temporary && l.conv.IsPermanent()
	if linkExists && !keep {
		delete(manager.links, address)
	}

	manager.mutex.Unlock()

	if linkExists {
		manager.stopLink(l, !keep)
	}
}

// sessionInitiator is the node ID of the session's initiator.
func (manager *Manager) sessionInitiator(conv Convergence, peer bpv7.EndpointID) string {
	if si, ok := conv.(SessionInitiator); ok && !si.Initiator() {
		return peer.String()
	}
	return manager.nodeId.String()
}

// setPeerStatus updates a peer's status, if such a peer entry exists.
func (manager *Manager) setPeerStatus(address string, status PeerStatus) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if peer, exists := manager.peers[address]; exists {
		peer.Status = status
	}
}

// Close the Manager and all supervised CLAs.
func (manager *Manager) Close() error {
	close(manager.stop)
	<-manager.done

	return nil
}

// RegisterDialer for a CLAType, used for outbound peer connections.
func (manager *Manager) RegisterDialer(claType CLAType, dialer DialerFunc) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	manager.dialers[claType] = dialer
}

// Register a CLA or a provider of CLAs.
func (manager *Manager) Register(conv Convergable) {
	switch conv := conv.(type) {
	case Convergence:
		manager.registerLink(conv)

	case ConvergenceProvider:
		manager.mutex.Lock()
		manager.providers = append(manager.providers, conv)
		manager.mutex.Unlock()

		conv.AttachManager(manager)
		if err := conv.Start(); err != nil {
			log.WithFields(log.Fields{
				"provider": conv,
				"error":    err,
			}).Warn("Starting ConvergenceProvider errored")
		}

	default:
		log.WithField("convergence", conv).Warn("Unknown kind of Convergable")
	}
}

func (manager *Manager) registerLink(conv Convergence) {
	manager.mutex.Lock()
	if manager.closed {
		manager.mutex.Unlock()
		return
	}

	if _, exists := manager.links[conv.Address()]; exists {
		manager.mutex.Unlock()

		log.WithFields(log.Fields{
			"cla":     conv,
			"address": conv.Address(),
		}).Debug("CLA address is already registered")
		return
	}

	l := &managedLink{conv: conv}
	manager.links[conv.Address()] = l
	manager.mutex.Unlock()

	manager.startLink(l)
}

// Unregister a CLA or a provider, closing it.
func (manager *Manager) Unregister(conv Convergable) {
	switch conv := conv.(type) {
	case Convergence:
		manager.mutex.Lock()
		l, exists := manager.links[conv.Address()]
		delete(manager.links, conv.Address())
		manager.mutex.Unlock()

		if exists {
			manager.stopLink(l, true)
		}

	case ConvergenceProvider:
		manager.mutex.Lock()
		for i, provider := range manager.providers {
			if provider == conv {
				manager.providers = append(manager.providers[:i], manager.providers[i+1:]...)
				break
			}
		}
		manager.mutex.Unlock()

		_ = conv.Close()
	}
}

// AddNode registers a peer by its URL, e.g., "tcpcl://127.0.0.1:4556", and
// dials it.
func (manager *Manager) AddNode(peerUrl string) error {
	u, err := url.Parse(peerUrl)
	if err != nil {
		return err
	}

	claType, ok := TypeFromString(u.Scheme)
	if !ok {
		return fmt.Errorf("unknown convergence layer type %s", u.Scheme)
	}

	manager.mutex.Lock()
	dialer, ok := manager.dialers[claType]
	manager.mutex.Unlock()
	if !ok {
		return fmt.Errorf("no dialer registered for convergence layer type %v", claType)
	}

	conv := dialer(u.Host, true)

	manager.mutex.Lock()
	if manager.closed {
		manager.mutex.Unlock()
		return fmt.Errorf("manager is closed")
	}
	if _, exists := manager.peers[conv.Address()]; exists {
		manager.mutex.Unlock()
		return fmt.Errorf("peer %s is already registered", peerUrl)
	}
	manager.peers[conv.Address()] = &Peer{
		Url:    peerUrl,
		Status: PeerDialing,
	}
	manager.mutex.Unlock()

	manager.Register(conv)
	return nil
}

// RemoveNode drops a peer by its URL and closes its session.
func (manager *Manager) RemoveNode(peerUrl string) error {
	u, err := url.Parse(peerUrl)
	if err != nil {
		return err
	}

	manager.mutex.Lock()
	address := u.Host
	peer, exists := manager.peers[address]
	if !exists {
		// Some CLAs identify their peer by the bare host.
		address = u.Hostname()
		peer, exists = manager.peers[address]
	}
	if !exists {
		manager.mutex.Unlock()
		return fmt.Errorf("no such peer: %s", peerUrl)
	}

	if !peer.NodeId.IsNone() {
		delete(manager.sessions, peer.NodeId.String())
	}
	delete(manager.peers, address)

	l, linkExists := manager.links[address]
	delete(manager.links, address)
	manager.mutex.Unlock()

	if linkExists {
		manager.stopLink(l, true)
	}
	return nil
}

// ListNodes returns a snapshot of the current peer table.
func (manager *Manager) ListNodes() []Peer {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	peers := make([]Peer, 0, len(manager.peers))
	for _, peer := range manager.peers {
		peers = append(peers, *peer)
	}
	return peers
}

// Senders returns all active ConvergenceSenders.
func (manager *Manager) Senders() (senders []ConvergenceSender) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	for _, l := range manager.links {
		if !l.active {
			continue
		}
		if sender, ok := l.conv.(ConvergenceSender); ok {
			senders = append(senders, sender)
		}
	}
	return
}

// Receivers returns all active ConvergenceReceivers.
func (manager *Manager) Receivers() (receivers []ConvergenceReceiver) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	for _, l := range manager.links {
		if !l.active {
			continue
		}
		if receiver, ok := l.conv.(ConvergenceReceiver); ok {
			receivers = append(receivers, receiver)
		}
	}
	return
}
