// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/routing"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// DeliveredBundle is one streamed bundle on a listening WebSocket.
type DeliveredBundle struct {
	Source  string `json:"source"`
	Payload []byte `json:"payload"`
}

// wsSubscriber binds one listening WebSocket connection to a single endpoint
// as an agent.Subscriber. Delivery happens synchronously within Deliver; a
// failed write reports the subscriber as gone.
type wsSubscriber struct {
	endpoint bpv7.EndpointID

	conn       *websocket.Conn
	writeMutex sync.Mutex

	core      *routing.Core
	closeOnce sync.Once
}

func newWsSubscriber(endpoint bpv7.EndpointID, conn *websocket.Conn, core *routing.Core) *wsSubscriber {
	ws := &wsSubscriber{
		endpoint: endpoint,
		conn:     conn,
		core:     core,
	}

	go ws.watchConn()

	return ws
}

func (ws *wsSubscriber) log() *log.Entry {
	return log.WithFields(log.Fields{
		"endpoint": ws.endpoint,
		"client":   ws.conn.RemoteAddr(),
	})
}

// watchConn drains the client's WebSocket messages to notice a closed
// connection, unsubscribing this agent.
func (ws *wsSubscriber) watchConn() {
	for {
		if _, _, err := ws.conn.ReadMessage(); err != nil {
			ws.log().WithError(err).Debug("Listening client disconnected")

			ws.core.Unsubscribe(ws)
			_ = ws.Close()
			return
		}
	}
}

// Endpoints is the one endpoint this client listens to.
func (ws *wsSubscriber) Endpoints() []bpv7.EndpointID {
	return []bpv7.EndpointID{ws.endpoint}
}

// Deliver streams one bundle to the client.
func (ws *wsSubscriber) Deliver(bndl *bpv7.Bundle) error {
	ws.writeMutex.Lock()
	defer ws.writeMutex.Unlock()

	delivery := DeliveredBundle{
		Source:  bndl.PrimaryBlock.Source.String(),
		Payload: bndl.Payload(),
	}

	if err := ws.conn.WriteJSON(delivery); err != nil {
		return err
	}

	ws.log().WithField("bundle", bndl.ID()).Debug("Streamed bundle to listening client")
	return nil
}

// Close the WebSocket connection.
func (ws *wsSubscriber) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		err = ws.conn.Close()
	})
	return err
}

// handleListen upgrades a request to a WebSocket and subscribes it to the
// requested endpoint. Stored bundles for this endpoint are delivered
// promptly after subscribing.
func (serv *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	endpoint, err := bpv7.NewEndpointID(r.URL.Query().Get("endpoint"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading listening client to WebSocket failed")
		return
	}

	ws := newWsSubscriber(endpoint, conn, serv.core)
	serv.core.Subscribe(ws)

	log.WithFields(log.Fields{
		"endpoint": endpoint,
		"client":   conn.RemoteAddr(),
	}).Info("Client API registered listening client")
}
