// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package api provides the daemon's client API: bundle submission and
// reception for applications, and the administration of peer nodes and
// static routes.
//
// The API is a small REST surface. Bundle reception is a WebSocket stream,
// where stored bundles are delivered first, followed by new arrivals.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/routing"
)

// Server is the client API server on top of a routing Core.
type Server struct {
	core *routing.Core

	httpServer *http.Server
}

// NewServer creates and starts a client API Server for the given listen
// address.
func NewServer(core *routing.Core, listenAddress string) *Server {
	serv := &Server{
		core: core,
	}

	router := mux.NewRouter()
	router.HandleFunc("/bundles/submit", serv.handleSubmit).Methods(http.MethodPost)
	router.HandleFunc("/bundles/listen", serv.handleListen).Methods(http.MethodGet)

	router.HandleFunc("/nodes", serv.handleListNodes).Methods(http.MethodGet)
	router.HandleFunc("/nodes", serv.handleAddNode).Methods(http.MethodPost)
	router.HandleFunc("/nodes", serv.handleRemoveNode).Methods(http.MethodDelete)

	router.HandleFunc("/routes", serv.handleListRoutes).Methods(http.MethodGet)
	router.HandleFunc("/routes", serv.handleAddRoute).Methods(http.MethodPost)
	router.HandleFunc("/routes", serv.handleRemoveRoute).Methods(http.MethodDelete)

	serv.httpServer = &http.Server{
		Addr:    listenAddress,
		Handler: router,
	}

	go func() {
		if err := serv.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Client API server failed")
		}
	}()

	log.WithField("address", listenAddress).Info("Client API started")

	return serv
}

// Close down this Server.
func (serv *Server) Close() error {
	return serv.httpServer.Close()
}

// respondError writes an error message; an empty message indicates success.
func respondError(w http.ResponseWriter, statusCode int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error,omitempty"`
	}{msg})
}

// SubmitRequest is the payload of a bundle submission.
type SubmitRequest struct {
	Destination string `json:"destination"`
	Payload     []byte `json:"payload"`
	LifetimeMs  uint64 `json:"lifetime_ms"`
}

func (serv *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.LifetimeMs == 0 {
		respondError(w, http.StatusBadRequest, "lifetime must not be zero")
		return
	}

	bndl, err := bpv7.Builder().
		Source(serv.core.NodeId).
		Destination(req.Destination).
		CreationTimestampNow().
		LifetimeMilliseconds(req.LifetimeMs).
		HopCountBlock(64).
		PayloadBlock(req.Payload).
		Build()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	serv.core.SendBundle(&bndl)

	log.WithFields(log.Fields{
		"bundle":      bndl.ID().String(),
		"destination": req.Destination,
	}).Info("Client API accepted bundle submission")

	respondError(w, http.StatusOK, "")
}

// NodeStatus describes a peer node for the admin API.
type NodeStatus struct {
	Url       string `json:"url"`
	NodeId    string `json:"node_id,omitempty"`
	Status    string `json:"status"`
	Temporary bool   `json:"temporary"`
}

func (serv *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	peers := serv.core.Links().ListNodes()

	nodes := make([]NodeStatus, 0, len(peers))
	for _, peer := range peers {
		node := NodeStatus{
			Url:       peer.Url,
			Status:    string(peer.Status),
			Temporary: peer.Temporary,
		}
		if !peer.NodeId.IsNone() {
			node.NodeId = peer.NodeId.String()
		}
		nodes = append(nodes, node)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(nodes)
}

// NodeRequest is the payload for adding or removing a peer node.
type NodeRequest struct {
	Url string `json:"url"`
}

func (serv *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req NodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := serv.core.Links().AddNode(req.Url); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondError(w, http.StatusOK, "")
}

func (serv *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	var req NodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := serv.core.Links().RemoveNode(req.Url); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondError(w, http.StatusOK, "")
}

// RouteStatus describes a route for the admin API.
type RouteStatus struct {
	Target    string `json:"target"`
	NextHop   string `json:"next_hop"`
	Kind      string `json:"kind"`
	Preferred bool   `json:"preferred"`
	Available bool   `json:"available"`
}

func (serv *Server) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := serv.core.Routes().ListRoutes()

	statuses := make([]RouteStatus, 0, len(routes))
	for _, route := range routes {
		statuses = append(statuses, RouteStatus{
			Target:    route.Target.String(),
			NextHop:   route.NextHop.String(),
			Kind:      route.Kind.String(),
			Preferred: route.Preferred,
			Available: route.Available,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statuses)
}

// RouteRequest is the payload for adding or removing a static route.
type RouteRequest struct {
	Target  string `json:"target"`
	NextHop string `json:"next_hop"`
}

func (req RouteRequest) endpoints() (target, nextHop bpv7.EndpointID, err error) {
	if target, err = bpv7.NewEndpointID(req.Target); err != nil {
		return
	}
	nextHop, err = bpv7.NewEndpointID(req.NextHop)
	return
}

func (serv *Server) handleAddRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	target, nextHop, err := req.endpoints()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := serv.core.Routes().AddStaticRoute(target, nextHop); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.WithFields(log.Fields{
		"target":   target,
		"next_hop": nextHop,
	}).Info("Client API added static route")

	// A fresh route might unblock stored bundles.
	serv.core.TriggerDispatching()

	respondError(w, http.StatusOK, "")
}

func (serv *Server) handleRemoveRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	target, nextHop, err := req.endpoints()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := serv.core.Routes().RemoveStaticRoute(target, nextHop); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondError(w, http.StatusOK, "")
}
