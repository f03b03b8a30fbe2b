// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/routing"
	"github.com/dtn7/dtrd/pkg/storage"
)

func testServer(t *testing.T) *Server {
	store, err := storage.NewStore()
	if err != nil {
		t.Fatal(err)
	}

	core, err := routing.NewCore(bpv7.MustNewEndpointID("dtn://a/"), store)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(core.Close)

	return &Server{core: core}
}

func postJSON(t *testing.T, handler http.HandlerFunc, body interface{}) *httptest.ResponseRecorder {
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestApiSubmit(t *testing.T) {
	serv := testServer(t)

	w := postJSON(t, serv.handleSubmit, SubmitRequest{
		Destination: "dtn://b/echo",
		Payload:     []byte("hi"),
		LifetimeMs:  60000,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("submit returned %d: %s", w.Code, w.Body.String())
	}

	// The bundle has no route and must be waiting in the store.
	if items, err := serv.core.Store().PendingAll(); err != nil {
		t.Fatal(err)
	} else if len(items) != 1 {
		t.Fatalf("expected one pending bundle, got %d", len(items))
	}
}

func TestApiSubmitZeroLifetime(t *testing.T) {
	serv := testServer(t)

	w := postJSON(t, serv.handleSubmit, SubmitRequest{
		Destination: "dtn://b/echo",
		Payload:     []byte("hi"),
		LifetimeMs:  0,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("zero lifetime returned %d", w.Code)
	}
}

func TestApiSubmitMalformedDestination(t *testing.T) {
	serv := testServer(t)

	w := postJSON(t, serv.handleSubmit, SubmitRequest{
		Destination: "uff:uff",
		Payload:     []byte("hi"),
		LifetimeMs:  60000,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed destination returned %d", w.Code)
	}
}

func TestApiRoutes(t *testing.T) {
	serv := testServer(t)

	w := postJSON(t, serv.handleAddRoute, RouteRequest{
		Target:  "dtn://b/",
		NextHop: "dtn://c/",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("adding route returned %d: %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	lw := httptest.NewRecorder()
	serv.handleListRoutes(lw, req)

	var routes []RouteStatus
	if err := json.NewDecoder(lw.Body).Decode(&routes); err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 {
		t.Fatalf("expected one route, got %v", routes)
	}
	if routes[0].Target != "dtn://b/" || routes[0].NextHop != "dtn://c/" || routes[0].Kind != "static" {
		t.Fatalf("unexpected route: %+v", routes[0])
	}
	if routes[0].Available {
		t.Fatal("route without an established peer is available")
	}

	dw := postJSON(t, serv.handleRemoveRoute, RouteRequest{
		Target:  "dtn://b/",
		NextHop: "dtn://c/",
	})
	if dw.Code != http.StatusOK {
		t.Fatalf("removing route returned %d", dw.Code)
	}
}

func TestApiNodesUnknownScheme(t *testing.T) {
	serv := testServer(t)

	w := postJSON(t, serv.handleAddNode, NodeRequest{Url: "bogus://127.0.0.1:1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown scheme returned %d", w.Code)
	}
}
