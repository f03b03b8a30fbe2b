// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dtn7/dtrd/pkg/bpv7"
)

// RouteKind distinguishes synthesised routes to connected peers from
// user-supplied static routes.
type RouteKind uint

const (
	// RouteConnected routes are synthesised from established peer sessions.
	RouteConnected RouteKind = iota

	// RouteStatic routes are supplied through the admin API.
	RouteStatic
)

func (kind RouteKind) String() string {
	switch kind {
	case RouteConnected:
		return "connected"
	case RouteStatic:
		return "static"
	default:
		return "unknown"
	}
}

// Route maps a target endpoint prefix to a next-hop node.
type Route struct {
	// Target endpoint prefix; matching is performed at path-segment boundary.
	Target bpv7.EndpointID

	// NextHop is the peer node ID which should receive matching bundles.
	NextHop bpv7.EndpointID

	Kind      RouteKind
	Preferred bool

	// Available is true if the next hop's peer has an established session.
	Available bool
}

func (route Route) String() string {
	return fmt.Sprintf("Route(%v via %v, %v)", route.Target, route.NextHop, route.Kind)
}

// RouteTable merges connected and static routes. Admin mutations apply under
// an exclusive writer; lookups see a consistent snapshot.
type RouteTable struct {
	mutex sync.RWMutex

	static []Route

	// establishedPeers maps an established peer's node ID to itself,
	// providing both the connected routes and the availability of static
	// routes' next hops.
	establishedPeers map[string]bpv7.EndpointID
}

// NewRouteTable creates an empty RouteTable.
func NewRouteTable() *RouteTable {
	return &RouteTable{
		establishedPeers: make(map[string]bpv7.EndpointID),
	}
}

// eidPrefixMatches checks if the target's path is a prefix of the
// destination's path at a path-segment boundary, below the same authority.
func eidPrefixMatches(target, destination bpv7.EndpointID) bool {
	if !target.SameNode(destination) {
		return false
	}

	targetPath := target.Path()
	destPath := destination.Path()

	if targetPath == "/" || targetPath == destPath {
		return true
	}

	return strings.HasPrefix(destPath, strings.TrimSuffix(targetPath, "/")+"/")
}

// SetPeerEstablished declares a peer's session established or withdrawn,
// maintaining this peer's connected route and the availability of static
// routes through it.
func (rt *RouteTable) SetPeerEstablished(peer bpv7.EndpointID, established bool) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	if established {
		rt.establishedPeers[peer.String()] = peer
	} else {
		delete(rt.establishedPeers, peer.String())
	}
}

// AddStaticRoute registers a static route from the admin API.
func (rt *RouteTable) AddStaticRoute(target, nextHop bpv7.EndpointID) error {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	for _, route := range rt.static {
		if route.Target == target && route.NextHop == nextHop {
			return fmt.Errorf("route %v via %v already exists", target, nextHop)
		}
	}

	rt.static = append(rt.static, Route{
		Target:  target,
		NextHop: nextHop,
		Kind:    RouteStatic,
	})
	return nil
}

// RemoveStaticRoute drops a static route.
func (rt *RouteTable) RemoveStaticRoute(target, nextHop bpv7.EndpointID) error {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	for i, route := range rt.static {
		if route.Target == target && route.NextHop == nextHop {
			rt.static = append(rt.static[:i], rt.static[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("no such route: %v via %v", target, nextHop)
}

// snapshot returns all routes with their current availability.
func (rt *RouteTable) snapshot() (routes []Route) {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()

	for _, peer := range rt.establishedPeers {
		routes = append(routes, Route{
			Target:    peer,
			NextHop:   peer,
			Kind:      RouteConnected,
			Available: true,
		})
	}

	for _, route := range rt.static {
		_, available := rt.establishedPeers[route.NextHop.String()]
		route.Available = available
		routes = append(routes, route)
	}

	return
}

// ListRoutes returns a snapshot of all routes for the admin API, sorted by
// the selection order.
func (rt *RouteTable) ListRoutes() []Route {
	routes := rt.snapshot()
	sortRoutes(routes)
	return routes
}

// Candidates returns the available routes for a destination, ordered by the
// selection rules: preferred routes first, connected before static, final
// tie-break by the lexicographic next-hop node ID.
func (rt *RouteTable) Candidates(destination bpv7.EndpointID) (candidates []Route) {
	for _, route := range rt.snapshot() {
		if !route.Available || !eidPrefixMatches(route.Target, destination) {
			continue
		}
		candidates = append(candidates, route)
	}

	sortRoutes(candidates)
	return
}

func sortRoutes(routes []Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Available != routes[j].Available {
			return routes[i].Available
		}
		if routes[i].Preferred != routes[j].Preferred {
			return routes[i].Preferred
		}
		if routes[i].Kind != routes[j].Kind {
			return routes[i].Kind < routes[j].Kind
		}
		return routes[i].NextHop.String() < routes[j].NextHop.String()
	})
}
