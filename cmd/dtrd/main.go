// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// dtrd is a delay-tolerant networking routing daemon, moving bundles between
// DTN nodes over the TCP Convergence Layer Protocol Version 4.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/pkg/profile"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtrd/pkg/api"
	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/cla"
	"github.com/dtn7/dtrd/pkg/cla/mtcp"
	"github.com/dtn7/dtrd/pkg/cla/quicl"
	"github.com/dtn7/dtrd/pkg/cla/tcpclv4"
	"github.com/dtn7/dtrd/pkg/discovery"
	"github.com/dtn7/dtrd/pkg/routing"
	"github.com/dtn7/dtrd/pkg/storage"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

// parseListenPort extracts the port of a "host:port" address.
func parseListenPort(endpoint string) (port uint, err error) {
	var portStr string
	if _, portStr, err = net.SplitHostPort(endpoint); err != nil {
		return
	}

	portInt, err := strconv.Atoi(portStr)
	port = uint(portInt)
	return
}

// probeBind checks that a listen address is usable.
func probeBind(claType cla.CLAType, endpoint string) error {
	switch claType {
	case cla.QUICL:
		probe, err := net.ListenPacket("udp", endpoint)
		if err != nil {
			return err
		}
		return probe.Close()

	default:
		probe, err := net.Listen("tcp", endpoint)
		if err != nil {
			return err
		}
		return probe.Close()
	}
}

// startListeners registers the configured convergence layer listeners and
// returns the services for the discovery beacon.
func startListeners(conf tomlConfig, c *routing.Core, nodeID bpv7.EndpointID, tlsConfig *tcpclv4.TLSConfig) (services []discovery.Service, err error) {
	for _, listenConf := range conf.Listen {
		var port uint
		if port, err = parseListenPort(listenConf.Endpoint); err != nil {
			return
		}

		claType, ok := cla.TypeFromString(listenConf.Protocol)
		if !ok {
			err = fmt.Errorf("unknown listen protocol %s", listenConf.Protocol)
			return
		}

		// An unusable listen address is a startup failure, checked here
		// because the CLA manager starts its providers asynchronously.
		if err = probeBind(claType, listenConf.Endpoint); err != nil {
			err = fmt.Errorf("cannot bind %s listener on %s: %w", listenConf.Protocol, listenConf.Endpoint, err)
			return
		}

		switch claType {
		case cla.TCPCLv4:
			c.RegisterConvergable(tcpclv4.NewListener(listenConf.Endpoint, nodeID, tlsConfig))

		case cla.MTCP:
			c.RegisterConvergable(mtcp.NewServer(listenConf.Endpoint, nodeID, true))

		case cla.QUICL:
			c.RegisterConvergable(quicl.NewListener(listenConf.Endpoint, nodeID))
		}

		services = append(services, discovery.Service{
			Type: claType,
			Port: port,
		})
	}

	return
}

func main() {
	confPath := ""
	if len(os.Args) == 2 {
		confPath = os.Args[1]
	} else if len(os.Args) > 2 {
		log.Fatalf("Usage: %s [configuration.toml]", os.Args[0])
	}

	conf, err := parseConfig(confPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to parse configuration")
	}

	conf.setupLogging()

	if conf.Profiling.Enabled {
		defer profile.Start(profile.ProfilePath(conf.Profiling.Path)).Stop()
	}

	nodeID, err := conf.nodeId()
	if err != nil {
		log.WithError(err).WithField("node-id", conf.Core.NodeId).Fatal("Invalid node ID")
	}

	tlsConfig, err := conf.tlsConfig()
	if err != nil {
		log.WithError(err).Fatal("Failed to load TLS material")
	}

	store, err := storage.NewStore()
	if err != nil {
		log.WithError(err).Fatal("Failed to create bundle store")
	}

	c, err := routing.NewCore(nodeID, store)
	if err != nil {
		log.WithError(err).Fatal("Failed to create routing core")
	}

	// Outbound connections for configured and discovered peers.
	c.Links().RegisterDialer(cla.TCPCLv4, func(address string, permanent bool) cla.Convergence {
		return tcpclv4.DialTCP(address, nodeID, permanent, tlsConfig)
	})
	c.Links().RegisterDialer(cla.MTCP, func(address string, permanent bool) cla.Convergence {
		return mtcp.NewAnonymousClient(address, permanent)
	})
	c.Links().RegisterDialer(cla.QUICL, func(address string, permanent bool) cla.Convergence {
		return quicl.DialLink(address, nodeID, permanent)
	})

	services, err := startListeners(conf, c, nodeID, tlsConfig)
	if err != nil {
		log.WithError(err).Fatal("Failed to start convergence layer listeners")
	}

	for _, peer := range conf.Peer {
		if err := c.Links().AddNode(peer.Url); err != nil {
			log.WithError(err).WithField("peer", peer.Url).Warn("Failed to register peer")
		}
	}

	for _, route := range conf.Route {
		target, targetErr := bpv7.NewEndpointID(route.Target)
		nextHop, nextHopErr := bpv7.NewEndpointID(route.NextHop)

		if targetErr != nil || nextHopErr != nil {
			log.WithFields(log.Fields{
				"target":   route.Target,
				"next-hop": route.NextHop,
			}).Fatal("Invalid static route")
		}

		if err := c.Routes().AddStaticRoute(target, nextHop); err != nil {
			log.WithError(err).Warn("Failed to add static route")
		}
	}

	var discoveryManager *discovery.Manager
	if (conf.Discovery.IPv4 || conf.Discovery.IPv6) && len(services) > 0 {
		interval := time.Duration(conf.Discovery.Interval) * time.Second
		if interval == 0 {
			interval = 10 * time.Second
		}

		beacon := discovery.Beacon{
			Node:     nodeID,
			Services: services,
		}

		discoveryManager, err = discovery.NewManager(
			beacon, c.Links().AddNode, interval,
			conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			log.WithError(err).Fatal("Failed to start discovery manager")
		}
	}

	var apiServer *api.Server
	if conf.ClientApi.Listen != "" {
		apiServer = api.NewServer(c, conf.ClientApi.Listen)
	}

	log.WithField("node-id", nodeID).Info("dtrd is up")

	waitSigint()
	log.Info("Shutting down...")

	if apiServer != nil {
		_ = apiServer.Close()
	}
	if discoveryManager != nil {
		_ = discoveryManager.Close()
	}

	c.Close()
}
