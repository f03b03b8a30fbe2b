// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/cla/tcpclv4"
)

// tomlConfig describes the TOML configuration. Every field can be left out;
// the environment variables inspected by applyEnvironment cover the node ID,
// a TCPCL listener with its TLS material and the client API, so the daemon
// can run from its environment alone.
type tomlConfig struct {
	Core      coreConf
	Logging   logConf
	ClientApi clientApiConf `toml:"client-api"`
	Discovery discoveryConf
	Tls       tlsConf
	Listen    []listenConf
	Peer      []peerConf
	Route     []routeConf
	Profiling profilingConf
}

// coreConf describes the Core configuration block.
type coreConf struct {
	NodeId string `toml:"node-id"`
}

// logConf describes the Logging configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// clientApiConf describes the client API configuration block.
type clientApiConf struct {
	Listen string
}

// discoveryConf describes the Discovery configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// tlsConf describes the TCPCL TLS material. Setting all three paths enables
// TLS with mutual authentication.
type tlsConf struct {
	Certificate  string
	Key          string
	TrustedCerts string `toml:"trusted-certs"`
}

// listenConf describes a convergence layer listener.
type listenConf struct {
	Protocol string
	Endpoint string
}

// peerConf describes a statically configured peer node.
type peerConf struct {
	Url string
}

// routeConf describes a static route.
type routeConf struct {
	Target  string
	NextHop string `toml:"next-hop"`
}

// profilingConf enables a CPU profile written to the given path.
type profilingConf struct {
	Enabled bool
	Path    string
}

// parseConfig loads the optional TOML configuration file and applies the
// environment on top.
func parseConfig(filename string) (conf tomlConfig, err error) {
	if filename != "" {
		if _, err = toml.DecodeFile(filename, &conf); err != nil {
			return
		}
	}

	conf.applyEnvironment()

	if conf.Core.NodeId == "" {
		err = fmt.Errorf("a node ID is required; set core.node-id or NODE_ID")
	}
	return
}

// applyEnvironment overrides configuration fields from well-known environment
// variables; TCPCL_LISTEN_ADDRESS adds a TCPCL listener to the configured ones.
func (conf *tomlConfig) applyEnvironment() {
	if nodeId, ok := os.LookupEnv("NODE_ID"); ok {
		conf.Core.NodeId = nodeId
	}

	if listenAddress, ok := os.LookupEnv("TCPCL_LISTEN_ADDRESS"); ok {
		conf.Listen = append(conf.Listen, listenConf{
			Protocol: "tcpcl",
			Endpoint: listenAddress,
		})
	}

	if cert, ok := os.LookupEnv("TCPCL_CERTIFICATE_PATH"); ok {
		conf.Tls.Certificate = cert
	}
	if key, ok := os.LookupEnv("TCPCL_KEY_PATH"); ok {
		conf.Tls.Key = key
	}
	if trusted, ok := os.LookupEnv("TCPCL_TRUSTED_CERTS_PATH"); ok {
		conf.Tls.TrustedCerts = trusted
	}

	for _, name := range []string{"CLIENTAPI_ADDRESS", "GRPC_CLIENTAPI_ADDRESS"} {
		if listenAddress, ok := os.LookupEnv(name); ok {
			conf.ClientApi.Listen = listenAddress
		}
	}
}

// setupLogging configures logrus from the Logging configuration block.
func (conf tomlConfig) setupLogging() {
	if conf.Logging.Level != "" {
		if lvl, err := log.ParseLevel(conf.Logging.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Logging.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.Logging.ReportCaller)

	switch conf.Logging.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// nodeId parses the configured node ID.
func (conf tomlConfig) nodeId() (bpv7.EndpointID, error) {
	return bpv7.NewEndpointID(conf.Core.NodeId)
}

// tlsConfig loads the TCPCL TLS material, if all three paths are set.
// A partial configuration is a startup failure.
func (conf tomlConfig) tlsConfig() (*tcpclv4.TLSConfig, error) {
	set := 0
	for _, path := range []string{conf.Tls.Certificate, conf.Tls.Key, conf.Tls.TrustedCerts} {
		if path != "" {
			set++
		}
	}

	switch set {
	case 0:
		return nil, nil
	case 3:
	default:
		return nil, fmt.Errorf("TLS requires certificate, key and trusted certificates; got %d of 3", set)
	}

	cert, err := tls.LoadX509KeyPair(conf.Tls.Certificate, conf.Tls.Key)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate failed: %w", err)
	}

	trustedPem, err := os.ReadFile(conf.Tls.TrustedCerts)
	if err != nil {
		return nil, fmt.Errorf("reading trusted certificates failed: %w", err)
	}

	trustedCerts := x509.NewCertPool()
	if !trustedCerts.AppendCertsFromPEM(trustedPem) {
		return nil, fmt.Errorf("no trusted certificate could be parsed from %s", conf.Tls.TrustedCerts)
	}

	return &tcpclv4.TLSConfig{
		Certificate:  cert,
		TrustedCerts: trustedCerts,
	}, nil
}
