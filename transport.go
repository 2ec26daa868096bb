package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"time"
)

// The session code is written once against net.Conn; these helpers are
// the two transport adapters (plain TCP, TLS) behind it.

const dialTimeout = 10 * time.Second

// dialPeer opens a connection to addr, completing the TLS handshake
// when a client TLS config is set.
func dialPeer(ctx context.Context, addr string, tlsConf *tls.Config) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsConf == nil {
		return conn, nil
	}
	tc := tls.Client(conn, tlsConf)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tc, nil
}

// wrapServerConn upgrades an accepted connection to TLS when a server
// TLS config is set.
func wrapServerConn(ctx context.Context, conn net.Conn, tlsConf *tls.Config) (net.Conn, error) {
	if tlsConf == nil {
		return conn, nil
	}
	tc := tls.Server(conn, tlsConf)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tc, nil
}

// loadServerTLS builds the acceptor's TLS config from a certificate and
// key pair given on the command line.
func loadServerTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// loadClientTLS builds the dialing config from a file of trusted
// certificates.
func loadClientTLS(caFile string) (*tls.Config, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificates found in " + caFile)
	}
	return &tls.Config{RootCAs: pool}, nil
}
