package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strconv"
)

// listClient is the short-lived session that pulls a peer's file list
// after its beacon was heard: handshake, file_list request, one framed
// reply.
type listClient struct {
	crypto  *CryptoHandler // long-term handler, for the counter resync
	store   *Store
	host    HostInfo
	tlsConf *tls.Config
}

func newListClient(crypto *CryptoHandler, store *Store, host HostInfo, tlsConf *tls.Config) *listClient {
	return &listClient{crypto: crypto, store: store, host: host, tlsConf: tlsConf}
}

func (c *listClient) Run(ctx context.Context) {
	addr := net.JoinHostPort(c.host.IP.String(), strconv.Itoa(int(c.host.Port)))
	conn, err := dialPeer(ctx, addr, c.tlsConf)
	if err != nil {
		logDebug("[list] connect to %s failed: %v", addr, err)
		return
	}
	defer conn.Close()

	salt := encodeHex(generateSalt())
	derived, err := c.crypto.Derive(c.host.PublicKey, salt, true)
	if err != nil {
		logDebug("[list] derive for %.16s failed: %v", c.host.PublicKey, err)
		return
	}

	if _, err := conn.Write(makeHandshakeMessage(derived.PublicKey(), salt)); err != nil {
		logDebug("[list] handshake write failed: %v", err)
		return
	}

	r := bufio.NewReader(conn)
	reply, err := readMessage(r)
	if err != nil {
		logDebug("[list] handshake read failed: %v", err)
		return
	}
	if !parseBoolMessage(derived, c.host.PublicKey, reply) {
		logDebug("[list] handshake denied by %.16s", c.host.PublicKey)
		return
	}

	if _, err := conn.Write(makeFileListMessage(derived.PublicKey())); err != nil {
		logDebug("[list] request write failed: %v", err)
		return
	}

	reply, err = readMessage(r)
	if err != nil {
		logDebug("[list] reply read failed: %v", err)
		return
	}
	files, count, err := parseListReply(derived, c.host.PublicKey, reply, c.host.IP)
	if err != nil {
		logDebug("[list] reply from %.16s rejected: %v", c.host.PublicKey, err)
		return
	}

	// Resync the long-term handler so later transfer sessions start at
	// the sequence the peer advertised.
	c.crypto.SetCounter(c.host.PublicKey, count)

	c.store.AddAvailableFiles(files)
}
