package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// ---------------------- Beacon sender ----------------------

// beaconPayloads builds the datagrams for one announcement tick: the
// host announcement, followed by the stored set split into cleartext
// datagrams that each fit the multicast message budget.
func beaconPayloads(pubKey string, port uint16, files []FileInfo) [][]byte {
	out := [][]byte{makeHostAnnouncement(pubKey, port)}
	return append(out, splitAvailabilityMessages(files, port)...)
}

// startBeaconSender announces {public_key, port, version} and the
// current stored set to the multicast group once per second until the
// context is cancelled. One sender runs per outbound address; outbound
// may be nil for the kernel's default multicast interface.
func startBeaconSender(ctx context.Context, cfg *Config, pubKey string, store *Store, outbound net.IP) error {
	group := net.ParseIP(cfg.MCAddress)
	if group == nil || !group.IsMulticast() {
		return fmt.Errorf("invalid multicast address %s", cfg.MCAddress)
	}
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return err
	}
	p := ipv4.NewPacketConn(conn)
	if outbound != nil {
		ifi, err := interfaceForIP(outbound)
		if err != nil {
			conn.Close()
			return err
		}
		if err := p.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return err
		}
		logDebug("[beacon] outbound interface %s (%s)", ifi.Name, outbound)
	}
	_ = p.SetMulticastTTL(1)
	_ = p.SetMulticastLoopback(true)

	dst := &net.UDPAddr{IP: group, Port: cfg.MCPort}

	go func() {
		defer conn.Close()
		ticker := time.NewTicker(beaconInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, datagram := range beaconPayloads(pubKey, uint16(cfg.Port), store.StoredFiles()) {
					if _, err := p.WriteTo(datagram, nil, dst); err != nil {
						logDebug("[beacon] send failed: %v", err)
					}
				}
			}
		}
	}()
	return nil
}

// ---------------------- Beacon listener ----------------------

// BeaconListener joins the multicast group and reacts to datagrams:
// host announcements start list-client sessions (or get printed with
// --list-hosts); cleartext availability datagrams feed the store
// directly.
type BeaconListener struct {
	cfg       *Config
	store     *Store
	crypto    *CryptoHandler
	listHosts bool
	clientTLS *tls.Config
	seenHosts map[string]bool
}

func NewBeaconListener(cfg *Config, store *Store, crypto *CryptoHandler, clientTLS *tls.Config) *BeaconListener {
	return &BeaconListener{
		cfg:       cfg,
		store:     store,
		crypto:    crypto,
		listHosts: cfg.ListHosts,
		clientTLS: clientTLS,
		seenHosts: make(map[string]bool),
	}
}

func (b *BeaconListener) Start(ctx context.Context) error {
	group := net.ParseIP(b.cfg.MCAddress)
	if group == nil || !group.IsMulticast() {
		return fmt.Errorf("invalid multicast address %s", b.cfg.MCAddress)
	}
	listen := fmt.Sprintf("%s:%d", b.cfg.MCListenAddress, b.cfg.MCPort)
	conn, err := net.ListenPacket("udp4", listen)
	if err != nil {
		return err
	}
	p := ipv4.NewPacketConn(conn)
	joined := 0
	for _, ifi := range multicastInterfaces() {
		ifi := ifi
		if err := p.JoinGroup(&ifi, &net.UDPAddr{IP: group}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		if err := p.JoinGroup(nil, &net.UDPAddr{IP: group}); err != nil {
			conn.Close()
			return fmt.Errorf("join multicast group: %w", err)
		}
	}
	log.Printf("[beacon] joined %s:%d on %s", b.cfg.MCAddress, b.cfg.MCPort, listen)

	go func() {
		defer conn.Close()
		buf := make([]byte, maxMessageSize)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_ = conn.SetReadDeadline(time.Now().Add(time.Second))
			n, src, err := conn.ReadFrom(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				logDebug("[beacon] read error: %v", err)
				continue
			}
			srcIP := src.(*net.UDPAddr).IP
			b.handleDatagram(ctx, append([]byte(nil), buf[:n]...), srcIP)
		}
	}()
	return nil
}

func (b *BeaconListener) handleDatagram(ctx context.Context, datagram []byte, src net.IP) {
	if info, err := parseHostAnnouncement(datagram, src); err == nil {
		b.handleHost(ctx, info)
		return
	}
	if files, err := parseAvailabilityMessage(datagram, src); err == nil {
		b.store.AddAvailableFiles(files)
		return
	}
	logDebug("[beacon] ignoring datagram from %s", src)
}

func (b *BeaconListener) handleHost(ctx context.Context, info HostInfo) {
	if info.PublicKey == b.crypto.PublicKey() {
		return // our own announcement looped back
	}

	if b.listHosts {
		if !b.seenHosts[info.PublicKey] {
			b.seenHosts[info.PublicKey] = true
			fmt.Printf("%s %s:%d v%s\n", info.PublicKey, info.IP, info.Port, info.Version)
		}
		return
	}

	salt := encodeHex(generateSalt())
	if !b.crypto.TrustKey(info.PublicKey, salt, true) {
		logDebug("[beacon] host %.16s not trusted, ignoring", info.PublicKey)
		return
	}

	session := newListClient(b.crypto, b.store, info, b.clientTLS)
	go session.Run(ctx)
}
