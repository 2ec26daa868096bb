package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

// multiFlag collects repeatable, comma-separable string flags.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*m = append(*m, s)
		}
	}
	return nil
}

func main() {
	cfg := defaultConfig()

	var (
		outboundAddrs  multiFlag
		outboundIfaces multiFlag
		trustedKeys    multiFlag
		requested      multiFlag
		serverTLS      multiFlag
		waitUntil      int
		printKey       bool
		printVersion   bool
		verbose        bool
	)

	flag.IntVar(&cfg.Port, "port", cfg.Port, "tcp port to listen on")
	flag.StringVar(&cfg.MCAddress, "multicast-address", cfg.MCAddress, "multicast group (IPv4)")
	flag.IntVar(&cfg.MCPort, "multicast-port", cfg.MCPort, "multicast UDP port")
	flag.StringVar(&cfg.MCListenAddress, "multicast-listen-address", cfg.MCListenAddress, "multicast listen address")
	flag.Var(&outboundAddrs, "outbound-addresses", "multicast outbound interface addresses")
	flag.Var(&outboundIfaces, "outbound-interfaces", "multicast outbound interface names")
	flag.IntVar(&cfg.Downloads, "concurrent_downloads", cfg.Downloads, "maximum concurrent downloads")
	flag.StringVar(&cfg.KeyFile, "key-file", cfg.KeyFile, "path to the key file")
	flag.StringVar(&cfg.KeyPass, "key-pass", "", "passphrase protecting the key file")
	flag.Var(&trustedKeys, "trusted-keys", "allow-list of peer public keys")
	flag.Var(&serverTLS, "server-tls", "server certificate and key file")
	flag.StringVar(&cfg.ClientTLSCA, "client-tls", "", "file containing all trusted certificates")
	flag.IntVar(&waitUntil, "wait-until", 0, "stop program execution after the given amount of seconds")
	flag.BoolVar(&cfg.ListHosts, "list-hosts", false, "print available hosts and their keys")
	flag.BoolVar(&printKey, "public-key", false, "print public key")
	flag.BoolVar(&cfg.VerifyHashes, "verify-hashes", false, "compare sha256 sums when finalizing files")
	flag.BoolVar(&printVersion, "version", false, "print version")
	flag.BoolVar(&verbose, "verbose", false, "show debug logs")
	flag.Var(&requested, "request", "file names or directory prefixes to pull")
	flag.Parse()

	debugLogging = verbose

	if printVersion {
		fmt.Printf("mfsync v%s\n", version)
		return
	}

	cfg.WaitUntil = time.Duration(waitUntil) * time.Second
	cfg.TrustedKeys = trustedKeys

	priv, err := loadOrCreateKey(cfg.KeyFile, cfg.KeyPass)
	if err != nil {
		log.Fatalf("key file: %v", err)
	}
	crypto, err := newCryptoHandler(priv)
	if err != nil {
		log.Fatalf("could not create public key, aborting: %v", err)
	}
	if printKey {
		fmt.Println(crypto.PublicKey())
		return
	}
	for _, key := range cfg.TrustedKeys {
		crypto.AddAllowedKey(key)
	}
	logDebug("[main] public key %s", crypto.PublicKey())

	args := flag.Args()
	mode := modeNone
	if cfg.ListHosts {
		mode = modeFetch
	} else if len(args) > 0 {
		mode = parseMode(args[0])
	}
	if mode == modeNone {
		log.Fatalf("the given operation mode is not known. Valid values are: sync, share, fetch, get")
	}

	destination := ""
	names := []string(requested)
	if len(args) > 1 {
		rest := args[1:]
		destination = rest[len(rest)-1]
		names = append(names, rest[:len(rest)-1]...)
	}
	if mode != modeFetch && destination == "" {
		log.Fatalf("no destination was given. The only mode that needs no destination is 'fetch'")
	}

	if net.ParseIP(cfg.MCListenAddress) == nil {
		log.Fatalf("the given multicast listen address is not a valid ip address. aborting.")
	}
	group := net.ParseIP(cfg.MCAddress)
	if group == nil || !group.IsMulticast() {
		log.Fatalf("the given multicast address is not a valid multicast address. aborting.")
	}

	if len(outboundAddrs) > 0 && len(outboundIfaces) > 0 {
		log.Fatalf("only one of \"outbound-addresses\" and \"outbound-interfaces\" can be specified simultaniously")
	}
	var outbound []net.IP
	for _, a := range outboundAddrs {
		ip := net.ParseIP(a)
		if ip == nil {
			log.Fatalf("the given outbound address (%s) is not a valid ip address. aborting.", a)
		}
		outbound = append(outbound, ip)
	}
	if len(outboundIfaces) > 0 {
		outbound, err = addressesForInterfaces(outboundIfaces)
		if err != nil {
			log.Fatalf("outbound interfaces: %v", err)
		}
	}
	if len(outbound) == 0 {
		outbound = []net.IP{nil} // kernel default interface
	}
	cfg.OutboundAddrs = outbound

	var serverTLSConf *tls.Config
	if len(serverTLS) > 0 {
		if len(serverTLS) != 2 {
			log.Fatalf("wrong amount of server-tls files specified. exactly two files need to be specified.")
		}
		serverTLSConf, err = loadServerTLS(serverTLS[0], serverTLS[1])
		if err != nil {
			log.Fatalf("server-tls: %v", err)
		}
	}
	var clientTLSConf *tls.Config
	if cfg.ClientTLSCA != "" {
		clientTLSConf, err = loadClientTLS(cfg.ClientTLSCA)
		if err != nil {
			log.Fatalf("client-tls: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.WaitUntil > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.WaitUntil)
		defer cancel()
	}

	progress := NewProgressRegistry()
	store := NewStore(destination, progress)
	store.SetVerifyHashes(cfg.VerifyHashes)
	defer store.Close()

	if mode != modeFetch {
		// storage enumeration may be long-running; it never blocks the
		// network side
		go func() {
			if err := store.Init(); err != nil {
				log.Printf("[store] %v", err)
			}
		}()
	}

	if mode == modeShare || mode == modeSync {
		for _, addr := range cfg.OutboundAddrs {
			if err := startBeaconSender(ctx, cfg, crypto.PublicKey(), store, addr); err != nil {
				log.Fatalf("beacon sender: %v", err)
			}
		}
		server := NewServer(cfg, store, crypto, progress, serverTLSConf)
		if err := server.Run(ctx); err != nil {
			log.Printf("[server] %v", err)
		}
	}

	if mode != modeShare {
		listener := NewBeaconListener(cfg, store, crypto, clientTLSConf)
		if err := listener.Start(ctx); err != nil {
			log.Fatalf("beacon listener: %v", err)
		}
	}

	var scheduler *Scheduler
	if mode == modeGet || mode == modeSync {
		scheduler = NewScheduler(store, crypto, clientTLSConf, progress, cfg.Downloads, names)
		go scheduler.Run(ctx)
	}

	if mode == modeFetch && !cfg.ListHosts {
		go printAvailables(ctx, store)
	}

	var done <-chan struct{}
	if scheduler != nil && len(names) > 0 {
		done = scheduler.Done()
	}
	select {
	case <-ctx.Done():
	case <-done:
	}
}

// printAvailables writes every newly learned file name to stdout once,
// the fetch mode's output.
func printAvailables(ctx context.Context, store *Store) {
	seen := make(map[string]bool)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-store.NewAvailable():
		case <-ticker.C:
		}
		for _, av := range store.AvailableFiles() {
			if !seen[av.Info.Name] {
				seen[av.Info.Name] = true
				fmt.Println(av.Info.Name)
			}
		}
	}
}
