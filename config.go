package main

import (
	"net"
	"time"
)

const version = "0.2.0"

// Protocol constants shared by both ends.
const (
	defaultTCPPort       = 8000
	defaultMulticastPort = 30001
	defaultMulticastAddr = "239.255.0.1"
	defaultListenAddr    = "0.0.0.0"
	defaultChunksize     = 1024
	maxMessageSize       = 1024
	defaultKeyFile       = "key.bin"

	// Upper bound for a single framed message on a TCP session. List
	// replies grow with the number of stored files, so this is well above
	// maxMessageSize, which only bounds multicast datagrams.
	maxFrameSize = 16 << 20

	beaconInterval = time.Second
	schedulerTick  = 100 * time.Millisecond
)

type operationMode int

const (
	modeNone operationMode = iota
	modeSync
	modeShare
	modeFetch
	modeGet
)

func parseMode(s string) operationMode {
	switch s {
	case "sync":
		return modeSync
	case "share":
		return modeShare
	case "fetch":
		return modeFetch
	case "get":
		return modeGet
	}
	return modeNone
}

type Config struct {
	Port            int
	MCAddress       string
	MCPort          int
	MCListenAddress string
	Downloads       int
	KeyFile         string
	KeyPass         string
	TrustedKeys     []string
	ServerTLSCert   string
	ServerTLSKey    string
	ClientTLSCA     string
	WaitUntil       time.Duration
	ListHosts       bool
	VerifyHashes    bool

	// Interfaces the beacon is sent out on. Empty means the kernel's
	// default multicast interface.
	OutboundAddrs []net.IP
}

func defaultConfig() *Config {
	return &Config{
		Port:            defaultTCPPort,
		MCAddress:       defaultMulticastAddr,
		MCPort:          defaultMulticastPort,
		MCListenAddress: defaultListenAddr,
		Downloads:       3,
		KeyFile:         defaultKeyFile,
	}
}
