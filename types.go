package main

import (
	"encoding/json"
	"fmt"
	"net"
)

// FileInfo identifies a shared file. The relative name is the identity;
// the hash is filled in lazily and only compared when hash verification
// is enabled.
type FileInfo struct {
	Name      string `json:"file_name"`
	Size      uint64 `json:"size"`
	SHA256Sum string `json:"sha256sum,omitempty"`
}

func (f FileInfo) Equal(other FileInfo) bool {
	return f.Name == other.Name && f.Size == other.Size
}

// AvailableFile is a file learned from a peer's list reply but not yet
// stored locally.
type AvailableFile struct {
	Info       FileInfo
	SourceAddr net.IP
	SourcePort uint16
	PeerKey    string // hex public key of the announcing host
}

// RequestedFile is what the client asks the server to stream. Offset is
// filled from the temp file's current size when the write handle is
// created.
type RequestedFile struct {
	Info      FileInfo `json:"file_info"`
	Offset    uint64   `json:"offset"`
	Chunksize uint32   `json:"chunksize"`
}

// HostInfo is the beacon payload. IP is not on the wire; the listener
// injects it from the datagram source address.
type HostInfo struct {
	PublicKey string `json:"public_key"`
	Port      uint16 `json:"port"`
	Version   string `json:"version"`
	IP        net.IP `json:"-"`
}

// ListedFile is one entry of the (encrypted) file-list reply.
type ListedFile struct {
	Name      string `json:"file_name"`
	Size      uint64 `json:"size"`
	SHA256Sum string `json:"sha256sum,omitempty"`
	Port      uint16 `json:"port"`
}

// EncryptionWrapper is the self-describing unit of authenticated data on
// the wire. Count is the nonce counter the sender used; the receiver
// rebuilds the nonce from it.
type EncryptionWrapper struct {
	CipherText []byte
	MAC        []byte
	Count      uint64
	AAD        string
}

// wrapperWire is the wrapper's JSON shape. Byte fields travel as arrays
// of integers, not base64.
type wrapperWire struct {
	CipherText []int  `json:"cipher_text"`
	MAC        []int  `json:"mac"`
	Count      uint64 `json:"count"`
	AAD        string `json:"aad"`
}

func bytesToInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func intsToBytes(ints []int) ([]byte, error) {
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func (w EncryptionWrapper) MarshalJSON() ([]byte, error) {
	return json.Marshal(wrapperWire{
		CipherText: bytesToInts(w.CipherText),
		MAC:        bytesToInts(w.MAC),
		Count:      w.Count,
		AAD:        w.AAD,
	})
}

func (w *EncryptionWrapper) UnmarshalJSON(data []byte) error {
	var wire wrapperWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	ct, err := intsToBytes(wire.CipherText)
	if err != nil {
		return err
	}
	mac, err := intsToBytes(wire.MAC)
	if err != nil {
		return err
	}
	w.CipherText = ct
	w.MAC = mac
	w.Count = wire.Count
	w.AAD = wire.AAD
	return nil
}

// Envelope is the outer JSON body of every framed message. For encrypted
// messages, Message holds the stringified JSON of an EncryptionWrapper.
type Envelope struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key,omitempty"`
	Salt      string `json:"salt,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Message type discriminators, matching the protocol's "type" field.
const (
	msgTypeHandshake = "handshake"
	msgTypeAccepted  = "accepted"
	msgTypeDenied    = "denied"
	msgTypeFileList  = "file_list"
	msgTypeFile      = "file"
)
