package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

const (
	headerBegin = "<MFSYNC_HEADER_BEGIN>"
	headerEnd   = "<MFSYNC_HEADER_END>"
)

var (
	errFrameTooLarge = errors.New("frame exceeds maximum size")
	errBadFrame      = errors.New("malformed frame")
)

// wrapWithHeader frames a message body. Every message on the wire is
// delimited this way; there is no other framing.
func wrapWithHeader(body []byte) []byte {
	out := make([]byte, 0, len(headerBegin)+len(body)+len(headerEnd))
	out = append(out, headerBegin...)
	out = append(out, body...)
	out = append(out, headerEnd...)
	return out
}

// readMessage scans the stream for the end trailer and returns the body
// between the delimiters. Reads are capped at maxFrameSize.
func readMessage(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadBytes('>')
		buf = append(buf, chunk...)
		if len(buf) > maxFrameSize {
			return nil, errFrameTooLarge
		}
		if bytes.HasSuffix(buf, []byte(headerEnd)) {
			return unwrapFrame(buf)
		}
		if err != nil {
			return nil, err
		}
	}
}

// unwrapFrame strips the delimiters from a complete frame, e.g. a single
// multicast datagram.
func unwrapFrame(frame []byte) ([]byte, error) {
	if !bytes.HasPrefix(frame, []byte(headerBegin)) || !bytes.HasSuffix(frame, []byte(headerEnd)) {
		return nil, errBadFrame
	}
	return frame[len(headerBegin) : len(frame)-len(headerEnd)], nil
}

func parseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("parse envelope: %w", err)
	}
	return env, nil
}

// messageType inspects a body without fully decoding it. Bare encryption
// wrappers (accepted/denied replies, list replies) have no "type" field
// and come back as the empty string.
func messageType(body []byte) string {
	env, err := parseEnvelope(body)
	if err != nil {
		return ""
	}
	return env.Type
}

func parseWrapper(body []byte) (*EncryptionWrapper, error) {
	var w EncryptionWrapper
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("parse wrapper: %w", err)
	}
	return &w, nil
}

func makeHandshakeMessage(pubKey string, salt string) []byte {
	body, _ := json.Marshal(Envelope{Type: msgTypeHandshake, PublicKey: pubKey, Salt: salt})
	return wrapWithHeader(body)
}

func makeFileListMessage(pubKey string) []byte {
	body, _ := json.Marshal(Envelope{Type: msgTypeFileList, PublicKey: pubKey})
	return wrapWithHeader(body)
}

func makeDeniedMessage() []byte {
	body, _ := json.Marshal(Envelope{Type: msgTypeDenied})
	return wrapWithHeader(body)
}

func makeErrorMessage(reason string) []byte {
	return wrapWithHeader([]byte(reason))
}

// makeBoolMessage encrypts an accepted/denied verdict for the peer. The
// wire form is the bare wrapper JSON, framed. If encryption is not
// possible (no session key) a plain denied message is sent instead.
func makeBoolMessage(h *CryptoHandler, pubKey string, accepted bool) []byte {
	verdict := msgTypeDenied
	if accepted {
		verdict = msgTypeAccepted
	}
	plain, _ := json.Marshal(Envelope{Type: verdict})
	w, err := h.Encrypt(pubKey, plain, "")
	if err != nil {
		return makeDeniedMessage()
	}
	body, _ := json.Marshal(w)
	return wrapWithHeader(body)
}

// parseBoolMessage reads an encrypted accepted/denied reply. A plain
// denied message and every decode failure both come back false.
func parseBoolMessage(h *CryptoHandler, pubKey string, body []byte) bool {
	if messageType(body) == msgTypeDenied {
		return false
	}
	w, err := parseWrapper(body)
	if err != nil {
		return false
	}
	plain, err := h.Decrypt(pubKey, w)
	if err != nil {
		return false
	}
	env, err := parseEnvelope(plain)
	return err == nil && env.Type == msgTypeAccepted
}

// makeListReply encrypts the stored-file list for the peer. The wrapper
// carries the current counter in cleartext so the peer can resync.
func makeListReply(h *CryptoHandler, pubKey string, files []FileInfo, port uint16) ([]byte, error) {
	entries := make([]ListedFile, 0, len(files))
	for _, f := range files {
		entries = append(entries, ListedFile{Name: f.Name, Size: f.Size, SHA256Sum: f.SHA256Sum, Port: port})
	}
	plain, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	w, err := h.Encrypt(pubKey, plain, "")
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(w)
	return wrapWithHeader(body), nil
}

// parseListReply decodes an encrypted list reply. The advertised counter
// is returned alongside so the caller can resync the long-term handler.
func parseListReply(h *CryptoHandler, pubKey string, body []byte, source net.IP) ([]AvailableFile, uint64, error) {
	if messageType(body) == msgTypeDenied {
		return nil, 0, errors.New("file list request denied")
	}
	w, err := parseWrapper(body)
	if err != nil {
		return nil, 0, err
	}
	plain, err := h.Decrypt(pubKey, w)
	if err != nil {
		return nil, 0, err
	}
	var entries []ListedFile
	if err := json.Unmarshal(plain, &entries); err != nil {
		return nil, 0, fmt.Errorf("parse list reply: %w", err)
	}
	files := make([]AvailableFile, 0, len(entries))
	for _, e := range entries {
		files = append(files, AvailableFile{
			Info:       FileInfo{Name: e.Name, Size: e.Size, SHA256Sum: e.SHA256Sum},
			SourceAddr: source,
			SourcePort: e.Port,
			PeerKey:    pubKey,
		})
	}
	return files, w.Count, nil
}

// makeFileRequestMessage encrypts a RequestedFile into a typed "file"
// envelope carrying the sender's public key.
func makeFileRequestMessage(h *CryptoHandler, pubKey string, req RequestedFile) ([]byte, error) {
	plain, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	w, err := h.Encrypt(pubKey, plain, "")
	if err != nil {
		return nil, err
	}
	inner, _ := json.Marshal(w)
	body, _ := json.Marshal(Envelope{Type: msgTypeFile, PublicKey: h.PublicKey(), Message: string(inner)})
	return wrapWithHeader(body), nil
}

// parseFileRequest decodes a "file" envelope using the per-connection
// handler. Returns the request and the requester's public key.
func parseFileRequest(h *CryptoHandler, env Envelope) (RequestedFile, string, error) {
	var req RequestedFile
	w, err := parseWrapper([]byte(env.Message))
	if err != nil {
		return req, "", err
	}
	plain, err := h.Decrypt(env.PublicKey, w)
	if err != nil {
		return req, "", err
	}
	if err := json.Unmarshal(plain, &req); err != nil {
		return req, "", fmt.Errorf("parse file request: %w", err)
	}
	return req, env.PublicKey, nil
}

func makeHostAnnouncement(pubKey string, port uint16) []byte {
	body, _ := json.Marshal(HostInfo{PublicKey: pubKey, Port: port, Version: version})
	return wrapWithHeader(body)
}

// parseHostAnnouncement decodes a beacon datagram, injecting the source
// address from the transport.
func parseHostAnnouncement(datagram []byte, source net.IP) (HostInfo, error) {
	var info HostInfo
	body, err := unwrapFrame(datagram)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return info, fmt.Errorf("parse host announcement: %w", err)
	}
	if info.PublicKey == "" || info.Port == 0 {
		return info, errBadFrame
	}
	info.IP = source
	return info, nil
}

// splitAvailabilityMessages serializes the stored set into framed
// cleartext datagrams, each at most maxMessageSize once framed. Peers
// reassemble the union of all datagrams into one available set.
func splitAvailabilityMessages(files []FileInfo, port uint16) [][]byte {
	const overhead = len(headerBegin) + len(headerEnd)
	var result [][]byte
	var batch []ListedFile
	batchLen := 2 // brackets
	flush := func() {
		if len(batch) == 0 {
			return
		}
		body, _ := json.Marshal(batch)
		result = append(result, wrapWithHeader(body))
		batch = nil
		batchLen = 2
	}
	for _, f := range files {
		entry := ListedFile{Name: f.Name, Size: f.Size, SHA256Sum: f.SHA256Sum, Port: port}
		b, _ := json.Marshal(entry)
		if batchLen+len(b)+1+overhead > maxMessageSize {
			flush()
		}
		batch = append(batch, entry)
		batchLen += len(b) + 1
	}
	flush()
	return result
}

// parseAvailabilityMessage decodes one cleartext availability datagram.
func parseAvailabilityMessage(datagram []byte, source net.IP) ([]AvailableFile, error) {
	body, err := unwrapFrame(datagram)
	if err != nil {
		return nil, err
	}
	var entries []ListedFile
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}
	files := make([]AvailableFile, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return nil, errBadFrame
		}
		files = append(files, AvailableFile{
			Info:       FileInfo{Name: e.Name, Size: e.Size, SHA256Sum: e.SHA256Sum},
			SourceAddr: source,
			SourcePort: e.Port,
		})
	}
	return files, nil
}
