package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
)

// Server accepts inbound transfer connections and answers file-list and
// file requests. It keeps no per-peer state beyond what the crypto
// layer caches.
type Server struct {
	cfg      *Config
	store    *Store
	crypto   *CryptoHandler
	progress *ProgressRegistry
	tlsConf  *tls.Config
	port     uint16 // actual bound port, advertised in list replies
}

func NewServer(cfg *Config, store *Store, crypto *CryptoHandler, progress *ProgressRegistry, tlsConf *tls.Config) *Server {
	return &Server{cfg: cfg, store: store, crypto: crypto, progress: progress, tlsConf: tlsConf}
}

// Run binds the acceptor and serves until the context is cancelled. A
// bind failure is returned to the caller, which logs and continues
// without the server.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("port %d already in use, mfsync will not be able to send files. Use '--port' to specify a different port: %w", s.cfg.Port, err)
	}
	s.port = uint16(ln.Addr().(*net.TCPAddr).Port)
	log.Printf("[server] listening on :%d", s.port)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					logDebug("[server] accept failed: %v", err)
					continue
				}
			}
			go s.handleConn(ctx, conn)
		}
	}()
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn, err := wrapServerConn(ctx, conn, s.tlsConf)
	if err != nil {
		logDebug("[server] tls handshake failed: %v", err)
		return
	}
	r := bufio.NewReader(conn)

	// handshake opener
	body, err := readMessage(r)
	if err != nil {
		logDebug("[server] read handshake failed: %v", err)
		return
	}
	env, err := parseEnvelope(body)
	if err != nil || env.Type != msgTypeHandshake || env.PublicKey == "" || env.Salt == "" {
		logDebug("[server] unexpected opener from %s", conn.RemoteAddr())
		return
	}
	if !s.crypto.TrustKey(env.PublicKey, env.Salt, false) {
		logDebug("[server] denying %.16s", env.PublicKey)
		_, _ = conn.Write(makeDeniedMessage())
		return
	}
	peer := env.PublicKey
	derived, err := s.crypto.Derive(peer, env.Salt, false)
	if err != nil {
		_, _ = conn.Write(makeDeniedMessage())
		return
	}
	if _, err := conn.Write(makeBoolMessage(derived, peer, true)); err != nil {
		return
	}

	// request dispatch
	body, err = readMessage(r)
	if err != nil {
		logDebug("[server] read request failed: %v", err)
		return
	}
	env, err = parseEnvelope(body)
	if err != nil {
		return
	}
	switch env.Type {
	case msgTypeFileList:
		s.respondFileList(conn, derived, peer)
	case msgTypeFile:
		s.respondFile(conn, r, derived, env)
	default:
		logDebug("[server] request with wrong type %q", env.Type)
	}
}

// respondFileList encrypts the stored set for the peer. The wrapper's
// cleartext counter lets the peer resync its sequence.
func (s *Server) respondFileList(conn net.Conn, derived *CryptoHandler, peer string) {
	reply, err := makeListReply(derived, peer, s.store.ListedStoredFiles(), s.port)
	if err != nil {
		logDebug("[server] list reply for %.16s failed: %v", peer, err)
		_, _ = conn.Write(makeDeniedMessage())
		return
	}
	_, _ = conn.Write(reply)
}

func (s *Server) respondFile(conn net.Conn, r *bufio.Reader, derived *CryptoHandler, env Envelope) {
	req, peer, err := parseFileRequest(derived, env)
	if err != nil {
		logDebug("[server] bad file request: %v", err)
		return
	}
	name, err := cleanName(req.Info.Name)
	if err != nil {
		_, _ = conn.Write(makeErrorMessage("invalid file name"))
		return
	}
	req.Info.Name = name
	if req.Chunksize == 0 || req.Chunksize > maxFrameSize {
		req.Chunksize = defaultChunksize
	}
	if !s.store.IsStored(req.Info) {
		_, _ = conn.Write(makeErrorMessage("file doesnt exist"))
		return
	}
	if _, err := conn.Write(makeBoolMessage(derived, peer, true)); err != nil {
		return
	}

	// wait for the go-ahead before streaming
	body, err := readMessage(r)
	if err != nil || !parseBoolMessage(derived, peer, body) {
		logDebug("[server] transmission not confirmed, aborting")
		return
	}

	f, err := s.store.ReadFile(req.Info)
	if err != nil {
		logDebug("[server] cant read file %s: %v", req.Info.Name, err)
		return
	}
	defer f.Close()
	if _, err := f.Seek(int64(req.Offset), io.SeekStart); err != nil {
		return
	}

	var prog *FileProgress
	if s.progress != nil {
		prog = s.progress.Track(req.Info)
		prog.SetStatus(statusUploading)
		prog.SetBytes(req.Offset)
	}

	logDebug("[server] sending %s from offset %d", req.Info.Name, req.Offset)
	sent := req.Offset
	buf := make([]byte, req.Chunksize)
	for sent < req.Info.Size {
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			if n == 0 {
				break
			}
		} else if err != nil {
			logDebug("[server] read %s failed: %v", req.Info.Name, err)
			return
		}
		frame, err := derived.SealChunk(peer, buf[:n])
		if err != nil {
			return
		}
		if _, err := conn.Write(frame); err != nil {
			logDebug("[server] write failed: %v", err)
			return
		}
		sent += uint64(n)
		if prog != nil {
			prog.SetBytes(sent)
		}
	}
	if prog != nil {
		prog.SetStatus(statusDone)
	}
	logDebug("[server] done sending %s", req.Info.Name)
}
