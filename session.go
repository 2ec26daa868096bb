package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
)

// clientSession runs one transfer: pop an entry from the request queue,
// connect, handshake, request the file at the resume offset, stream and
// decrypt chunks, finalize. Errors abort the session and release the
// slot; the temp file stays for the next attempt.
type clientSession struct {
	crypto   *CryptoHandler
	store    *Store
	queue    *requestQueue
	tlsConf  *tls.Config
	progress *ProgressRegistry
}

func newClientSession(crypto *CryptoHandler, store *Store, queue *requestQueue, tlsConf *tls.Config, progress *ProgressRegistry) *clientSession {
	return &clientSession{crypto: crypto, store: store, queue: queue, tlsConf: tlsConf, progress: progress}
}

func (c *clientSession) Run(ctx context.Context) {
	av, ok := c.queue.pop()
	if !ok {
		return
	}
	if err := c.transfer(ctx, av); err != nil {
		logDebug("[transfer] %s from %s failed: %v", av.Info.Name, av.SourceAddr, err)
		if c.progress != nil {
			c.progress.Track(av.Info).SetStatus(statusFailed)
		}
	}
}

func (c *clientSession) transfer(ctx context.Context, av AvailableFile) error {
	req := RequestedFile{Info: av.Info, Chunksize: defaultChunksize}

	// CONNECT
	addr := net.JoinHostPort(av.SourceAddr.String(), strconv.Itoa(int(av.SourcePort)))
	conn, err := dialPeer(ctx, addr, c.tlsConf)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	// HANDSHAKE
	salt := encodeHex(generateSalt())
	derived, err := c.crypto.Derive(av.PeerKey, salt, true)
	if err != nil {
		return err
	}
	if _, err := conn.Write(makeHandshakeMessage(derived.PublicKey(), salt)); err != nil {
		return err
	}
	reply, err := readMessage(r)
	if err != nil {
		return err
	}
	if !parseBoolMessage(derived, av.PeerKey, reply) {
		return fmt.Errorf("handshake denied by %.16s", av.PeerKey)
	}

	// REQUEST: the write handle sets req.Offset from the temp file size
	handle, err := c.store.CreateFile(&req)
	if err != nil {
		return err
	}
	defer handle.Close()

	msg, err := makeFileRequestMessage(derived, av.PeerKey, req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(msg); err != nil {
		return err
	}
	reply, err = readMessage(r)
	if err != nil {
		return err
	}
	if !parseBoolMessage(derived, av.PeerKey, reply) {
		return fmt.Errorf("file request denied by %.16s", av.PeerKey)
	}
	if _, err := conn.Write(makeBoolMessage(derived, av.PeerKey, true)); err != nil {
		return err
	}

	// STREAM
	var prog *FileProgress
	if c.progress != nil {
		prog = c.progress.Track(req.Info)
		prog.SetStatus(statusDownloading)
		prog.SetBytes(req.Offset)
	}
	offset := req.Offset
	frame := make([]byte, int(req.Chunksize)+macSize)
	for offset < req.Info.Size {
		n := req.Info.Size - offset
		if n > uint64(req.Chunksize) {
			n = uint64(req.Chunksize)
		}
		buf := frame[:int(n)+macSize]
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read chunk at %d: %w", offset, err)
		}
		plain, err := derived.OpenChunk(av.PeerKey, buf)
		if err != nil {
			return fmt.Errorf("chunk at %d: %w", offset, err)
		}
		if _, err := handle.WriteAt(plain, int64(offset)); err != nil {
			return err
		}
		offset += n
		if prog != nil {
			prog.SetBytes(offset)
		}
	}

	// COMMIT
	if prog != nil {
		prog.SetStatus(statusComparing)
	}
	if err := handle.Sync(); err != nil {
		return err
	}
	if err := c.store.FinalizeFile(req.Info); err != nil {
		// the temp stays on disk; stop re-requesting until a fresh list
		// exchange offers the file again
		c.store.DropAvailable(req.Info.Name)
		return err
	}
	if prog != nil {
		prog.SetBytes(req.Info.Size)
		prog.SetStatus(statusDone)
	}
	logDebug("[transfer] received %s (%d bytes)", req.Info.Name, req.Info.Size)
	return nil
}
