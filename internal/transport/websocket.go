// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"
)

// frameHeaderSize is the size of the {source rank, tag} frame prefix.
const frameHeaderSize = 8

// WebsocketConfig configures a mesh endpoint.
type WebsocketConfig struct {
	// Rank of this endpoint.
	Rank int

	// Peers holds the websocket URL of every rank, including this one.
	Peers []string

	// Listen is the address served for inbound connections. Empty means
	// the caller mounts the endpoint on its own server.
	Listen string

	// DialRetry is the pause between dial attempts while peers start up.
	DialRetry time.Duration

	Logger *slog.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 20,
}

type outConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Websocket is a mesh endpoint. Every rank dials one outbound connection to
// every other rank and accepts their inbound connections. Frames carry the
// source rank and tag followed by the payload.
type Websocket struct {
	rank    int
	size    int
	session string
	logger  *slog.Logger
	box     *mailbox

	mu      sync.Mutex
	out     map[int]*outConn
	inbound []*websocket.Conn
	server  *http.Server
	wg      sync.WaitGroup
}

// NewWebsocket returns an unconnected endpoint. Mount it as an
// http.Handler and call Connect, or use ListenAndConnect.
func NewWebsocket(rank, size int, logger *slog.Logger) *Websocket {
	if logger == nil {
		logger = slog.Default()
	}
	session := uuid.New().String()
	return &Websocket{
		rank:    rank,
		size:    size,
		session: session,
		logger:  logger.With("rank", rank, "session", session),
		box:     newMailbox(),
		out:     make(map[int]*outConn),
	}
}

// ListenAndConnect serves cfg.Listen and connects to every peer.
func ListenAndConnect(ctx context.Context, cfg WebsocketConfig) (*Websocket, error) {
	w := NewWebsocket(cfg.Rank, len(cfg.Peers), cfg.Logger)
	if err := checkRank(cfg.Rank, len(cfg.Peers)); err != nil {
		return nil, err
	}
	if cfg.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", cfg.Listen, err)
		}
		w.server = &http.Server{Handler: w, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.logger.Error("mesh server stopped", "error", err)
			}
		}()
	}
	if err := w.Connect(ctx, cfg.Peers, cfg.DialRetry); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (w *Websocket) Rank() int { return w.rank }
func (w *Websocket) Size() int { return w.size }

// ServeHTTP accepts an inbound connection from the rank given in the
// "rank" query parameter and reads its frames until it closes.
func (w *Websocket) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	src, err := strconv.Atoi(r.URL.Query().Get("rank"))
	if err != nil || checkRank(src, w.size) != nil {
		http.Error(rw, "invalid rank", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}

	w.mu.Lock()
	if w.box.isClosed() {
		w.mu.Unlock()
		conn.Close()
		return
	}
	w.inbound = append(w.inbound, conn)
	w.wg.Add(1)
	w.mu.Unlock()

	w.logger.Debug("peer connected", "peer", src)
	go w.readLoop(conn)
}

func (w *Websocket) readLoop(conn *websocket.Conn) {
	defer w.wg.Done()
	defer conn.Close()
	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			if !w.box.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				w.logger.Warn("peer connection lost", "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage || len(frame) < frameHeaderSize {
			w.logger.Warn("dropping malformed frame", "kind", kind, "bytes", len(frame))
			continue
		}
		src := int(int32(binary.LittleEndian.Uint32(frame[0:4])))
		tag := Tag(int32(binary.LittleEndian.Uint32(frame[4:8])))
		payload := frame[frameHeaderSize:]
		w.box.deliver(src, tag, payload)
		recordReceived(tag, len(payload))
	}
}

// Connect dials every other rank, retrying until it answers or ctx is done.
func (w *Websocket) Connect(ctx context.Context, peers []string, retry time.Duration) error {
	if len(peers) != w.size {
		return fmt.Errorf("%w: %d peer URLs for %d ranks", ErrRankOutOfRange, len(peers), w.size)
	}
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	for p, url := range peers {
		if p == w.rank {
			continue
		}
		conn, err := w.dial(ctx, fmt.Sprintf("%s?rank=%d", url, w.rank), retry)
		if err != nil {
			return fmt.Errorf("connecting to rank %d at %s: %w", p, url, err)
		}
		w.mu.Lock()
		w.out[p] = &outConn{conn: conn}
		w.mu.Unlock()
	}
	w.logger.Info("mesh connected", "ranks", w.size)
	return nil
}

func (w *Websocket) dial(ctx context.Context, url string, retry time.Duration) (*websocket.Conn, error) {
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			return conn, nil
		}
		w.logger.Debug("dial failed, retrying", "url", url, "error", err)
		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), err)
		case <-time.After(retry):
		}
	}
}

func (w *Websocket) Send(ctx context.Context, dst int, tag Tag, payload []byte) error {
	if err := checkRank(dst, w.size); err != nil {
		return err
	}
	if w.box.isClosed() {
		return ErrTransportClosed
	}
	if dst == w.rank {
		w.box.deliver(w.rank, tag, append([]byte(nil), payload...))
		recordSent(tag, len(payload))
		return nil
	}

	w.mu.Lock()
	oc := w.out[dst]
	w.mu.Unlock()
	if oc == nil {
		return fmt.Errorf("%w: no connection to rank %d", ErrTransportClosed, dst)
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(int32(w.rank)))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(int32(tag)))
	copy(frame[frameHeaderSize:], payload)

	oc.mu.Lock()
	defer oc.mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := oc.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := oc.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("sending to rank %d: %w", dst, err)
	}
	recordSent(tag, len(payload))
	return nil
}

func (w *Websocket) Recv(ctx context.Context, src int, tag Tag) ([]byte, error) {
	if err := checkRank(src, w.size); err != nil {
		return nil, err
	}
	return w.box.take(ctx, src, tag)
}

// Close shuts down all connections and the mesh server.
func (w *Websocket) Close() error {
	w.mu.Lock()
	w.box.close()
	out := w.out
	w.out = make(map[int]*outConn)
	inbound := w.inbound
	w.inbound = nil
	server := w.server
	w.mu.Unlock()

	var errs []error
	for _, oc := range out {
		oc.mu.Lock()
		_ = oc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		errs = append(errs, oc.conn.Close())
		oc.mu.Unlock()
	}
	for _, c := range inbound {
		_ = c.Close()
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, server.Shutdown(ctx))
	}
	w.wg.Wait()
	return errors.Join(errs...)
}
