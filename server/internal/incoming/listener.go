// listener.go - Incoming listener.
// Copyright (C) 2026  Katzenpost Developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package incoming implements the incoming connection support.
package incoming

import (
	"container/list"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/tunnelbroker/core/worker"
	"github.com/katzenpost/tunnelbroker/server/internal/glue"
)

const (
	// SessionPath is the websocket endpoint.
	SessionPath = "/v1/session"

	// MessagesPath is the long poll drain endpoint.
	MessagesPath = "/v1/messages"

	// AckPath is the long poll acknowledgement endpoint.
	AckPath = "/v1/messages/ack"

	// SessionIDHeader carries the session ID of long poll requests.
	SessionIDHeader = "X-Session-ID"

	// ContentType is the media type of long poll bodies.
	ContentType = "application/cbor"

	keepAliveInterval = 3 * time.Minute
)

type listener struct {
	sync.Mutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	l        net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	conns    *list.List

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

func (l *listener) Halt() {
	// Stop accepting, and wait for worker() to return.
	l.srv.Close()
	l.Worker.Halt()

	// Close all websocket connections belonging to the listener, they are
	// hijacked and not tracked by the http.Server.
	l.Lock()
	close(l.closeAllCh)
	l.Unlock()
	l.closeAllWg.Wait()
}

func (l *listener) Addr() string {
	return l.l.Addr().String()
}

func (l *listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer l.log.Noticef("Stopping listening on: %v", addr)

	if err := l.srv.Serve(l.l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.log.Errorf("Serve failure: %v", err)
	}
}

func (l *listener) onSession(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.closeAllCh:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an error response.
		l.log.Debugf("Websocket upgrade failed: %v: %v", r.RemoteAddr, err)
		return
	}
	if tcpConn, ok := ws.NetConn().(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(keepAliveInterval)
	}

	c := newIncomingConn(l, ws)

	l.Lock()
	select {
	case <-l.closeAllCh:
		l.Unlock()
		ws.Close()
		return
	default:
	}
	l.closeAllWg.Add(1)
	c.e = l.conns.PushFront(c)
	l.Unlock()

	c.worker()
}

func (l *listener) onClosedConn(c *incomingConn) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	l.conns.Remove(c.e)
}

func (l *listener) connCount() int {
	l.Lock()
	defer l.Unlock()
	return l.conns.Len()
}

func listenAddress(addr string) (string, string, error) {
	if !strings.Contains(addr, "://") {
		return "tcp", addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", err
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		return u.Scheme, u.Host, nil
	default:
		return "", "", fmt.Errorf("unsupported listener scheme '%v'", u.Scheme)
	}
}

// New creates a new listener.
func New(glue glue.Glue, id int, addr string) (glue.Listener, error) {
	l := &listener{
		glue:       glue,
		log:        glue.LogBackend().GetLogger(fmt.Sprintf("listener:%d", id)),
		conns:      list.New(),
		closeAllCh: make(chan interface{}),
	}

	cfg := glue.Config()
	handshakeTimeout := time.Duration(cfg.Session.HandshakeTimeout) * time.Millisecond
	l.upgrader = websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		// Devices authenticate with a signature, not an origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+SessionPath, l.onSession)
	mux.HandleFunc("GET "+MessagesPath, l.onDrain)
	mux.HandleFunc("POST "+AckPath, l.onAck)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: handshakeTimeout,
		ErrorLog:          glue.LogBackend().GetGoLogger(fmt.Sprintf("listener:%d", id), "DEBUG"),
	}

	network, host, err := listenAddress(addr)
	if err != nil {
		return nil, err
	}
	if l.l, err = net.Listen(network, host); err != nil {
		l.log.Errorf("Failed to start listener '%v': %v", addr, err)
		return nil, err
	}

	l.Go(l.worker)
	return l, nil
}
