// client.go - Tunnelbroker device client.
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

// Package client provides a tunnelbroker device client.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/tunnelbroker/core/log"
	"github.com/katzenpost/tunnelbroker/core/worker"
	"github.com/katzenpost/tunnelbroker/crypto"
	"github.com/katzenpost/tunnelbroker/device"
	"github.com/katzenpost/tunnelbroker/envelope"
	"github.com/katzenpost/tunnelbroker/wire"
)

const (
	sessionPath     = "/v1/session"
	messagesPath    = "/v1/messages"
	sessionIDHeader = "X-Session-ID"
	contentType     = "application/cbor"

	messageBacklog = 64
)

// ErrClosed is the error returned by operations on a closed Client.
var ErrClosed = errors.New("client: closed")

// StatusError is a non-success status returned by the relay.
type StatusError struct {
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return "client: relay returned " + e.Status
	}
	return fmt.Sprintf("client: relay returned %v: %v", e.Status, e.Message)
}

// Config is a Client configuration.
type Config struct {
	// URL is the base URL of the relay, eg: `ws://127.0.0.1:51001`.
	URL string

	// Identity is the identity of the device.
	Identity device.Identity

	// Signer holds the device key the session is bound to.
	Signer crypto.Signer

	// NotifyToken, AppVersion and OS are informational.
	NotifyToken string
	AppVersion  string
	OS          string

	// HeartbeatInterval is the interval at which heartbeats are sent, 0
	// disables them.
	HeartbeatInterval time.Duration

	// LogBackend is the logging backend, logging is disabled if nil.
	LogBackend *log.Backend

	// Dialer is the websocket dialer, websocket.DefaultDialer if nil.
	Dialer *websocket.Dialer

	// HTTPClient is used for long polls, http.DefaultClient if nil.
	HTTPClient *http.Client
}

func (cfg *Config) validate() error {
	if cfg.URL == "" {
		return errors.New("client: no relay URL")
	}
	if cfg.Signer == nil {
		return errors.New("client: no signer")
	}
	return cfg.Identity.Validate()
}

// Message is an envelope delivered to the device.  It must be
// acknowledged with the ID, or it will be delivered again.
type Message struct {
	ID       string
	Envelope *envelope.Envelope
}

// Client is a device session with a relay.
type Client struct {
	worker.Worker
	sync.Mutex

	cfg       Config
	log       *logging.Logger
	conn      *websocket.Conn
	sessionID string

	writeLock sync.Mutex
	pending   map[string]chan *wire.MessageToDeviceRequestStatus
	err       error

	messageCh chan *Message
	noticeCh  chan *wire.DeliveryNotice
	doneCh    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay and establishes a session.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       *cfg,
		pending:   make(map[string]chan *wire.MessageToDeviceRequestStatus),
		messageCh: make(chan *Message, messageBacklog),
		noticeCh:  make(chan *wire.DeliveryNotice, messageBacklog),
		doneCh:    make(chan struct{}),
	}
	if c.cfg.LogBackend == nil {
		b, err := log.New("", "ERROR", true)
		if err != nil {
			return nil, err
		}
		c.cfg.LogBackend = b
	}
	c.log = c.cfg.LogBackend.GetLogger("client:" + cfg.Identity.DeviceID)
	if c.cfg.Dialer == nil {
		c.cfg.Dialer = websocket.DefaultDialer
	}
	if c.cfg.HTTPClient == nil {
		c.cfg.HTTPClient = http.DefaultClient
	}

	u := strings.TrimRight(c.cfg.URL, "/") + sessionPath
	conn, _, err := c.cfg.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	if err = c.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	c.log.Debugf("Session established: %v", c.sessionID)

	c.Go(c.reader)
	if c.cfg.HeartbeatInterval > 0 {
		c.Go(c.heartbeatWorker)
	}
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	id := c.cfg.Identity
	pk := c.cfg.Signer.PublicKey()
	msg, err := wire.BindingMessage(id, pk)
	if err != nil {
		return err
	}
	sig, err := c.cfg.Signer.Sign(msg)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	if err = c.write(ctx, &wire.ConnectionInitialization{
		DeviceID:    id.DeviceID,
		UserID:      id.UserID,
		DeviceType:  id.Type.String(),
		PublicKey:   pk,
		Signature:   sig,
		NotifyToken: c.cfg.NotifyToken,
		AppVersion:  c.cfg.AppVersion,
		OS:          c.cfg.OS,
	}); err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	m, err := c.read()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	resp, ok := m.(*wire.ConnectionInitializationResponse)
	if !ok {
		return fmt.Errorf("client: unexpected handshake reply: %v", m.Type())
	}
	if resp.Status != wire.StatusSuccess {
		return &StatusError{Status: resp.Status, Message: resp.Error}
	}
	c.sessionID = resp.SessionID
	return nil
}

// SessionID returns the relay assigned session identifier.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Messages returns the channel envelopes pushed by the relay are
// delivered on.
func (c *Client) Messages() <-chan *Message {
	return c.messageCh
}

// Notices returns the channel delivery notices for envelopes sent by this
// device are delivered on.
func (c *Client) Notices() <-chan *wire.DeliveryNotice {
	return c.noticeCh
}

// Done returns a channel that is closed when the session ends.
func (c *Client) Done() <-chan struct{} {
	return c.doneCh
}

// Err returns the error that ended the session, if any.
func (c *Client) Err() error {
	c.Lock()
	defer c.Unlock()
	return c.err
}

// Send asks the relay to deliver payload to the device deviceID, and
// returns the message ID the relay assigned to it.
func (c *Client) Send(ctx context.Context, deviceID string, payload []byte, blobRefs []string) (string, error) {
	return c.SendWithID(ctx, uuid.NewString(), deviceID, payload, blobRefs)
}

// SendWithID is Send with a caller chosen client message ID.  Resending
// with the same ID returns the original message ID without queueing the
// payload again.  Only one send per ID may be in flight.
func (c *Client) SendWithID(ctx context.Context, clientMessageID, deviceID string, payload []byte, blobRefs []string) (string, error) {
	ch := make(chan *wire.MessageToDeviceRequestStatus, 1)
	c.Lock()
	if c.err != nil {
		err := c.err
		c.Unlock()
		return "", err
	}
	c.pending[clientMessageID] = ch
	c.Unlock()
	defer func() {
		c.Lock()
		delete(c.pending, clientMessageID)
		c.Unlock()
	}()

	if err := c.write(ctx, &wire.MessageToDeviceRequest{
		ClientMessageID: clientMessageID,
		DeviceID:        deviceID,
		Payload:         payload,
		BlobRefs:        blobRefs,
	}); err != nil {
		return "", err
	}

	select {
	case st, ok := <-ch:
		if !ok {
			return "", c.Err()
		}
		if st.Status != wire.StatusSuccess {
			return "", &StatusError{Status: st.Status, Message: st.Error}
		}
		return st.MessageID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Ack acknowledges delivered messages.
func (c *Client) Ack(ctx context.Context, messageIDs ...string) error {
	return c.write(ctx, &wire.MessageReceiveConfirmation{MessageIDs: messageIDs})
}

// Heartbeat keeps the session alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.write(ctx, &wire.Heartbeat{})
}

// Poll fetches the envelopes queued for the device over HTTP, waiting
// for the relay's drain timeout if there are none.
func (c *Client) Poll(ctx context.Context) ([]*Message, error) {
	u, err := c.httpURL(messagesPath)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(sessionIDHeader, c.sessionID)
	req.Header.Set("Accept", contentType)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.Status, Message: string(bytes.TrimSpace(b))}
	}

	m, err := wire.Decode(b)
	if err != nil {
		return nil, err
	}
	batch, ok := m.(*wire.MessageBatch)
	if !ok {
		return nil, fmt.Errorf("client: unexpected poll reply: %v", m.Type())
	}
	msgs := make([]*Message, 0, len(batch.Messages))
	for _, v := range batch.Messages {
		e, err := envelope.Decode(v.Envelope)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, &Message{ID: v.MessageID, Envelope: e})
	}
	return msgs, nil
}

func (c *Client) httpURL(path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.URL, "/") + path)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u.String(), nil
}

// Close ends the session.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.fail(ErrClosed)
		c.writeLock.Lock()
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeLock.Unlock()
		err = c.conn.Close()
		c.Halt()
	})
	return err
}

func (c *Client) write(ctx context.Context, m wire.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *Client) read() (wire.Message, error) {
	t, b, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if t != websocket.BinaryMessage {
		return nil, fmt.Errorf("client: unexpected websocket message type: %v", t)
	}
	return wire.Decode(b)
}

func (c *Client) fail(err error) {
	c.Lock()
	defer c.Unlock()
	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) reader() {
	defer close(c.doneCh)

	for {
		m, err := c.read()
		if err != nil {
			c.log.Debugf("Session ended: %v", err)
			c.fail(err)
			return
		}

		switch m := m.(type) {
		case *wire.Heartbeat:
			c.log.Debugf("Heartbeat echoed.")
		case *wire.MessageToDeviceRequestStatus:
			c.Lock()
			ch, ok := c.pending[m.ClientMessageID]
			delete(c.pending, m.ClientMessageID)
			c.Unlock()
			if ok {
				ch <- m
			}
		case *wire.MessageToDevice:
			e, err := envelope.Decode(m.Envelope)
			if err != nil {
				c.log.Warningf("Dropping undecodable message %v: %v", m.MessageID, err)
				continue
			}
			select {
			case c.messageCh <- &Message{ID: m.MessageID, Envelope: e}:
			case <-c.HaltCh():
				c.fail(ErrClosed)
				return
			}
		case *wire.DeliveryNotice:
			select {
			case c.noticeCh <- m:
			case <-c.HaltCh():
				c.fail(ErrClosed)
				return
			}
		default:
			c.log.Warningf("Ignoring unexpected message: %v", m.Type())
		}
	}
}

func (c *Client) heartbeatWorker() {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-c.HaltCh():
			return
		case <-c.doneCh:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatInterval)
		err := c.Heartbeat(ctx)
		cancel()
		if err != nil {
			c.log.Debugf("Failed to send heartbeat: %v", err)
			return
		}
	}
}
