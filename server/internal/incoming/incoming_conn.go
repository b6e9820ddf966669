// incoming_conn.go - Incoming websocket connection.
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

package incoming

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/tunnelbroker/core/retry"
	"github.com/katzenpost/tunnelbroker/crypto"
	"github.com/katzenpost/tunnelbroker/device"
	"github.com/katzenpost/tunnelbroker/envelope"
	"github.com/katzenpost/tunnelbroker/server/internal/delivery"
	"github.com/katzenpost/tunnelbroker/server/internal/instrument"
	"github.com/katzenpost/tunnelbroker/server/internal/session"
	"github.com/katzenpost/tunnelbroker/wire"
)

var incomingConnID uint64

// errProtocol is returned when a device sends a frame that is not valid
// at that point of the exchange.
var errProtocol = errors.New("incoming: protocol violation")

// rejectReasons are the only reasons disclosed to a peer that failed the
// handshake.
var rejectReasons = map[string]string{
	wire.StatusInvalidRequest:  "invalid connection initialization",
	wire.StatusUnauthenticated: "authentication failed",
}

type incomingConn struct {
	l   *listener
	log *logging.Logger

	ws *websocket.Conn
	e  *list.Element
	id uint64

	writeTimeout   time.Duration
	maxMessageSize int

	writeLock sync.Mutex
	readyCh   chan struct{}
	closeOnce sync.Once
}

// Send implements session.Transport.  Frames queued before the connection
// initialization response is written wait for it.
func (c *incomingConn) Send(ctx context.Context, frame []byte) error {
	if len(frame) > c.maxMessageSize {
		return retry.Permanent(fmt.Errorf("incoming: frame of %d bytes exceeds limit", len(frame)))
	}

	select {
	case <-c.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	stop := context.AfterFunc(ctx, func() {
		// Unblocks an in-progress write.
		c.Close()
	})
	defer stop()

	if err := c.writeFrame(frame); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A failed write leaves the websocket unusable.
		c.Close()
		return fmt.Errorf("%w: %v", session.ErrSessionClosed, err)
	}
	return nil
}

// Close implements session.Transport.
func (c *incomingConn) Close() error {
	c.closeOnce.Do(func() {
		c.ws.Close()
	})
	return nil
}

func (c *incomingConn) writeFrame(frame []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *incomingConn) writeMessage(m wire.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return c.writeFrame(b)
}

func (c *incomingConn) readMessage() (wire.Message, error) {
	mt, b, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: unexpected websocket message type %d", errProtocol, mt)
	}
	return wire.Decode(b)
}

func (c *incomingConn) worker() {
	defer func() {
		c.log.Debugf("Closing.")
		c.Close()
		c.l.onClosedConn(c) // Remove from the connection list.
	}()

	s, err := c.handshake()
	if err != nil {
		c.log.Debugf("Handshake failed: %v", err)
		return
	}
	sessions := c.l.glue.Sessions()
	defer sessions.CloseSession(s)

	// Start reading from the peer.
	msgCh := make(chan wire.Message)
	msgCloseCh := make(chan interface{})
	defer close(msgCloseCh)
	go func() {
		defer close(msgCh)
		for {
			m, err := c.readMessage()
			if err != nil {
				c.log.Debugf("Failed to receive message: %v", err)
				return
			}
			select {
			case msgCh <- m:
			case <-msgCloseCh:
				// c.worker() is returning for some reason, give up on
				// trying to write the message, and just return.
				return
			}
		}
	}()

	for {
		var m wire.Message
		var ok bool

		select {
		case <-c.l.closeAllCh:
			// Server is getting shutdown, all connections are being closed.
			return
		case <-s.Done():
			c.log.Debugf("Session closed.")
			return
		case m, ok = <-msgCh:
			if !ok {
				return
			}
		}

		instrument.Incoming(m.Type().String())
		if err := sessions.KeepAlive(s.ID()); err != nil {
			return
		}

		switch msg := m.(type) {
		case *wire.Heartbeat:
			err = c.writeMessage(&wire.Heartbeat{})
		case *wire.MessageToDeviceRequest:
			err = c.onMessageToDeviceRequest(s, msg)
		case *wire.MessageReceiveConfirmation:
			c.onMessageReceiveConfirmation(s, msg)
		default:
			c.log.Debugf("Received unexpected message: %v", m.Type())
			err = errProtocol
		}
		if err != nil {
			c.log.Debugf("Disconnecting: %v", err)
			return
		}
	}

	// NOTREACHED
}

func (c *incomingConn) handshake() (*session.Session, error) {
	cfg := c.l.glue.Config()
	timeout := time.Duration(cfg.Session.HandshakeTimeout) * time.Millisecond

	c.ws.SetReadDeadline(time.Now().Add(timeout))
	m, err := c.readMessage()
	if err != nil {
		c.reject(wire.StatusInvalidRequest, err)
		return nil, err
	}
	c.ws.SetReadDeadline(time.Time{})

	ci, ok := m.(*wire.ConnectionInitialization)
	if !ok {
		err = fmt.Errorf("%w: expected ConnectionInitialization, got %v", errProtocol, m.Type())
		c.reject(wire.StatusInvalidRequest, err)
		return nil, err
	}
	instrument.Incoming(ci.Type().String())

	id, err := ci.Identity()
	if err != nil {
		c.reject(wire.StatusInvalidRequest, err)
		return nil, err
	}
	c.log.Debugf("Device: %v Key: %v", id, crypto.Fingerprint(ci.PublicKey))

	ctx, cancel := c.l.HaltContext(context.Background())
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	s, err := c.l.glue.Sessions().Initiate(ctx, &session.InitiateRequest{
		Device:      id,
		PublicKey:   ci.PublicKey,
		Signature:   ci.Signature,
		Transport:   c,
		NotifyToken: ci.NotifyToken,
		AppVersion:  ci.AppVersion,
		OS:          ci.OS,
	})
	if err != nil {
		c.reject(wire.StatusUnauthenticated, err)
		return nil, err
	}

	if err = c.writeMessage(&wire.ConnectionInitializationResponse{
		Status:    wire.StatusSuccess,
		SessionID: s.ID(),
	}); err != nil {
		c.l.glue.Sessions().CloseSession(s)
		return nil, err
	}
	close(c.readyCh)
	c.log = c.l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d:%v", c.id, id.DeviceID))
	return s, nil
}

func (c *incomingConn) reject(status string, err error) {
	c.log.Debugf("Rejecting handshake (%v): %v", status, err)
	resp := &wire.ConnectionInitializationResponse{
		Status: status,
		Error:  rejectReasons[status],
	}
	if wErr := c.writeMessage(resp); wErr != nil {
		c.log.Debugf("Failed to send rejection: %v", wErr)
	}
}

func (c *incomingConn) onMessageToDeviceRequest(s *session.Session, req *wire.MessageToDeviceRequest) error {
	resp := &wire.MessageToDeviceRequestStatus{
		ClientMessageID: req.ClientMessageID,
	}

	ticket, err := enqueue(c.l.glue.Directory(), c.l.glue.Queue(), s.Device(), req)
	if err != nil {
		c.log.Debugf("Rejecting message %v to %v: %v", req.ClientMessageID, req.DeviceID, err)
		resp.Status = StatusFor(err)
		resp.Error = err.Error()
	} else {
		resp.MessageID = ticket.ID
		resp.Status = wire.StatusSuccess
	}
	return c.writeMessage(resp)
}

func (c *incomingConn) onMessageReceiveConfirmation(s *session.Session, msg *wire.MessageReceiveConfirmation) {
	acknowledge(c.l.glue.Queue(), s.Device().DeviceID, msg.MessageIDs, c.log)
}

func enqueue(dir *session.Directory, q *delivery.Queue, from device.Identity, req *wire.MessageToDeviceRequest) (delivery.Ticket, error) {
	to, ok := dir.Device(req.DeviceID)
	if !ok {
		return delivery.Ticket{}, fmt.Errorf("%w: %v", delivery.ErrUnknownRecipient, req.DeviceID)
	}
	e, err := envelope.New(from, to, req.Payload, req.BlobRefs, time.Time{})
	if err != nil {
		return delivery.Ticket{}, err
	}
	return q.EnqueueMessage(req.ClientMessageID, e)
}

func acknowledge(q *delivery.Queue, deviceID string, ids []string, log *logging.Logger) {
	for _, id := range ids {
		if err := q.Acknowledge(delivery.Ticket{ID: id, Recipient: deviceID}); err != nil {
			log.Debugf("Failed to acknowledge %v: %v", id, err)
		}
	}
}

// StatusFor maps an enqueue error to a wire status.
func StatusFor(err error) string {
	switch {
	case err == nil:
		return wire.StatusSuccess
	case errors.Is(err, delivery.ErrUnknownRecipient):
		return wire.StatusUnknownRecipient
	case errors.Is(err, envelope.ErrMalformedEnvelope), errors.Is(err, envelope.ErrUnknownDeviceType):
		return wire.StatusMalformedEnvelope
	case errors.Is(err, delivery.ErrUnknownSender), errors.Is(err, session.ErrAuthenticationFailed):
		return wire.StatusUnauthenticated
	case errors.Is(err, delivery.ErrQueueFull), errors.Is(err, delivery.ErrDeliveryFailed):
		return wire.StatusDeliveryFailed
	case errors.Is(err, delivery.ErrRecipientUnreachable):
		return wire.StatusRecipientUnreachable
	default:
		return wire.StatusServerError
	}
}

func newIncomingConn(l *listener, ws *websocket.Conn) *incomingConn {
	cfg := l.glue.Config()
	c := &incomingConn{
		l:              l,
		ws:             ws,
		id:             atomic.AddUint64(&incomingConnID, 1), // Diagnostic only, wrapping is fine.
		writeTimeout:   time.Duration(cfg.Session.WriteTimeout) * time.Millisecond,
		maxMessageSize: cfg.Session.MaxMessageSize,
		readyCh:        make(chan struct{}),
	}
	c.log = l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d", c.id))
	ws.SetReadLimit(int64(c.maxMessageSize))

	c.log.Debugf("New incoming connection: %v", ws.RemoteAddr())
	return c
}
