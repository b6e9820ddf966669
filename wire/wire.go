// wire.go - Relay wire protocol messages.
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

// Package wire implements the frames exchanged between a device and the
// relay over a session transport.  Every frame is a CBOR tagged union of
// a message type and a message body.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/tunnelbroker/device"
)

// BindingContext prefixes the message signed by a device to bind its
// identity to its session public key.
const BindingContext = "tunnelbroker-session-v0"

// MessageToDeviceOverhead bounds the encoded size of a MessageToDevice
// frame beyond its envelope, for message IDs of up to 64 bytes.
const MessageToDeviceOverhead = 128

// Type is a wire message type.
type Type uint8

const (
	TypeConnectionInitialization Type = iota + 1
	TypeConnectionInitializationResponse
	TypeHeartbeat
	TypeMessageToDeviceRequest
	TypeMessageToDeviceRequestStatus
	TypeMessageToDevice
	TypeMessageReceiveConfirmation
	TypeDeliveryNotice
	TypeMessageBatch
)

var typeNames = map[Type]string{
	TypeConnectionInitialization:         "ConnectionInitialization",
	TypeConnectionInitializationResponse: "ConnectionInitializationResponse",
	TypeHeartbeat:                        "Heartbeat",
	TypeMessageToDeviceRequest:           "MessageToDeviceRequest",
	TypeMessageToDeviceRequestStatus:     "MessageToDeviceRequestStatus",
	TypeMessageToDevice:                  "MessageToDevice",
	TypeMessageReceiveConfirmation:       "MessageReceiveConfirmation",
	TypeDeliveryNotice:                   "DeliveryNotice",
	TypeMessageBatch:                     "MessageBatch",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Status values carried in responses.
const (
	StatusSuccess              = "Success"
	StatusInvalidRequest       = "InvalidRequest"
	StatusUnauthenticated      = "Unauthenticated"
	StatusUnknownRecipient     = "UnknownRecipient"
	StatusMalformedEnvelope    = "MalformedEnvelope"
	StatusDeliveryFailed       = "DeliveryFailed"
	StatusRecipientUnreachable = "RecipientUnreachable"
	StatusServerError          = "ServerError"
)

var (
	// ErrUnknownMessageType is the error returned when decoding a frame
	// with an unrecognized type.
	ErrUnknownMessageType = errors.New("wire: unknown message type")

	// ErrInvalidFrame is the error returned for frames that are not CBOR
	// or have a body of the wrong shape.
	ErrInvalidFrame = errors.New("wire: invalid frame")

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(err)
	}
}

// Message is a wire message.
type Message interface {
	Type() Type
}

// ConnectionInitialization is the first frame sent by a device on a new
// transport.
type ConnectionInitialization struct {
	DeviceID    string `cbor:"1,keyasint"`
	UserID      string `cbor:"2,keyasint"`
	DeviceType  string `cbor:"3,keyasint"`
	PublicKey   []byte `cbor:"4,keyasint"`
	Signature   []byte `cbor:"5,keyasint"`
	NotifyToken string `cbor:"6,keyasint,omitempty"`
	AppVersion  string `cbor:"7,keyasint,omitempty"`
	OS          string `cbor:"8,keyasint,omitempty"`
}

// Type implements Message.
func (*ConnectionInitialization) Type() Type { return TypeConnectionInitialization }

// Identity returns the device identity claimed by the message.
func (m *ConnectionInitialization) Identity() (device.Identity, error) {
	t, err := device.ParseType(m.DeviceType)
	if err != nil {
		return device.Identity{}, err
	}
	id := device.Identity{DeviceID: m.DeviceID, UserID: m.UserID, Type: t}
	if err := id.Validate(); err != nil {
		return device.Identity{}, err
	}
	return id, nil
}

// ConnectionInitializationResponse answers a ConnectionInitialization.
type ConnectionInitializationResponse struct {
	Status    string `cbor:"1,keyasint"`
	SessionID string `cbor:"2,keyasint,omitempty"`
	Error     string `cbor:"3,keyasint,omitempty"`
}

// Type implements Message.
func (*ConnectionInitializationResponse) Type() Type { return TypeConnectionInitializationResponse }

// Heartbeat keeps a session alive.  The relay echoes every heartbeat.
type Heartbeat struct{}

// Type implements Message.
func (*Heartbeat) Type() Type { return TypeHeartbeat }

// MessageToDeviceRequest asks the relay to deliver a payload to a device.
type MessageToDeviceRequest struct {
	ClientMessageID string   `cbor:"1,keyasint"`
	DeviceID        string   `cbor:"2,keyasint"`
	Payload         []byte   `cbor:"3,keyasint"`
	BlobRefs        []string `cbor:"4,keyasint,omitempty"`
}

// Type implements Message.
func (*MessageToDeviceRequest) Type() Type { return TypeMessageToDeviceRequest }

// MessageToDeviceRequestStatus reports the outcome of enqueueing a
// MessageToDeviceRequest.
type MessageToDeviceRequestStatus struct {
	ClientMessageID string `cbor:"1,keyasint"`
	MessageID       string `cbor:"2,keyasint,omitempty"`
	Status          string `cbor:"3,keyasint"`
	Error           string `cbor:"4,keyasint,omitempty"`
}

// Type implements Message.
func (*MessageToDeviceRequestStatus) Type() Type { return TypeMessageToDeviceRequestStatus }

// MessageToDevice carries an encoded envelope to its recipient.
type MessageToDevice struct {
	MessageID string `cbor:"1,keyasint"`
	Envelope  []byte `cbor:"2,keyasint"`
}

// Type implements Message.
func (*MessageToDevice) Type() Type { return TypeMessageToDevice }

// MessageReceiveConfirmation acknowledges delivered messages.
type MessageReceiveConfirmation struct {
	MessageIDs []string `cbor:"1,keyasint"`
}

// Type implements Message.
func (*MessageReceiveConfirmation) Type() Type { return TypeMessageReceiveConfirmation }

// DeliveryNotice tells a sender that one of its messages was discarded.
type DeliveryNotice struct {
	MessageID string `cbor:"1,keyasint"`
	Recipient string `cbor:"2,keyasint"`
	Status    string `cbor:"3,keyasint"`
	Error     string `cbor:"4,keyasint,omitempty"`
}

// Type implements Message.
func (*DeliveryNotice) Type() Type { return TypeDeliveryNotice }

// MessageBatch is the reply to a long poll.
type MessageBatch struct {
	Messages []MessageToDevice `cbor:"1,keyasint"`
}

// Type implements Message.
func (*MessageBatch) Type() Type { return TypeMessageBatch }

type frame struct {
	Type Type            `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

func newMessage(t Type) Message {
	switch t {
	case TypeConnectionInitialization:
		return new(ConnectionInitialization)
	case TypeConnectionInitializationResponse:
		return new(ConnectionInitializationResponse)
	case TypeHeartbeat:
		return new(Heartbeat)
	case TypeMessageToDeviceRequest:
		return new(MessageToDeviceRequest)
	case TypeMessageToDeviceRequestStatus:
		return new(MessageToDeviceRequestStatus)
	case TypeMessageToDevice:
		return new(MessageToDevice)
	case TypeMessageReceiveConfirmation:
		return new(MessageReceiveConfirmation)
	case TypeDeliveryNotice:
		return new(DeliveryNotice)
	case TypeMessageBatch:
		return new(MessageBatch)
	default:
		return nil
	}
}

// Encode serializes a message into a frame.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("wire: nil message")
	}
	body, err := encMode.Marshal(m)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(&frame{Type: m.Type(), Body: body})
}

// Decode deserializes a frame.
func Decode(b []byte) (Message, error) {
	var f frame
	if err := decMode.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	m := newMessage(f.Type)
	if m == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, f.Type)
	}
	if isNilBody(f.Body) {
		return nil, fmt.Errorf("%w: missing body", ErrInvalidFrame)
	}
	if err := decMode.Unmarshal(f.Body, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return m, nil
}

func isNilBody(b cbor.RawMessage) bool {
	const (
		cborNull      = 0xf6
		cborUndefined = 0xf7
	)
	return len(b) == 0 || (len(b) == 1 && (b[0] == cborNull || b[0] == cborUndefined))
}

type bindingIdentity struct {
	DeviceID string `cbor:"1,keyasint"`
	UserID   string `cbor:"2,keyasint"`
	Type     string `cbor:"3,keyasint"`
}

// BindingMessage returns the message a device signs to bind its identity
// to publicKey.
func BindingMessage(id device.Identity, publicKey []byte) ([]byte, error) {
	b, err := encMode.Marshal(&bindingIdentity{
		DeviceID: id.DeviceID,
		UserID:   id.UserID,
		Type:     id.Type.String(),
	})
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, len(BindingContext)+len(b)+len(publicKey))
	msg = append(msg, BindingContext...)
	msg = append(msg, b...)
	return append(msg, publicKey...), nil
}
