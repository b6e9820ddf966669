// longpoll.go - Long poll endpoints.
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
	"io"
	"net/http"

	"github.com/katzenpost/tunnelbroker/envelope"
	"github.com/katzenpost/tunnelbroker/server/internal/instrument"
	"github.com/katzenpost/tunnelbroker/server/internal/session"
	"github.com/katzenpost/tunnelbroker/wire"
)

func (l *listener) authenticate(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.Header.Get(SessionIDHeader)
	sessions := l.glue.Sessions()
	s, ok := sessions.Session(id)
	if !ok || sessions.KeepAlive(id) != nil {
		http.Error(w, session.ErrSessionNotFound.Error(), http.StatusUnauthorized)
		return nil, false
	}
	return s, true
}

// onDrain answers with a MessageBatch of the envelopes queued for the
// session's device, waiting for one to arrive if the queue is empty.
func (l *listener) onDrain(w http.ResponseWriter, r *http.Request) {
	s, ok := l.authenticate(w, r)
	if !ok {
		return
	}
	instrument.Incoming("Drain")

	batch := &wire.MessageBatch{}
	for t, e := range l.glue.Queue().Drain(r.Context(), s.Device().DeviceID) {
		b, err := envelope.Encode(e)
		if err != nil {
			l.log.Errorf("Failed to encode envelope %v: %v", t.ID, err)
			continue
		}
		batch.Messages = append(batch.Messages, wire.MessageToDevice{
			MessageID: t.ID,
			Envelope:  b,
		})
	}

	b, err := wire.Encode(batch)
	if err != nil {
		l.log.Errorf("Failed to encode batch: %v", err)
		http.Error(w, wire.StatusServerError, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	w.Write(b)
}

// onAck acknowledges the envelopes listed in a MessageReceiveConfirmation.
func (l *listener) onAck(w http.ResponseWriter, r *http.Request) {
	s, ok := l.authenticate(w, r)
	if !ok {
		return
	}
	instrument.Incoming("Ack")

	maxSize := int64(l.glue.Config().Session.MaxMessageSize)
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	m, err := wire.Decode(b)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, ok := m.(*wire.MessageReceiveConfirmation)
	if !ok {
		http.Error(w, wire.StatusInvalidRequest, http.StatusBadRequest)
		return
	}

	acknowledge(l.glue.Queue(), s.Device().DeviceID, msg.MessageIDs, l.log)
	w.WriteHeader(http.StatusNoContent)
}
