// externidentity.go - External identity service client.
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

// Package externidentity implements the identity service Verifier with
// http calls to an external authorization source.
package externidentity

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ugorji/go/codec"

	"github.com/katzenpost/tunnelbroker/server/identity"
)

const isValidEndpoint = "isvalid"

var jsonHandle = &codec.JsonHandle{}

type externIdentity struct {
	provider string
	client   *http.Client
}

func (e *externIdentity) doPost(ctx context.Context, endpoint string, data url.Values) (bool, error) {
	uri := e.provider + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, strings.NewReader(data.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rsp, err := e.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("externidentity: %w", err)
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("externidentity: unexpected status: %v", rsp.Status)
	}

	response := map[string]bool{}
	d := codec.NewDecoder(rsp.Body, jsonHandle)
	if err = d.Decode(&response); err != nil {
		return false, fmt.Errorf("externidentity: malformed response: %w", err)
	}
	return response[endpoint], nil
}

func (e *externIdentity) IsValid(ctx context.Context, r *identity.Request) (bool, error) {
	form := url.Values{
		"user":   {r.UserID},
		"device": {r.DeviceID},
		"type":   {r.DeviceType},
		"key":    {base64.StdEncoding.EncodeToString(r.PublicKey)},
	}
	return e.doPost(ctx, isValidEndpoint, form)
}

// New creates an identity service client for the given provider URL.
func New(provider string, timeout time.Duration) (identity.Verifier, error) {
	u, err := url.Parse(provider)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("externidentity: invalid provider URL: '%v'", provider)
	}
	return &externIdentity{
		provider: strings.TrimSuffix(provider, "/"),
		client:   &http.Client{Timeout: timeout},
	}, nil
}
