// verifier.go - Signature verification workers.
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

package session

import (
	"context"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/tunnelbroker/core/worker"
	"github.com/katzenpost/tunnelbroker/crypto"
	"github.com/katzenpost/tunnelbroker/server/internal/instrument"
)

type verifyJob struct {
	publicKey []byte
	message   []byte
	signature []byte
	resultCh  chan verifyResult
}

type verifyResult struct {
	ok  bool
	err error
}

// verifyPool runs signature verification on a fixed number of workers so
// that a flood of handshakes can not monopolize the CPU.
type verifyPool struct {
	worker.Worker

	log      *logging.Logger
	verifier crypto.Verifier
	jobCh    chan *verifyJob
}

func newVerifyPool(v crypto.Verifier, numWorkers, maxPending int, log *logging.Logger) *verifyPool {
	p := &verifyPool{
		log:      log,
		verifier: v,
		jobCh:    make(chan *verifyJob, maxPending),
	}
	for i := 0; i < numWorkers; i++ {
		p.Go(p.worker)
	}
	return p
}

func (p *verifyPool) worker() {
	for {
		var job *verifyJob
		select {
		case <-p.HaltCh():
			p.log.Debugf("Verify worker terminating gracefully.")
			return
		case job = <-p.jobCh:
		}

		start := time.Now()
		ok, err := p.verifier.Verify(job.publicKey, job.message, job.signature)
		instrument.ObserveVerify(time.Since(start))

		// resultCh is buffered, the submitter may have given up.
		job.resultCh <- verifyResult{ok: ok, err: err}
	}
}

// verify submits the signature for verification and waits for the
// result.
func (p *verifyPool) verify(ctx context.Context, publicKey, message, signature []byte) (bool, error) {
	job := &verifyJob{
		publicKey: publicKey,
		message:   message,
		signature: signature,
		resultCh:  make(chan verifyResult, 1),
	}

	select {
	case p.jobCh <- job:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-p.HaltCh():
		return false, ErrSessionClosed
	}

	select {
	case r := <-job.resultCh:
		return r.ok, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	case <-p.HaltCh():
		return false, ErrSessionClosed
	}
}
