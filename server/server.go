// server.go - Tunnelbroker relay server.
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

// Package server provides the tunnelbroker relay server.
package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/tunnelbroker/core/log"
	"github.com/katzenpost/tunnelbroker/core/retry"
	"github.com/katzenpost/tunnelbroker/core/thwack"
	"github.com/katzenpost/tunnelbroker/crypto"
	"github.com/katzenpost/tunnelbroker/server/config"
	"github.com/katzenpost/tunnelbroker/server/devicedb"
	"github.com/katzenpost/tunnelbroker/server/identity"
	"github.com/katzenpost/tunnelbroker/server/identity/externidentity"
	"github.com/katzenpost/tunnelbroker/server/internal/delivery"
	"github.com/katzenpost/tunnelbroker/server/internal/glue"
	"github.com/katzenpost/tunnelbroker/server/internal/incoming"
	"github.com/katzenpost/tunnelbroker/server/internal/instrument"
	"github.com/katzenpost/tunnelbroker/server/internal/profiling"
	"github.com/katzenpost/tunnelbroker/server/internal/session"
	"github.com/katzenpost/tunnelbroker/server/internal/sqldb"
	"github.com/katzenpost/tunnelbroker/server/spool"
)

// Server is a tunnelbroker relay instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	scheme    *crypto.Scheme
	sqlDB     *sqldb.SQLDB
	deviceDB  devicedb.DeviceDB
	spool     spool.Spool
	identity  identity.Verifier
	directory *session.Directory
	sessions  *session.Manager
	queue     *delivery.Queue
	listeners []glue.Listener

	management *thwack.Server
	metrics    *http.Server

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config {
	return g.s.cfg
}

func (g *serverGlue) LogBackend() *log.Backend {
	return g.s.logBackend
}

func (g *serverGlue) Scheme() *crypto.Scheme {
	return g.s.scheme
}

func (g *serverGlue) DeviceDB() devicedb.DeviceDB {
	return g.s.deviceDB
}

func (g *serverGlue) Directory() *session.Directory {
	return g.s.directory
}

func (g *serverGlue) Sessions() *session.Manager {
	return g.s.sessions
}

func (g *serverGlue) Queue() *delivery.Queue {
	return g.s.queue
}

func (g *serverGlue) Listeners() []glue.Listener {
	return g.s.listeners
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}

	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

func (s *Server) initIdentity() error {
	iCfg := s.cfg.Identity
	switch iCfg.Backend {
	case config.BackendExtern:
		timeout := time.Duration(iCfg.Extern.Timeout) * time.Millisecond
		v, err := externidentity.New(iCfg.Extern.ProviderURL, timeout)
		if err != nil {
			return err
		}
		s.identity = v
	case config.BackendAllow:
		s.log.Warning("Identity backend 'allow' admits every device, DO NOT USE IN PRODUCTION.")
		s.identity = identity.AllowAll{}
	default:
		return fmt.Errorf("server: invalid identity backend: '%v'", iCfg.Backend)
	}
	return nil
}

// RotateLog rotates the log file, if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
		return
	}
	s.log.Notice("Log rotated.")
}

// Addresses returns the addresses the relay is accepting device
// connections on.
func (s *Server) Addresses() []string {
	addrs := make([]string, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Deregister removes a device from the relay, closing its session and
// discarding every envelope queued for it.
func (s *Server) Deregister(deviceID string) error {
	if err := s.directory.Deregister(deviceID); err != nil {
		return err
	}
	return s.queue.Purge(deviceID)
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	// WARNING: The ordering of operations here is deliberate, and should not
	// be altered without a deep understanding of how all the components fit
	// together.

	s.log.Noticef("Starting graceful shutdown.")

	// Stop the management interface.
	if s.management != nil {
		s.management.Halt()
		s.management = nil
	}

	// Stop the listener(s), close all device connections.
	for i, l := range s.listeners {
		if l != nil {
			l.Halt()
			s.listeners[i] = nil
		}
	}

	// Close every session, which stops the delivery pumps.
	if s.sessions != nil {
		s.sessions.Halt()
		s.sessions = nil
	}

	// Stop the delivery queue, which must happen before the spool is
	// closed.
	if s.queue != nil {
		s.queue.Halt()
		s.queue = nil
	}

	// Flush and close the databases.
	if s.spool != nil {
		s.spool.Close()
		s.spool = nil
	}
	if s.deviceDB != nil {
		s.deviceDB.Close()
		s.deviceDB = nil
	}
	if s.sqlDB != nil {
		s.sqlDB.Close()
		s.sqlDB = nil
	}

	if s.metrics != nil {
		s.metrics.Close()
		s.metrics = nil
	}

	close(s.fatalErrCh)

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}
	s.log.Noticef("Server identifier is: '%v'", s.cfg.Server.Identifier)

	if s.cfg.Debug.EnableProfiling {
		if err := profiling.Start(s.logBackend.GetLogger("profiling"), s.cfg.Server.Identifier); err != nil {
			s.log.Errorf("Failed to start profiling: %v", err)
			return nil, err
		}
	}

	var err error
	if s.scheme, err = crypto.NewScheme(s.cfg.Server.SignatureScheme); err != nil {
		s.log.Errorf("Failed to initialize signature scheme: %v", err)
		return nil, err
	}
	s.log.Noticef("Devices authenticate with: %v", s.scheme.Name())

	if err = s.initIdentity(); err != nil {
		s.log.Errorf("Failed to initialize identity service: %v", err)
		return nil, err
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		// Something failed in bringing the server up, past the point where
		// files are open etc, clean up the partially constructed instance.
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			// Graceful termination.
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	g := &serverGlue{s}
	if err = s.initStorage(g); err != nil {
		s.log.Errorf("Failed to initialize storage: %v", err)
		return nil, err
	}

	if s.directory, err = session.NewDirectory(s.deviceDB, s.logBackend.GetLogger("directory")); err != nil {
		s.log.Errorf("Failed to load device directory: %v", err)
		return nil, err
	}

	sCfg := s.cfg.Session
	s.sessions, err = session.NewManager(&session.ManagerConfig{
		Verifier:           s.scheme,
		Identity:           s.identity,
		Directory:          s.directory,
		IdleTimeout:        time.Duration(sCfg.IdleTimeout) * time.Millisecond,
		SweepInterval:      time.Duration(sCfg.SweepInterval) * time.Millisecond,
		NumVerifyWorkers:   s.cfg.Debug.NumVerifyWorkers,
		MaxPendingVerifies: s.cfg.Debug.MaxPendingVerifies,
		LogBackend:         s.logBackend,
	})
	if err != nil {
		s.log.Errorf("Failed to initialize session manager: %v", err)
		return nil, err
	}

	dCfg := s.cfg.Delivery
	s.queue, err = delivery.New(&delivery.Config{
		Directory: s.directory,
		Spool:     s.spool,
		Retry: retry.Policy{
			MaxAttempts: dCfg.MaxAttempts,
			BaseDelay:   time.Duration(dCfg.RetryBaseDelay) * time.Millisecond,
			MaxDelay:    time.Duration(dCfg.RetryMaxDelay) * time.Millisecond,
			Jitter:      retry.DefaultJitter,
		},
		Expiry:         time.Duration(dCfg.Expiry) * time.Millisecond,
		ExpiryInterval: time.Duration(dCfg.ExpiryInterval) * time.Millisecond,
		DrainTimeout:   time.Duration(dCfg.DrainTimeout) * time.Millisecond,
		DedupCacheSize: dCfg.DedupCacheSize,
		MaxQueueLength: dCfg.MaxQueueLength,
		LogBackend:     s.logBackend,
	})
	if err != nil {
		s.log.Errorf("Failed to initialize delivery queue: %v", err)
		return nil, err
	}
	s.sessions.OnActive(s.queue.Attach)

	// Initialize the management interface if enabled.
	if s.cfg.Management.Enable {
		if err = s.initManagement(); err != nil {
			s.log.Errorf("Failed to initialize management interface: %v", err)
			return nil, err
		}
	}

	if s.cfg.Server.MetricsAddress != "" {
		s.metrics = instrument.StartPrometheusListener(s.cfg.Server.MetricsAddress, s.logBackend.GetLogger("metrics"))
	}

	// Bring the listener(s) online.
	s.listeners = make([]glue.Listener, 0, len(s.cfg.Server.Addresses))
	for i, addr := range s.cfg.Server.Addresses {
		l, err := incoming.New(g, i, addr)
		if err != nil {
			s.log.Errorf("Failed to spawn listener on address: %v (%v).", addr, err)
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}

	if s.management != nil {
		if err = s.management.Start(); err != nil {
			s.log.Errorf("Failed to start management interface: %v", err)
			return nil, err
		}
	}

	isOk = true
	return s, nil
}
