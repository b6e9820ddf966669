// config.go - Tunnelbroker server configuration.
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

// Package config provides the tunnelbroker server configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"

	"github.com/katzenpost/tunnelbroker/crypto"
	"github.com/katzenpost/tunnelbroker/envelope"
	"github.com/katzenpost/tunnelbroker/wire"
)

const (
	defaultAddress            = "127.0.0.1:51001"
	defaultLogLevel           = "NOTICE"
	defaultIdleTimeout        = 90 * 1000 // 90 sec.
	defaultSweepInterval      = 5 * 1000  // 5 sec.
	defaultHandshakeTimeout   = 10 * 1000 // 10 sec.
	defaultWriteTimeout       = 10 * 1000 // 10 sec.
	defaultMaxAttempts        = 5
	defaultRetryBaseDelay     = 250       // 250 ms.
	defaultRetryMaxDelay      = 10 * 1000 // 10 sec.
	defaultExpiry             = 7 * 24 * 60 * 60 * 1000
	defaultExpiryInterval     = 60 * 1000 // 60 sec.
	defaultDrainTimeout       = 30 * 1000 // 30 sec.
	defaultDedupCacheSize     = 4096
	defaultMaxQueueLength     = 10000
	defaultIdentityTimeout    = 5 * 1000 // 5 sec.
	defaultMaxMessageSize     = 1 << 21
	minMessageSize            = envelope.MaxPayloadLength + envelope.MaxOverhead + wire.MessageToDeviceOverhead
	defaultDeviceDB           = "devices.db"
	defaultSpoolDB            = "spool.db"
	defaultMaxPendingVerifies = 64
	defaultManagementSocket   = "management_sock"

	backendPgx = "pgx"

	// BackendBolt is a BoltDB based backend.
	BackendBolt = "bolt"

	// BackendMemory is a volatile in-memory backend.
	BackendMemory = "memory"

	// BackendSQL is a SQL based backend.
	BackendSQL = "sql"

	// BackendExtern is a External (RESTful http) backend.
	BackendExtern = "extern"

	// BackendAllow admits every device.  Development only.
	BackendAllow = "allow"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the tunnelbroker server configuration.
type Server struct {
	// Identifier is the human readable identifier for the relay (eg: FQDN).
	Identifier string

	// Addresses are the host:port addresses the relay accepts device
	// connections on.
	Addresses []string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.  Metrics are disabled if left empty.
	MetricsAddress string

	// DataDir is the absolute path to the server's state files.
	DataDir string

	// SignatureScheme is the signature scheme devices authenticate
	// sessions with.
	SignatureScheme string
}

func (sCfg *Server) applyDefaults() {
	if len(sCfg.Addresses) == 0 {
		sCfg.Addresses = []string{defaultAddress}
	}
	if sCfg.SignatureScheme == "" {
		sCfg.SignatureScheme = crypto.DefaultSchemeName
	}
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	for _, v := range sCfg.Addresses {
		if _, port, err := net.SplitHostPort(v); err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		} else if port == "" {
			return fmt.Errorf("config: Server: Address '%v' is invalid: Must contain Port", v)
		}
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(sCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	if _, err := crypto.NewScheme(sCfg.SignatureScheme); err != nil {
		return fmt.Errorf("config: Server: %v", err)
	}
	return nil
}

// Logging is the tunnelbroker server logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Session is the relay session configuration.
type Session struct {
	// IdleTimeout is the time in milliseconds after which a session that
	// has not been kept alive is closed.
	IdleTimeout int

	// SweepInterval is the interval in milliseconds at which idle
	// sessions are looked for.
	SweepInterval int

	// HandshakeTimeout is the maximum time in milliseconds a device has
	// to send its connection initialization message.
	HandshakeTimeout int

	// WriteTimeout is the maximum time in milliseconds a single frame
	// write may take.
	WriteTimeout int

	// MaxMessageSize is the maximum size of a single inbound frame in
	// bytes.
	MaxMessageSize int
}

func (sCfg *Session) applyDefaults() {
	if sCfg.IdleTimeout <= 0 {
		sCfg.IdleTimeout = defaultIdleTimeout
	}
	if sCfg.SweepInterval <= 0 {
		sCfg.SweepInterval = defaultSweepInterval
	}
	if sCfg.HandshakeTimeout <= 0 {
		sCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if sCfg.WriteTimeout <= 0 {
		sCfg.WriteTimeout = defaultWriteTimeout
	}
	if sCfg.MaxMessageSize <= 0 {
		sCfg.MaxMessageSize = defaultMaxMessageSize
	}
}

func (sCfg *Session) validate() error {
	if sCfg.SweepInterval > sCfg.IdleTimeout {
		return fmt.Errorf("config: Session: SweepInterval %v exceeds IdleTimeout %v", sCfg.SweepInterval, sCfg.IdleTimeout)
	}
	if sCfg.MaxMessageSize < minMessageSize {
		return fmt.Errorf("config: Session: MaxMessageSize %v is below the minimum of %v", sCfg.MaxMessageSize, minMessageSize)
	}
	return nil
}

// Delivery is the delivery queue configuration.
type Delivery struct {
	// MaxAttempts is the number of send attempts made for an envelope
	// before the sender is told delivery failed.
	MaxAttempts int

	// RetryBaseDelay is the initial retry backoff in milliseconds.
	RetryBaseDelay int

	// RetryMaxDelay is the maximum retry backoff in milliseconds.
	RetryMaxDelay int

	// Expiry is the time in milliseconds an envelope is kept for an
	// unreachable recipient.
	Expiry int

	// ExpiryInterval is the interval in milliseconds at which expired
	// envelopes are looked for.
	ExpiryInterval int

	// DrainTimeout is the maximum time in milliseconds a long poll waits
	// for an envelope.
	DrainTimeout int

	// DedupCacheSize is the number of recent client message IDs that are
	// remembered to suppress duplicate sends.
	DedupCacheSize int

	// MaxQueueLength is the maximum number of envelopes queued for a
	// single device.
	MaxQueueLength int
}

func (dCfg *Delivery) applyDefaults() {
	if dCfg.MaxAttempts <= 0 {
		dCfg.MaxAttempts = defaultMaxAttempts
	}
	if dCfg.RetryBaseDelay <= 0 {
		dCfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if dCfg.RetryMaxDelay <= 0 {
		dCfg.RetryMaxDelay = defaultRetryMaxDelay
	}
	if dCfg.Expiry <= 0 {
		dCfg.Expiry = defaultExpiry
	}
	if dCfg.ExpiryInterval <= 0 {
		dCfg.ExpiryInterval = defaultExpiryInterval
	}
	if dCfg.DrainTimeout <= 0 {
		dCfg.DrainTimeout = defaultDrainTimeout
	}
	if dCfg.DedupCacheSize <= 0 {
		dCfg.DedupCacheSize = defaultDedupCacheSize
	}
	if dCfg.MaxQueueLength <= 0 {
		dCfg.MaxQueueLength = defaultMaxQueueLength
	}
}

func (dCfg *Delivery) validate() error {
	if dCfg.RetryBaseDelay > dCfg.RetryMaxDelay {
		return fmt.Errorf("config: Delivery: RetryBaseDelay %v exceeds RetryMaxDelay %v", dCfg.RetryBaseDelay, dCfg.RetryMaxDelay)
	}
	return nil
}

// SQLDB is the SQL database backend configuration.
type SQLDB struct {
	// Backend is the active database backend (driver).
	//
	//  - pgx: Postgresql.
	Backend string

	// DataSourceName is the SQL data source name or URI.  The format
	// of this parameter is dependent on the database driver being used.
	//
	//  - pgx: https://godoc.org/github.com/jackc/pgx#ParseConnectionString
	DataSourceName string

	// MaxConnections is the size of the connection pool.
	MaxConnections int
}

func (sCfg *SQLDB) validate() error {
	switch sCfg.Backend {
	case backendPgx:
	default:
		return fmt.Errorf("config: SQLDB: Backend '%v' is invalid", sCfg.Backend)
	}
	if sCfg.DataSourceName == "" {
		return fmt.Errorf("config: SQLDB: DataSourceName '%v' is invalid", sCfg.DataSourceName)
	}
	if sCfg.MaxConnections <= 0 {
		sCfg.MaxConnections = 2 * runtime.NumCPU()
	}
	return nil
}

// DeviceDB is the device database backend configuration.
type DeviceDB struct {
	// Backend is the active device database backend.  If left empty, the
	// BoltDeviceDB backend will be used (`bolt`).
	Backend string

	// BoltDB backed device database (`bolt`).
	Bolt *BoltDeviceDB
}

// BoltDeviceDB is the BoltDB implementation of the device database.
type BoltDeviceDB struct {
	// DeviceDB is the path to the device database.  If left empty it will
	// use `devices.db` under the DataDir.
	DeviceDB string
}

func (dCfg *DeviceDB) applyDefaults(sCfg *Server) {
	if dCfg.Backend == "" {
		dCfg.Backend = BackendBolt
	}
	if dCfg.Backend == BackendBolt {
		if dCfg.Bolt == nil {
			dCfg.Bolt = &BoltDeviceDB{}
		}
		if dCfg.Bolt.DeviceDB == "" {
			dCfg.Bolt.DeviceDB = filepath.Join(sCfg.DataDir, defaultDeviceDB)
		}
	}
}

func (dCfg *DeviceDB) validate() error {
	switch dCfg.Backend {
	case BackendBolt:
		if !filepath.IsAbs(dCfg.Bolt.DeviceDB) {
			return fmt.Errorf("config: DeviceDB: DeviceDB '%v' is not an absolute path", dCfg.Bolt.DeviceDB)
		}
	case BackendMemory, BackendSQL:
	default:
		return fmt.Errorf("config: DeviceDB: Backend '%v' is invalid", dCfg.Backend)
	}
	return nil
}

// Spool is the envelope spool configuration.
type Spool struct {
	// Backend is the active spool backend.  If left empty, queued
	// envelopes are only kept in memory (`memory`).
	Backend string

	// BoltDB backed spool (`bolt`).
	Bolt *BoltSpool
}

// BoltSpool is the BoltDB implementation of the spool.
type BoltSpool struct {
	// SpoolDB is the path to the envelope spool.  If left empty, it will
	// use `spool.db` under the DataDir.
	SpoolDB string
}

func (sCfg *Spool) applyDefaults(srvCfg *Server) {
	if sCfg.Backend == "" {
		sCfg.Backend = BackendMemory
	}
	if sCfg.Backend == BackendBolt {
		if sCfg.Bolt == nil {
			sCfg.Bolt = &BoltSpool{}
		}
		if sCfg.Bolt.SpoolDB == "" {
			sCfg.Bolt.SpoolDB = filepath.Join(srvCfg.DataDir, defaultSpoolDB)
		}
	}
}

func (sCfg *Spool) validate() error {
	switch sCfg.Backend {
	case BackendBolt:
		if !filepath.IsAbs(sCfg.Bolt.SpoolDB) {
			return fmt.Errorf("config: Spool: SpoolDB '%v' is not an absolute path", sCfg.Bolt.SpoolDB)
		}
	case BackendMemory, BackendSQL:
	default:
		return fmt.Errorf("config: Spool: Backend '%v' is invalid", sCfg.Backend)
	}
	return nil
}

// Identity is the identity service configuration.
type Identity struct {
	// Backend is the active identity service backend (`extern` or
	// `allow`).
	Backend string

	// Externally defined (RESTful http) identity service (`extern`).
	Extern *ExternIdentity
}

// ExternIdentity is the external http identity service.
type ExternIdentity struct {
	// ProviderURL is the base url of the identity service API.  It should
	// be in the form `http://localhost:8080/`
	ProviderURL string

	// Timeout is the request timeout in milliseconds.
	Timeout int
}

func (iCfg *Identity) validate() error {
	switch iCfg.Backend {
	case BackendExtern:
		if iCfg.Extern == nil {
			return errors.New("config: Identity: Extern block is missing")
		}
		u, err := url.Parse(iCfg.Extern.ProviderURL)
		if err != nil {
			return fmt.Errorf("config: Identity: ProviderURL '%v' is invalid: %v", iCfg.Extern.ProviderURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("config: Identity: ProviderURL '%v' is invalid: unsupported scheme", iCfg.Extern.ProviderURL)
		}
		if iCfg.Extern.Timeout <= 0 {
			iCfg.Extern.Timeout = defaultIdentityTimeout
		}
	case BackendAllow:
	default:
		return fmt.Errorf("config: Identity: Backend '%v' is invalid", iCfg.Backend)
	}
	return nil
}

// Management is the tunnelbroker management interface configuration.
type Management struct {
	// Enable enables the management interface.
	Enable bool

	// Path specifies the path to the management interface socket.  If left
	// empty it will use `management_sock` under the DataDir.
	Path string
}

func (mCfg *Management) applyDefaults(sCfg *Server) {
	if mCfg.Path == "" {
		mCfg.Path = filepath.Join(sCfg.DataDir, defaultManagementSocket)
	}
}

func (mCfg *Management) validate() error {
	if !mCfg.Enable {
		return nil
	}
	if !filepath.IsAbs(mCfg.Path) {
		return fmt.Errorf("config: Management: Path '%v' is not an absolute path", mCfg.Path)
	}
	return nil
}

// Debug is the tunnelbroker server debug configuration.
type Debug struct {
	// NumVerifyWorkers specifies the number of worker instances to use for
	// session signature verification.
	NumVerifyWorkers int

	// MaxPendingVerifies is the number of session initializations that
	// may wait for a verify worker before new ones are rejected.
	MaxPendingVerifies int

	// EnableProfiling starts the pyroscope profiler, when compiled in.
	EnableProfiling bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.NumVerifyWorkers <= 0 {
		dCfg.NumVerifyWorkers = runtime.NumCPU()
	}
	if dCfg.MaxPendingVerifies <= 0 {
		dCfg.MaxPendingVerifies = defaultMaxPendingVerifies
	}
}

// Config is the top level tunnelbroker server configuration.
type Config struct {
	Server     *Server
	Logging    *Logging
	Session    *Session
	Delivery   *Delivery
	SQLDB      *SQLDB
	DeviceDB   *DeviceDB
	Spool      *Spool
	Identity   *Identity
	Management *Management

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Server and Identity sections are mandatory, everything else is
	// optional.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Identity == nil {
		return errors.New("config: No Identity block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Session == nil {
		cfg.Session = &Session{}
	}
	if cfg.Delivery == nil {
		cfg.Delivery = &Delivery{}
	}
	if cfg.DeviceDB == nil {
		cfg.DeviceDB = &DeviceDB{}
	}
	if cfg.Spool == nil {
		cfg.Spool = &Spool{}
	}
	if cfg.Management == nil {
		cfg.Management = &Management{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Server.applyDefaults()
	cfg.Session.applyDefaults()
	cfg.Delivery.applyDefaults()
	cfg.DeviceDB.applyDefaults(cfg.Server)
	cfg.Spool.applyDefaults(cfg.Server)
	cfg.Management.applyDefaults(cfg.Server)
	cfg.Debug.applyDefaults()

	// Perform basic validation.
	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Session.validate(); err != nil {
		return err
	}
	if err := cfg.Delivery.validate(); err != nil {
		return err
	}
	if err := cfg.DeviceDB.validate(); err != nil {
		return err
	}
	if err := cfg.Spool.validate(); err != nil {
		return err
	}
	if err := cfg.Identity.validate(); err != nil {
		return err
	}
	if err := cfg.Management.validate(); err != nil {
		return err
	}
	if cfg.UsesSQL() {
		if cfg.SQLDB == nil {
			return errors.New("config: SQL backend selected but no SQLDB block was present")
		}
		if err := cfg.SQLDB.validate(); err != nil {
			return err
		}
	} else if cfg.SQLDB != nil {
		return errors.New("config: SQLDB block set but no backend uses it")
	}

	var err error
	cfg.Server.Identifier, err = idna.Lookup.ToASCII(cfg.Server.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}

	return nil
}

// UsesSQL returns true iff any backend is configured to use the SQL
// database.
func (cfg *Config) UsesSQL() bool {
	return cfg.DeviceDB.Backend == BackendSQL || cfg.Spool.Backend == BackendSQL
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
