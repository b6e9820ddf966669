// pgx.go - Postgresql database support.
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

package sqldb

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx"

	"github.com/katzenpost/tunnelbroker/device"
	"github.com/katzenpost/tunnelbroker/server/devicedb"
	"github.com/katzenpost/tunnelbroker/server/spool"
)

const (
	implPgx = "pgx"

	pgxSchemaVersion = 0

	pgxTagDeviceGet        = "device_get"
	pgxTagDeviceInsert     = "device_insert"
	pgxTagDeviceUpsert     = "device_upsert"
	pgxTagDeviceDelete     = "device_delete"
	pgxTagDeviceList       = "device_list"
	pgxTagSpoolStore       = "spool_store"
	pgxTagSpoolRemove      = "spool_remove"
	pgxTagSpoolLoad        = "spool_load"
	pgxTagSpoolPurge       = "spool_purge"
	pgxTagSpoolRecipients  = "spool_recipients"
	pgxTagMetadataGet      = "metadata_get"
	pgxTagMetadataInitiate = "metadata_initiate"

	pgCodeNoDataFound = "P0002" // `no_data_found`
)

var pgxSchema = []string{
	`CREATE TABLE IF NOT EXISTS metadata (
		schema_version smallint NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS devices (
		device_id text PRIMARY KEY,
		user_id text NOT NULL,
		device_type smallint NOT NULL,
		public_key bytea NOT NULL,
		registered_at bigint NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS spool (
		seq bigserial PRIMARY KEY,
		recipient text NOT NULL,
		ticket text NOT NULL,
		sender text NOT NULL,
		client_message_id text NOT NULL,
		envelope bytea NOT NULL,
		enqueued_at bigint NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS spool_recipient_seq ON spool (recipient, seq);`,
}

type pgxImpl struct {
	d *SQLDB

	pool *pgx.ConnPool
}

func (p *pgxImpl) DeviceDB() devicedb.DeviceDB {
	return newPgxDeviceDB(p)
}

func (p *pgxImpl) Spool() spool.Spool {
	return newPgxSpool(p)
}

func (p *pgxImpl) Close() {
	p.pool.Close()
}

func (p *pgxImpl) Log(level pgx.LogLevel, msg string, data map[string]interface{}) {
	if level == pgx.LogLevelNone {
		return
	}

	argVec := make([]interface{}, 0, 1+len(data))
	argVec = append(argVec, msg+" ")
	for k, v := range data {
		argVec = append(argVec, fmt.Sprintf("%s=%v ", k, v))
	}
	mStr := strings.TrimSpace(fmt.Sprint(argVec...))

	switch level {
	case pgx.LogLevelDebug:
		p.d.log.Debug(mStr)
	case pgx.LogLevelInfo:
		p.d.log.Info(mStr)
	case pgx.LogLevelWarn:
		p.d.log.Warning(mStr)
	case pgx.LogLevelError:
		p.d.log.Error(mStr)
	}
}

func (p *pgxImpl) initSchema() error {
	for _, q := range pgxSchema {
		if _, err := p.pool.Exec(q); err != nil {
			return fmt.Errorf("sql/pgx: failed to create schema: %v", err)
		}
	}
	return nil
}

func (p *pgxImpl) initMetadata() error {
	var schemaVersion int16
	err := p.pool.QueryRow(pgxTagMetadataGet).Scan(&schemaVersion)
	switch {
	case err == pgx.ErrNoRows:
		if _, err = p.pool.Exec(pgxTagMetadataInitiate, int16(pgxSchemaVersion)); err != nil {
			return fmt.Errorf("sql/pgx: failed to initialize metadata: %v", err)
		}
	case err != nil:
		return fmt.Errorf("sql/pgx: metadata_get failed: %v", err)
	default:
		if schemaVersion != pgxSchemaVersion {
			return fmt.Errorf("sql/pgx: invalid schema version: %v", schemaVersion)
		}
	}

	return nil
}

func (p *pgxImpl) initStatements() error {
	stmts := []struct {
		tag, query string
	}{
		{pgxTagMetadataGet, "SELECT schema_version FROM metadata LIMIT 1;"},
		{pgxTagMetadataInitiate, "INSERT INTO metadata (schema_version) VALUES ($1);"},
		{pgxTagDeviceGet, "SELECT user_id, device_type, public_key, registered_at FROM devices WHERE device_id = $1;"},
		{pgxTagDeviceInsert, "INSERT INTO devices (device_id, user_id, device_type, public_key, registered_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (device_id) DO NOTHING;"},
		{pgxTagDeviceUpsert, "INSERT INTO devices (device_id, user_id, device_type, public_key, registered_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (device_id) DO UPDATE SET user_id = EXCLUDED.user_id, device_type = EXCLUDED.device_type, public_key = EXCLUDED.public_key, registered_at = EXCLUDED.registered_at;"},
		{pgxTagDeviceDelete, "DELETE FROM devices WHERE device_id = $1;"},
		{pgxTagDeviceList, "SELECT device_id, user_id, device_type, public_key, registered_at FROM devices ORDER BY device_id;"},
		{pgxTagSpoolStore, "INSERT INTO spool (recipient, ticket, sender, client_message_id, envelope, enqueued_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq;"},
		{pgxTagSpoolRemove, "DELETE FROM spool WHERE recipient = $1 AND seq = $2;"},
		{pgxTagSpoolLoad, "SELECT seq, recipient, ticket, sender, client_message_id, envelope, enqueued_at FROM spool ORDER BY recipient, seq;"},
		{pgxTagSpoolPurge, "DELETE FROM spool WHERE recipient = $1;"},
		{pgxTagSpoolRecipients, "SELECT DISTINCT recipient FROM spool;"},
	}

	for _, v := range stmts {
		if _, err := p.pool.Prepare(v.tag, v.query); err != nil {
			p.d.log.Errorf("Failed to prepare statement %v -> %v: %v", v.tag, v.query, err)
			return err
		}
	}

	return nil
}

func newPgxImpl(db *SQLDB, dataSourceName string, maxConns int) (dbImpl, error) {
	// The pgx connection pool code requires at least 2 conns, and internally
	// will default to 5 if unspecified.
	if maxConns < 5 {
		maxConns = 5
	}

	p := &pgxImpl{
		d: db,
	}

	connCfg, err := pgx.ParseConnectionString(dataSourceName)
	if err != nil {
		return nil, err
	}
	connCfg.Logger = p
	connCfg.LogLevel = toPgxLogLevel(p.d.glue.Config().Logging.Level)
	poolCfg := pgx.ConnPoolConfig{
		ConnConfig:     connCfg,
		MaxConnections: maxConns,
	}

	isOk := false
	defer func() {
		if !isOk {
			if p.pool != nil {
				p.pool.Close()
			}
		}
	}()

	if p.pool, err = pgx.NewConnPool(poolCfg); err != nil {
		return nil, err
	}
	if err = p.initSchema(); err != nil {
		return nil, err
	}
	if err = p.initStatements(); err != nil {
		return nil, err
	}
	if err = p.initMetadata(); err != nil {
		return nil, err
	}

	isOk = true
	return p, nil
}

type pgxDeviceDB struct {
	pgx *pgxImpl
}

func (d *pgxDeviceDB) Get(deviceID string) (*devicedb.Record, error) {
	var (
		userID       string
		deviceType   int16
		publicKey    []byte
		registeredAt int64
	)
	if err := d.pgx.pool.QueryRow(pgxTagDeviceGet, deviceID).Scan(&userID, &deviceType, &publicKey, &registeredAt); err != nil {
		if isPgNoDataFound(err) {
			return nil, devicedb.ErrNoSuchDevice
		}
		return nil, err
	}
	return toRecord(deviceID, userID, deviceType, publicKey, registeredAt), nil
}

func (d *pgxDeviceDB) Add(r *devicedb.Record, update bool) error {
	if err := r.Validate(); err != nil {
		return err
	}

	tag := pgxTagDeviceInsert
	if update {
		tag = pgxTagDeviceUpsert
	}
	ct, err := d.pgx.pool.Exec(tag,
		r.Identity.DeviceID,
		r.Identity.UserID,
		int16(r.Identity.Type),
		r.PublicKey,
		r.RegisteredAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	if !update && ct.RowsAffected() == 0 {
		return devicedb.ErrDeviceExists
	}
	return nil
}

func (d *pgxDeviceDB) Remove(deviceID string) error {
	ct, err := d.pgx.pool.Exec(pgxTagDeviceDelete, deviceID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return devicedb.ErrNoSuchDevice
	}
	return nil
}

func (d *pgxDeviceDB) ForEach(fn func(*devicedb.Record) error) error {
	rows, err := d.pgx.pool.Query(pgxTagDeviceList)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			deviceID, userID string
			deviceType       int16
			publicKey        []byte
			registeredAt     int64
		)
		if err = rows.Scan(&deviceID, &userID, &deviceType, &publicKey, &registeredAt); err != nil {
			return err
		}
		r := toRecord(deviceID, userID, deviceType, publicKey, registeredAt)
		if err = r.Validate(); err != nil {
			d.pgx.d.log.Warningf("Skipping invalid device '%v': %v", deviceID, err)
			continue
		}
		if err = fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (d *pgxDeviceDB) Close() {
	// Nothing to do.
}

func newPgxDeviceDB(p *pgxImpl) *pgxDeviceDB {
	return &pgxDeviceDB{
		pgx: p,
	}
}

func toRecord(deviceID, userID string, deviceType int16, publicKey []byte, registeredAt int64) *devicedb.Record {
	return &devicedb.Record{
		Identity: device.Identity{
			DeviceID: deviceID,
			UserID:   userID,
			Type:     device.Type(deviceType),
		},
		PublicKey:    publicKey,
		RegisteredAt: time.Unix(0, registeredAt).UTC(),
	}
}

type pgxSpool struct {
	pgx *pgxImpl
}

func (s *pgxSpool) Store(r *spool.Record) (uint64, error) {
	var seq int64
	if err := s.pgx.pool.QueryRow(pgxTagSpoolStore,
		r.Recipient,
		r.Ticket,
		r.Sender,
		r.ClientMessageID,
		r.Envelope,
		r.EnqueuedAt.UnixNano(),
	).Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

func (s *pgxSpool) Remove(recipient string, seq uint64) error {
	_, err := s.pgx.pool.Exec(pgxTagSpoolRemove, recipient, int64(seq))
	return err
}

func (s *pgxSpool) Load(fn func(uint64, *spool.Record) error) error {
	rows, err := s.pgx.pool.Query(pgxTagSpoolLoad)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq, enqueuedAt int64
			r               spool.Record
		)
		if err = rows.Scan(&seq, &r.Recipient, &r.Ticket, &r.Sender, &r.ClientMessageID, &r.Envelope, &enqueuedAt); err != nil {
			return err
		}
		r.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
		if err = fn(uint64(seq), &r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *pgxSpool) Purge(recipient string) error {
	_, err := s.pgx.pool.Exec(pgxTagSpoolPurge, recipient)
	return err
}

func (s *pgxSpool) Vacuum(isRegistered func(string) bool) error {
	rows, err := s.pgx.pool.Query(pgxTagSpoolRecipients)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var recipient string
		if err = rows.Scan(&recipient); err != nil {
			rows.Close()
			return err
		}
		if !isRegistered(recipient) {
			stale = append(stale, recipient)
		}
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return err
	}

	for _, recipient := range stale {
		s.pgx.d.log.Debugf("Vacuuming spool for: '%v'", recipient)
		if err = s.Purge(recipient); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgxSpool) Close() {
	// Nothing to do.
}

func newPgxSpool(p *pgxImpl) *pgxSpool {
	return &pgxSpool{
		pgx: p,
	}
}

func toPgxLogLevel(cfgLevel string) pgx.LogLevel {
	switch cfgLevel {
	case "ERROR":
		return pgx.LogLevelError
	case "WARNING", "NOTICE", "INFO":
		// pgx.LogLevelInfo is unsafe for user privacy, so don't expose that
		// unless debugging is enabled.
		return pgx.LogLevelWarn
	case "DEBUG":
		return pgx.LogLevelDebug
	default:
		panic("BUG: Invalid log level in toPgxLogLevel()")
	}
}

func isPgNoDataFound(err error) bool {
	if pgxErr, ok := err.(pgx.PgError); ok {
		if pgxErr.Code == pgCodeNoDataFound {
			return true
		}
	}
	if err == pgx.ErrNoRows { // Treat ErrNoRows as `no_data_found`.
		return true
	}
	return false
}
