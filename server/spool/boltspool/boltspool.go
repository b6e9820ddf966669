// boltspool.go - BoltDB backed envelope spool.
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

// Package boltspool implements the relay envelope spool with a simple
// boltdb based backend.
package boltspool

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/tunnelbroker/server/spool"
)

const (
	recipientsBucket = "recipients"
	metadataBucket   = "metadata"
	versionKey       = "version"

	spoolVersion = 0
)

type boltSpool struct {
	db *bolt.DB
}

func seqToKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func (s *boltSpool) Close() {
	s.db.Sync()
	s.db.Close()
}

func (s *boltSpool) Store(r *spool.Record) (uint64, error) {
	if r.Recipient == "" {
		return 0, fmt.Errorf("spool: invalid recipient: `%v`", r.Recipient)
	}
	raw, err := r.MarshalBinary()
	if err != nil {
		return 0, err
	}

	var seq uint64
	err = s.db.Update(func(tx *bolt.Tx) error {
		rBkt := tx.Bucket([]byte(recipientsBucket))

		// Grab or create the recipient's spool bucket.
		sBkt, err := rBkt.CreateBucketIfNotExists([]byte(r.Recipient))
		if err != nil {
			return err
		}

		// Allocate a unique, monotonic identifier for this record.
		if seq, err = sBkt.NextSequence(); err != nil {
			return err
		}
		return sBkt.Put(seqToKey(seq), raw)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *boltSpool) Remove(recipient string, seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sBkt := tx.Bucket([]byte(recipientsBucket)).Bucket([]byte(recipient))
		if sBkt == nil {
			return nil
		}
		return sBkt.Delete(seqToKey(seq))
	})
}

func (s *boltSpool) Load(fn func(uint64, *spool.Record) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		rBkt := tx.Bucket([]byte(recipientsBucket))
		return rBkt.ForEachBucket(func(recipient []byte) error {
			cur := rBkt.Bucket(recipient).Cursor()
			for k, v := cur.First(); k != nil; k, v = cur.Next() {
				if len(k) != 8 {
					return fmt.Errorf("spool: corrupt key in spool '%s'", recipient)
				}
				r := new(spool.Record)
				if err := r.UnmarshalBinary(v); err != nil {
					return fmt.Errorf("spool: corrupt record in spool '%s': %w", recipient, err)
				}
				if err := fn(binary.BigEndian.Uint64(k), r); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (s *boltSpool) Purge(recipient string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rBkt := tx.Bucket([]byte(recipientsBucket))
		if rBkt.Bucket([]byte(recipient)) == nil {
			return nil
		}
		return rBkt.DeleteBucket([]byte(recipient))
	})
}

func (s *boltSpool) Vacuum(isRegistered func(string) bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rBkt := tx.Bucket([]byte(recipientsBucket))

		var stale [][]byte
		if err := rBkt.ForEachBucket(func(recipient []byte) error {
			if !isRegistered(string(recipient)) {
				stale = append(stale, append([]byte{}, recipient...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := rBkt.DeleteBucket(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// New creates (or loads) an envelope spool with the given file name f.
func New(f string) (spool.Spool, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	s := &boltSpool{db: db}

	if err = s.db.Update(func(tx *bolt.Tx) error {
		// Ensure that all the buckets exists, and grab the metadata bucket.
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(recipientsBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			// Well it looks like we loaded as opposed to created.
			if len(b) != 1 || b[0] != spoolVersion {
				return fmt.Errorf("spool: incompatible version: %v", b)
			}
			return nil
		}

		// We created a new database, so populate the new `metadata` bucket.
		return bkt.Put([]byte(versionKey), []byte{spoolVersion})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		s.db.Close()
		return nil, err
	}

	return s, nil
}
