// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package journal keeps a history of update runs in a bbolt database, one
// nested bucket per modem UUID. Runs that failed before the modem was
// identified are filed under Unidentified.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	fmfu "github.com/ZaparooProject/go-fmfu"
	"github.com/ZaparooProject/go-fmfu/update"
	bolt "go.etcd.io/bbolt"
)

// Unidentified is the key for runs that never read the modem UUID
const Unidentified = "unidentified"

var runsBucket = []byte("runs")

// openTimeout bounds the wait for another process holding the file lock
const openTimeout = time.Second

// SegmentEntry is the stored form of update.SegmentResult
type SegmentEntry struct {
	Name     string
	Address  uint32
	Size     int
	Chunks   int
	Digest   fmfu.Digest
	Verified bool
}

// Entry is one recorded update run.
type Entry struct {
	Started       time.Time
	Finished      time.Time
	UUID          string
	Error         string
	Segments      []SegmentEntry
	Seq           uint64
	Attempts      int
	BufferLength  uint32
	RootKeyDigest fmfu.Digest
}

// Succeeded reports whether the run completed
func (e *Entry) Succeeded() bool {
	return e.Error == ""
}

// Duration returns how long the run took
func (e *Entry) Duration() time.Duration {
	return e.Finished.Sub(e.Started)
}

// Store is a journal backed by bbolt.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the journal at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Record implements update.Recorder
func (s *Store) Record(result *update.Result, runErr error) error {
	if result == nil {
		return errors.New("journal: nil result")
	}
	entry := entryFrom(result, runErr)

	return s.db.Update(func(tx *bolt.Tx) error {
		runs, err := tx.CreateBucketIfNotExists(runsBucket)
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		modem, err := runs.CreateBucketIfNotExists([]byte(entry.UUID))
		if err != nil {
			return fmt.Errorf("creating bucket for %s: %w", entry.UUID, err)
		}
		seq, err := modem.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating run id: %w", err)
		}
		entry.Seq = seq
		return modem.Put(seqKey(seq), marshalEntry(&entry))
	})
}

// History returns every run recorded for uuid, oldest first
func (s *Store) History(uuid string) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		modem := modemBucket(tx, uuid)
		if modem == nil {
			return nil
		}
		return modem.ForEach(func(k, v []byte) error {
			entry, err := decodeEntry(k, v)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

// Latest returns the most recent run for uuid; ok is false when there is none
func (s *Store) Latest(uuid string) (entry Entry, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		modem := modemBucket(tx, uuid)
		if modem == nil {
			return nil
		}
		k, v := modem.Cursor().Last()
		if k == nil {
			return nil
		}
		entry, err = decodeEntry(k, v)
		ok = err == nil
		return err
	})
	return entry, ok, err
}

// Modems lists every UUID with at least one recorded run, sorted
func (s *Store) Modems() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(runsBucket)
		if runs == nil {
			return nil
		}
		return runs.ForEachBucket(func(k []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	sort.Strings(ids)
	return ids, err
}

func modemBucket(tx *bolt.Tx, uuid string) *bolt.Bucket {
	runs := tx.Bucket(runsBucket)
	if runs == nil {
		return nil
	}
	return runs.Bucket([]byte(uuid))
}

func decodeEntry(k, v []byte) (Entry, error) {
	var entry Entry
	if len(k) != 8 {
		return entry, fmt.Errorf("%w: key of %d bytes", errCorruptRecord, len(k))
	}
	if err := unmarshalEntry(v, &entry); err != nil {
		return entry, err
	}
	entry.Seq = binary.BigEndian.Uint64(k)
	return entry, nil
}

// seqKey encodes seq big-endian so bucket order is insertion order
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func entryFrom(result *update.Result, runErr error) Entry {
	entry := Entry{
		UUID:          Unidentified,
		Started:       result.Started,
		Finished:      result.Finished,
		Attempts:      result.Attempts,
		BufferLength:  result.BufferLength,
		RootKeyDigest: result.RootKeyDigest,
	}
	if result.UUID != (fmfu.UUID{}) {
		entry.UUID = result.UUID.String()
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	for _, seg := range result.Segments {
		entry.Segments = append(entry.Segments, SegmentEntry{
			Name:     seg.Name,
			Address:  seg.Address,
			Size:     seg.Size,
			Chunks:   seg.Chunks,
			Digest:   seg.Digest,
			Verified: seg.Verified,
		})
	}
	return entry
}

var _ update.Recorder = (*Store)(nil)
