// Shepherd - Self-Updating Application Supervisor
// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/shepherd-dev/shepherd

// Package journal persists a durable, append-only history of deploy attempts
// in BadgerDB. The journal survives supervisor restarts and feeds the
// /history admin endpoint; records expire after the configured TTL.
package journal

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// recordKeyPrefix namespaces deploy records inside the store. Keys embed the
// completion timestamp so iteration order is chronological.
const recordKeyPrefix = "deploy:"

// Result classifies a deploy attempt.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Record is one deploy attempt.
type Record struct {
	ID         string    `json:"id"`
	Revision   string    `json:"revision"`
	Result     Result    `json:"result"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Journal is a BadgerDB-backed deploy history.
type Journal struct {
	db  *badger.DB
	ttl time.Duration
}

// Open opens (or creates) the journal at dir.
func Open(dir string, ttl time.Duration) (*Journal, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open deploy journal: %w", err)
	}
	return &Journal{db: db, ttl: ttl}, nil
}

// Append stores a deploy record with the configured TTL.
func (j *Journal) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal deploy record: %w", err)
	}

	key := []byte(recordKeyPrefix + rec.FinishedAt.UTC().Format(time.RFC3339Nano) + ":" + rec.ID)
	return j.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, data)
		if j.ttl > 0 {
			entry = entry.WithTTL(j.ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return fmt.Errorf("append deploy record: %w", err)
		}
		return nil
	})
}

// Recent returns up to limit deploy records, newest first.
func (j *Journal) Recent(limit int) ([]Record, error) {
	var records []Record

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(recordKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the end of the prefix range; reverse iteration then
		// walks newest to oldest.
		seek := append([]byte(recordKeyPrefix), 0xFF)
		for it.Seek(seek); it.Valid() && len(records) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("corrupt deploy record: %w", err)
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close releases the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}
