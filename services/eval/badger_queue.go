// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eval

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	storage "github.com/AleutianAI/AleutianAssist/services/storage/badger"
)

// Queue defaults.
const (
	DefaultLease        = 2 * time.Minute
	DefaultPollInterval = 100 * time.Millisecond
)

// Key layout:
//
//	q/<channel>/<seq>          queued item, seq is a big-endian uint64
//	l/<channel>/<deliveryID>   leased item
//	meta/seq                   badger sequence shared by all channels
var seqKey = []byte("meta/seq")

// queuedItem is the stored form of a queued or leased entry.
type queuedItem struct {
	Seq      uint64          `json:"seq"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
	Deadline int64           `json:"deadline,omitempty"`
}

// BadgerQueueOptions configures a BadgerQueue.
type BadgerQueueOptions struct {
	// Lease is how long a popped item stays invisible before it is
	// handed out again. Default: 2m.
	Lease time.Duration

	// PollInterval bounds how long a waiting Pop sleeps between checks
	// for expired leases. Default: 100ms.
	PollInterval time.Duration

	Logger *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// BadgerQueue is a durable Queue on an embedded BadgerDB.
//
// # Description
//
// Items are keyed by a monotonic sequence so prefix iteration yields
// FIFO order. A popped item moves to the lease space with a deadline;
// expired leases are moved back under their original sequence, ahead of
// anything pushed later.
//
// # Thread Safety
//
// Safe for concurrent use. Mutations are serialized in-process so the
// optimistic transactions never conflict with each other.
type BadgerQueue struct {
	db     *storage.DB
	seq    *badger.Sequence
	opts   BadgerQueueOptions
	logger *slog.Logger

	mu   sync.Mutex
	wake chan struct{}
}

// NewBadgerQueue creates a queue on db. The caller keeps ownership of db
// and must call Close on the queue before closing it.
func NewBadgerQueue(db *storage.DB, opts BadgerQueueOptions) (*BadgerQueue, error) {
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	seq, err := db.GetSequence(seqKey, 64)
	if err != nil {
		return nil, fmt.Errorf("open queue sequence: %w", err)
	}
	return &BadgerQueue{
		db:     db,
		seq:    seq,
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "badger_queue")),
		wake:   make(chan struct{}),
	}, nil
}

// Close releases the unused part of the sequence lease.
func (q *BadgerQueue) Close() error {
	return q.seq.Release()
}

func queuePrefix(channel string) []byte { return []byte("q/" + channel + "/") }
func leasePrefix(channel string) []byte { return []byte("l/" + channel + "/") }

func queueKey(channel string, seq uint64) []byte {
	prefix := queuePrefix(channel)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func leaseKey(channel, deliveryID string) []byte {
	return append(leasePrefix(channel), deliveryID...)
}

// Push appends payload to channel.
func (q *BadgerQueue) Push(ctx context.Context, channel string, payload []byte) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not JSON", ErrMalformedEvent)
	}

	ctx, span := tracer.Start(ctx, "eval.BadgerQueue.Push")
	defer span.End()
	span.SetAttributes(attribute.String("queue.channel", channel))

	n, err := q.seq.Next()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sequence failed")
		return fmt.Errorf("next sequence: %w", err)
	}
	raw, err := json.Marshal(queuedItem{Seq: n, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(queueKey(channel, n), raw)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "push failed")
		return fmt.Errorf("push to %s: %w", channel, err)
	}
	close(q.wake)
	q.wake = make(chan struct{})
	return nil
}

// Pop leases the oldest item in channel, waiting up to wait for one.
//
// # Outputs
//
//   - *Delivery: The leased item. Ack it once handled.
//   - error: ErrQueueEmpty if nothing arrived in time, or the context
//     error if ctx ended first.
func (q *BadgerQueue) Pop(ctx context.Context, channel string, wait time.Duration) (*Delivery, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(wait)
	for {
		d, wake, err := q.tryPop(ctx, channel)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrQueueEmpty) {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrQueueEmpty
		}
		timer := time.NewTimer(min(remaining, q.opts.PollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryPop makes one attempt. The returned channel closes on the next Push.
func (q *BadgerQueue) tryPop(ctx context.Context, channel string) (*Delivery, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	wake := q.wake

	var delivery *Delivery
	err := q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		now := q.opts.Now()
		if err := q.requeueExpired(txn, channel, now); err != nil {
			return err
		}

		key, item, err := headOf(txn, channel)
		if err != nil {
			return err
		}

		item.Attempts++
		item.Deadline = now.Add(q.opts.Lease).UnixNano()
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		id := uuid.NewString()
		if err := txn.Delete(key); err != nil {
			return err
		}
		if err := txn.Set(leaseKey(channel, id), raw); err != nil {
			return err
		}
		delivery = &Delivery{ID: id, Payload: item.Payload, Attempt: item.Attempts}
		return nil
	})
	if err != nil {
		return nil, wake, err
	}
	return delivery, wake, nil
}

// headOf returns the oldest queued entry in channel.
func headOf(txn *badger.Txn, channel string) ([]byte, queuedItem, error) {
	var item queuedItem
	opts := badger.DefaultIteratorOptions
	opts.Prefix = queuePrefix(channel)
	it := txn.NewIterator(opts)
	defer it.Close()
	it.Rewind()
	if !it.Valid() {
		return nil, item, ErrQueueEmpty
	}
	if err := it.Item().Value(func(val []byte) error {
		return json.Unmarshal(val, &item)
	}); err != nil {
		return nil, item, fmt.Errorf("decode queued item: %w", err)
	}
	return it.Item().KeyCopy(nil), item, nil
}

// requeueExpired moves leases past their deadline back to the queue.
func (q *BadgerQueue) requeueExpired(txn *badger.Txn, channel string, now time.Time) error {
	expired, err := expiredLeases(txn, channel, now)
	if err != nil {
		return err
	}

	for _, m := range expired {
		m.item.Deadline = 0
		raw, err := json.Marshal(m.item)
		if err != nil {
			return err
		}
		if err := txn.Delete(m.leaseKey); err != nil {
			return err
		}
		if err := txn.Set(queueKey(channel, m.item.Seq), raw); err != nil {
			return err
		}
		q.logger.Info("lease expired, item requeued",
			slog.String("channel", channel),
			slog.Uint64("seq", m.item.Seq),
			slog.Int("attempts", m.item.Attempts))
	}
	return nil
}

type leaseMove struct {
	leaseKey []byte
	item     queuedItem
}

func expiredLeases(txn *badger.Txn, channel string, now time.Time) ([]leaseMove, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = leasePrefix(channel)
	it := txn.NewIterator(opts)
	defer it.Close()

	var expired []leaseMove
	for it.Rewind(); it.Valid(); it.Next() {
		var item queuedItem
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &item)
		}); err != nil {
			return nil, fmt.Errorf("decode lease: %w", err)
		}
		if item.Deadline > now.UnixNano() {
			continue
		}
		expired = append(expired, leaseMove{leaseKey: it.Item().KeyCopy(nil), item: item})
	}
	return expired, nil
}

// Ack removes a leased item. Returns ErrUnknownDelivery when the lease
// is gone.
func (q *BadgerQueue) Ack(ctx context.Context, channel, deliveryID string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		key := leaseKey(channel, deliveryID)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownDelivery, deliveryID)
			}
			return err
		}
		return txn.Delete(key)
	})
}

// Length counts queued and leased items in channel.
func (q *BadgerQueue) Length(ctx context.Context, channel string) (int, error) {
	if err := ValidateChannel(channel); err != nil {
		return 0, err
	}
	n := 0
	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		for _, prefix := range [][]byte{queuePrefix(channel), leasePrefix(channel)} {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				n++
			}
			it.Close()
		}
		return nil
	})
	return n, err
}

// Clear deletes every queued and leased item in channel.
func (q *BadgerQueue) Clear(ctx context.Context, channel string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.db.DropPrefix(queuePrefix(channel), leasePrefix(channel)); err != nil {
		return fmt.Errorf("clear %s: %w", channel, err)
	}
	return nil
}
