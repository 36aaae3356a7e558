package persistence

import (
	"fmt"
	"time"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/asaidimu/go-kumbu/core/codec"
	"github.com/asaidimu/go-kumbu/core/expiry"
	"go.uber.org/zap"
)

// DocumentExpiration returns the expiration of id in Unix milliseconds, or 0
// when the document has none or does not exist. On failure it returns -1.
func (c *Collection) DocumentExpiration(id string) (int64, error) {
	var ts int64
	err := c.viewKeyspace(func(k *keyspace) error {
		data, err := k.expiry.Get([]byte(id))
		if err != nil {
			return fmt.Errorf("failed to read expiration of %q: %w", id, err)
		}
		if data == nil {
			return nil
		}
		ts, err = decodeTimestamp(data)
		return err
	})
	if err != nil {
		return -1, err
	}
	return ts, nil
}

// SetDocumentExpiration schedules the purge of a live document at timestamp,
// in Unix milliseconds. Zero clears the expiration. A timestamp in the past
// purges the document at the next wake of the tracker. The revision of the
// document does not change.
func (c *Collection) SetDocumentExpiration(id string, timestamp int64) error {
	if timestamp < 0 {
		return core.Errorf(core.CodeInvalidParameter, "expiration must not be negative, got %d", timestamp)
	}
	return c.db.update(func(w *writeTxn) error {
		k, err := w.keyspace(c)
		if err != nil {
			return err
		}
		key := []byte(id)
		data, err := k.docs.Get(key)
		if err != nil {
			return fmt.Errorf("failed to read document %q: %w", id, err)
		}
		if data == nil {
			return core.Errorf(core.CodeNotFound, "document %q not found", id)
		}
		var rec codec.DocRecord
		if err := codec.DecodeRecord(data, &rec); err != nil {
			return err
		}
		if rec.Expiration == timestamp {
			return nil
		}
		rec.Expiration = timestamp
		if data, err = codec.EncodeRecord(&rec); err != nil {
			return err
		}
		if err := k.docs.Put(key, data); err != nil {
			return fmt.Errorf("failed to write document %q: %w", id, err)
		}
		if timestamp == 0 {
			err = k.expiry.Delete(key)
		} else {
			err = k.expiry.Put(key, encodeTimestamp(timestamp))
		}
		if err != nil {
			return fmt.Errorf("failed to write expiration of %q: %w", id, err)
		}
		w.setExpiry(k.id, id, timestamp)
		c.db.logger.Debug("Set document expiration",
			zap.String("collection", c.FullName()),
			zap.String("document", id),
			zap.Int64("expiration", timestamp))
		return nil
	})
}

// reapRetryDelay is how long a failed purge of expired documents waits
// before the tracker tries again.
const reapRetryDelay = time.Second

// reap purges the documents the tracker found due, one write transaction
// per collection. The stored expiration wins over the scheduled one: a
// document whose expiration moved into the future is rescheduled instead.
func (db *Database) reap(due []expiry.Entry) {
	var order []uint64
	groups := make(map[uint64][]expiry.Entry)
	for _, e := range due {
		if _, ok := groups[e.Keyspace]; !ok {
			order = append(order, e.Keyspace)
		}
		groups[e.Keyspace] = append(groups[e.Keyspace], e)
	}

	for _, ks := range order {
		var purged []string
		err := db.update(func(w *writeTxn) error {
			purged = purged[:0]
			k, err := w.space(ks)
			if err != nil || k == nil {
				return err
			}
			now := db.config.Clock().UnixMilli()
			for _, e := range groups[ks] {
				id := e.DocID
				cur, err := k.current(id)
				if err != nil {
					return err
				}
				if cur == nil || cur.Deleted || cur.Expiration == 0 {
					continue
				}
				if cur.Expiration > now {
					w.setExpiry(ks, id, cur.Expiration)
					continue
				}
				found, err := w.purge(k, id)
				if err != nil {
					return err
				}
				if found {
					purged = append(purged, id)
				}
			}
			return nil
		})
		if err != nil {
			if core.CodeOf(err) == core.CodeNotOpen {
				db.logger.Debug("Skipped expiration of a closed collection", zap.Uint64("keyspace", ks), zap.Error(err))
			} else {
				db.logger.Warn("Failed to purge expired documents, retrying",
					zap.Uint64("keyspace", ks),
					zap.Int("count", len(groups[ks])),
					zap.Duration("retryIn", reapRetryDelay),
					zap.Error(err))
				db.retryReap(groups[ks])
			}
			continue
		}
		if len(purged) == 0 {
			continue
		}

		collection := ""
		if c := db.cachedHandle(ks); c != nil {
			collection = c.FullName()
		}
		for _, id := range purged {
			db.emitEvent(createEvent(core.DocumentExpired, "expire", collection, id, nil, nil, nil, time.Time{}))
		}
		db.logger.Debug("Purged expired documents",
			zap.Uint64("keyspace", ks),
			zap.String("collection", collection),
			zap.Int("count", len(purged)))
	}
}

// retryReap puts entries whose purge failed back into the tracker. Entries
// rescheduled in the meantime keep their new time.
func (db *Database) retryReap(entries []expiry.Entry) {
	retry := db.config.Clock().Add(reapRetryDelay).UnixMilli()
	for _, e := range entries {
		if db.tracker.Get(e.Key) != 0 {
			continue
		}
		db.tracker.Set(e.Key, max(e.At, retry))
	}
}
