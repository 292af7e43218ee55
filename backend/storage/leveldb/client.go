// Package leveldb is a TTL key-value store on goleveldb, used as an
// on-disk session backend for a single server process.
package leveldb

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/andi/barkest/backend/models"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const sessionPrefix = "session:"

type cacheEntry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

type sessionRecord struct {
	Cursor      int64  `json:"cursor"`
	RedirectURL string `json:"redirect_url,omitempty"`
	ButtonLabel string `json:"button_label,omitempty"`
}

// Client stores JSON values that expire ttl after their last write
type Client struct {
	db              *leveldb.DB
	ttl             time.Duration
	cleanupInterval time.Duration
	mutex           sync.RWMutex
	stopCleanup     chan struct{}
	closeOnce       sync.Once
	now             func() time.Time
}

// NewClient opens or creates the database at path. Expired entries are
// swept every cleanupInterval; zero disables the sweeper.
func NewClient(path string, ttl, cleanupInterval time.Duration) (*Client, error) {
	opts := &opt.Options{
		CompactionTableSize: 2 * 1024 * 1024, // 2MB
		WriteBuffer:         1 * 1024 * 1024, // 1MB
	}

	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}

	client := &Client{
		db:              db,
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}

	if cleanupInterval > 0 {
		go client.startCleanupRoutine()
	}

	return client, nil
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
		err = c.db.Close()
	})
	return err
}

func (c *Client) put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	entry := cacheEntry{
		Value:     raw,
		ExpiresAt: c.now().Add(c.ttl),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	return c.db.Put([]byte(key), data, nil)
}

// get decodes the value at key into dst and reports whether a live entry
// was found. Expired entries are deleted.
func (c *Client) get(key string, dst any) (bool, error) {
	data, err := c.db.Get([]byte(key), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return false, nil
		}
		return false, err
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}

	if c.now().After(entry.ExpiresAt) {
		return false, c.db.Delete([]byte(key), nil)
	}

	if err := json.Unmarshal(entry.Value, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return true, nil
}

// update applies fn to the current session record and writes it back
func (c *Client) update(sessionID string, fn func(rec *sessionRecord)) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	key := sessionPrefix + sessionID
	var rec sessionRecord
	if _, err := c.get(key, &rec); err != nil {
		return err
	}
	fn(&rec)
	return c.put(key, rec)
}

func (c *Client) session(sessionID string) (sessionRecord, error) {
	// get may delete, so take the write lock
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var rec sessionRecord
	_, err := c.get(sessionPrefix+sessionID, &rec)
	return rec, err
}

func (c *Client) Cursor(sessionID string) (int64, error) {
	rec, err := c.session(sessionID)
	return rec.Cursor, err
}

func (c *Client) SetCursor(sessionID string, pos int64) error {
	return c.update(sessionID, func(rec *sessionRecord) { rec.Cursor = pos })
}

func (c *Client) Completion(sessionID string) (models.Completion, error) {
	rec, err := c.session(sessionID)
	return models.Completion{RedirectURL: rec.RedirectURL, ButtonLabel: rec.ButtonLabel}, err
}

func (c *Client) SetCompletion(sessionID string, comp models.Completion) error {
	return c.update(sessionID, func(rec *sessionRecord) {
		rec.RedirectURL = comp.RedirectURL
		rec.ButtonLabel = comp.ButtonLabel
	})
}

// PurgeExpired sweeps expired entries now. Entries expire by the TTL given
// at open time, so ttl only has to be positive.
func (c *Client) PurgeExpired(ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("ttl must be positive")
	}
	return c.cleanup()
}

func (c *Client) startCleanupRoutine() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *Client) cleanup() (int64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	iter := c.db.NewIterator(util.BytesPrefix([]byte{}), nil)

	var keysToDelete [][]byte
	now := c.now()

	for iter.Next() {
		var entry cacheEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			continue
		}

		if now.After(entry.ExpiresAt) {
			// the iterator reuses its key buffer
			keysToDelete = append(keysToDelete, append([]byte(nil), iter.Key()...))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, err
	}

	batch := new(leveldb.Batch)
	for _, key := range keysToDelete {
		batch.Delete(key)
	}
	if err := c.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return int64(len(keysToDelete)), nil
}
