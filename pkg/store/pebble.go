package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"chainmsg/pkg/logger"
	"chainmsg/pkg/models"
)

// Key namespaces. Messages are keyed by id so re-appending the same id
// overwrites in place instead of duplicating.
const (
	msgPrefix    = "msg:"
	hiddenPrefix = "hidden:"
	groupPrefix  = "group:"
	publishKey   = "config:publish"
)

// ErrClosed is returned when the store is used after Close.
var ErrClosed = errors.New("store is closed")

// Store is the durable local mirror of every message this client has
// sent or observed, plus the per-user hidden-id sets and the publish
// config record. Each Store owns its own Pebble handle; independent
// instances can coexist in one process.
type Store struct {
	db   *pebble.DB
	path string
}

// Open opens (or creates) the local cache at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_local_cache", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("local_cache_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying Pebble handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("local_cache_closed", "path", s.path)
	return err
}

// Path returns the on-disk location of the cache.
func (s *Store) Path() string { return s.path }

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return nil
}

// Append writes a message into the cache, keyed by id. Appending a
// message whose id already exists overwrites the stored record, so
// concurrent appends of the same id collapse instead of duplicating.
func (s *Store) Append(m models.Message) error {
	if err := s.ready(); err != nil {
		return err
	}
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := s.db.Set([]byte(msgPrefix+m.ID), data, pebble.Sync); err != nil {
		logger.Error("cache_append_failed", "id", m.ID, "error", err)
		return err
	}
	logger.Debug("cache_message_saved", "id", m.ID)
	return nil
}

// Get returns the cached message with the given id.
func (s *Store) Get(id string) (models.Message, bool, error) {
	if err := s.ready(); err != nil {
		return models.Message{}, false, err
	}
	v, closer, err := s.db.Get([]byte(msgPrefix + id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return models.Message{}, false, nil
		}
		return models.Message{}, false, err
	}
	defer closer.Close()
	var m models.Message
	if err := json.Unmarshal(v, &m); err != nil {
		return models.Message{}, false, fmt.Errorf("invalid cached message %s: %w", id, err)
	}
	return m, true, nil
}

// All returns every cached message, in key order.
func (s *Store) All() ([]models.Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	prefix := []byte(msgPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("cache_invalid_record_skipped", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// Len returns the number of cached messages.
func (s *Store) Len() (int, error) {
	msgs, err := s.All()
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// ClearMessages drops the message namespace. Hidden sets, groups and the
// publish config record survive.
func (s *Store) ClearMessages() error {
	return s.deletePrefix(msgPrefix)
}

// Hide adds messageID to userID's hidden set. Hiding never mutates the
// underlying message; other users' views are unaffected.
func (s *Store) Hide(messageID, userID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if messageID == "" || userID == "" {
		return fmt.Errorf("message id and user id are required")
	}
	key := []byte(hiddenPrefix + userID + ":" + messageID)
	if err := s.db.Set(key, []byte{1}, pebble.Sync); err != nil {
		logger.Error("hide_failed", "id", messageID, "user", userID, "error", err)
		return err
	}
	logger.Info("message_hidden", "id", messageID, "user", userID)
	return nil
}

// IsHidden reports whether messageID is hidden from userID.
func (s *Store) IsHidden(messageID, userID string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	_, closer, err := s.db.Get([]byte(hiddenPrefix + userID + ":" + messageID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	_ = closer.Close()
	return true, nil
}

// HiddenFor returns the full hidden-id set for a user.
func (s *Store) HiddenFor(userID string) (map[string]struct{}, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	prefix := []byte(hiddenPrefix + userID + ":")
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	out := map[string]struct{}{}
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		out[string(iter.Key()[len(prefix):])] = struct{}{}
	}
	return out, iter.Error()
}

// ClearHidden removes the entire hidden set for a user (full restore,
// not selective undelete).
func (s *Store) ClearHidden(userID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.deletePrefix(hiddenPrefix + userID + ":"); err != nil {
		return err
	}
	logger.Info("hidden_cleared", "user", userID)
	return nil
}

// SaveGroup stores group metadata.
func (s *Store) SaveGroup(g models.Group) error {
	if err := s.ready(); err != nil {
		return err
	}
	if g.ID == "" {
		return fmt.Errorf("group id is required")
	}
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal group: %w", err)
	}
	if err := s.db.Set([]byte(groupPrefix+g.ID), data, pebble.Sync); err != nil {
		return err
	}
	logger.Info("group_saved", "id", g.ID, "members", len(g.Members))
	return nil
}

// Groups returns all stored groups.
func (s *Store) Groups() ([]models.Group, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	prefix := []byte(groupPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Group
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var g models.Group
		if err := json.Unmarshal(iter.Value(), &g); err != nil {
			logger.Warn("invalid_group_record_skipped", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, g)
	}
	return out, iter.Error()
}

// SavePublishConfig persists the pinning credentials record.
func (s *Store) SavePublishConfig(cfg models.PublishConfig) error {
	if err := s.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := s.db.Set([]byte(publishKey), data, pebble.Sync); err != nil {
		return err
	}
	logger.Info("publish_config_saved", "mode", cfg.Mode().String())
	return nil
}

// LoadPublishConfig returns the stored credentials record. ok is false
// when no record exists, which callers treat as local (demo) mode.
func (s *Store) LoadPublishConfig() (models.PublishConfig, bool, error) {
	if err := s.ready(); err != nil {
		return models.PublishConfig{}, false, err
	}
	v, closer, err := s.db.Get([]byte(publishKey))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return models.PublishConfig{}, false, nil
		}
		return models.PublishConfig{}, false, err
	}
	defer closer.Close()
	var cfg models.PublishConfig
	if err := json.Unmarshal(v, &cfg); err != nil {
		return models.PublishConfig{}, false, fmt.Errorf("invalid publish config record: %w", err)
	}
	return cfg, true, nil
}

func (s *Store) deletePrefix(prefix string) error {
	pfx := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	var keys [][]byte
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Close(); err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.db.Delete(k, pebble.Sync); err != nil {
			return err
		}
	}
	return nil
}

// DiskUsage returns the best-effort on-disk size of the cache directory.
func (s *Store) DiskUsage() uint64 {
	if s == nil || s.path == "" {
		return 0
	}
	var total uint64
	_ = filepath.WalkDir(s.path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += uint64(fi.Size())
		}
		return nil
	})
	return total
}
