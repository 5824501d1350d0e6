// Package tokens issues and verifies short-lived viewer bearer tokens and
// persists them to a JSON file.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	ErrInvalid = errors.New("token invalid")
	ErrExpired = errors.New("token expired")
)

const (
	DefaultTTL   = 30 * time.Minute
	DefaultSweep = time.Minute
	tokenBytes   = 24
)

// Entry is the persisted form of a token. Expire is epoch milliseconds.
type Entry struct {
	Username string `json:"username"`
	Expire   int64  `json:"expire"`
}

func (e Entry) expiresAt() time.Time { return time.UnixMilli(e.Expire) }

type Config struct {
	// Path is the JSON file; empty keeps tokens in memory only.
	Path   string
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// Store is safe for concurrent use. Persistence happens under the same lock
// as the mutation, so the file always reflects a consistent map.
type Store struct {
	path   string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
	// fileMod is the token file's mtime when this store last read or
	// wrote it.
	fileMod time.Time
}

// Open builds a Store and loads Path. An unreadable or corrupt file yields
// an empty store and a warning. Expired entries are dropped in memory only.
func Open(cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Store{
		path:    cfg.Path,
		ttl:     cfg.TTL,
		logger:  cfg.Logger,
		now:     cfg.Now,
		entries: make(map[string]Entry),
	}
	s.load()
	return s
}

func (s *Store) load() {
	if s.path == "" {
		return
	}
	entries, mod, err := s.readFile()
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		s.logger.Warn("token file unreadable, starting empty", "path", s.path, "error", err)
		return
	}
	s.fileMod = mod
	s.mergeLocked(entries)
}

func (s *Store) readFile() (map[string]Entry, time.Time, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, time.Time{}, fmt.Errorf("token file corrupt: %w", err)
	}
	return entries, fi.ModTime(), nil
}

// mergeLocked adds live entries not already held and reports whether any
// were added.
func (s *Store) mergeLocked(entries map[string]Entry) bool {
	now := s.now()
	added := false
	for tok, e := range entries {
		if _, ok := s.entries[tok]; ok {
			continue
		}
		if e.Username == "" || !now.Before(e.expiresAt()) {
			continue
		}
		s.entries[tok] = e
		added = true
	}
	return added
}

// refreshLocked merges tokens another process (yunkit token) wrote to the
// file since this store last read or wrote it.
func (s *Store) refreshLocked() bool {
	if s.path == "" {
		return false
	}
	fi, err := os.Stat(s.path)
	if err != nil || !fi.ModTime().After(s.fileMod) {
		return false
	}
	entries, mod, err := s.readFile()
	if err != nil {
		s.logger.Warn("token file reload failed", "path", s.path, "error", err)
		return false
	}
	s.fileMod = mod
	return s.mergeLocked(entries)
}

// Issue returns the live token for username, or mints and persists a new
// one. The returned time is the token's expiry.
func (s *Store) Issue(username string) (string, time.Time, error) {
	if username == "" {
		return "", time.Time{}, errors.New("issue token: empty username")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for tok, e := range s.entries {
		if e.Username == username && now.Before(e.expiresAt()) {
			return tok, e.expiresAt(), nil
		}
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("issue token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	exp := now.Add(s.ttl)
	s.entries[tok] = Entry{Username: username, Expire: exp.UnixMilli()}
	if err := s.persistLocked(); err != nil {
		s.logger.Warn("persist tokens failed", "error", err)
	}
	return tok, exp, nil
}

// Verify returns the username bound to token. An expired token is removed
// and ErrExpired returned; the success path never writes.
func (s *Store) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok && s.refreshLocked() {
		e, ok = s.entries[token]
	}
	if !ok {
		return "", ErrInvalid
	}
	if !s.now().Before(e.expiresAt()) {
		delete(s.entries, token)
		if err := s.persistLocked(); err != nil {
			s.logger.Warn("persist tokens failed", "error", err)
		}
		return "", ErrExpired
	}
	return e.Username, nil
}

// Sweep deletes every expired token and persists once if any were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for tok, e := range s.entries {
		if !now.Before(e.expiresAt()) {
			delete(s.entries, tok)
			removed++
		}
	}
	if removed > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Warn("persist tokens failed", "error", err)
		}
	}
	return removed
}

// Len returns the number of tokens held, live or not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps on every interval tick until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweep
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("expired tokens swept", "count", n)
			}
		}
	}
}

// persistLocked rewrites the whole file via a temp file and rename.
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	s.refreshLocked()
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace token file: %w", err)
	}
	if fi, err := os.Stat(s.path); err == nil {
		s.fileMod = fi.ModTime()
	}
	return nil
}
