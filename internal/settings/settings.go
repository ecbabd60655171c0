// Package settings persists the user-facing configuration: the API key, the
// enable switch and the reply prompt template. Values are stored as JSON under
// the key names of the browser extension's synced storage.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/joho/godotenv"
)

const (
	KeyAPIKey      = "fireworksApiKey"
	KeyBotEnabled  = "botEnabled"
	KeyReplyPrompt = "replyPrompt"

	// EnvAPIKey seeds the API key when the store has none.
	EnvAPIKey = "FIREWORKS_API_KEY"
)

// DefaultReplyPrompt is written on first open.
const DefaultReplyPrompt = "Respond naturally and conversationally to this message as if you're a real person having a casual chat. Be helpful but keep it human and relatable. Don't use emojis or overly formal language. Message: {message}"

// Config is the persisted configuration. The pipeline treats it as read-only.
type Config struct {
	APIKey      string `json:"fireworksApiKey"`
	BotEnabled  bool   `json:"botEnabled"`
	ReplyPrompt string `json:"replyPrompt"`
}

// Ready reports whether generation may run.
func (c Config) Ready() bool {
	return c.BotEnabled && c.APIKey != ""
}

// Options configures Open.
type Options struct {
	// InMemory keeps the store on a memory filesystem.
	InMemory bool
	// EnvFiles are loaded with godotenv before seeding; missing files are ignored.
	EnvFiles []string
}

// Store is a pebble-backed settings store.
type Store struct {
	db *pebble.DB

	mu        sync.Mutex
	listeners []func(prev, next Config)
}

// Open opens (or creates) the store at dir and installs defaults for any
// missing key.
func Open(dir string, opts Options) (*Store, error) {
	po := &pebble.Options{}
	if opts.InMemory {
		po.FS = vfs.NewMem()
	} else if err := os.MkdirAll(filepath.Dir(dir), 0700); err != nil {
		return nil, fmt.Errorf("settings: create parent dir: %w", err)
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("settings: open %s: %w", dir, err)
	}
	s := &Store{db: db}
	if err := s.installDefaults(opts.EnvFiles); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) installDefaults(envFiles []string) error {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[settings] could not load %s: %v", f, err)
		}
	}

	defaults := map[string]any{
		KeyBotEnabled:  false,
		KeyReplyPrompt: DefaultReplyPrompt,
	}
	if key := os.Getenv(EnvAPIKey); key != "" {
		defaults[KeyAPIKey] = key
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for k, v := range defaults {
		present, err := s.has(k)
		if err != nil {
			return err
		}
		if present {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("settings: encode default %s: %w", k, err)
		}
		if err := batch.Set([]byte(k), raw, nil); err != nil {
			return fmt.Errorf("settings: stage default %s: %w", k, err)
		}
	}
	if batch.Empty() {
		return nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("settings: write defaults: %w", err)
	}
	return nil
}

func (s *Store) has(key string) (bool, error) {
	_, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("settings: read %s: %w", key, err)
	}
	closer.Close()
	return true, nil
}

// get decodes key into dst, leaving dst untouched when the key is absent.
func (s *Store) get(key string, dst any) error {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settings: read %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("settings: decode %s: %w", key, err)
	}
	return nil
}

// Load reads the current configuration.
func (s *Store) Load() (Config, error) {
	var c Config
	if err := s.get(KeyAPIKey, &c.APIKey); err != nil {
		return Config{}, err
	}
	if err := s.get(KeyBotEnabled, &c.BotEnabled); err != nil {
		return Config{}, err
	}
	if err := s.get(KeyReplyPrompt, &c.ReplyPrompt); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Update applies fn to the current configuration, writes every key in one
// batch and notifies listeners when something changed.
func (s *Store) Update(fn func(*Config)) (Config, error) {
	s.mu.Lock()
	old, err := s.Load()
	if err != nil {
		s.mu.Unlock()
		return Config{}, err
	}
	next := old
	fn(&next)

	batch := s.db.NewBatch()
	defer batch.Close()
	for k, v := range map[string]any{
		KeyAPIKey:      next.APIKey,
		KeyBotEnabled:  next.BotEnabled,
		KeyReplyPrompt: next.ReplyPrompt,
	} {
		raw, err := json.Marshal(v)
		if err != nil {
			s.mu.Unlock()
			return Config{}, fmt.Errorf("settings: encode %s: %w", k, err)
		}
		if err := batch.Set([]byte(k), raw, nil); err != nil {
			s.mu.Unlock()
			return Config{}, fmt.Errorf("settings: stage %s: %w", k, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		s.mu.Unlock()
		return Config{}, fmt.Errorf("settings: commit: %w", err)
	}
	listeners := append([]func(prev, next Config){}, s.listeners...)
	s.mu.Unlock()

	if old != next {
		for _, l := range listeners {
			l(old, next)
		}
	}
	return next, nil
}

// OnChange registers fn to run after every effective Update.
func (s *Store) OnChange(fn func(prev, next Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
