package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"zone-grid-bot-go/internal/exchange"

	"github.com/joho/godotenv"
)

// Field names stored per exchange.
const (
	FieldAPIKey     = "api_key"
	FieldSecret     = "secret"
	FieldPassphrase = "passphrase"
)

var knownFields = []string{FieldAPIKey, FieldSecret, FieldPassphrase}

// Store keeps exchange credentials in a .env file as <EXCHANGE>_<FIELD>=value.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	if path == "" {
		path = ".env"
	}
	return &Store{path: path}
}

func key(exchangeID, field string) string {
	return strings.ToUpper(exchangeID) + "_" + strings.ToUpper(field)
}

func (s *Store) read() (map[string]string, error) {
	env, err := godotenv.Read(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return env, nil
}

// write replaces the file through a temp file created 0600, so secrets are
// never readable by others, even when an older file had wider permissions.
func (s *Store) write(env map[string]string) error {
	content, err := godotenv.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(content + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Set stores fields for exchangeID. Empty values are ignored. Other keys in the file are kept.
func (s *Store) Set(exchangeID string, fields map[string]string) error {
	if strings.TrimSpace(exchangeID) == "" {
		return errors.New("exchange id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.read()
	if err != nil {
		return err
	}
	for field, value := range fields {
		if value == "" {
			continue
		}
		env[key(exchangeID, field)] = value
	}
	return s.write(env)
}

// Get returns masked previews of the stored fields. Secrets never leave in full.
func (s *Store) Get(exchangeID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.read()
	if err != nil {
		return nil, err
	}
	prefix := strings.ToUpper(exchangeID) + "_"
	out := make(map[string]string)
	for k, v := range env {
		if strings.HasPrefix(k, prefix) {
			out[strings.ToLower(strings.TrimPrefix(k, prefix))] = Mask(v)
		}
	}
	return out, nil
}

// Delete removes every field stored for exchangeID.
func (s *Store) Delete(exchangeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.read()
	if err != nil {
		return err
	}
	prefix := strings.ToUpper(exchangeID) + "_"
	for k := range env {
		if strings.HasPrefix(k, prefix) {
			delete(env, k)
		}
	}
	return s.write(env)
}

// Lookup returns the unmasked credentials used to build a gateway.
// Values missing from the file fall back to the process environment.
func (s *Store) Lookup(exchangeID string) (exchange.Credentials, error) {
	s.mu.Lock()
	env, err := s.read()
	s.mu.Unlock()
	if err != nil {
		return exchange.Credentials{}, err
	}
	get := func(field string) string {
		k := key(exchangeID, field)
		if v := env[k]; v != "" {
			return v
		}
		return os.Getenv(k)
	}
	return exchange.Credentials{
		APIKey:     get(FieldAPIKey),
		Secret:     get(FieldSecret),
		Passphrase: get(FieldPassphrase),
	}, nil
}

// Configured lists the exchanges that have at least one stored field.
func (s *Store) Configured() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := s.read()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for k := range env {
		for _, f := range knownFields {
			suffix := "_" + strings.ToUpper(f)
			if strings.HasSuffix(k, suffix) && len(k) > len(suffix) {
				seen[strings.ToLower(strings.TrimSuffix(k, suffix))] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Mask keeps the first and last four characters.
func Mask(v string) string {
	if len(v) < 8 {
		return "****"
	}
	return v[:4] + "****" + v[len(v)-4:]
}
