package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when no credential is stored for a provider.
// A record that fails to decrypt or parse is reported the same way so
// callers re-prompt for login instead of failing hard.
var ErrNotFound = errors.New("credential not found")

const keyFileName = "store.key"

// Store persists one encrypted credential record per provider. Records are
// sealed at rest and written temp-then-rename so a concurrent reader never
// observes a partial record.
type Store struct {
	dir string
	box *cipherBox
	mu  sync.RWMutex
}

func NewStore(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "credentials")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credential store: ensure dir: %w", err)
	}

	key, err := loadOrCreateKey(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}
	box, err := newCipherBox(key)
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}

	return &Store{dir: dir, box: box}, nil
}

func (s *Store) Load(provider string) (*Credential, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, fmt.Errorf("load credential: empty provider")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sealed, err := os.ReadFile(s.recordPath(provider))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load credential: read file: %w", err)
	}

	plaintext, err := s.box.open(sealed)
	if err != nil {
		log.Warn().
			Str("provider", provider).
			Msg("credential record corrupt, treating as not found")
		return nil, ErrNotFound
	}

	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		log.Warn().
			Str("provider", provider).
			Msg("credential record unparseable, treating as not found")
		return nil, ErrNotFound
	}

	return &cred, nil
}

func (s *Store) Save(provider string, cred *Credential) error {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return fmt.Errorf("save credential: empty provider")
	}
	if cred == nil {
		return fmt.Errorf("save credential: nil credential")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cred.Provider = provider
	cred.UpdatedAt = time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = cred.UpdatedAt
	}

	plaintext, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("save credential: marshal json: %w", err)
	}

	sealed, err := s.box.seal(plaintext)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}

	path := s.recordPath(provider)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, sealed, 0o600); err != nil {
		return fmt.Errorf("save credential: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("save credential: rename temp file: %w", err)
	}

	return nil
}

func (s *Store) Delete(provider string) error {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return fmt.Errorf("delete credential: empty provider")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.recordPath(provider)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("delete credential: remove file: %w", err)
	}

	return nil
}

func (s *Store) recordPath(provider string) string {
	return filepath.Join(s.dir, provider+".cred")
}
