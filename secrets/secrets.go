// Package secrets implements the secret store: versioned secret
// strings addressed by name or ARN.
package secrets

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lws.localdev.org/common"
)

var (
	ErrSecretNotFound = errors.New("secret does not exist")
	ErrSecretExists   = errors.New("secret already exists")
	ErrValidation     = errors.New("validation error")
)

// Version is one stored value of a secret.
type Version struct {
	ID        string    `json:"versionId"`
	Value     string    `json:"secretString"`
	CreatedAt time.Time `json:"createdAt"`
}

// Secret is a named secret with its version history. The last version
// is current.
type Secret struct {
	Name      string    `json:"name"`
	ARN       string    `json:"arn"`
	Versions  []Version `json:"versions"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Secret) current() Version { return s.Versions[len(s.Versions)-1] }

// Store is the in-memory secret store.
type Store struct {
	mu      sync.RWMutex
	secrets map[string]*Secret
}

func NewStore() *Store {
	return &Store{secrets: make(map[string]*Secret)}
}

// Create registers a new secret with its first version.
func (s *Store) Create(name, value string) (Secret, error) {
	if name == "" {
		return Secret{}, fmt.Errorf("%w: secret name is required", ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[name]; ok {
		return Secret{}, ErrSecretExists
	}
	now := time.Now().UTC()
	sec := &Secret{
		Name:      name,
		ARN:       common.SecretARN(name, uuid.NewString()[:6]),
		Versions:  []Version{{ID: uuid.NewString(), Value: value, CreatedAt: now}},
		CreatedAt: now,
	}
	s.secrets[name] = sec
	return *sec, nil
}

// resolve finds a secret by name or ARN. Callers hold the lock.
func (s *Store) resolve(id string) (*Secret, bool) {
	if sec, ok := s.secrets[id]; ok {
		return sec, true
	}
	if strings.HasPrefix(id, "arn:") {
		for _, sec := range s.secrets {
			if sec.ARN == id {
				return sec, true
			}
		}
	}
	return nil, false
}

// GetValue returns the current version, or a specific one when
// versionID is set.
func (s *Store) GetValue(id, versionID string) (Secret, Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.resolve(id)
	if !ok {
		return Secret{}, Version{}, ErrSecretNotFound
	}
	if versionID == "" {
		return *sec, sec.current(), nil
	}
	for _, v := range sec.Versions {
		if v.ID == versionID {
			return *sec, v, nil
		}
	}
	return Secret{}, Version{}, ErrSecretNotFound
}

// PutValue appends a new current version.
func (s *Store) PutValue(id, value string) (Secret, Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.resolve(id)
	if !ok {
		return Secret{}, Version{}, ErrSecretNotFound
	}
	v := Version{ID: uuid.NewString(), Value: value, CreatedAt: time.Now().UTC()}
	sec.Versions = append(sec.Versions, v)
	return *sec, v, nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.resolve(id)
	if !ok {
		return ErrSecretNotFound
	}
	delete(s.secrets, sec.Name)
	return nil
}

// List returns all secrets sorted by name.
func (s *Store) List() []Secret {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Secret, 0, len(s.secrets))
	for _, sec := range s.secrets {
		out = append(out, *sec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset drops everything.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = make(map[string]*Secret)
}
