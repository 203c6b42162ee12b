// Package params implements the parameter store: versioned name to
// value entries with optional hierarchy queries.
package params

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"lws.localdev.org/common"
)

var (
	ErrParameterNotFound = errors.New("parameter does not exist")
	ErrParameterExists   = errors.New("parameter already exists")
	ErrValidation        = errors.New("validation error")
)

// Parameter types.
const (
	TypeString       = "String"
	TypeStringList   = "StringList"
	TypeSecureString = "SecureString"
)

// Parameter is one stored entry.
type Parameter struct {
	Name         string    `json:"name"`
	ARN          string    `json:"arn"`
	Value        string    `json:"value"`
	Type         string    `json:"type"`
	Version      int       `json:"version"`
	LastModified time.Time `json:"lastModified"`
}

// Store is the in-memory parameter store.
type Store struct {
	mu     sync.RWMutex
	params map[string]*Parameter
}

func NewStore() *Store {
	return &Store{params: make(map[string]*Parameter)}
}

// Put stores a parameter. Without overwrite an existing name is a
// conflict; with it the version is bumped.
func (s *Store) Put(name, value, paramType string, overwrite bool) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: parameter name is required", ErrValidation)
	}
	switch paramType {
	case "":
		paramType = TypeString
	case TypeString, TypeStringList, TypeSecureString:
	default:
		return 0, fmt.Errorf("%w: unknown parameter type %q", ErrValidation, paramType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.params[name]
	if ok && !overwrite {
		return 0, ErrParameterExists
	}
	version := 1
	if ok {
		version = existing.Version + 1
	}
	s.params[name] = &Parameter{
		Name:         name,
		ARN:          common.ParameterARN(name),
		Value:        value,
		Type:         paramType,
		Version:      version,
		LastModified: time.Now().UTC(),
	}
	return version, nil
}

// Get returns a parameter. Decryption of SecureString values is a
// no-op here, so withDecryption has no effect on the result.
func (s *Store) Get(name string) (Parameter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.params[name]
	if !ok {
		return Parameter{}, ErrParameterNotFound
	}
	return *p, nil
}

// GetByPath returns parameters under a `/`-separated hierarchy prefix,
// sorted by name. Non-recursive lookups only return direct children.
func (s *Store) GetByPath(path string, recursive bool) []Parameter {
	prefix := strings.TrimSuffix(path, "/") + "/"
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Parameter
	for name, p := range s.params {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if !recursive && strings.Contains(name[len(prefix):], "/") {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.params[name]; !ok {
		return ErrParameterNotFound
	}
	delete(s.params, name)
	return nil
}

func (s *Store) List() []Parameter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Parameter, 0, len(s.params))
	for _, p := range s.params {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset drops everything.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = make(map[string]*Parameter)
}
