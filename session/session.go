package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredential indicates no bearer credential is currently stored.
	ErrNoCredential = errors.New("session: no credential available")
)

// Source provides read-only access to the current bearer credential and user
// identity. The realtime client and the API client both consume it; neither
// ever writes credentials.
type Source interface {
	Credential() (string, error)
	UserID() (int, error)
}

// Static is a fixed in-memory source, mainly for tests and tooling.
type Static struct {
	Token string
	User  int
}

// Credential returns the fixed token.
func (s Static) Credential() (string, error) {
	if s.Token == "" {
		return "", ErrNoCredential
	}
	return s.Token, nil
}

// UserID returns the fixed user id.
func (s Static) UserID() (int, error) {
	return s.User, nil
}

// fileState mirrors the session.json the host application maintains.
type fileState struct {
	UserID int    `json:"user_id"`
	Token  string `json:"token"`
}

// FileSource reads session.json on every access so credential rotation by
// the host is observable without coordination.
type FileSource struct {
	path string

	mu     sync.Mutex
	cached fileState
	stale  bool
}

// NewFileSource creates a source backed by the given session file path.
func NewFileSource(path string) (*FileSource, error) {
	if path == "" {
		return nil, errors.New("session: path is required")
	}
	return &FileSource{path: path}, nil
}

// Credential returns the current bearer token, ErrNoCredential when absent.
func (f *FileSource) Credential() (string, error) {
	state, err := f.read()
	if err != nil {
		return "", err
	}
	if state.Token == "" {
		return "", ErrNoCredential
	}
	return state.Token, nil
}

// UserID returns the current user id, zero when no session exists.
func (f *FileSource) UserID() (int, error) {
	state, err := f.read()
	if err != nil {
		return 0, err
	}
	return state.UserID, nil
}

func (f *FileSource) read() (fileState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileState{}, ErrNoCredential
		}
		// Keep serving the last good state through transient read failures.
		if f.stale {
			return f.cached, nil
		}
		return fileState{}, fmt.Errorf("read session file: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fileState{}, fmt.Errorf("parse session file: %w", err)
	}

	f.cached = state
	f.stale = true
	return state, nil
}

// TokenExpiry extracts the exp claim from a bearer JWT without verifying the
// signature. Verification belongs to the gateway; the client only needs the
// deadline to schedule proactive reconnects.
func TokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse credential: %w", err)
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read credential expiry: %w", err)
	}
	if expiry == nil {
		return time.Time{}, errors.New("session: credential has no expiry claim")
	}
	return expiry.Time, nil
}
