// Package session implements the token store: an opaque-token to
// JSON-encoded principal record mapping, shipped here as an embedded
// BadgerDB-backed implementation so the module is runnable end to end.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/xbus/xbus/internal/storekit"
)

// Record is the principal info stored under a session token.
type Record struct {
	RoleID    string `json:"role_id"`
	Login     string `json:"login"`
	ServiceID string `json:"service_id"`
}

// Store is the token store contract: set/get/del over UTF-8 JSON values.
type Store interface {
	Set(token string, rec Record, ttl time.Duration) error
	Get(token string) (Record, bool, error)
	Del(token string) error
	Close() error
}

// NewToken mints a random 128-bit identifier rendered as 32 hex
// characters.
func NewToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// BadgerStore is the embedded token store.
type BadgerStore struct {
	db *storekit.DB
}

// Open opens a token store rooted at dir.
func Open(dir string) (*BadgerStore, error) {
	db, err := storekit.Open(dir)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// OpenInMemory opens a volatile token store, used by tests.
func OpenInMemory() (*BadgerStore, error) {
	db, err := storekit.OpenInMemory()
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func tokenKey(token string) string { return "token:" + token }

func (s *BadgerStore) Set(token string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return s.db.Set(tokenKey(token), data)
	}
	return s.db.SetTTL(tokenKey(token), data, ttl)
}

func (s *BadgerStore) Get(token string) (Record, bool, error) {
	data, ok, err := s.db.Get(tokenKey(token))
	if err != nil || !ok {
		return Record{}, ok, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *BadgerStore) Del(token string) error {
	return s.db.Delete(tokenKey(token))
}

func (s *BadgerStore) Close() error { return s.db.Close() }
