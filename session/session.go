package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tixforge/tixclient/api"
	"github.com/tixforge/tixclient/global"
	"github.com/tixforge/tixclient/storage"
)

// Store owns the persisted credentials and the general user snapshot. The
// balance mirror inside the snapshot is written only through SetBalance,
// which the balance synchronizer calls together with its own snapshot update

type (
	Environment interface {
		global.Logging
		Clock() clock.Clock
	}

	UserSnapshot struct {
		UserID         string
		Balance        api.Balance
		BalanceUpdated time.Time
	}

	Store struct {
		Environment
		mutex     sync.RWMutex
		kv        storage.KVStore
		authToken string
		user      UserSnapshot
	}

	persistedCredentials struct {
		AuthToken string `json:"auth_token"`
		UserID    string `json:"user_id"`
	}
)

const credentialsKey = "session.credentials"

func NewStore(env Environment, kv storage.KVStore) *Store {
	ret := &Store{
		Environment: env,
		kv:          kv,
	}
	ret.load()
	return ret
}

func (s *Store) load() {
	if s.kv == nil {
		return
	}
	bin, ok := s.kv.Get(credentialsKey)
	if !ok {
		return
	}
	var pc persistedCredentials
	if err := json.Unmarshal([]byte(bin), &pc); err != nil {
		s.Tracef("session", "discarding corrupt persisted credentials: %v", err)
		s.kv.Remove(credentialsKey)
		return
	}
	s.authToken = pc.AuthToken
	s.user.UserID = pc.UserID
}

func (s *Store) SetCredentials(authToken, userID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.authToken = authToken
	s.user = UserSnapshot{UserID: userID}
	if s.kv == nil {
		return
	}
	bin, err := json.Marshal(persistedCredentials{AuthToken: authToken, UserID: userID})
	s.AssertNoError(err, "session persist")
	s.kv.Set(credentialsKey, string(bin))
}

// ClearCredentials is the session-expired side effect: the persisted
// credentials go away together with the in-memory snapshot
func (s *Store) ClearCredentials() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.authToken = ""
	s.user = UserSnapshot{}
	if s.kv != nil {
		s.kv.Remove(credentialsKey)
	}
	s.Log().Infof("[session] credentials cleared")
}

func (s *Store) AuthToken() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.authToken
}

func (s *Store) IsAuthenticated() bool {
	return s.AuthToken() != ""
}

// User returns a copy; observers never mutate the snapshot
func (s *Store) User() UserSnapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.user
}

func (s *Store) SetBalance(b api.Balance, at time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.user.Balance = b
	s.user.BalanceUpdated = at
}
