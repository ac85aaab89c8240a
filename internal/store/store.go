// Package store implements the in-memory user repository: registration with
// unique usernames and monotonic IDs, credential verification with lazy hash
// migration, and atomic credit debiting. A single mutex serializes every
// mutation, so ID allocation, the uniqueness check, and credit
// read-modify-write are safe under concurrent requests.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voicegate/voicegate/internal/auth"
)

// Errors surfaced to the API layer. ErrInvalidCredentials deliberately covers
// both unknown-username and wrong-password so responses cannot be used to
// enumerate accounts.
var (
	ErrDuplicateUsername  = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserNotFound       = errors.New("user not found")
)

// InsufficientCreditsError reports a declined debit together with the
// caller's balance and the required cost, for the client-facing message.
type InsufficientCreditsError struct {
	Credits int
	Cost    int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, need %d", e.Credits, e.Cost)
}

// dummyDigest is a valid bcrypt digest of an unguessable throwaway value,
// used to equalize the cost of unknown-username lookups.
const dummyDigest = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// User is a registered account. Copies handed out by the store are snapshots;
// all mutation goes through store methods.
type User struct {
	ID             int64
	Username       string
	HashedPassword string
	Credits        int
}

// Store holds all registered users. IDs are sequential from 1 and never
// reused; a failed registration does not consume an ID.
type Store struct {
	hasher          *auth.Hasher
	startingCredits int

	mu         sync.Mutex
	users      []*User
	byUsername map[string]*User
	byID       map[int64]*User
	lastID     int64
}

// New creates an empty store. Every registered user starts with
// startingCredits credits.
func New(hasher *auth.Hasher, startingCredits int) *Store {
	return &Store{
		hasher:          hasher,
		startingCredits: startingCredits,
		byUsername:      make(map[string]*User),
		byID:            make(map[int64]*User),
	}
}

// Register creates a new user. Usernames are matched case-sensitively;
// a duplicate yields ErrDuplicateUsername.
func (s *Store) Register(username, password string) (User, error) {
	// Hash outside the lock: bcrypt is deliberately slow and must not
	// serialize unrelated registrations.
	digest, err := s.hasher.Hash(password)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byUsername[username]; exists {
		return User{}, ErrDuplicateUsername
	}

	s.lastID++
	u := &User{
		ID:             s.lastID,
		Username:       username,
		HashedPassword: digest,
		Credits:        s.startingCredits,
	}
	s.users = append(s.users, u)
	s.byUsername[username] = u
	s.byID[u.ID] = u

	return *u, nil
}

// Authenticate verifies the password for the username and returns the user.
// Unknown usernames and wrong passwords produce the identical
// ErrInvalidCredentials. On a successful verify against a digest with an
// outdated parameterization, the stored hash is transparently upgraded.
func (s *Store) Authenticate(username, password string) (User, error) {
	s.mu.Lock()
	u, exists := s.byUsername[username]
	var digest string
	if exists {
		digest = u.HashedPassword
	}
	s.mu.Unlock()

	if !exists {
		// Burn a verify against a fixed digest so the unknown-username path
		// costs roughly the same as a wrong password.
		s.hasher.VerifyAndUpdate(password, dummyDigest)
		return User{}, ErrInvalidCredentials
	}

	ok, newDigest := s.hasher.VerifyAndUpdate(password, digest)
	if !ok {
		return User{}, ErrInvalidCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if newDigest != "" && u.HashedPassword == digest {
		u.HashedPassword = newDigest
	}
	return *u, nil
}

// Get returns a snapshot of the user with the given ID.
func (s *Store) Get(id int64) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return *u, nil
}

// Debit atomically checks and subtracts cost credits from the user's balance,
// returning the remaining balance. When the balance cannot cover the cost it
// returns an *InsufficientCreditsError and debits nothing. A cost of zero
// always succeeds.
func (s *Store) Debit(id int64, cost int) (remaining int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return 0, ErrUserNotFound
	}

	if cost > u.Credits {
		return u.Credits, &InsufficientCreditsError{Credits: u.Credits, Cost: cost}
	}

	u.Credits -= cost
	return u.Credits, nil
}

// Len returns the number of registered users.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}
