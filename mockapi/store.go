package mockapi

import (
	"errors"
	"strings"
	"sync"
)

var (
	ErrMissingField = errors.New("username, password and email are required")
	ErrDuplicate    = errors.New("username or email already exists")
)

// User is the public view of a stored user, the password is never exposed
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type record struct {
	User
	password string
}

// Store keeps users in memory in insertion order
type Store struct {
	mu     sync.RWMutex
	nextID int
	users  []record
	names  map[string]struct{}
	emails map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		nextID: 1,
		names:  make(map[string]struct{}),
		emails: make(map[string]struct{}),
	}
}

// Create adds a user, username and email are unique
func (s *Store) Create(username, password, email string) (User, error) {
	if username == "" || password == "" || email == "" {
		return User{}, ErrMissingField
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[username]; ok {
		return User{}, ErrDuplicate
	}
	if _, ok := s.emails[email]; ok {
		return User{}, ErrDuplicate
	}
	u := User{ID: s.nextID, Username: username, Email: email}
	s.nextID++
	s.users = append(s.users, record{User: u, password: password})
	s.names[username] = struct{}{}
	s.emails[email] = struct{}{}
	return u, nil
}

func (s *Store) List() []User {
	return s.filter(func(User) bool { return true })
}

// Search returns users whose username contains q
func (s *Store) Search(q string) []User {
	return s.filter(func(u User) bool { return strings.Contains(u.Username, q) })
}

func (s *Store) filter(keep func(User) bool) []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]User, 0, len(s.users))
	for _, r := range s.users {
		if keep(r.User) {
			res = append(res, r.User)
		}
	}
	return res
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}
