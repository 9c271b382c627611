package idp

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/relaygate/relaygate/internal/model"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrDuplicateUser      = errors.New("user already exists")
)

// User is an account known to the dev identity service.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         model.Role
	IsActive     bool
	TokenVersion int
}

// Directory is an in-memory user directory.
type Directory struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]*User
}

func NewDirectory() *Directory {
	return &Directory{
		byID:    make(map[string]*User),
		byEmail: make(map[string]*User),
	}
}

// Add creates a user with a bcrypt hash of password.
func (d *Directory) Add(email, password string, role model.Role, active bool) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return d.addHashed("", email, string(hash), role, active)
}

func (d *Directory) addHashed(id, email, hash string, role model.Role, active bool) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}
	if id == "" {
		id = uuid.NewString()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byEmail[email]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateUser, email)
	}
	u := &User{ID: id, Email: email, PasswordHash: hash, Role: role, IsActive: active}
	d.byID[id] = u
	d.byEmail[email] = u
	return u, nil
}

// Authenticate checks email and password.
func (d *Directory) Authenticate(email, password string) (User, error) {
	d.mu.RLock()
	u, ok := d.byEmail[strings.ToLower(strings.TrimSpace(email))]
	d.mu.RUnlock()
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return d.Get(u.ID)
}

// Get returns a copy of the user with id.
func (d *Directory) Get(id string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return *u, nil
}

// BumpTokenVersion invalidates every token issued to the user so far.
func (d *Directory) BumpTokenVersion(id string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.byID[id]
	if !ok {
		return 0, ErrUserNotFound
	}
	u.TokenVersion++
	return u.TokenVersion, nil
}

// Len returns the number of users.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

type usersFile struct {
	Users []struct {
		ID           string `yaml:"id"`
		Email        string `yaml:"email"`
		Password     string `yaml:"password"`
		PasswordHash string `yaml:"password_hash"`
		Role         string `yaml:"role"`
		Active       *bool  `yaml:"active"`
	} `yaml:"users"`
}

// LoadUsers reads a YAML users file into the directory. Each entry carries
// either a plain password or a bcrypt password_hash. Users are active unless
// active is false.
func (d *Directory) LoadUsers(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}
	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse users file: %w", err)
	}
	for i, e := range f.Users {
		role, err := model.ParseRole(e.Role)
		if err != nil {
			return fmt.Errorf("users[%d]: %w", i, err)
		}
		active := e.Active == nil || *e.Active
		hash := e.PasswordHash
		if hash == "" {
			if e.Password == "" {
				return fmt.Errorf("users[%d]: password or password_hash is required", i)
			}
			b, err := bcrypt.GenerateFromPassword([]byte(e.Password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("users[%d]: hash password: %w", i, err)
			}
			hash = string(b)
		}
		if _, err := d.addHashed(e.ID, e.Email, hash, role, active); err != nil {
			return fmt.Errorf("users[%d]: %w", i, err)
		}
	}
	return nil
}
