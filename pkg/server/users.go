package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// ErrBadCredentials is returned for an unknown user or a wrong password.
var ErrBadCredentials = errors.New("invalid credentials")

// User is one account in the users file.
type User struct {
	ID           chandb.UserID `yaml:"id"`
	Name         string        `yaml:"name"`
	PasswordHash string        `yaml:"password_hash"`
}

type usersFile struct {
	Users []User `yaml:"users"`
}

// Users is the account registry, loaded from a YAML file and reloaded when
// the file changes on disk.
type Users struct {
	mu     sync.RWMutex
	path   string
	byID   map[chandb.UserID]User
	byName map[string]User
}

// NewUsers builds a registry from a fixed list.
func NewUsers(list []User) (*Users, error) {
	u := &Users{}
	if err := u.set(list); err != nil {
		return nil, err
	}
	return u, nil
}

// LoadUsers reads the users file at path.
func LoadUsers(path string) (*Users, error) {
	u := &Users{path: path}
	if err := u.Reload(); err != nil {
		return nil, err
	}
	return u, nil
}

// Reload re-reads the users file. On error the previous accounts stay in
// effect.
func (u *Users) Reload() error {
	if u.path == "" {
		return nil
	}
	data, err := os.ReadFile(u.path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", u.path, err)
	}
	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing YAML %s: %w", u.path, err)
	}
	if err := u.set(f.Users); err != nil {
		return fmt.Errorf("%s: %w", u.path, err)
	}
	log.Printf("users: loaded %d accounts from %s", len(f.Users), u.path)
	return nil
}

func (u *Users) set(list []User) error {
	byID := make(map[chandb.UserID]User, len(list))
	byName := make(map[string]User, len(list))
	for _, usr := range list {
		if usr.ID == 0 {
			return fmt.Errorf("user %q has no id", usr.Name)
		}
		key := strings.ToLower(usr.Name)
		if key == "" {
			return fmt.Errorf("user %s has no name", usr.ID)
		}
		if _, dup := byID[usr.ID]; dup {
			return fmt.Errorf("duplicate user id %d", usr.ID)
		}
		if _, dup := byName[key]; dup {
			return fmt.Errorf("duplicate user name %q", usr.Name)
		}
		byID[usr.ID] = usr
		byName[key] = usr
	}
	u.mu.Lock()
	u.byID = byID
	u.byName = byName
	u.mu.Unlock()
	return nil
}

// Authenticate checks a name and password. Names are case-insensitive.
func (u *Users) Authenticate(name, password string) (User, error) {
	u.mu.RLock()
	usr, ok := u.byName[strings.ToLower(name)]
	u.mu.RUnlock()
	if !ok {
		return User{}, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(usr.PasswordHash), []byte(password)) != nil {
		return User{}, ErrBadCredentials
	}
	return usr, nil
}

// Lookup returns the account with id.
func (u *Users) Lookup(id chandb.UserID) (User, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	usr, ok := u.byID[id]
	return usr, ok
}

// IDs returns every account id, sorted.
func (u *Users) IDs() []chandb.UserID {
	u.mu.RLock()
	defer u.mu.RUnlock()
	ids := make([]chandb.UserID, 0, len(u.byID))
	for id := range u.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of accounts.
func (u *Users) Count() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.byID)
}

// HashPassword returns the bcrypt hash to store in the users file.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Watch reloads the users file whenever it changes until ctx ends.
// onRemoved, if set, is called with the accounts a reload dropped.
func (u *Users) Watch(ctx context.Context, onRemoved func([]chandb.UserID)) error {
	if u.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("users: starting watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files rather than write them.
	dir := filepath.Dir(u.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("users: watching %s: %w", dir, err)
	}
	log.Printf("users: watching %s for changes", u.path)

	name := filepath.Base(u.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || filepath.Base(event.Name) != name {
				continue
			}
			before := u.IDs()
			if err := u.Reload(); err != nil {
				log.Printf("users: reload failed, keeping previous accounts: %v", err)
				continue
			}
			var removed []chandb.UserID
			for _, id := range before {
				if _, ok := u.Lookup(id); !ok {
					removed = append(removed, id)
				}
			}
			if len(removed) > 0 && onRemoved != nil {
				onRemoved(removed)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("users: watcher error: %v", err)
		}
	}
}
