// Package accounts owns logins, credentials and profile fields.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"termchat/models"
	"termchat/store"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const (
	Collection     = "accounts"
	MaxLoginLength = 64

	// MaxPasswordLength is the most bcrypt will hash.
	MaxPasswordLength = 72
)

var (
	ErrAlreadyExists = errors.New("account already exists")
	ErrNotFound      = errors.New("account not found")
	ErrWrongPassword = errors.New("wrong password")
	ErrInvalidLogin  = errors.New("invalid login")
	ErrEmptyPassword = errors.New("empty password")

	ErrPasswordTooLong = errors.New("password too long")
)

// ErrUnknownAccount is what other packages report when a referenced login
// does not exist.
var ErrUnknownAccount = ErrNotFound

type Directory struct {
	store store.Store
	cost  int
	now   func() time.Time

	dummyOnce sync.Once
	dummyHash []byte
}

func New(s store.Store, bcryptCost int) *Directory {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Directory{store: s, cost: bcryptCost, now: time.Now}
}

// ValidateLogin rejects logins that cannot be stored or addressed safely.
func ValidateLogin(login string) error {
	if login == "" || len(login) > MaxLoginLength || !utf8.ValidString(login) {
		return ErrInvalidLogin
	}
	if strings.IndexFunc(login, unicode.IsControl) >= 0 {
		return ErrInvalidLogin
	}
	// logins name per-user directories for file delivery
	if login == "." || login == ".." || strings.ContainsAny(login, `/\`) {
		return ErrInvalidLogin
	}
	return nil
}

func validatePassword(password string) error {
	switch {
	case password == "":
		return ErrEmptyPassword
	case len(password) > MaxPasswordLength:
		return ErrPasswordTooLong
	}
	return nil
}

func (d *Directory) Create(ctx context.Context, login, password string) error {
	if err := ValidateLogin(login); err != nil {
		return err
	}
	if err := validatePassword(password); err != nil {
		return err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	now := d.now().UTC()
	account := models.Account{
		Login:        login,
		PasswordHash: string(hashed),
		CreatedAt:    now,
	}

	err = store.InsertJSON(ctx, d.store, Collection, login, &account)
	if errors.Is(err, store.ErrExists) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}

	log.Info().Str("login", login).Msg("Account created")
	return nil
}

// Authenticate reports whether password matches. Unknown logins and bad
// passwords both yield false; only storage faults return an error.
func (d *Directory) Authenticate(ctx context.Context, login, password string) (bool, error) {
	account, err := d.get(ctx, login)
	if errors.Is(err, ErrNotFound) {
		// spend the same bcrypt work as a real comparison
		bcrypt.CompareHashAndPassword(d.dummy(), []byte(password))
		log.Debug().Str("login", login).Msg("Authentication failed: unknown login")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		log.Debug().Str("login", login).Msg("Authentication failed: password mismatch")
		return false, nil
	}
	return true, nil
}

func (d *Directory) dummy() []byte {
	d.dummyOnce.Do(func() {
		d.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), d.cost)
	})
	return d.dummyHash
}

func (d *Directory) Exists(ctx context.Context, login string) (bool, error) {
	_, err := d.store.Get(ctx, Collection, login)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Require returns ErrUnknownAccount unless every login exists.
func (d *Directory) Require(ctx context.Context, logins ...string) error {
	for _, login := range logins {
		ok, err := d.Exists(ctx, login)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, login)
		}
	}
	return nil
}

func (d *Directory) Profile(ctx context.Context, login string) (models.Profile, error) {
	account, err := d.get(ctx, login)
	if err != nil {
		return models.Profile{}, err
	}
	return account.Profile(), nil
}

func (d *Directory) UpdateProfile(ctx context.Context, login string, upd models.ProfileUpdate) error {
	return store.UpdateJSON(ctx, d.store, Collection, login, func(a *models.Account, found bool) (bool, error) {
		if !found {
			return false, ErrNotFound
		}
		if upd.Empty() {
			return false, nil
		}
		a.Apply(upd)
		return true, nil
	})
}

// ChangePassword verifies oldPassword and stores the hash of newPassword in
// one atomic update, so a concurrent change cannot slip between the two.
func (d *Directory) ChangePassword(ctx context.Context, login, oldPassword, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(newPassword), d.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	err = store.UpdateJSON(ctx, d.store, Collection, login, func(a *models.Account, found bool) (bool, error) {
		if !found {
			return false, ErrNotFound
		}
		if bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(oldPassword)) != nil {
			return false, ErrWrongPassword
		}
		a.PasswordHash = string(hashed)
		return true, nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("login", login).Msg("Password changed")
	return nil
}

// RecordPresence stamps the last time login came online or went offline.
func (d *Directory) RecordPresence(ctx context.Context, login string, online bool) error {
	now := d.now().UTC()
	return store.UpdateJSON(ctx, d.store, Collection, login, func(a *models.Account, found bool) (bool, error) {
		if !found {
			return false, ErrNotFound
		}
		if online {
			a.LastOnline = now
		} else {
			a.LastOffline = now
		}
		return true, nil
	})
}

func (d *Directory) get(ctx context.Context, login string) (models.Account, error) {
	account, err := store.GetJSON[models.Account](ctx, d.store, Collection, login)
	if errors.Is(err, store.ErrNotFound) {
		return models.Account{}, ErrNotFound
	}
	return account, err
}
