// Package auth implements the core's credential check and login rate
// limiting: bcrypt.CompareHashAndPassword against a user looked up through
// the Gateway interface, with a dummy-hash timing guard for the
// missing-user case.
package auth

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/melvynkim/wildduck/internal/model"
	"github.com/melvynkim/wildduck/internal/storage"
)

// ErrInvalidCredentials collapses "no such user" and "wrong password" into
// one outcome so LOGIN's tagged response text can't be used to enumerate
// usernames.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// dummyHash is compared against when the username doesn't exist, so the
// bcrypt cost is paid either way and a fast path can't be timed apart from
// the real password-mismatch path.
const dummyHash = "$2a$10$CwTycUXWue0Thq9StjUM0uJ8lBMgQJOe6Z9w6Z8kP4c5t5Pz9Zz9O"

// Authenticator checks a username/password pair against the Storage
// Gateway's bcrypt hash.
type Authenticator struct {
	gw storage.Gateway
}

// New returns an Authenticator backed by gw.
func New(gw storage.Gateway) *Authenticator {
	return &Authenticator{gw: gw}
}

// Authenticate verifies username/password, returning the matched user on
// success. Any failure — missing user, wrong password, storage error other
// than not-found — is reported as ErrInvalidCredentials.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*model.User, error) {
	user, err := a.gw.FindUser(ctx, username)
	if err != nil {
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password)) //nolint:errcheck
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}
