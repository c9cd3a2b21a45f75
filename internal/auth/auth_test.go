package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/melvynkim/wildduck/internal/model"
	"github.com/melvynkim/wildduck/internal/storage/storagetest"
)

func TestAuthenticateSuccess(t *testing.T) {
	gw := storagetest.New()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	gw.PutUser(&model.User{Username: "alice", PasswordHash: string(hash)})

	a := New(gw)
	user, err := a.Authenticate(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
}

func TestAuthenticateWrongPassword(t *testing.T) {
	gw := storagetest.New()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	gw.PutUser(&model.User{Username: "alice", PasswordHash: string(hash)})

	a := New(gw)
	_, err = a.Authenticate(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateMissingUser(t *testing.T) {
	gw := storagetest.New()
	a := New(gw)
	_, err := a.Authenticate(context.Background(), "ghost", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
