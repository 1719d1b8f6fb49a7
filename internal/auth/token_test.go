package auth

import (
	"testing"
	"time"

	"chatsync/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	m := NewTokenManager("0123456789abcdef0123456789abcdef", time.Hour)

	token, err := m.Issue("alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	userID, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestVerify_WrongSecret(t *testing.T) {
	m1 := NewTokenManager("0123456789abcdef0123456789abcdef", time.Hour)
	m2 := NewTokenManager("another-secret-another-secret-32", time.Hour)

	token, err := m1.Issue("alice")
	require.NoError(t, err)

	_, err = m2.Verify(token)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuthentication, errors.GetCode(err))
}

func TestVerify_Expired(t *testing.T) {
	m := NewTokenManager("0123456789abcdef0123456789abcdef", -time.Minute)

	token, err := m.Issue("alice")
	require.NoError(t, err)

	_, err = m.Verify(token)
	assert.Error(t, err)
}

func TestVerify_Garbage(t *testing.T) {
	m := NewTokenManager("0123456789abcdef0123456789abcdef", time.Hour)

	_, err := m.Verify("not.a.token")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuthentication, errors.GetCode(err))
}
