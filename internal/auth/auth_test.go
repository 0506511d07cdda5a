package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = strings.Repeat("s", MinSecretLength)

func TestNew_WeakSecret(t *testing.T) {
	_, err := New("short")
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestIssueVerify(t *testing.T) {
	k, err := New(secret)
	require.NoError(t, err)

	token, err := k.Issue("room-1", "alice", time.Hour)
	require.NoError(t, err)

	claims, err := k.Verify(token, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.ClientID)
	assert.Equal(t, "room-1", claims.Room)

	_, err = k.Verify(token, "room-2")
	assert.ErrorIs(t, err, ErrWrongRoom)

	_, err = k.Verify(token, "")
	assert.NoError(t, err)
}

func TestVerify_Rejects(t *testing.T) {
	k, err := New(secret)
	require.NoError(t, err)
	other, err := New(strings.Repeat("o", MinSecretLength))
	require.NoError(t, err)

	token, err := other.Issue("room", "bob", time.Hour)
	require.NoError(t, err)
	_, err = k.Verify(token, "room")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = k.Verify("not-a-token", "room")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := k.Issue("room", "bob", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = k.Verify(expired, "room")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
