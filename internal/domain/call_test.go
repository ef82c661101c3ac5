package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOrdering(t *testing.T) {
	cases := []struct {
		from, to CallStatus
		forward  bool
	}{
		{StatusRinging, StatusConnecting, true},
		{StatusRinging, StatusConnected, true},
		{StatusRinging, StatusEnded, true},
		{StatusRinging, StatusBusy, true},
		{StatusConnecting, StatusConnected, true},
		{StatusConnected, StatusEnded, true},
		{StatusConnected, StatusFailed, true},

		{StatusConnected, StatusRinging, false},
		{StatusConnected, StatusConnecting, false},
		{StatusEnded, StatusRinging, false},
		{StatusEnded, StatusConnected, false},
		// Terminals never replace each other.
		{StatusEnded, StatusRejected, false},
		{StatusRejected, StatusEnded, false},
		{StatusMissed, StatusFailed, false},
		{StatusBusy, StatusEnded, false},
		// Same status is never a forward move.
		{StatusRinging, StatusRinging, false},
		{StatusEnded, StatusEnded, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.forward, c.from.Before(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []CallStatus{StatusEnded, StatusRejected, StatusMissed, StatusFailed, StatusBusy}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s", s)
	}
	for _, s := range []CallStatus{StatusRinging, StatusConnecting, StatusConnected} {
		assert.False(t, s.IsTerminal(), "%s", s)
	}
	assert.False(t, CallStatus("BOGUS").IsTerminal())
}

func TestNewCallSession(t *testing.T) {
	a := NewCallSession("alice", "bob", CallTypeVideo)
	b := NewCallSession("alice", "bob", CallTypeVideo)

	require.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID, "concurrent dials must never collide on id")
	assert.Equal(t, StatusRinging, a.Status)
	assert.Equal(t, "alice", a.CallerID)
	assert.Equal(t, "bob", a.ReceiverID)
	assert.False(t, a.CreatedAt.IsZero())
	assert.True(t, a.HasVideo())
	assert.False(t, NewCallSession("alice", "bob", CallTypeVoice).HasVideo())
}
