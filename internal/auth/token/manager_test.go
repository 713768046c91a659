package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	m, err := NewManager(Options{SigningKey: []byte("k"), Issuer: "nodeboard", Audience: "panel", TTL: time.Minute})
	require.NoError(t, err)

	signed, issued, err := m.Issue("42", true)
	require.NoError(t, err)
	assert.Equal(t, "42", issued.Subject)

	claims, err := m.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.Subject)
	assert.True(t, claims.Admin)

	other, err := NewManager(Options{SigningKey: []byte("other"), Issuer: "nodeboard", Audience: "panel"})
	require.NoError(t, err)
	_, err = other.Parse(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongAudience, err := NewManager(Options{SigningKey: []byte("k"), Issuer: "nodeboard", Audience: "agent"})
	require.NoError(t, err)
	_, err = wrongAudience.Parse(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseExpired(t *testing.T) {
	m, err := NewManager(Options{SigningKey: []byte("k"), TTL: time.Minute})
	require.NoError(t, err)
	m.ttl = -time.Minute

	signed, _, err := m.Issue("7", false)
	require.NoError(t, err)
	_, err = m.Parse(signed)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestNewManagerRequiresKey(t *testing.T) {
	_, err := NewManager(Options{})
	assert.Error(t, err)
}
