package sources

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/pulse/internal/syncerr"
)

func newSigner(t *testing.T) *StateSigner {
	t.Helper()
	s, err := NewStateSigner([]byte("0123456789abcdef0123456789abcdef"), 10*time.Minute)
	require.NoError(t, err)
	return s
}

func TestStateSigner_IssueAndDecode(t *testing.T) {
	s := newSigner(t)

	token, claims, err := s.Issue("spotify", "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, claims.Nonce)

	decoded, err := DecodeState(token)
	require.NoError(t, err)
	assert.Equal(t, "spotify", decoded.Provider)
	assert.Equal(t, "u1", decoded.UserID)

	body, _, _ := strings.Cut(token, ".")
	raw, err := base64.RawURLEncoding.DecodeString(body)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "spotify", fields["provider"])
	assert.Equal(t, "u1", fields["userId"])

	verified, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, claims, verified)
}

func TestStateSigner_RejectsTampering(t *testing.T) {
	s := newSigner(t)
	token, _, err := s.Issue("spotify", "u1")
	require.NoError(t, err)
	body, sig, _ := strings.Cut(token, ".")

	forged, err := json.Marshal(StateClaims{Provider: "spotify", UserID: "attacker", Nonce: "n", ExpiresAt: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)

	cases := map[string]string{
		"no separator": body,
		"empty sig":    body + ".",
		"flipped sig":  body + "." + flip(sig),
		"swapped body": base64.RawURLEncoding.EncodeToString(forged) + "." + sig,
		"garbage":      "not-a-token.at-all",
		"other signer": otherToken(t),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.Verify(tok)
			assert.ErrorIs(t, err, syncerr.ErrInvalidState)
		})
	}
}

func flip(sig string) string {
	b := []byte(sig)
	if b[0] == 'A' {
		b[0] = 'B'
	} else {
		b[0] = 'A'
	}
	return string(b)
}

func otherToken(t *testing.T) string {
	other, err := NewStateSigner([]byte("fedcba9876543210fedcba9876543210"), time.Minute)
	require.NoError(t, err)
	tok, _, err := other.Issue("spotify", "u1")
	require.NoError(t, err)
	return tok
}

func TestStateSigner_Expired(t *testing.T) {
	s := newSigner(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	token, _, err := s.Issue("fitbit", "u1")
	require.NoError(t, err)

	s.now = func() time.Time { return start.Add(10 * time.Minute) }
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, syncerr.ErrAuthExpired)
	assert.NotErrorIs(t, err, syncerr.ErrInvalidState)
}

func TestNewStateSigner(t *testing.T) {
	_, err := NewStateSigner([]byte("secret-secret-secret"), 0)
	assert.Error(t, err)

	// Random secrets still round-trip inside one signer.
	s, err := NewStateSigner(nil, time.Minute)
	require.NoError(t, err)
	tok, _, err := s.Issue("twitter", "u9")
	require.NoError(t, err)
	_, err = s.Verify(tok)
	assert.NoError(t, err)
}

func TestDecodeState_MissingFields(t *testing.T) {
	raw, err := json.Marshal(map[string]any{"provider": "spotify"})
	require.NoError(t, err)
	_, err = DecodeState(base64.RawURLEncoding.EncodeToString(raw) + ".sig")
	assert.ErrorIs(t, err, syncerr.ErrInvalidState)
}
