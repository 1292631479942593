package sources

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/fentz26/pulse/internal/syncerr"
)

const stateKeyInfo = "pulse oauth state v1"

// StateClaims is the readable payload of a state token.
type StateClaims struct {
	Provider  string `json:"provider"`
	UserID    string `json:"userId"`
	Nonce     string `json:"nonce"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// StateSigner issues and verifies OAuth state tokens of the form
// base64url(json claims) "." base64url(hmac-sha256).
type StateSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewStateSigner derives the signing key from secret. An empty secret gets
// a random one, so tokens only verify within this process.
func NewStateSigner(secret []byte, ttl time.Duration) (*StateSigner, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate state secret: %w", err)
		}
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("state ttl must be positive")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(stateKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive state key: %w", err)
	}
	return &StateSigner{key: key, ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for provider and userID.
func (s *StateSigner) Issue(provider, userID string) (string, StateClaims, error) {
	now := s.now()
	claims := StateClaims{
		Provider:  provider,
		UserID:    userID,
		Nonce:     uuid.New().String(),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", StateClaims{}, fmt.Errorf("marshal state: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + s.sign(body), claims, nil
}

// Verify checks shape, signature and expiry. Forged or malformed tokens
// return ErrInvalidState; expired ones ErrAuthExpired.
func (s *StateSigner) Verify(token string) (StateClaims, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" || sig == "" {
		return StateClaims{}, fmt.Errorf("%w: malformed token", syncerr.ErrInvalidState)
	}
	want := s.sign(body)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return StateClaims{}, fmt.Errorf("%w: bad signature", syncerr.ErrInvalidState)
	}

	claims, err := DecodeState(token)
	if err != nil {
		return StateClaims{}, err
	}
	if s.now().Unix() >= claims.ExpiresAt {
		return StateClaims{}, fmt.Errorf("state for %s: %w", claims.Provider, syncerr.ErrAuthExpired)
	}
	return claims, nil
}

func (s *StateSigner) sign(body string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// DecodeState reads the claims without verifying the signature.
func DecodeState(token string) (StateClaims, error) {
	body, _, _ := strings.Cut(token, ".")
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return StateClaims{}, fmt.Errorf("%w: bad encoding", syncerr.ErrInvalidState)
	}
	var claims StateClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return StateClaims{}, fmt.Errorf("%w: bad payload", syncerr.ErrInvalidState)
	}
	if claims.Provider == "" || claims.UserID == "" || claims.Nonce == "" || claims.ExpiresAt == 0 {
		return StateClaims{}, fmt.Errorf("%w: missing fields", syncerr.ErrInvalidState)
	}
	return claims, nil
}
