package token

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ErrNoToken indicates that no persisted token is available.
var ErrNoToken = errors.New("no token available")

// Source yields the bearer token used for the channel handshake and
// backend requests. Token lifecycle (issuing, refresh) is owned by the
// backend's auth flow, not by this agent.
type Source interface {
	Token() (string, error)
}

// FileSource reads a bearer token persisted by the login flow.
type FileSource struct {
	path string
	log  *zerolog.Logger

	mu     sync.Mutex
	cached string
	warned bool
}

// NewFileSource builds a token source backed by the file at path.
func NewFileSource(path string, logger *zerolog.Logger) *FileSource {
	return &FileSource{path: path, log: logger}
}

// Token returns the persisted token, re-reading the file each call so a
// re-login picked up by the backend takes effect without a restart.
func (s *FileSource) Token() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("read token file: %w", err)
	}

	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", ErrNoToken
	}

	s.mu.Lock()
	changed := tok != s.cached
	s.cached = tok
	if changed {
		s.warned = false
	}
	warned := s.warned
	s.mu.Unlock()

	if !warned && s.log != nil {
		if exp, ok := expiry(tok); ok && time.Now().After(exp) {
			s.log.Warn().Time("expired_at", exp).Msg("persisted token is expired, backend will reject the handshake")
			s.mu.Lock()
			s.warned = true
			s.mu.Unlock()
		}
	}

	return tok, nil
}

// Static returns a source that always yields the given token. Used in tests.
func Static(tok string) Source {
	return staticSource(tok)
}

type staticSource string

func (s staticSource) Token() (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// UserID extracts the subject claim from the source's current token
// without validating the signature, falling back to a userId claim.
// Returns "" when no token or no usable claim exists.
func UserID(src Source) string {
	if src == nil {
		return ""
	}
	tok, err := src.Token()
	if err != nil {
		return ""
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tok, claims); err != nil {
		return ""
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	if id, ok := claims["userId"].(string); ok {
		return id
	}
	return ""
}

// expiry extracts the exp claim without validating the signature. The
// agent never trusts the token, it only warns early on obviously stale
// credentials.
func expiry(tok string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tok, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
