// Package identity tracks who is signed in and tells interested components
// when that changes.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is a signed-in user.
type Identity struct {
	UserID string
	Email  string
}

// Provider exposes the current identity and transition notifications.
// Subscribe returns a function that cancels the subscription.
type Provider interface {
	Current() *Identity
	Subscribe(fn func(*Identity)) (unsubscribe func())
}

var (
	ErrInvalidToken = errors.New("invalid access token")
	ErrSignedOut    = errors.New("no signed-in user")
)

// Claims are the access-token claims the session understands. The subject
// is the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Session is an in-process Provider fed by sign-in and sign-out calls.
type Session struct {
	secret []byte
	issuer string

	mu      sync.Mutex
	current *Identity
	nextID  int
	subs    map[int]func(*Identity)

	// notifyMu keeps notifications in the order transitions happened.
	notifyMu sync.Mutex
}

// NewSession returns an anonymous session that accepts HS256 tokens signed
// with secret. An empty issuer skips the issuer check.
func NewSession(secret, issuer string) *Session {
	return &Session{
		secret: []byte(secret),
		issuer: issuer,
		subs:   make(map[int]func(*Identity)),
	}
}

// Current returns a copy of the signed-in identity, or nil when anonymous.
func (s *Session) Current() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

// Subscribe registers fn for every later transition. fn runs on the
// goroutine that caused the transition.
func (s *Session) Subscribe(fn func(*Identity)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// SignIn verifies an access token and makes its subject the current user.
func (s *Session) SignIn(token string) (*Identity, error) {
	id, err := s.Verify(token)
	if err != nil {
		return nil, err
	}
	s.SignInAs(*id)
	return id, nil
}

// Verify parses and validates token without changing the session.
func (s *Session) Verify(token string) (*Identity, error) {
	if len(s.secret) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// SignInAs switches to an already verified id.
func (s *Session) SignInAs(id Identity) {
	s.set(&id)
}

// SignOut returns the session to anonymous.
func (s *Session) SignOut() {
	s.set(nil)
}

// IssueToken signs an access token for userID. The CLI's token command uses
// it to mint tokens for a local deployment.
func (s *Session) IssueToken(userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Session) set(id *Identity) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	changed := !sameIdentity(s.current, id)
	s.current = id
	subs := make([]func(*Identity), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range subs {
		if id == nil {
			fn(nil)
			continue
		}
		cp := *id
		fn(&cp)
	}
}

func sameIdentity(a, b *Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.UserID == b.UserID
}
