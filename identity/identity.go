/*
Package identity registers users, checks passwords and issues sessions.

PURPOSE:
  The ledger only knows account ids. identity owns the credentials that map a
  person to an account id: bcrypt password hashes and HS256 session tokens.
  A registered user's id doubles as their ledger AccountID.

SESSIONS:
  A session is a signed JWT carrying the account id as subject and a random
  token id (jti). Verification checks signature, expiry and the revocation
  list; EndSession adds the jti to that list until the token would have
  expired anyway.

SEE ALSO:
  - api/server.go: auth middleware calling Verify
  - store/sqlite: UserStore backed by the users and revoked_sessions tables
*/
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/warp/aporte-ledger/ledger"
	"golang.org/x/crypto/bcrypt"
)

const (
	issuer            = "aporte-ledger"
	minPasswordLength = 6
	minSecretLength   = 16
)

var (
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidToken       = errors.New("invalid session token")
	ErrSessionRevoked     = errors.New("session has ended")
	ErrInvalidInput       = errors.New("invalid registration input")
)

// User is a stored credential record.
type User struct {
	ID           ledger.AccountID
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// UserStore persists users and the session revocation list.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error // ErrDuplicateEmail on a taken email
	GetUserByEmail(ctx context.Context, email string) (User, error)
	DeleteUser(ctx context.Context, id ledger.AccountID) error // ErrUserNotFound when absent
	RevokeSession(ctx context.Context, jti string, expiresAt time.Time) error
	IsSessionRevoked(ctx context.Context, jti string) (bool, error)
}

// Claims are the JWT claims of a session token.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// AccountID is the ledger account the session belongs to.
func (c *Claims) AccountID() ledger.AccountID { return ledger.AccountID(c.Subject) }

// Session is what a successful login returns to the client.
type Session struct {
	Token     string
	AccountID ledger.AccountID
	Email     string
	ExpiresAt time.Time
}

// =============================================================================
// PROVIDER
// =============================================================================

type Provider struct {
	users  UserStore
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time
	newID  func() string
}

type Option func(*Provider)

// WithClock overrides the time source used for issuing and verifying tokens.
func WithClock(now func() time.Time) Option { return func(p *Provider) { p.now = now } }

// WithBcryptCost sets the hashing cost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option { return func(p *Provider) { p.cost = cost } }

func NewProvider(users UserStore, secret string, ttl time.Duration, opts ...Option) (*Provider, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("identity: secret must be at least %d bytes", minSecretLength)
	}
	if ttl <= 0 {
		return nil, errors.New("identity: session ttl must be positive")
	}
	p := &Provider{
		users:  users,
		secret: []byte(secret),
		ttl:    ttl,
		cost:   bcrypt.DefaultCost,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a user and returns the id to use as its ledger account.
func (p *Provider) Register(ctx context.Context, email, password string) (ledger.AccountID, error) {
	email = NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return "", fmt.Errorf("%w: email %q", ErrInvalidInput, email)
	}
	if len(password) < minPasswordLength {
		return "", fmt.Errorf("%w: password must have at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	user := User{
		ID:           ledger.AccountID(p.newID()),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    p.now(),
	}
	if err := p.users.CreateUser(ctx, user); err != nil {
		return "", err
	}
	return user.ID, nil
}

// Unregister removes a user created by Register. It undoes a registration
// whose ledger account could not be opened, so the email can be used again.
func (p *Provider) Unregister(ctx context.Context, id ledger.AccountID) error {
	return p.users.DeleteUser(ctx, id)
}

// Authenticate checks the password and issues a session token.
// Unknown email and wrong password are indistinguishable to the caller.
func (p *Provider) Authenticate(ctx context.Context, email, password string) (Session, error) {
	user, err := p.users.GetUserByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}

	now := p.now()
	expires := now.Add(p.ttl)
	claims := Claims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.newID(),
			Subject:   string(user.ID),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign session: %w", err)
	}
	return Session{Token: token, AccountID: user.ID, Email: user.Email, ExpiresAt: expires}, nil
}

// Verify parses token and rejects expired, forged or ended sessions.
func (p *Provider) Verify(ctx context.Context, token string) (*Claims, error) {
	claims, err := p.parse(token)
	if err != nil {
		return nil, err
	}
	revoked, err := p.users.IsSessionRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrSessionRevoked
	}
	return claims, nil
}

// EndSession revokes token. Ending an already ended session is a no-op.
func (p *Provider) EndSession(ctx context.Context, token string) error {
	claims, err := p.parse(token)
	if err != nil {
		return err
	}
	return p.users.RevokeSession(ctx, claims.ID, claims.ExpiresAt.Time)
}

func (p *Provider) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
