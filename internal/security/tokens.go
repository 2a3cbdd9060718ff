package security

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
)

// ErrInvalidToken is returned when a session token is malformed, expired, or not ours.
// It matches identitydomain.ErrSessionInvalid with errors.Is.
var ErrInvalidToken = fmt.Errorf("invalid token: %w", identitydomain.ErrSessionInvalid)

// UserMetadata is the profile hint block the auth provider attaches to a session.
type UserMetadata struct {
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Document string `json:"document,omitempty"`
	Role     string `json:"role,omitempty"`
}

// SessionClaims holds the JWT claims of a session access token. Subject is the identity.
type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID    string       `json:"session_id"`
	Email        string       `json:"email,omitempty"`
	UserMetadata UserMetadata `json:"user_metadata"`
}

func (c *SessionClaims) session(token string) *identitydomain.Session {
	s := &identitydomain.Session{
		ID:          c.SessionID,
		Identity:    identitydomain.Identity(c.Subject),
		AccessToken: token,
		Metadata: identitydomain.Metadata{
			Name:     c.UserMetadata.Name,
			Email:    c.Email,
			Phone:    c.UserMetadata.Phone,
			Document: c.UserMetadata.Document,
			Role:     c.UserMetadata.Role,
		},
	}
	if c.IssuedAt != nil {
		s.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s
}

// TokenVerifier validates session access tokens signed with RS256 or ES256.
type TokenVerifier struct {
	publicKey crypto.PublicKey
	issuer    string
	audience  string
	now       func() time.Time
}

// NewTokenVerifier returns a TokenVerifier for tokens signed by the holder of publicKey.
// issuer and audience must match the token's iss and aud.
func NewTokenVerifier(publicKey crypto.PublicKey, issuer, audience string) *TokenVerifier {
	return &TokenVerifier{publicKey: publicKey, issuer: issuer, audience: audience, now: time.Now}
}

// Verify parses and validates the token (signature, exp, iss, aud, sub) and returns the session it describes.
func (v *TokenVerifier) Verify(tokenString string) (*identitydomain.Session, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
			return v.publicKey, nil
		}
		return nil, ErrInvalidToken
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims.session(tokenString), nil
}

// TokenIssuer signs session tokens. The server only verifies; issuing is for development
// tooling and tests.
type TokenIssuer struct {
	privateKey crypto.Signer
	issuer     string
	audience   string
	ttl        time.Duration
}

// NewTokenIssuer returns a TokenIssuer that signs with the given private key (RS256 or ES256).
func NewTokenIssuer(privateKey crypto.Signer, issuer, audience string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{privateKey: privateKey, issuer: issuer, audience: audience, ttl: ttl}
}

// Issue signs a session token for identity. A new session id is generated when sessionID is empty.
func (p *TokenIssuer) Issue(identity identitydomain.Identity, sessionID string, md identitydomain.Metadata) (token string, expiresAt time.Time, err error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	if sessionID == "" {
		sessionID = jti
	}
	now := time.Now().UTC()
	expiresAt = now.Add(p.ttl)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   string(identity),
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID,
		Email:     md.Email,
		UserMetadata: UserMetadata{
			Name:     md.Name,
			Phone:    md.Phone,
			Document: md.Document,
			Role:     md.Role,
		},
	}
	token, err = p.sign(claims)
	return token, expiresAt, err
}

func (p *TokenIssuer) sign(claims jwt.Claims) (string, error) {
	alg := KeyAlg(p.privateKey.Public())
	if alg == "" {
		return "", ErrInvalidKey
	}
	t := jwt.NewWithClaims(jwt.GetSigningMethod(alg), claims)
	return t.SignedString(p.privateKey)
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
