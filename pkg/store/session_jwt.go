package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"pingai/pkg/domain"
)

const (
	DefaultJWTIssuer   = "pingai-auth"
	DefaultJWTAudience = "authenticated"
	defaultJWTLeeway   = 30 * time.Second
	defaultSessionTTL  = time.Hour
)

var (
	ErrTokenRevoked = errors.New("token revoked")
	ErrTokenInvalid = errors.New("invalid token")
)

// AccessClaims are carried by every access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// JWTConfig configures signing and verification. VerifyKeyFiles maps
// kid -> public key path for keys retired by rotation.
type JWTConfig struct {
	KeyID          string
	PublicKeyPath  string
	VerifyKeyFiles map[string]string
	TTL            time.Duration
	Issuer         string
	Audience       string
	Leeway         time.Duration
}

// JWTSessionStore issues RS256 access tokens and checks them against the
// revoker on every resolve.
type JWTSessionStore struct {
	cfg       JWTConfig
	signer    *rsa.PrivateKey
	verifiers map[string]*rsa.PublicKey
	revoker   TokenRevoker
	now       func() time.Time
}

// NewJWTSessionStoreFromPEM loads the signing key from privateKeyPath.
func NewJWTSessionStoreFromPEM(privateKeyPath string, cfg JWTConfig, revoker TokenRevoker) (*JWTSessionStore, error) {
	key, err := LoadRSAPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load jwt private key: %w", err)
	}
	return NewJWTSessionStore(key, cfg, revoker)
}

// NewJWTSessionStore signs with key.
func NewJWTSessionStore(key *rsa.PrivateKey, cfg JWTConfig, revoker TokenRevoker) (*JWTSessionStore, error) {
	if key == nil {
		return nil, errors.New("jwt signing key is required")
	}
	if cfg.KeyID = strings.TrimSpace(cfg.KeyID); cfg.KeyID == "" {
		cfg.KeyID = "jwt-active"
	}
	if cfg.Issuer = strings.TrimSpace(cfg.Issuer); cfg.Issuer == "" {
		cfg.Issuer = DefaultJWTIssuer
	}
	if cfg.Audience = strings.TrimSpace(cfg.Audience); cfg.Audience == "" {
		cfg.Audience = DefaultJWTAudience
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = defaultJWTLeeway
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultSessionTTL
	}

	active := &key.PublicKey
	if path := strings.TrimSpace(cfg.PublicKeyPath); path != "" {
		pub, err := loadRSAPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("load jwt public key: %w", err)
		}
		active = pub
	}
	verifiers := map[string]*rsa.PublicKey{cfg.KeyID: active}
	for kid, path := range cfg.VerifyKeyFiles {
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if kid == "" || path == "" {
			continue
		}
		pub, err := loadRSAPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("load verify key %q: %w", kid, err)
		}
		verifiers[kid] = pub
	}
	return &JWTSessionStore{
		cfg:       cfg,
		signer:    key,
		verifiers: verifiers,
		revoker:   revoker,
		now:       time.Now,
	}, nil
}

// TTL is the lifetime of issued tokens.
func (s *JWTSessionStore) TTL() time.Duration { return s.cfg.TTL }

// NewSession signs an access token for user.
func (s *JWTSessionStore) NewSession(user domain.User) (string, time.Time, error) {
	now := s.now().UTC()
	expires := now.Add(s.cfg.TTL)
	jti := make([]byte, 12)
	if _, err := rand.Read(jti); err != nil {
		return "", time.Time{}, fmt.Errorf("token id: %w", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        hex.EncodeToString(jti),
		},
		Email: user.Email,
		Role:  string(user.Role),
	})
	token.Header["kid"] = s.cfg.KeyID
	signed, err := token.SignedString(s.signer)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Resolve verifies token and consults the revoker.
func (s *JWTSessionStore) Resolve(ctx context.Context, token string) (AccessClaims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return claims, err
	}
	if s.revoker == nil {
		return claims, nil
	}
	revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
	if err != nil {
		return claims, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return claims, ErrTokenRevoked
	}
	cutoff, err := s.revoker.RevokedAfter(ctx, claims.Subject)
	if err != nil {
		return claims, fmt.Errorf("check user revocation: %w", err)
	}
	if !cutoff.IsZero() && !claims.IssuedAt.Time.After(cutoff) {
		return claims, ErrTokenRevoked
	}
	return claims, nil
}

// DeleteSession revokes token until it expires. Invalid tokens are ignored.
func (s *JWTSessionStore) DeleteSession(ctx context.Context, token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parse(token)
	if err != nil {
		return nil
	}
	return s.revoker.Revoke(ctx, claims.ID, claims.ExpiresAt.Time.Sub(s.now()))
}

// RevokeUserSessions rejects every token of userID issued up to since.
func (s *JWTSessionStore) RevokeUserSessions(ctx context.Context, userID string, since time.Time) error {
	if s.revoker == nil {
		return nil
	}
	return s.revoker.RevokeUser(ctx, userID, since, s.cfg.TTL+s.cfg.Leeway)
}

// JWKS lists every verification key sorted by kid.
func (s *JWTSessionStore) JWKS() []JWK {
	kids := make([]string, 0, len(s.verifiers))
	for kid := range s.verifiers {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	out := make([]JWK, 0, len(kids))
	for _, kid := range kids {
		pub := s.verifiers[kid]
		out = append(out, JWK{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return out
}

func (s *JWTSessionStore) parse(token string) (AccessClaims, error) {
	var claims AccessClaims
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		pub, ok := s.verifiers[strings.TrimSpace(kid)]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.cfg.Leeway),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return claims, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.ID) == "" || strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil {
		return claims, ErrTokenInvalid
	}
	return claims, nil
}

// LoadRSAPrivateKey reads a PKCS#1 or PKCS#8 PEM file.
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return key, nil
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if pub, ok := parsed.(*rsa.PublicKey); ok {
			return pub, nil
		}
		return nil, errors.New("public key is not rsa")
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return pub, nil
		}
		return nil, errors.New("certificate public key is not rsa")
	}
	return nil, errors.New("failed to parse rsa public key")
}
