// Package auth resolves API keys and bearer tokens to the owner whose
// sources and queries a request may touch.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/querymesh/querymesh/internal/config"
)

const (
	RoleQueryReader = "query_reader"
	RoleQueryWriter = "query_writer"
	RoleSourceAdmin = "source_admin"
)

// DefaultRoles is granted to tokens that carry no roles claim.
var DefaultRoles = []string{RoleQueryReader, RoleQueryWriter}

type Identity struct {
	OwnerID string
	Roles   []string
}

func (i Identity) HasRole(role string) bool {
	for _, candidate := range i.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

type Validator interface {
	Validate(ctx context.Context, credential string) (Identity, bool)
}

type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses "key:owner:role|role,key2:owner2:role".
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:owner:role|role", entry)
		}
		key := strings.TrimSpace(parts[0])
		owner := strings.TrimSpace(parts[1])
		if key == "" || owner == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/owner", entry)
		}
		roles := splitRoles(strings.Split(parts[2], "|"))
		if len(roles) == 0 {
			return nil, fmt.Errorf("invalid static key entry %q: at least one role is required", entry)
		}
		validator.keys[key] = Identity{OwnerID: owner, Roles: roles}
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}

func (v *StaticAPIKeyValidator) Len() int {
	return len(v.keys)
}

type tokenClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator accepts HS256 tokens whose subject is the owner id.
type JWTValidator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWTValidator(secret, issuer string) (*JWTValidator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTValidator{secret: []byte(secret), issuer: strings.TrimSpace(issuer), now: time.Now}, nil
}

func (v *JWTValidator) Validate(_ context.Context, raw string) (Identity, bool) {
	claims, err := v.parse(raw)
	if err != nil {
		return Identity{}, false
	}
	owner := strings.TrimSpace(claims.Subject)
	if owner == "" {
		return Identity{}, false
	}
	roles := splitRoles(claims.Roles)
	if len(roles) == 0 {
		roles = append([]string(nil), DefaultRoles...)
	}
	return Identity{OwnerID: owner, Roles: roles}, true
}

func (v *JWTValidator) parse(raw string) (*tokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// IssueToken signs a token for owner. It backs the CLI's token command and
// tests.
func (v *JWTValidator) IssueToken(owner string, roles []string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := tokenClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ChainValidator tries each validator in order.
type ChainValidator []Validator

func (c ChainValidator) Validate(ctx context.Context, credential string) (Identity, bool) {
	for _, v := range c {
		if v == nil {
			continue
		}
		if identity, ok := v.Validate(ctx, credential); ok {
			return identity, true
		}
	}
	return Identity{}, false
}

// NewValidator builds the validator chain from config: static API keys
// first, then JWTs when a secret is set.
func NewValidator(cfg config.AuthConfig) (Validator, error) {
	var chain ChainValidator
	if strings.TrimSpace(cfg.StaticKeys) != "" {
		static, err := NewStaticAPIKeyValidator(cfg.StaticKeys)
		if err != nil {
			return nil, err
		}
		chain = append(chain, static)
	}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		jwtValidator, err := NewJWTValidator(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		chain = append(chain, jwtValidator)
	}
	if len(chain) == 0 {
		return nil, errors.New("auth is required but neither static keys nor a jwt secret is configured")
	}
	return chain, nil
}

func splitRoles(raw []string) []string {
	roles := make([]string, 0, len(raw))
	for _, role := range raw {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}
