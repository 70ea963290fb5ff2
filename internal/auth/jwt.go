package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// Claims identify an operator of the REST surface. Operators are scoped to
// one tenant; admins see every tenant.
type Claims struct {
	OperatorID string `json:"sub"`
	TenantID   string `json:"tid,omitempty"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

func (c *Claims) CanAccessTenant(tenantID string) bool {
	return c.Role == RoleAdmin || (c.TenantID != "" && c.TenantID == tenantID)
}

type Subject struct {
	OperatorID string
	TenantID   string
	Role       string
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 7 * 24 * time.Hour,
		Issuer: "edgefleet-server",
	}
}

func CreateToken(sub Subject, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("missing secret")
	}
	if sub.OperatorID == "" {
		return "", errors.New("missing operatorID")
	}
	switch sub.Role {
	case RoleAdmin:
	case RoleOperator:
		if sub.TenantID == "" {
			return "", errors.New("operator token requires a tenant")
		}
	default:
		return "", errors.New("invalid role")
	}
	if cfg.Expiry <= 0 {
		return "", errors.New("invalid expiry")
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return "", err
	}
	jti := hex.EncodeToString(jtiBytes)

	claims := Claims{
		OperatorID: sub.OperatorID,
		TenantID:   sub.TenantID,
		Role:       sub.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(cfg.Expiry)),
			ID:        jti,
			Subject:   sub.OperatorID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.Role != RoleAdmin && claims.Role != RoleOperator {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
