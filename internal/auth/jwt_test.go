package auth

import (
	"testing"
	"time"
)

func TestCreateAndVerifyToken(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken(Subject{OperatorID: "op-1", TenantID: "acme", Role: RoleOperator}, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims, err := VerifyToken(tok, cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.OperatorID != "op-1" || claims.TenantID != "acme" || claims.Role != RoleOperator {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !claims.CanAccessTenant("acme") || claims.CanAccessTenant("other") {
		t.Fatalf("operator must be scoped to its tenant")
	}
}

func TestAdminAccessesEveryTenant(t *testing.T) {
	c := Claims{OperatorID: "root", Role: RoleAdmin}
	if !c.CanAccessTenant("acme") {
		t.Fatalf("expected admin access")
	}
}

func TestCreateToken_OperatorNeedsTenant(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	if _, err := CreateToken(Subject{OperatorID: "op-1", Role: RoleOperator}, cfg); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := CreateToken(Subject{OperatorID: "op-1", Role: "viewer"}, cfg); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken(Subject{OperatorID: "root", Role: RoleAdmin}, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	_, err = VerifyToken(tok, TokenConfig{Secret: "wrong", Expiry: time.Hour, Issuer: "test"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: -time.Second, Issuer: "test"}
	_, err := CreateToken(Subject{OperatorID: "root", Role: RoleAdmin}, cfg)
	if err == nil {
		t.Fatalf("expected error")
	}
}
