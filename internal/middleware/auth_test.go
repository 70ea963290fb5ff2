package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"edgefleet-server/internal/auth"
)

func testTokenConfig() auth.TokenConfig {
	return auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
}

func TestRequireAuth_SetsClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tok, err := auth.CreateToken(auth.Subject{OperatorID: "op-1", TenantID: "tnt-1", Role: auth.RoleOperator}, testTokenConfig())
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	r := gin.New()
	r.GET("/", RequireAuth(testTokenConfig()), func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c)
		if !ok || claims.OperatorID != "op-1" || !claims.CanAccessTenant("tnt-1") || claims.CanAccessTenant("tnt-2") {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRequireAuth_RejectsMissingAndForeignTokens(t *testing.T) {
	gin.SetMode(gin.TestMode)
	foreign, err := auth.CreateToken(auth.Subject{OperatorID: "op-1", Role: auth.RoleAdmin}, auth.TokenConfig{Secret: "other", Expiry: time.Hour})
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	r := gin.New()
	r.GET("/", RequireAuth(testTokenConfig()), func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer " + foreign} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, w.Code)
		}
	}
}

func TestRequireAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	admin, _ := auth.CreateToken(auth.Subject{OperatorID: "root", Role: auth.RoleAdmin}, testTokenConfig())
	operator, _ := auth.CreateToken(auth.Subject{OperatorID: "op-1", TenantID: "tnt-1", Role: auth.RoleOperator}, testTokenConfig())

	r := gin.New()
	r.GET("/", RequireAuth(testTokenConfig()), RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusOK) })

	cases := map[string]int{admin: http.StatusOK, operator: http.StatusForbidden}
	for tok, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != want {
			t.Fatalf("expected %d, got %d", want, w.Code)
		}
	}
}
