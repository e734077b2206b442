package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestContextUser(t *testing.T) {
	u := NewContextUser("ops")
	ctx := WithPrincipal(context.Background(), Principal{UserID: "u1", Roles: []string{"OPS"}})

	id, ok := u.UserID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u1", id)
	assert.True(t, IsAdmin(ctx, u))
	assert.False(t, IsSystem(ctx, u))
}

func TestContextUser_Anonymous(t *testing.T) {
	u := NewContextUser("")
	_, ok := u.UserID(context.Background())
	assert.False(t, ok)
	assert.False(t, IsAdmin(context.Background(), u))
}

func TestAsSystem(t *testing.T) {
	u := NewContextUser("")
	ctx := AsSystem(context.Background())
	assert.True(t, IsSystem(ctx, u))
	assert.False(t, IsAdmin(ctx, u))
}

func setupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	u := NewContextUser(RoleAdmin)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/me", RequireAuth(), func(c *gin.Context) {
		id, _ := u.UserID(c.Request.Context())
		c.String(http.StatusOK, id)
	})
	r.GET("/admin", RequireAuth(), RequireRole(u, RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/internal", RequireAuth(), RequireRole(u, RoleSystem), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestMiddleware_RequireAuth(t *testing.T) {
	r := setupRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set(HeaderUserID, "buyer-1")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "buyer-1", w.Body.String())
}

func TestMiddleware_RequireRole(t *testing.T) {
	r := setupRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set(HeaderUserID, "buyer-1")
	req.Header.Set(HeaderRoles, "buyer")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set(HeaderUserID, "ops-1")
	req.Header.Set(HeaderRoles, "buyer, admin")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_IgnoresSystemRoleHeader(t *testing.T) {
	r := setupRouter()

	for _, roles := range []string{"system", "buyer, SYSTEM", " System ,admin"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/internal", nil)
		req.Header.Set(HeaderUserID, "buyer-1")
		req.Header.Set(HeaderRoles, roles)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code, roles)
	}

	assert.Equal(t, []string{"buyer", "admin"}, splitRoles("buyer, system,admin"))
}
