package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBasicAuth(t *testing.T) {
	r := newRouter(BasicAuth("admin", "secret"))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := serve(r, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, authRealm, w.Header().Get("WWW-Authenticate"))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.SetBasicAuth("admin", "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.SetBasicAuth("admin", "secret")
	assert.Equal(t, http.StatusOK, serve(r, req).Code)
}

func TestBasicAuthDisabledWithoutCredentials(t *testing.T) {
	r := newRouter(BasicAuth("", ""))
	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/ping", nil)).Code)
}

func TestLocalhostOnly(t *testing.T) {
	tests := []struct {
		name        string
		remoteAddr  string
		allowRemote bool
		want        int
	}{
		{"ipv4 loopback", "127.0.0.1:5000", false, http.StatusOK},
		{"ipv6 loopback", "[::1]:5000", false, http.StatusOK},
		{"remote denied", "10.1.2.3:5000", false, http.StatusForbidden},
		{"remote allowed", "10.1.2.3:5000", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(LocalhostOnly(tt.allowRemote))
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			req.RemoteAddr = tt.remoteAddr
			assert.Equal(t, tt.want, serve(r, req).Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	r := newRouter(RateLimit(NewRefreshLimiter(1, 2)))

	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/ping", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/ping", nil)).Code)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRateLimitDisabled(t *testing.T) {
	assert.Nil(t, NewRefreshLimiter(0, 2))
	r := newRouter(RateLimit(nil), RequestLogger())
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/ping", nil)).Code)
	}
}
