package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func corsRouter(origins ...string) *gin.Engine {
	router := gin.New()
	router.Use(CORS(origins))
	router.GET("/usage", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func serveWithOrigin(router *gin.Engine, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/usage", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCORS(t *testing.T) {
	t.Run("listed origin is echoed with credentials", func(t *testing.T) {
		w := serveWithOrigin(corsRouter("https://app.pagemagic.io"), http.MethodGet, "https://app.pagemagic.io")
		assert.Equal(t, "https://app.pagemagic.io", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
		assert.Equal(t, RequestIDHeader, w.Header().Get("Access-Control-Expose-Headers"))
	})

	t.Run("unlisted origin gets no headers", func(t *testing.T) {
		w := serveWithOrigin(corsRouter("https://app.pagemagic.io"), http.MethodGet, "https://evil.example")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("wildcard never allows credentials", func(t *testing.T) {
		w := serveWithOrigin(corsRouter("*"), http.MethodGet, "https://anything.example")
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("preflight answers 204 even when not allowed", func(t *testing.T) {
		w := serveWithOrigin(corsRouter(), http.MethodOptions, "https://app.pagemagic.io")
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestAPIHeaders(t *testing.T) {
	for _, hsts := range []bool{false, true} {
		router := gin.New()
		router.Use(APIHeaders(hsts))
		router.GET("/usage", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/usage", nil))

		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		assert.Equal(t, hsts, w.Header().Get("Strict-Transport-Security") != "")
	}
}
