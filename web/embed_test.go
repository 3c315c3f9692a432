package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestStaticRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterStaticRoutes(r)

	tests := []struct {
		path        string
		status      int
		contentType string
		contains    string
	}{
		{path: "/", status: http.StatusOK, contentType: "text/html; charset=utf-8", contains: "panel.js"},
		{path: "/?panel=p1", status: http.StatusOK, contentType: "text/html; charset=utf-8", contains: "xterm"},
		{path: "/static/panel.js", status: http.StatusOK, contains: "/ws/terminal"},
		{path: "/panels/elsewhere", status: http.StatusOK, contentType: "text/html; charset=utf-8", contains: "panel.js"},
		{path: "/api/v1/nope", status: http.StatusNotFound, contentType: "application/json; charset=utf-8", contains: "not found"},
		{path: "/ws/nope", status: http.StatusNotFound, contains: "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, w.Code)
			if tt.contentType != "" {
				assert.Equal(t, tt.contentType, w.Header().Get("Content-Type"))
			}
			assert.Contains(t, w.Body.String(), tt.contains)
		})
	}
}
