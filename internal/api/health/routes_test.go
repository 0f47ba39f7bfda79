package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

func TestRoutes(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		ready    func(context.Context) error
		wantCode int
	}{
		{name: "health", path: "/health", wantCode: http.StatusOK},
		{name: "ready without check", path: "/readiness", wantCode: http.StatusOK},
		{name: "ready", path: "/readiness", ready: func(context.Context) error { return nil }, wantCode: http.StatusOK},
		{
			name:     "not ready",
			path:     "/readiness",
			ready:    func(context.Context) error { return errors.New("db down") },
			wantCode: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			Routes(r, Config{Build: "test", Log: logger.Noop(), Ready: tt.ready})

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}
