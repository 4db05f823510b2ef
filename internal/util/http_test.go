package util

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCapturingResponseWriter(t *testing.T) {
	t.Parallel()

	t.Run("captures explicit status", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		w := NewStatusCapturingResponseWriter(rec)

		w.WriteHeader(http.StatusBadGateway)
		_, err := w.Write([]byte("bad gateway"))

		assert.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, w.StatusCode)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, int64(11), w.BytesWritten)
	})

	t.Run("defaults to 200 on write", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		w := NewStatusCapturingResponseWriter(rec)

		_, err := w.Write([]byte("ok"))

		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, w.StatusCode)
		assert.True(t, w.HeaderWritten)
	})

	t.Run("ignores second WriteHeader", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		w := NewStatusCapturingResponseWriter(rec)

		w.WriteHeader(http.StatusOK)
		w.WriteHeader(http.StatusInternalServerError)

		assert.Equal(t, http.StatusOK, w.StatusCode)
	})
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		expected   string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "192.0.2.10:51234",
			expected:   "192.0.2.10",
		},
		{
			name:       "x-forwarded-for single",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7"},
			expected:   "203.0.113.7",
		},
		{
			name:       "x-forwarded-for chain uses first hop",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 70.41.3.18, 150.172.238.178"},
			expected:   "203.0.113.7",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-Ip": "198.51.100.2"},
			expected:   "198.51.100.2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			assert.Equal(t, tt.expected, ClientIP(r))
		})
	}
}
