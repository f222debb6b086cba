package repair

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newService(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRepair(t *testing.T) {
	t.Run("returns fixed code", func(t *testing.T) {
		var got Request
		var header string
		srv := newService(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			header = r.Header.Get("X-Api-Key")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_ = json.NewEncoder(w).Encode(Response{Fixed: "```js\nd3.select('#visualization');\n```"})
		})

		client := New(zaptest.NewLogger(t), srv.URL, WithHeaders(map[string]string{"X-Api-Key": "secret"}))
		fixed, err := client.Repair(context.Background(), "broken(", "SyntaxError")
		require.NoError(t, err)

		assert.Equal(t, "```js\nd3.select('#visualization');\n```", fixed)
		assert.Equal(t, Request{Code: "broken(", ErrorMessage: "SyntaxError"}, got)
		assert.Equal(t, "secret", header)
	})

	t.Run("fix_failed", func(t *testing.T) {
		srv := newService(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"fix_failed": true}`))
		})

		_, err := New(zaptest.NewLogger(t), srv.URL).Repair(context.Background(), "x", "y")
		require.ErrorIs(t, err, ErrFixFailed)
	})

	t.Run("empty fix counts as failure", func(t *testing.T) {
		srv := newService(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"fixed_complete_code": "  "}`))
		})

		_, err := New(zaptest.NewLogger(t), srv.URL).Repair(context.Background(), "x", "y")
		require.ErrorIs(t, err, ErrFixFailed)
	})

	t.Run("non-2xx status", func(t *testing.T) {
		srv := newService(t, func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		})

		_, err := New(zaptest.NewLogger(t), srv.URL).Repair(context.Background(), "x", "y")
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
		assert.Equal(t, "overloaded", statusErr.Body)
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := newService(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		})

		_, err := New(zaptest.NewLogger(t), srv.URL).Repair(context.Background(), "x", "y")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decode")
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := newService(t, func(_ http.ResponseWriter, _ *http.Request) {
			<-release
		})
		defer close(release)

		client := New(zaptest.NewLogger(t), srv.URL, WithTimeout(50*time.Millisecond))
		_, err := client.Repair(context.Background(), "x", "y")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "repair request failed")
	})

	t.Run("not configured", func(t *testing.T) {
		_, err := New(zaptest.NewLogger(t), "").Repair(context.Background(), "x", "y")
		require.ErrorIs(t, err, ErrNotConfigured)
	})
}
