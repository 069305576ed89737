package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexjbarnes/room-sync/internal/slidingsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestMux(t *testing.T, ctrl Controller, mcpHandler http.Handler) http.Handler {
	t.Helper()

	return NewMux(MuxConfig{
		Controller:   ctrl,
		PasswordHash: testPasswordHash(t),
		MCPHandler:   mcpHandler,
		Logger:       discardLogger(),
	})
}

// --- Routes ---

func TestMux_HealthNeedsNoAuth(t *testing.T) {
	mux := newTestMux(t, NewMockController(gomock.NewController(t)), nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestMux_StatusRequiresAuth(t *testing.T) {
	mux := newTestMux(t, NewMockController(gomock.NewController(t)), nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authRequest(""))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMux_Status(t *testing.T) {
	ctrl := NewMockController(gomock.NewController(t))
	ctrl.EXPECT().Status().Return(slidingsync.Status{
		Supported:  true,
		Enabled:    true,
		Rooms:      map[string]slidingsync.LedgerEntry{"!a:example.org": {TimelineLimit: 20}},
		ListBounds: map[string]int{"all_rooms": 19},
	})

	mux := newTestMux(t, ctrl, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authRequest(testPassword))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var got slidingsync.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Supported)
	assert.Equal(t, 20, got.Rooms["!a:example.org"].TimelineLimit)
	assert.Equal(t, 19, got.ListBounds["all_rooms"])
}

func TestMux_StatusRejectsPost(t *testing.T) {
	mux := newTestMux(t, NewMockController(gomock.NewController(t)), nil)

	req := authRequest(testPassword)
	req.Method = http.MethodPost

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMux_MCPRouteOnlyWhenConfigured(t *testing.T) {
	ctrl := NewMockController(gomock.NewController(t))

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		r.Header.Set("Authorization", "Bearer "+testPassword)
		return r
	}

	rec := httptest.NewRecorder()
	newTestMux(t, ctrl, nil).ServeHTTP(rec, req())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	mcpHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	rec = httptest.NewRecorder()
	newTestMux(t, ctrl, mcpHandler).ServeHTTP(rec, req())
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMux_MCPRequiresAuth(t *testing.T) {
	mcpHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("mcp handler reached without auth")
	})

	mux := newTestMux(t, NewMockController(gomock.NewController(t)), mcpHandler)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// --- ListenAndServe ---

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := l.Addr().String()
	require.NoError(t, l.Close())

	return addr
}

func TestListenAndServe_ShutsDownOnCancel(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "hi")
	})

	done := make(chan error, 1)
	go func() { done <- ListenAndServe(ctx, addr, handler, discardLogger()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)

		return string(body) == "hi"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestListenAndServe_AddressInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = ListenAndServe(ctx, l.Addr().String(), http.NotFoundHandler(), discardLogger())
	assert.ErrorContains(t, err, "control server error")
}
