package e2e_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/room-sync/internal/matrix"
	"github.com/alexjbarnes/room-sync/internal/server"
	"github.com/alexjbarnes/room-sync/internal/slidingsync"
	"github.com/alexjbarnes/room-sync/internal/state"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"
)

const (
	testPassword = "e2e-control-password"

	encryptedRoom = "!enc:hs"
	plainRoom     = "!plain:hs"
)

const firstSyncResponse = `{
	"pos": "1",
	"lists": {"dms": {"count": 3}, "untagged": {"count": 40}},
	"rooms": {
		"!enc:hs": {"initial": true, "required_state": [{"type": "m.room.encryption", "state_key": "", "content": {"algorithm": "m.megolm.v1.aes-sha2"}}]},
		"!plain:hs": {"initial": true, "required_state": [{"type": "m.room.create", "state_key": ""}]}
	}
}`

// homeserver is a minimal simplified sliding sync server. The first sync
// returns two rooms; later syncs are held for the requested timeout like
// an idle server and then advance the position.
type homeserver struct {
	mu       sync.Mutex
	requests []gjson.Result
}

func (h *homeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/_matrix/client/versions":
		_, _ = io.WriteString(w, `{"versions": ["v1.11"], "unstable_features": {"org.matrix.simplified_msc3575": true}}`)

	case r.URL.Path == "/_matrix/client/v3/account/whoami":
		_, _ = io.WriteString(w, `{"user_id": "@e2e:hs", "device_id": "E2E"}`)

	case strings.HasSuffix(r.URL.Path, "/sync"):
		h.serveSync(w, r)

	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"errcode": "M_UNRECOGNIZED", "error": "unrecognized request"}`)
	}
}

func (h *homeserver) serveSync(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	h.mu.Lock()
	h.requests = append(h.requests, gjson.ParseBytes(body))
	n := len(h.requests)
	h.mu.Unlock()

	if n == 1 {
		_, _ = io.WriteString(w, firstSyncResponse)
		return
	}

	ms, _ := strconv.Atoi(r.URL.Query().Get("timeout"))

	select {
	case <-r.Context().Done():
		return
	case <-time.After(time.Duration(ms) * time.Millisecond):
	}

	_, _ = io.WriteString(w, `{"pos": "`+strconv.Itoa(n)+`"}`)
}

// subscribed returns the room subscriptions of the most recent request.
func (h *homeserver) subscribed() map[string]gjson.Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.requests) == 0 {
		return nil
	}

	return h.requests[len(h.requests)-1].Get("room_subscriptions").Map()
}

// harness holds the full e2e stack: a fake homeserver, the real
// transport and controller, and the control server in front of them.
type harness struct {
	URL        string
	Client     *http.Client
	Homeserver *homeserver
	Controller *slidingsync.Controller
	Rooms      *matrix.RoomStore
	State      *state.State
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	hs := &homeserver{}
	hsServer := httptest.NewServer(hs)
	t.Cleanup(hsServer.Close)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	client := matrix.NewClient(hsServer.URL, hsServer.Client(), logger)
	client.SetSession("e2e-token", "", "")

	_, err = client.WhoAmI(t.Context())
	require.NoError(t, err)

	rooms, err := matrix.NewRoomStore(st, logger)
	require.NoError(t, err)

	transport := matrix.NewTransport(client, rooms, st, matrix.TransportOptions{
		PollTimeout: 10 * time.Second,
		ConnID:      "e2e",
	}, logger)

	ctrl := slidingsync.New(slidingsync.Options{
		WatchdogInterval: time.Second,
		StuckThreshold:   30 * time.Second,
		RestartCooldown:  5 * time.Second,
		ResumeTimeout:    3 * time.Second,
		UnfocusGrace:     200 * time.Millisecond,
		SpiderBatch:      100,
	}, logger)

	supported, err := ctrl.VerifyServerSupport(t.Context(), client)
	require.NoError(t, err)
	require.True(t, supported)

	require.NoError(t, ctrl.Initialize(t.Context(), slidingsync.Deps{
		Transport: transport,
		Crypto:    rooms,
		Rooms:     rooms,
	}))
	t.Cleanup(ctrl.Dispose)

	require.Eventually(t, func() bool { return rooms.HasRoom(encryptedRoom) && rooms.HasRoom(plainRoom) },
		5*time.Second, 10*time.Millisecond, "first sync response never applied")

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "room-sync-e2e", Version: "test"},
		nil,
	)
	server.RegisterTools(mcpServer, ctrl)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Controller:   ctrl,
		PasswordHash: hash,
		MCPHandler:   mcpHandler,
		Logger:       logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		URL:        ts.URL,
		Client:     ts.Client(),
		Homeserver: hs,
		Controller: ctrl,
		Rooms:      rooms,
		State:      st,
	}
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// signals dials the app-signal websocket with the given bearer token.
func (h *harness) signals(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(t.Context(), "ws"+strings.TrimPrefix(h.URL, "http")+"/signals", &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: h.Client,
		HTTPHeader: header,
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	return conn
}

// doGet performs a GET request with t.Context() and an optional token.
func (h *harness) doGet(t *testing.T, path, token string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+path, nil)
	require.NoError(t, err)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
