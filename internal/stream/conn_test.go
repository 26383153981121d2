package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name    string
		server  string
		path    string
		want    string
		wantErr bool
	}{
		{name: "http maps to ws", server: "http://127.0.0.1:5000", want: "ws://127.0.0.1:5000/"},
		{name: "https maps to wss", server: "https://collector.example.com", path: "/stream", want: "wss://collector.example.com/stream"},
		{name: "ws kept", server: "ws://localhost:5000/events", want: "ws://localhost:5000/events"},
		{name: "path replaces", server: "wss://localhost/old", path: "/new", want: "wss://localhost/new"},
		{name: "unsupported scheme", server: "ftp://localhost", wantErr: true},
		{name: "missing host", server: "http://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildURL(tt.server, tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFixedBackoff(t *testing.T) {
	b := FixedBackoff(3 * time.Second)
	for i := 0; i < 4; i++ {
		assert.Equal(t, 3*time.Second, b.Next())
	}
	b.Reset()
	assert.Equal(t, 3*time.Second, b.Next())
}

func TestExponentialBackoffCapsAndResets(t *testing.T) {
	b := NewExponentialBackoff(time.Second, 8*time.Second)
	b.Jitter = 0

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestExponentialBackoffJitterStaysInRange(t *testing.T) {
	b := NewExponentialBackoff(10*time.Second, time.Minute)
	for i := 0; i < 50; i++ {
		b.Reset()
		d := b.Next()
		assert.GreaterOrEqual(t, d, 7*time.Second)
		assert.LessOrEqual(t, d, 13*time.Second)
	}
}

// collector is a websocket endpoint that pushes frames to every client and
// can drop all connections on demand.
type collector struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	dials int
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.conns = append(c.conns, conn)
	c.dials++
	c.mu.Unlock()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *collector) broadcast(t *testing.T, frame string) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	}
}

func (c *collector) dropAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = nil
}

func (c *collector) dialCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

func TestLinkReconnectsToRealServer(t *testing.T) {
	srv := &collector{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	u, err := BuildURL(ts.URL, "/")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u, "ws://"))

	frames := make(chan string, 8)
	link := New(u, func(f []byte) { frames <- string(f) },
		WithBackoff(FixedBackoff(20*time.Millisecond)),
	)
	defer link.Close()

	link.Open()
	require.Eventually(t, func() bool { return link.State() == StateOpen }, 2*time.Second, 5*time.Millisecond)

	srv.broadcast(t, `{"type":"connection","source_ip":"8.8.8.8"}`)
	select {
	case f := <-frames:
		assert.Contains(t, f, "8.8.8.8")
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}

	srv.dropAll()
	require.Eventually(t, func() bool {
		return srv.dialCount() == 2 && link.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	srv.broadcast(t, `{"type":"connection_test"}`)
	select {
	case f := <-frames:
		assert.Equal(t, `{"type":"connection_test"}`, f)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered after reconnect")
	}
}
