package events

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/sonos-remote/internal/soap"
)

// stubDevice records GENA handshakes and hands out a fixed SID.
type stubDevice struct {
	server       *httptest.Server
	subscribes   atomic.Int32
	renewals     atomic.Int32
	unsubscribes atomic.Int32
	failRenewal  atomic.Bool
}

func newStubDevice(t *testing.T) *stubDevice {
	t.Helper()
	d := &stubDevice{}
	d.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "SUBSCRIBE":
			if r.Header.Get("SID") != "" {
				d.renewals.Add(1)
				if d.failRenewal.Load() {
					w.WriteHeader(http.StatusPreconditionFailed)
					return
				}
			} else {
				d.subscribes.Add(1)
				require.Contains(t, r.Header.Get("CALLBACK"), "http://")
				require.Equal(t, "upnp:event", r.Header.Get("NT"))
				w.Header().Set("SID", "uuid:sub-1234")
			}
			w.Header().Set("TIMEOUT", "Second-300")
			w.WriteHeader(http.StatusOK)
		case "UNSUBSCRIBE":
			d.unsubscribes.Add(1)
			require.Equal(t, "uuid:sub-1234", r.Header.Get("SID"))
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(d.server.Close)
	return d
}

// newTestIngest points the ingest at the stub's host and port.
func newTestIngest(t *testing.T, d *stubDevice) (*Ingest, string, *time.Time) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(d.server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.CallbackURL = "http://192.168.1.2:8080/notify"
	cfg.EventPort = port

	g := NewIngest(cfg, nil)
	clock := time.Now()
	g.now = func() time.Time { return clock }
	return g, host, &clock
}

func TestSubscribeLifecycle(t *testing.T) {
	t.Run("subscribe records sid", func(t *testing.T) {
		d := newStubDevice(t)
		g, host, _ := newTestIngest(t, d)

		require.True(t, g.Subscribe(context.Background(), host, soap.ServiceAVTransport).OK())
		subs := g.Subscriptions()
		require.Len(t, subs, 1)
		require.Equal(t, "uuid:sub-1234", subs[0].SID)
		require.Equal(t, 300*time.Second, subs[0].Lease)
	})

	t.Run("second subscribe renews instead", func(t *testing.T) {
		d := newStubDevice(t)
		g, host, _ := newTestIngest(t, d)

		require.True(t, g.Subscribe(context.Background(), host, soap.ServiceAVTransport).OK())
		require.True(t, g.Subscribe(context.Background(), host, soap.ServiceAVTransport).OK())
		require.Equal(t, int32(1), d.subscribes.Load())
		require.Equal(t, int32(1), d.renewals.Load())
		require.Len(t, g.Subscriptions(), 1)
	})

	t.Run("unsubscribe removes entry", func(t *testing.T) {
		d := newStubDevice(t)
		g, host, _ := newTestIngest(t, d)

		require.True(t, g.Subscribe(context.Background(), host, soap.ServiceAVTransport).OK())
		require.True(t, g.Unsubscribe(context.Background(), host, soap.ServiceAVTransport).OK())
		require.Empty(t, g.Subscriptions())
		require.Equal(t, int32(1), d.unsubscribes.Load())
	})

	t.Run("unsubscribe drops entry even when device is gone", func(t *testing.T) {
		d := newStubDevice(t)
		g, host, _ := newTestIngest(t, d)
		require.True(t, g.Subscribe(context.Background(), host, soap.ServiceAVTransport).OK())

		d.server.Close()
		g.Unsubscribe(context.Background(), host, soap.ServiceAVTransport)
		require.Empty(t, g.Subscriptions())
	})
}

func TestRenewal(t *testing.T) {
	t.Run("renews past the threshold", func(t *testing.T) {
		d := newStubDevice(t)
		g, host, clock := newTestIngest(t, d)
		require.True(t, g.Subscribe(context.Background(), host, soap.ServiceAVTransport).OK())

		g.Update(context.Background())
		require.Equal(t, int32(0), d.renewals.Load())

		*clock = clock.Add(271 * time.Second)
		g.Update(context.Background())
		require.Equal(t, int32(1), d.renewals.Load())

		// Just renewed; the next tick does nothing.
		g.Update(context.Background())
		require.Equal(t, int32(1), d.renewals.Load())
	})

	t.Run("failed renewal waits a full threshold before retrying", func(t *testing.T) {
		d := newStubDevice(t)
		g, host, clock := newTestIngest(t, d)
		require.True(t, g.Subscribe(context.Background(), host, soap.ServiceAVTransport).OK())
		d.failRenewal.Store(true)

		*clock = clock.Add(271 * time.Second)
		g.Update(context.Background())
		require.Equal(t, int32(1), d.renewals.Load())

		// Immediately after a failure nothing happens; the timestamp was
		// advanced optimistically.
		g.Update(context.Background())
		require.Equal(t, int32(1), d.renewals.Load())

		*clock = clock.Add(271 * time.Second)
		g.Update(context.Background())
		require.Equal(t, int32(2), d.renewals.Load())
	})
}

func TestNotifyHandler(t *testing.T) {
	t.Run("queues bodies in arrival order", func(t *testing.T) {
		g := NewIngest(DefaultConfig(), nil)
		server := httptest.NewServer(g.Handler())
		defer server.Close()

		for _, body := range []string{"first", "second", "third"} {
			req, err := http.NewRequest("NOTIFY", server.URL, strings.NewReader(body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			resp.Body.Close()
		}

		for _, want := range []string{"first", "second", "third"} {
			n, ok := g.Next()
			require.True(t, ok)
			require.Equal(t, want, n.Body)
			require.NotEmpty(t, n.SourceIP)
		}
		_, ok := g.Next()
		require.False(t, ok)
	})

	t.Run("rejects non notify methods", func(t *testing.T) {
		g := NewIngest(DefaultConfig(), nil)
		server := httptest.NewServer(g.Handler())
		defer server.Close()

		resp, err := http.Get(server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("full queue drops without blocking", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.QueueSize = 1
		g := NewIngest(cfg, nil)
		server := httptest.NewServer(g.Handler())
		defer server.Close()

		for i := 0; i < 3; i++ {
			req, err := http.NewRequest("NOTIFY", server.URL, strings.NewReader("x"))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			resp.Body.Close()
		}

		_, ok := g.Next()
		require.True(t, ok)
		_, ok = g.Next()
		require.False(t, ok)
	})
}

func TestParseLeaseHeader(t *testing.T) {
	require.Equal(t, 300*time.Second, parseLeaseHeader("Second-300", time.Minute))
	require.Equal(t, time.Minute, parseLeaseHeader("infinite", time.Minute))
	require.Equal(t, time.Minute, parseLeaseHeader("", time.Minute))
	require.Equal(t, time.Minute, parseLeaseHeader("Second-0", time.Minute))
}
