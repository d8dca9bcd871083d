package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/sonos-remote/internal/device"
)

// fakeConn feeds canned SSDP responses to the engine, one per read.
type fakeConn struct {
	packets []fakePacket
	sent    [][]byte
	sendErr error
}

type fakePacket struct {
	body string
	from string
}

type fakeAddr string

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return string(a) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	if len(c.packets) == 0 {
		return 0, nil, timeoutErr{}
	}
	pkt := c.packets[0]
	c.packets = c.packets[1:]
	n := copy(p, pkt.body)
	return n, fakeAddr(pkt.from), nil
}

func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if c.sendErr != nil {
		return 0, c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeConn) Close() error                       { return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return fakeAddr("local") }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type recordingListener struct {
	found    []device.Device
	complete [][]device.Device
}

func (l *recordingListener) DeviceFound(d device.Device) { l.found = append(l.found, d) }
func (l *recordingListener) DiscoveryComplete(devices []device.Device) {
	l.complete = append(l.complete, devices)
}

type recordingStore struct {
	saved [][]device.Device
}

func (s *recordingStore) SaveDevices(devices []device.Device) error {
	s.saved = append(s.saved, devices)
	return nil
}

func ssdpPacket(location string) string {
	return "HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age = 1800\r\n" +
		"LOCATION: " + location + "\r\n" +
		"ST: " + ssdpTarget + "\r\n" +
		"USN: uuid:RINCON_ABC::" + ssdpTarget + "\r\n" +
		"\r\n"
}

// newTestEngine wires a fake socket and a table-driven probe keyed by IP.
func newTestEngine(t *testing.T, conn *fakeConn, probes map[string]device.Device) (*Engine, *recordingListener, *recordingStore, *time.Time) {
	t.Helper()
	listener := &recordingListener{}
	store := &recordingStore{}

	cfg := DefaultConfig()
	cfg.Timeout = 10 * time.Second
	e := NewEngine(cfg, nil, store, listener)
	e.conn = conn
	e.searchTo = fakeAddr(ssdpAddr)

	clock := time.Now()
	e.now = func() time.Time { return clock }
	e.probe = func(ctx context.Context, ip string) (device.Device, bool) {
		d, ok := probes[ip]
		return d, ok
	}
	return e, listener, store, &clock
}

func TestDiscoverLifecycle(t *testing.T) {
	t.Run("send failure stays idle", func(t *testing.T) {
		conn := &fakeConn{sendErr: net.ErrClosed}
		e, _, _, _ := newTestEngine(t, conn, nil)
		e.Seed([]device.Device{{Name: "Kitchen", IP: "192.168.1.5"}})

		require.False(t, e.Discover().OK())
		require.Equal(t, Idle, e.State())
		require.Len(t, e.Devices(), 1)
	})

	t.Run("full cycle replaces device set", func(t *testing.T) {
		conn := &fakeConn{packets: []fakePacket{
			{body: ssdpPacket("http://192.168.1.10:1400/xml/device_description.xml"), from: "192.168.1.10:1900"},
			{body: ssdpPacket("http://192.168.1.11:1400/xml/device_description.xml"), from: "192.168.1.11:1900"},
		}}
		e, listener, store, clock := newTestEngine(t, conn, map[string]device.Device{
			"192.168.1.10": {Name: "Kitchen", IP: "192.168.1.10", UUID: "RINCON_A"},
			"192.168.1.11": {Name: "Den", IP: "192.168.1.11", UUID: "RINCON_B"},
		})
		e.Seed([]device.Device{{Name: "Old", IP: "192.168.1.99"}})

		require.True(t, e.Discover().OK())
		require.Equal(t, Discovering, e.State())

		ctx := context.Background()
		e.Update(ctx)
		e.Update(ctx)
		require.Len(t, listener.found, 2)
		require.Equal(t, "Kitchen", listener.found[0].Name)
		require.Equal(t, "Den", listener.found[1].Name)

		// Replacement is not visible until the window closes.
		require.Equal(t, "Old", e.Devices()[0].Name)

		*clock = clock.Add(11 * time.Second)
		e.Update(ctx)
		require.Equal(t, Idle, e.State())
		require.Len(t, e.Devices(), 2)
		require.Len(t, store.saved, 1)
		require.Len(t, listener.complete, 1)
	})

	t.Run("duplicate ip updates in place", func(t *testing.T) {
		conn := &fakeConn{packets: []fakePacket{
			{body: ssdpPacket("http://192.168.1.10:1400/xml/device_description.xml"), from: "192.168.1.10:1900"},
			{body: ssdpPacket("http://192.168.1.10:1400/xml/device_description.xml"), from: "192.168.1.10:1900"},
		}}
		e, listener, _, clock := newTestEngine(t, conn, map[string]device.Device{
			"192.168.1.10": {Name: "Kitchen", IP: "192.168.1.10", UUID: "RINCON_A"},
		})

		require.True(t, e.Discover().OK())
		ctx := context.Background()
		e.Update(ctx)
		e.Update(ctx)
		*clock = clock.Add(11 * time.Second)
		e.Update(ctx)

		require.Len(t, e.Devices(), 1)
		require.Len(t, listener.found, 1)
	})

	t.Run("non matching packet ignored", func(t *testing.T) {
		conn := &fakeConn{packets: []fakePacket{
			{body: "HTTP/1.1 200 OK\r\nST: urn:schemas-upnp-org:device:Printer:1\r\n\r\n", from: "192.168.1.50:1900"},
		}}
		probed := false
		e, _, _, clock := newTestEngine(t, conn, nil)
		e.probe = func(ctx context.Context, ip string) (device.Device, bool) {
			probed = true
			return device.Device{}, false
		}

		require.True(t, e.Discover().OK())
		e.Update(context.Background())
		*clock = clock.Add(11 * time.Second)
		e.Update(context.Background())
		require.False(t, probed)
	})

	t.Run("rejected probe is skipped silently", func(t *testing.T) {
		conn := &fakeConn{packets: []fakePacket{
			{body: ssdpPacket("http://192.168.1.20:1400/xml/device_description.xml"), from: "192.168.1.20:1900"},
		}}
		e, listener, _, clock := newTestEngine(t, conn, map[string]device.Device{})

		require.True(t, e.Discover().OK())
		e.Update(context.Background())
		*clock = clock.Add(11 * time.Second)
		e.Update(context.Background())
		require.Empty(t, listener.found)
		require.Empty(t, e.Devices())
	})
}

func TestValidateDescription(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil, nil)

	t.Run("accepts full description", func(t *testing.T) {
		d, ok := e.validateDescription("192.168.1.10",
			"<root><device><roomName>Kitchen</roomName>"+
				"<internalSpeakerSize>2</internalSpeakerSize>"+
				"<UDN>uuid:RINCON_ABC123</UDN></device></root>")
		require.True(t, ok)
		require.Equal(t, "Kitchen", d.Name)
		require.Equal(t, "RINCON_ABC123", d.UUID)
	})

	t.Run("missing room name rejected", func(t *testing.T) {
		_, ok := e.validateDescription("192.168.1.10", "<root><device></device></root>")
		require.False(t, ok)
	})

	t.Run("empty room name rejected", func(t *testing.T) {
		_, ok := e.validateDescription("192.168.1.10", "<root><roomName></roomName></root>")
		require.False(t, ok)
	})

	t.Run("negative speaker size rejected", func(t *testing.T) {
		_, ok := e.validateDescription("192.168.1.10",
			"<root><roomName>Den</roomName><internalSpeakerSize>-1</internalSpeakerSize></root>")
		require.False(t, ok)
	})

	t.Run("absent speaker size tolerated", func(t *testing.T) {
		d, ok := e.validateDescription("192.168.1.10", "<root><roomName>Den</roomName></root>")
		require.True(t, ok)
		require.Equal(t, "Den", d.Name)
	})
}

func TestParseSSDPHeaders(t *testing.T) {
	headers := parseSSDPHeaders(ssdpPacket("http://192.168.1.10:1400/xml/device_description.xml"))
	require.Equal(t, "http://192.168.1.10:1400/xml/device_description.xml", headers["LOCATION"])
	require.Contains(t, headers["USN"], "RINCON_ABC")
}

func TestIPFromLocation(t *testing.T) {
	ip, err := ipFromLocation("http://192.168.1.10:1400/xml/device_description.xml")
	require.NoError(t, err)
	require.Equal(t, "192.168.1.10", ip)

	_, err = ipFromLocation("://bad")
	require.Error(t, err)
}
