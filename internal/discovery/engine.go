// Package discovery finds speakers on the local network with SSDP multicast
// search. The engine is a non-blocking state machine driven by periodic
// Update ticks from the run loop; each tick drains at most one pending
// response packet so discovery never starves other work.
package discovery

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strefethen/sonos-remote/internal/device"
	"github.com/strefethen/sonos-remote/internal/soap"
)

const (
	ssdpAddr   = "239.255.255.250:1900"
	ssdpTarget = "urn:schemas-upnp-org:device:ZonePlayer:1"
)

// State is the engine's lifecycle phase.
type State int

const (
	Idle State = iota
	Discovering
)

// Listener receives discovery notifications. Callbacks run on the tick
// goroutine; they must not block.
type Listener interface {
	DeviceFound(d device.Device)
	DiscoveryComplete(devices []device.Device)
}

// Store persists the authoritative device set after each completed scan.
type Store interface {
	SaveDevices(devices []device.Device) error
}

// Config controls search behavior.
type Config struct {
	Timeout     time.Duration // response collection window
	ProbePort   int           // device description port
	HTTPTimeout time.Duration
}

// DefaultConfig uses the 10s collection window and control port 1400.
func DefaultConfig() Config {
	return Config{
		Timeout:     10 * time.Second,
		ProbePort:   1400,
		HTTPTimeout: 5 * time.Second,
	}
}

// Engine drives SSDP discovery. Not safe for concurrent use; the run loop
// owns it.
type Engine struct {
	cfg      Config
	log      *zap.Logger
	store    Store
	listener Listener

	conn      net.PacketConn
	searchTo  net.Addr
	state     State
	startedAt time.Time
	pending   []device.Device
	devices   []device.Device

	probe ProbeFunc
	now   func() time.Time
}

// ProbeFunc fetches and validates a device description document.
// Swapped in tests; the default is Engine.probeDescription.
type ProbeFunc func(ctx context.Context, ip string) (device.Device, bool)

// NewEngine creates an idle engine. listener and store may be nil.
func NewEngine(cfg Config, log *zap.Logger, store Store, listener Listener) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ProbePort <= 0 {
		cfg.ProbePort = 1400
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:      cfg,
		log:      log,
		store:    store,
		listener: listener,
		now:      time.Now,
	}
	e.probe = e.probeDescription
	return e
}

// Seed installs cached devices as the authoritative set before any scan
// completes, so a selected speaker works immediately after startup.
func (e *Engine) Seed(devices []device.Device) {
	e.devices = append([]device.Device(nil), devices...)
}

// Devices returns the authoritative device set.
func (e *Engine) Devices() []device.Device {
	return e.devices
}

// State reports the current phase.
func (e *Engine) State() State {
	return e.state
}

// Discover sends one M-SEARCH datagram and begins collecting responses.
// Calling it while a scan is running restarts the scan with an empty
// in-progress set. A failed send leaves the engine Idle with the previous
// device set intact.
func (e *Engine) Discover() soap.Result {
	if e.conn == nil {
		conn, err := net.ListenPacket("udp4", ":0")
		if err != nil {
			e.log.Warn("cannot open discovery socket", zap.Error(err))
			return soap.NetworkError
		}
		addr, err := net.ResolveUDPAddr("udp4", ssdpAddr)
		if err != nil {
			conn.Close()
			e.log.Warn("cannot resolve multicast address", zap.Error(err))
			return soap.NetworkError
		}
		e.conn = conn
		e.searchTo = addr
	}

	if err := e.sendSearch(); err != nil {
		e.state = Idle
		e.log.Warn("M-SEARCH send failed", zap.Error(err))
		return soap.NetworkError
	}

	e.state = Discovering
	e.startedAt = e.now()
	e.pending = nil
	e.log.Info("discovery started", zap.Duration("window", e.cfg.Timeout))
	return soap.Success
}

// Update is the per-tick step: read at most one pending response, then
// finish the scan once the collection window elapses. Finishing replaces
// the device set wholesale and hands it to the store.
func (e *Engine) Update(ctx context.Context) {
	if e.state != Discovering {
		return
	}

	if packet, from, ok := e.readOne(); ok {
		e.handleResponse(ctx, packet, from)
	}

	if e.now().Sub(e.startedAt) >= e.cfg.Timeout {
		e.finish()
	}
}

// Close releases the discovery socket.
func (e *Engine) Close() error {
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

func (e *Engine) sendSearch() error {
	msg := strings.Join([]string{
		"M-SEARCH * HTTP/1.1",
		"HOST: " + ssdpAddr,
		"MAN: \"ssdp:discover\"",
		"MX: 2",
		"ST: " + ssdpTarget,
		"",
		"",
	}, "\r\n")
	_, err := e.conn.WriteTo([]byte(msg), e.searchTo)
	return err
}

// readOne polls the socket without blocking the loop; a very short read
// deadline stands in for a non-blocking read.
func (e *Engine) readOne() (string, string, bool) {
	if e.conn == nil {
		return "", "", false
	}
	if err := e.conn.SetReadDeadline(time.Now().Add(5 * time.Millisecond)); err != nil {
		return "", "", false
	}
	buf := make([]byte, 2048)
	n, from, err := e.conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
			e.log.Debug("discovery read failed", zap.Error(err))
		}
		return "", "", false
	}
	fromIP := ""
	if from != nil {
		if host, _, err := net.SplitHostPort(from.String()); err == nil {
			fromIP = host
		}
	}
	return string(buf[:n]), fromIP, true
}

func (e *Engine) handleResponse(ctx context.Context, packet, fromIP string) {
	if !strings.Contains(packet, ssdpTarget) {
		return
	}

	location := parseSSDPHeaders(packet)["LOCATION"]
	if location == "" {
		e.log.Debug("response without LOCATION", zap.String("from", fromIP))
		return
	}

	ip, err := ipFromLocation(location)
	if err != nil || !device.ValidIP(ip) {
		e.log.Warn("unusable LOCATION header",
			zap.String("location", location), zap.String("from", fromIP))
		return
	}

	found, ok := e.probe(ctx, ip)
	if !ok {
		return
	}

	// Same speaker answering twice updates in place rather than duplicating.
	for i := range e.pending {
		if e.pending[i].IP == found.IP {
			e.pending[i] = found
			return
		}
	}
	e.pending = append(e.pending, found)
	e.log.Info("device found",
		zap.String("name", found.Name), zap.String("ip", found.IP))
	if e.listener != nil {
		e.listener.DeviceFound(found)
	}
}

func (e *Engine) finish() {
	e.state = Idle
	e.devices = e.pending
	e.pending = nil
	e.log.Info("discovery finished", zap.Int("devices", len(e.devices)))

	if e.store != nil {
		if err := e.store.SaveDevices(e.devices); err != nil {
			e.log.Warn("persisting device set failed", zap.Error(err))
		}
	}
	if e.listener != nil {
		e.listener.DiscoveryComplete(e.devices)
	}
}

// parseSSDPHeaders reads the header block of an SSDP response into an
// upper-cased key map. The status line is skipped.
func parseSSDPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Scan() // status line

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		headers[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return headers
}

func ipFromLocation(location string) (string, error) {
	parsed, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	host := parsed.Hostname()
	if host == "" {
		return "", fmt.Errorf("no host in %q", location)
	}
	return host, nil
}
