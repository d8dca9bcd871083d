// Package events receives UPnP GENA notifications and manages the
// subscriptions that cause devices to send them. Notification bodies are
// queued verbatim in arrival order; interpretation belongs to the playback
// reconciler, not the transport path.
package events

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strefethen/sonos-remote/internal/soap"
)

// Notification is one NOTIFY body paired with its sender.
type Notification struct {
	SourceIP string
	Body     string
}

// Subscription is one active GENA lease on a device service.
type Subscription struct {
	IP          string
	Service     soap.Service
	SID         string
	Lease       time.Duration
	LastRenewal time.Time
}

type subKey struct {
	ip      string
	service soap.Service
}

// Config controls subscription behavior.
type Config struct {
	CallbackURL string        // advertised NOTIFY endpoint, e.g. http://192.168.1.2:8080/notify
	Lease       time.Duration // requested lease, default 300s
	RenewAfter  time.Duration // renewal threshold, default 270s
	EventPort   int           // device event port
	HTTPTimeout time.Duration
	QueueSize   int
}

// DefaultConfig requests 300s leases renewed at the 270s mark.
func DefaultConfig() Config {
	return Config{
		Lease:       300 * time.Second,
		RenewAfter:  270 * time.Second,
		EventPort:   1400,
		HTTPTimeout: 5 * time.Second,
		QueueSize:   64,
	}
}

// Ingest owns the notification queue and the subscription table. The
// NOTIFY handler may run on a server goroutine; everything else is called
// from the run loop.
type Ingest struct {
	cfg        Config
	log        *zap.Logger
	httpClient *http.Client

	queue chan Notification
	subs  map[subKey]*Subscription

	now func() time.Time
}

// NewIngest creates an ingest with an empty subscription table.
func NewIngest(cfg Config, log *zap.Logger) *Ingest {
	if cfg.Lease <= 0 {
		cfg.Lease = 300 * time.Second
	}
	if cfg.RenewAfter <= 0 {
		cfg.RenewAfter = 270 * time.Second
	}
	if cfg.EventPort <= 0 {
		cfg.EventPort = 1400
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingest{
		cfg:        cfg,
		log:        log,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		queue:      make(chan Notification, cfg.QueueSize),
		subs:       make(map[subKey]*Subscription),
		now:        time.Now,
	}
}

// Handler returns the NOTIFY endpoint. The body is enqueued untouched; a
// full queue drops the notification rather than blocking the device.
func (g *Ingest) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "NOTIFY" {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 512*1024))
		if err != nil {
			http.Error(w, "read failed", http.StatusInternalServerError)
			return
		}

		notification := Notification{SourceIP: sourceIP(r), Body: string(body)}
		select {
		case g.queue <- notification:
		default:
			g.log.Warn("notification queue full, dropping event",
				zap.String("from", notification.SourceIP))
		}
		w.WriteHeader(http.StatusOK)
	})
}

// Next pops the oldest queued notification without blocking.
func (g *Ingest) Next() (Notification, bool) {
	select {
	case n := <-g.queue:
		return n, true
	default:
		return Notification{}, false
	}
}

// Subscribe performs the SUBSCRIBE handshake and records the returned SID.
// Subscribing to an already-subscribed (ip, service) renews it instead.
func (g *Ingest) Subscribe(ctx context.Context, ip string, service soap.Service) soap.Result {
	key := subKey{ip: ip, service: service}
	if existing, ok := g.subs[key]; ok {
		return g.renew(ctx, existing)
	}

	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", g.eventURL(ip, service), nil)
	if err != nil {
		return soap.NetworkError
	}
	req.Header.Set("CALLBACK", "<"+g.cfg.CallbackURL+">")
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("TIMEOUT", leaseHeader(g.cfg.Lease))

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.log.Warn("subscribe failed", zap.String("ip", ip),
			zap.String("service", string(service)), zap.Error(err))
		return soap.NetworkError
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		g.log.Warn("subscribe rejected", zap.String("ip", ip),
			zap.String("service", string(service)), zap.Int("status", resp.StatusCode))
		return soap.NetworkError
	}

	sid := resp.Header.Get("SID")
	if sid == "" {
		g.log.Warn("subscribe response without SID", zap.String("ip", ip))
		return soap.SoapFault
	}

	g.subs[key] = &Subscription{
		IP:          ip,
		Service:     service,
		SID:         sid,
		Lease:       parseLeaseHeader(resp.Header.Get("TIMEOUT"), g.cfg.Lease),
		LastRenewal: g.now(),
	}
	g.log.Info("subscribed", zap.String("ip", ip),
		zap.String("service", string(service)), zap.String("sid", sid))
	return soap.Success
}

// Unsubscribe sends UNSUBSCRIBE and drops the table entry even when the
// handshake fails; a dead device should not pin a stale lease.
func (g *Ingest) Unsubscribe(ctx context.Context, ip string, service soap.Service) soap.Result {
	key := subKey{ip: ip, service: service}
	sub, ok := g.subs[key]
	if !ok {
		return soap.Success
	}
	delete(g.subs, key)

	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", g.eventURL(ip, service), nil)
	if err != nil {
		return soap.NetworkError
	}
	req.Header.Set("SID", sub.SID)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.log.Debug("unsubscribe send failed", zap.String("ip", ip), zap.Error(err))
		return soap.NetworkError
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPreconditionFailed {
		return soap.NetworkError
	}
	g.log.Info("unsubscribed", zap.String("ip", ip), zap.String("service", string(service)))
	return soap.Success
}

// UnsubscribeAll tears down every lease, used on device switch and shutdown.
func (g *Ingest) UnsubscribeAll(ctx context.Context) {
	for key := range g.subs {
		g.Unsubscribe(ctx, key.ip, key.service)
	}
}

// Update renews any subscription older than the renewal threshold. The
// renewal timestamp advances even when the attempt fails so a flapping
// device is retried on the next threshold crossing, not hammered every tick.
func (g *Ingest) Update(ctx context.Context) {
	now := g.now()
	for _, sub := range g.subs {
		if now.Sub(sub.LastRenewal) < g.cfg.RenewAfter {
			continue
		}
		g.renew(ctx, sub)
	}
}

// Subscriptions returns a snapshot of the lease table.
func (g *Ingest) Subscriptions() []Subscription {
	out := make([]Subscription, 0, len(g.subs))
	for _, sub := range g.subs {
		out = append(out, *sub)
	}
	return out
}

// renew re-SUBSCRIBEs with the existing SID. No CALLBACK or NT headers on
// renewal per GENA.
func (g *Ingest) renew(ctx context.Context, sub *Subscription) soap.Result {
	sub.LastRenewal = g.now()

	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", g.eventURL(sub.IP, sub.Service), nil)
	if err != nil {
		return soap.NetworkError
	}
	req.Header.Set("SID", sub.SID)
	req.Header.Set("TIMEOUT", leaseHeader(g.cfg.Lease))

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.log.Warn("renewal failed", zap.String("ip", sub.IP),
			zap.String("sid", sub.SID), zap.Error(err))
		return soap.NetworkError
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		g.log.Warn("renewal rejected", zap.String("ip", sub.IP),
			zap.String("sid", sub.SID), zap.Int("status", resp.StatusCode))
		return soap.NetworkError
	}

	sub.Lease = parseLeaseHeader(resp.Header.Get("TIMEOUT"), g.cfg.Lease)
	g.log.Debug("subscription renewed",
		zap.String("ip", sub.IP), zap.String("sid", sub.SID))
	return soap.Success
}

func (g *Ingest) eventURL(ip string, service soap.Service) string {
	return fmt.Sprintf("http://%s:%d/MediaRenderer/%s/Event", ip, g.cfg.EventPort, string(service))
}

func leaseHeader(lease time.Duration) string {
	return fmt.Sprintf("Second-%d", int(lease.Seconds()))
}

// parseLeaseHeader decodes "Second-300"; anything else falls back to the
// requested lease.
func parseLeaseHeader(header string, fallback time.Duration) time.Duration {
	value, found := strings.CutPrefix(strings.TrimSpace(header), "Second-")
	if !found {
		return fallback
	}
	seconds := 0
	for _, r := range value {
		if r < '0' || r > '9' {
			return fallback
		}
		seconds = seconds*10 + int(r-'0')
	}
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func sourceIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
