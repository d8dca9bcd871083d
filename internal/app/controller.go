// Package app owns the run loop. All device-facing components (discovery,
// control client, event ingest, reconciler) are fields of one Controller
// and are only ever touched from the loop goroutine; HTTP handlers reach
// them through a command queue, preserving the single-flight transport
// assumption without locks around the protocol stack.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/strefethen/sonos-remote/internal/config"
	"github.com/strefethen/sonos-remote/internal/device"
	"github.com/strefethen/sonos-remote/internal/devicecache"
	"github.com/strefethen/sonos-remote/internal/discovery"
	"github.com/strefethen/sonos-remote/internal/events"
	"github.com/strefethen/sonos-remote/internal/logging"
	"github.com/strefethen/sonos-remote/internal/nowplaying"
	"github.com/strefethen/sonos-remote/internal/soap"
)

// ErrStopped is returned for commands submitted after the loop exited.
var ErrStopped = errors.New("controller stopped")

const tickInterval = 100 * time.Millisecond

// Controller wires the protocol stack together and runs the loop.
type Controller struct {
	cfg  config.Config
	sink *logging.Sink
	log  *zap.Logger

	client     *soap.Client
	engine     *discovery.Engine
	ingest     *events.Ingest
	reconciler *nowplaying.Reconciler
	cache      *devicecache.Cache
	cron       *cron.Cron

	selected   string
	lastResync time.Time
	lastState  nowplaying.TrackData
	stateSeen  bool
	onState    func(nowplaying.TrackData)

	commands chan func(ctx context.Context)
	stopped  chan struct{}
}

// New builds the controller. cache may be nil when persistence is disabled.
func New(cfg config.Config, sink *logging.Sink, cache *devicecache.Cache) *Controller {
	c := &Controller{
		cfg:      cfg,
		sink:     sink,
		log:      sink.Channel("app"),
		cache:    cache,
		commands: make(chan func(ctx context.Context), 32),
		stopped:  make(chan struct{}),
	}

	soapCfg := soap.DefaultConfig()
	soapCfg.Timeout = time.Duration(cfg.SonosTimeoutMs) * time.Millisecond
	soapCfg.MaxRetries = cfg.SonosMaxRetries
	soapCfg.RetryBackoff = time.Duration(cfg.SonosBackoffMs) * time.Millisecond
	c.client = soap.NewClient(soapCfg, sink.Channel("soap"), c)

	discoveryCfg := discovery.DefaultConfig()
	discoveryCfg.Timeout = time.Duration(cfg.DiscoveryTimeoutMs) * time.Millisecond
	c.engine = discovery.NewEngine(discoveryCfg, sink.Channel("discovery"), cacheStore{cache}, c)

	callbackHost := cfg.CallbackHost
	if callbackHost == "" {
		if detected, err := events.DetectLocalIP(); err == nil {
			callbackHost = detected
		} else {
			c.log.Warn("local ip detection failed, events unreachable until callback_host is set",
				zap.Error(err))
			callbackHost = "127.0.0.1"
		}
	}

	eventsCfg := events.DefaultConfig()
	eventsCfg.CallbackURL = fmt.Sprintf("http://%s:%d/notify", callbackHost, cfg.CallbackPort)
	eventsCfg.Lease = time.Duration(cfg.SubscriptionSec) * time.Second
	eventsCfg.RenewAfter = time.Duration(cfg.RenewAfterSec) * time.Second
	c.ingest = events.NewIngest(eventsCfg, sink.Channel("events"))

	c.reconciler = nowplaying.NewReconciler(c.client, sink.Channel("nowplaying"))
	return c
}

// cacheStore adapts the nil-able cache to the discovery Store interface.
type cacheStore struct {
	cache *devicecache.Cache
}

func (s cacheStore) SaveDevices(devices []device.Device) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.SaveDevices(devices)
}

// ResolveCoordinator implements soap.DeviceResolver against the current
// device set. Called from the loop goroutine only.
func (c *Controller) ResolveCoordinator(fragment string) (device.Device, bool) {
	return device.ByPartialUUID(c.engine.Devices(), fragment)
}

// DeviceFound implements discovery.Listener.
func (c *Controller) DeviceFound(d device.Device) {
	c.log.Info("speaker found", zap.String("name", d.Name), zap.String("ip", d.IP))
}

// DiscoveryComplete implements discovery.Listener. A scan that dropped the
// selected device leaves the session alone; control keeps working as long
// as the speaker answers.
func (c *Controller) DiscoveryComplete(devices []device.Device) {
	c.log.Info("scan complete", zap.Int("devices", len(devices)))
}

// Ingest exposes the NOTIFY handler for mounting on the HTTP server.
func (c *Controller) Ingest() *events.Ingest {
	return c.ingest
}

// OnState registers the state broadcast callback, invoked from the loop
// goroutine whenever the reconciled view changes. Must be set before Run.
func (c *Controller) OnState(fn func(nowplaying.TrackData)) {
	c.onState = fn
}

// Run executes the cooperative loop until ctx is cancelled: drain commands,
// apply queued events in arrival order, advance the extrapolation clock,
// tick discovery and lease renewal, then resync position periodically.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)

	if c.cache != nil {
		if cached, err := c.cache.LoadDevices(); err != nil {
			c.log.Warn("device cache unreadable", zap.Error(err))
		} else if len(cached) > 0 {
			c.engine.Seed(cached)
			c.log.Info("seeded devices from cache", zap.Int("devices", len(cached)))
		}
	}

	if c.cfg.RescanSchedule != "" {
		c.cron = cron.New()
		_, err := c.cron.AddFunc(c.cfg.RescanSchedule, func() {
			c.submit(func(ctx context.Context) { c.engine.Discover() })
		})
		if err != nil {
			return fmt.Errorf("invalid rescan schedule %q: %w", c.cfg.RescanSchedule, err)
		}
		c.cron.Start()
		defer c.cron.Stop()
	}

	c.engine.Discover()
	if ip := c.cfg.DefaultDeviceIP; ip != "" && device.ValidIP(ip) {
		c.selectDevice(ctx, ip)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return ctx.Err()
		case cmd := <-c.commands:
			cmd(ctx)
		case <-ticker.C:
			c.step(ctx)
		}
	}
}

func (c *Controller) step(ctx context.Context) {
	// Events first so a track change is visible before the clock advances.
	for {
		n, ok := c.ingest.Next()
		if !ok {
			break
		}
		if c.selected == "" || n.SourceIP != c.selected {
			continue
		}
		c.reconciler.ApplyEvent(n.SourceIP, n.Body)
	}

	c.reconciler.Tick()
	c.engine.Update(ctx)
	c.ingest.Update(ctx)

	c.resync(ctx)
	c.broadcast()
}

// resync corrects extrapolation drift with a cheap position-only poll while
// the track is progressing.
func (c *Controller) resync(ctx context.Context) {
	if c.selected == "" {
		return
	}
	state := c.reconciler.Track().PlaybackState
	if state != "PLAYING" && state != "TRANSITIONING" {
		return
	}
	interval := time.Duration(c.cfg.ResyncIntervalMs) * time.Millisecond
	if time.Since(c.lastResync) < interval {
		return
	}
	c.lastResync = time.Now()
	if result := c.reconciler.PollPosition(ctx, c.selected, false); !result.OK() {
		c.log.Warn("position resync failed",
			zap.String("ip", c.selected), zap.String("result", string(result)))
	}
}

func (c *Controller) broadcast() {
	if c.onState == nil {
		return
	}
	current := c.reconciler.Track()
	if c.stateSeen && current == c.lastState {
		return
	}
	c.lastState = current
	c.stateSeen = true
	c.onState(current)
}

func (c *Controller) teardown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.ingest.UnsubscribeAll(shutdownCtx)
	c.engine.Close()
}

// selectDevice tears down the previous session and starts a new one:
// reconciler reset, full poll, event subscriptions.
func (c *Controller) selectDevice(ctx context.Context, ip string) soap.Result {
	if !device.ValidIP(ip) {
		return soap.InvalidParam
	}
	if c.selected == ip {
		return soap.Success
	}

	if c.selected != "" {
		c.ingest.UnsubscribeAll(ctx)
		c.reconciler.Reset()
	}
	c.selected = ip
	c.log.Info("device selected", zap.String("ip", ip))

	result := c.reconciler.PollFull(ctx, ip)
	if !result.OK() {
		c.log.Warn("initial poll failed",
			zap.String("ip", ip), zap.String("result", string(result)))
	}
	c.ingest.Subscribe(ctx, ip, soap.ServiceAVTransport)
	c.ingest.Subscribe(ctx, ip, soap.ServiceRenderingControl)
	c.lastResync = time.Now()
	return result
}

// submit enqueues a command without waiting.
func (c *Controller) submit(cmd func(ctx context.Context)) {
	select {
	case c.commands <- cmd:
	case <-c.stopped:
	}
}

// call runs fn on the loop goroutine and waits for completion.
func call[T any](ctx context.Context, c *Controller, fn func(ctx context.Context) T) (T, error) {
	var zero T
	done := make(chan T, 1)
	cmd := func(loopCtx context.Context) {
		done <- fn(loopCtx)
	}
	select {
	case c.commands <- cmd:
	case <-c.stopped:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case v := <-done:
		return v, nil
	case <-c.stopped:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Devices returns the authoritative device set.
func (c *Controller) Devices(ctx context.Context) ([]device.Device, error) {
	return call(ctx, c, func(context.Context) []device.Device {
		return append([]device.Device(nil), c.engine.Devices()...)
	})
}

// Discover starts a scan.
func (c *Controller) Discover(ctx context.Context) (soap.Result, error) {
	return call(ctx, c, func(context.Context) soap.Result {
		return c.engine.Discover()
	})
}

// Discovering reports whether a scan is in progress.
func (c *Controller) Discovering(ctx context.Context) (bool, error) {
	return call(ctx, c, func(context.Context) bool {
		return c.engine.State() == discovery.Discovering
	})
}

// SelectDevice switches the active session to ip.
func (c *Controller) SelectDevice(ctx context.Context, ip string) (soap.Result, error) {
	return call(ctx, c, func(loopCtx context.Context) soap.Result {
		return c.selectDevice(loopCtx, ip)
	})
}

// Selected returns the active device IP, empty when none.
func (c *Controller) Selected(ctx context.Context) (string, error) {
	return call(ctx, c, func(context.Context) string { return c.selected })
}

// State returns the reconciled playback view.
func (c *Controller) State(ctx context.Context) (nowplaying.TrackData, error) {
	return call(ctx, c, func(context.Context) nowplaying.TrackData {
		return c.reconciler.Track()
	})
}

// transportOp runs a control action against the selected device and
// re-polls so the model reflects the outcome without waiting for an event.
func (c *Controller) transportOp(ctx context.Context, op func(ctx context.Context, ip string) soap.Result) (soap.Result, error) {
	return call(ctx, c, func(loopCtx context.Context) soap.Result {
		if c.selected == "" {
			return soap.InvalidDevice
		}
		result := op(loopCtx, c.selected)
		if result.OK() {
			c.reconciler.PollFull(loopCtx, c.selected)
		}
		return result
	})
}

func (c *Controller) Play(ctx context.Context) (soap.Result, error) {
	return c.transportOp(ctx, c.client.Play)
}

func (c *Controller) Pause(ctx context.Context) (soap.Result, error) {
	return c.transportOp(ctx, c.client.Pause)
}

func (c *Controller) Stop(ctx context.Context) (soap.Result, error) {
	return c.transportOp(ctx, c.client.Stop)
}

func (c *Controller) Next(ctx context.Context) (soap.Result, error) {
	return c.transportOp(ctx, c.client.Next)
}

func (c *Controller) Previous(ctx context.Context) (soap.Result, error) {
	return c.transportOp(ctx, c.client.Previous)
}

// TogglePlayPause pauses a progressing track and resumes anything else,
// mirroring a single hardware play/pause button.
func (c *Controller) TogglePlayPause(ctx context.Context) (soap.Result, error) {
	return c.transportOp(ctx, func(loopCtx context.Context, ip string) soap.Result {
		state := c.reconciler.Track().PlaybackState
		if state == "PLAYING" || state == "TRANSITIONING" {
			return c.client.Pause(loopCtx, ip)
		}
		return c.client.Play(loopCtx, ip)
	})
}

// SetVolume sets the selected device's volume.
func (c *Controller) SetVolume(ctx context.Context, volume int) (soap.Result, error) {
	return call(ctx, c, func(loopCtx context.Context) soap.Result {
		if c.selected == "" {
			return soap.InvalidDevice
		}
		result := c.client.SetVolume(loopCtx, c.selected, volume)
		if result.OK() {
			c.reconciler.SetVolume(volume)
		}
		return result
	})
}

// AdjustVolume raises (positive) or lowers (negative) volume by a step.
func (c *Controller) AdjustVolume(ctx context.Context, step int) (int, soap.Result, error) {
	type reply struct {
		volume int
		result soap.Result
	}
	r, err := call(ctx, c, func(loopCtx context.Context) reply {
		if c.selected == "" {
			return reply{result: soap.InvalidDevice}
		}
		var volume int
		var result soap.Result
		if step >= 0 {
			volume, result = c.client.IncreaseVolume(loopCtx, c.selected, step)
		} else {
			volume, result = c.client.DecreaseVolume(loopCtx, c.selected, -step)
		}
		if result.OK() {
			c.reconciler.SetVolume(volume)
		}
		return reply{volume: volume, result: result}
	})
	if err != nil {
		return 0, "", err
	}
	return r.volume, r.result, nil
}

// SetMute mutes or unmutes the selected device.
func (c *Controller) SetMute(ctx context.Context, mute bool) (soap.Result, error) {
	return call(ctx, c, func(loopCtx context.Context) soap.Result {
		if c.selected == "" {
			return soap.InvalidDevice
		}
		return c.client.SetMute(loopCtx, c.selected, mute)
	})
}
