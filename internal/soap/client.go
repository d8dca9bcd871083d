// Package soap implements the control-command client: SOAP envelopes POSTed
// to the speaker's control port, with bounded retries and a closed result
// taxonomy. Responses are decoded with the tolerant xmlscan extractor, never
// a full XML parser.
package soap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strefethen/sonos-remote/internal/device"
	"github.com/strefethen/sonos-remote/internal/logging"
	"github.com/strefethen/sonos-remote/internal/xmlscan"
)

const soapEnvelope = `<?xml version="1.0" encoding="utf-8"?>` +
	`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" ` +
	`s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
	`<s:Body>%s</s:Body></s:Envelope>`

// DeviceResolver resolves a group coordinator referenced by a UUID fragment.
// The application's device registry implements it.
type DeviceResolver interface {
	ResolveCoordinator(uuidFragment string) (device.Device, bool)
}

// Config controls transport behavior.
type Config struct {
	Timeout      time.Duration // per-request HTTP timeout
	MaxRetries   int           // POST attempts before giving up
	RetryBackoff time.Duration // multiplied by the attempt number
	ControlPort  int
	BasePath     string // path segment before the service name
}

// DefaultConfig mirrors the device-facing defaults: 10s timeout, 3 attempts,
// 100ms linear backoff, port 1400.
func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		ControlPort:  1400,
		BasePath:     "MediaRenderer",
	}
}

// Client sends control actions to speakers. One Client is shared by all
// callers; the design assumes a single in-flight control operation at a
// time, which the run loop guarantees.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *zap.Logger
	resolver   DeviceResolver

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(time.Duration)
}

// NewClient creates a SOAP client. Connection pooling matters here: the
// reconciler issues several queries per sync against the same device.
func NewClient(cfg Config, log *zap.Logger, resolver DeviceResolver) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.ControlPort <= 0 {
		cfg.ControlPort = 1400
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "MediaRenderer"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		log: log,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: cfg.Timeout}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		resolver: resolver,
		sleep:    time.Sleep,
	}
}

// SendControlAction wraps the action fragment in the SOAP envelope and POSTs
// it to the device's control endpoint. The response body is returned even
// for SOAP faults so callers can extract the fault diagnostics.
func (c *Client) SendControlAction(ctx context.Context, ip string, service Service, action, body string) (Result, string) {
	if !device.ValidIP(ip) {
		return InvalidParam, ""
	}

	envelope := fmt.Sprintf(soapEnvelope, body)
	url := fmt.Sprintf("http://%s:%d/%s/%s/Control", ip, c.cfg.ControlPort, c.cfg.BasePath, string(service))
	soapAction := fmt.Sprintf("%q", serviceType(service)+"#"+action)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(envelope))
		if err != nil {
			return NetworkError, ""
		}
		req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
		req.Header.Set("SOAPAction", soapAction)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.log.Debug("control POST failed",
				zap.String("ip", ip), zap.String("action", action),
				zap.Int("attempt", attempt), zap.Error(err))
			c.sleep(c.cfg.RetryBackoff * time.Duration(attempt))
			continue
		}

		payload, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			c.sleep(c.cfg.RetryBackoff * time.Duration(attempt))
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return Success, string(payload)
		case resp.StatusCode == http.StatusInternalServerError:
			// A fault is the device refusing the action; retrying is
			// pointless. The body still carries the fault details.
			c.log.Warn("SOAP fault",
				zap.String("ip", ip), zap.String("action", action),
				zap.String("fault", logging.SummarizeXML(string(payload), 200)))
			return SoapFault, string(payload)
		default:
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
			c.log.Debug("control POST rejected",
				zap.String("ip", ip), zap.String("action", action),
				zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))
			c.sleep(c.cfg.RetryBackoff * time.Duration(attempt))
		}
	}

	if lastErr != nil && (errors.Is(lastErr, context.DeadlineExceeded) || isTimeout(lastErr)) {
		return Timeout, ""
	}
	c.log.Warn("control action failed",
		zap.String("ip", ip), zap.String("action", action), zap.Error(lastErr))
	return NetworkError, ""
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// getXMLValue extracts one tag from a response, translating extraction
// failures into a log entry. Required fields log at ERROR with a payload
// summary; optional fields log at DEBUG.
func (c *Client) getXMLValue(payload, tag, context string, required bool) (string, bool) {
	lookup := xmlscan.FindTagValue(payload, tag)
	if lookup.OK {
		return lookup.Value, true
	}
	if required {
		c.log.Error("required field missing",
			zap.String("context", context), zap.String("tag", tag),
			zap.String("reason", lookup.Err),
			zap.String("payload", logging.SummarizeXML(payload, 200)))
	} else {
		c.log.Debug("optional field missing",
			zap.String("context", context), zap.String("tag", tag),
			zap.String("reason", lookup.Err))
	}
	return "", false
}
