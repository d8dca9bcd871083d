package discovery

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strefethen/sonos-remote/internal/device"
	"github.com/strefethen/sonos-remote/internal/xmlscan"
)

var (
	probeClientOnce sync.Once
	probeClient     *http.Client
)

// sharedProbeClient pools connections across probes so a scan hitting the
// same household repeatedly does not churn sockets.
func sharedProbeClient(timeout time.Duration) *http.Client {
	probeClientOnce.Do(func() {
		probeClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:     (&net.Dialer{Timeout: timeout}).DialContext,
				IdleConnTimeout: 30 * time.Second,
			},
		}
	})
	return probeClient
}

// probeDescription fetches the device description document and validates
// it. A device is accepted only when it reports a non-empty room name and,
// when the field is present, a non-negative internal speaker size; anything
// else is skipped with a WARN.
func (e *Engine) probeDescription(ctx context.Context, ip string) (device.Device, bool) {
	location := "http://" + ip + ":" + strconv.Itoa(e.cfg.ProbePort) + "/xml/device_description.xml"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return device.Device{}, false
	}
	resp, err := sharedProbeClient(e.cfg.HTTPTimeout).Do(req)
	if err != nil {
		e.log.Warn("description fetch failed", zap.String("ip", ip), zap.Error(err))
		return device.Device{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.log.Warn("description fetch rejected",
			zap.String("ip", ip), zap.Int("status", resp.StatusCode))
		return device.Device{}, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		e.log.Warn("description read failed", zap.String("ip", ip), zap.Error(err))
		return device.Device{}, false
	}

	return e.validateDescription(ip, string(body))
}

func (e *Engine) validateDescription(ip, description string) (device.Device, bool) {
	room := xmlscan.FindTagValue(description, "roomName")
	if !room.OK || room.Value == "" {
		e.log.Warn("device without room name skipped", zap.String("ip", ip))
		return device.Device{}, false
	}

	if size := xmlscan.FindTagValue(description, "internalSpeakerSize"); size.OK {
		parsed, err := xmlscan.ParseInt(size.Value)
		if err != nil || parsed < 0 {
			e.log.Warn("device with invalid speaker size skipped",
				zap.String("ip", ip), zap.String("size", size.Value))
			return device.Device{}, false
		}
	}

	uuid := ""
	if udn := xmlscan.FindTagValue(description, "UDN"); udn.OK {
		uuid = strings.TrimPrefix(udn.Value, "uuid:")
	}

	return device.Device{Name: room.Value, IP: ip, UUID: uuid}, true
}
