package soap

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/strefethen/sonos-remote/internal/xmlscan"
)

// Group members report their track URI as a reference to the group
// coordinator instead of real media.
const coordinatorPrefix = "x-rincon:"

// maxRedirectHops bounds coordinator lookups. One hop suffices on real
// groups; the guard protects against malformed UUID chains.
const maxRedirectHops = 2

const (
	playBody = `<u:Play xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">` +
		`<InstanceID>0</InstanceID><Speed>1</Speed></u:Play>`
	pauseBody = `<u:Pause xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">` +
		`<InstanceID>0</InstanceID></u:Pause>`
	stopBody = `<u:Stop xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">` +
		`<InstanceID>0</InstanceID></u:Stop>`
	nextBody = `<u:Next xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">` +
		`<InstanceID>0</InstanceID></u:Next>`
	previousBody = `<u:Previous xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">` +
		`<InstanceID>0</InstanceID></u:Previous>`
	getPositionInfoBody = `<u:GetPositionInfo xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">` +
		`<InstanceID>0</InstanceID></u:GetPositionInfo>`
	getTransportInfoBody = `<u:GetTransportInfo xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">` +
		`<InstanceID>0</InstanceID></u:GetTransportInfo>`
	getVolumeBody = `<u:GetVolume xmlns:u="urn:schemas-upnp-org:service:RenderingControl:1">` +
		`<InstanceID>0</InstanceID><Channel>Master</Channel></u:GetVolume>`
	setVolumeBodyFmt = `<u:SetVolume xmlns:u="urn:schemas-upnp-org:service:RenderingControl:1">` +
		`<InstanceID>0</InstanceID><Channel>Master</Channel><DesiredVolume>%d</DesiredVolume></u:SetVolume>`
	setMuteBodyFmt = `<u:SetMute xmlns:u="urn:schemas-upnp-org:service:RenderingControl:1">` +
		`<InstanceID>0</InstanceID><Channel>Master</Channel><DesiredMute>%d</DesiredMute></u:SetMute>`
)

// Play starts playback on the device.
func (c *Client) Play(ctx context.Context, ip string) Result {
	result, _ := c.SendControlAction(ctx, ip, ServiceAVTransport, "Play", playBody)
	return result
}

// Pause pauses playback.
func (c *Client) Pause(ctx context.Context, ip string) Result {
	result, _ := c.SendControlAction(ctx, ip, ServiceAVTransport, "Pause", pauseBody)
	return result
}

// Stop halts playback.
func (c *Client) Stop(ctx context.Context, ip string) Result {
	result, _ := c.SendControlAction(ctx, ip, ServiceAVTransport, "Stop", stopBody)
	return result
}

// Next skips to the next track.
func (c *Client) Next(ctx context.Context, ip string) Result {
	result, _ := c.SendControlAction(ctx, ip, ServiceAVTransport, "Next", nextBody)
	return result
}

// Previous skips to the previous track.
func (c *Client) Previous(ctx context.Context, ip string) Result {
	result, _ := c.SendControlAction(ctx, ip, ServiceAVTransport, "Previous", previousBody)
	return result
}

// SetVolume sets the master volume. Out-of-range values are rejected
// before any network traffic.
func (c *Client) SetVolume(ctx context.Context, ip string, volume int) Result {
	if volume < 0 || volume > 100 {
		return InvalidParam
	}
	result, _ := c.SendControlAction(ctx, ip, ServiceRenderingControl, "SetVolume",
		fmt.Sprintf(setVolumeBodyFmt, volume))
	return result
}

// GetVolume queries the master volume. A response whose CurrentVolume is
// missing or outside [0,100] is a fault, not a transport error.
func (c *Client) GetVolume(ctx context.Context, ip string) (int, Result) {
	result, payload := c.SendControlAction(ctx, ip, ServiceRenderingControl, "GetVolume", getVolumeBody)
	if !result.OK() {
		return 0, result
	}
	raw, ok := c.getXMLValue(payload, "CurrentVolume", "GetVolume", true)
	if !ok {
		return 0, SoapFault
	}
	volume, err := xmlscan.ParseInt(raw)
	if err != nil || volume < 0 || volume > 100 {
		c.log.Error("volume out of range", zap.String("ip", ip), zap.String("value", raw))
		return 0, SoapFault
	}
	return volume, Success
}

// SetMute mutes or unmutes the master channel.
func (c *Client) SetMute(ctx context.Context, ip string, mute bool) Result {
	flag := 0
	if mute {
		flag = 1
	}
	result, _ := c.SendControlAction(ctx, ip, ServiceRenderingControl, "SetMute",
		fmt.Sprintf(setMuteBodyFmt, flag))
	return result
}

// IncreaseVolume raises the volume by step (default 5 when step <= 0),
// clamped to 100. Composed of a get followed by a set.
func (c *Client) IncreaseVolume(ctx context.Context, ip string, step int) (int, Result) {
	return c.adjustVolume(ctx, ip, normalizeStep(step))
}

// DecreaseVolume lowers the volume by step (default 5 when step <= 0),
// clamped to 0.
func (c *Client) DecreaseVolume(ctx context.Context, ip string, step int) (int, Result) {
	return c.adjustVolume(ctx, ip, -normalizeStep(step))
}

func normalizeStep(step int) int {
	if step <= 0 {
		return 5
	}
	return step
}

func (c *Client) adjustVolume(ctx context.Context, ip string, delta int) (int, Result) {
	current, result := c.GetVolume(ctx, ip)
	if !result.OK() {
		return 0, result
	}
	target := current + delta
	if target > 100 {
		target = 100
	}
	if target < 0 {
		target = 0
	}
	if target == current {
		return current, Success
	}
	if result := c.SetVolume(ctx, ip, target); !result.OK() {
		return current, result
	}
	return target, Success
}

// GetPlaybackState queries the transport state (PLAYING, PAUSED_PLAYBACK,
// STOPPED, TRANSITIONING).
func (c *Client) GetPlaybackState(ctx context.Context, ip string) (string, Result) {
	result, payload := c.SendControlAction(ctx, ip, ServiceAVTransport, "GetTransportInfo", getTransportInfoBody)
	if !result.OK() {
		return "", result
	}
	state, ok := c.getXMLValue(payload, "CurrentTransportState", "GetTransportInfo", true)
	if !ok {
		return "", SoapFault
	}
	return state, Success
}

// GetPositionInfo returns the current position and track duration in
// seconds. A missing or unparseable RelTime is a fault; a missing duration
// is tolerated as zero since radio streams report NOT_IMPLEMENTED.
func (c *Client) GetPositionInfo(ctx context.Context, ip string) (position, duration int, result Result) {
	res, payload := c.SendControlAction(ctx, ip, ServiceAVTransport, "GetPositionInfo", getPositionInfoBody)
	if !res.OK() {
		return 0, 0, res
	}
	raw, ok := c.getXMLValue(payload, "RelTime", "GetPositionInfo", true)
	if !ok {
		return 0, 0, SoapFault
	}
	position, err := xmlscan.ParseTimeToSeconds(raw)
	if err != nil {
		c.log.Error("unparseable position", zap.String("ip", ip), zap.String("value", raw))
		return 0, 0, SoapFault
	}
	if raw, ok := c.getXMLValue(payload, "TrackDuration", "GetPositionInfo", false); ok {
		if parsed, err := xmlscan.ParseTimeToSeconds(raw); err == nil {
			duration = parsed
		}
	}
	return position, duration, Success
}

// GetTrackInfo returns the current track metadata. A group member that
// reports its URI as a coordinator reference triggers a follow-up query
// against the coordinator's IP, resolved through the device registry by
// partial UUID match.
func (c *Client) GetTrackInfo(ctx context.Context, ip string) (TrackInfo, Result) {
	info := TrackInfo{Title: "Unknown Title", Artist: "Unknown Artist"}

	queryIP := ip
	for hop := 0; hop <= maxRedirectHops; hop++ {
		result, payload := c.SendControlAction(ctx, queryIP, ServiceAVTransport, "GetPositionInfo", getPositionInfoBody)
		if !result.OK() {
			return info, result
		}

		trackURI, _ := c.getXMLValue(payload, "TrackURI", "GetTrackInfo", false)
		if strings.HasPrefix(trackURI, coordinatorPrefix) {
			fragment := strings.TrimPrefix(trackURI, coordinatorPrefix)
			if c.resolver == nil {
				return info, InvalidDevice
			}
			coordinator, ok := c.resolver.ResolveCoordinator(fragment)
			if !ok {
				c.log.Warn("coordinator not found",
					zap.String("ip", queryIP), zap.String("fragment", fragment))
				return info, InvalidDevice
			}
			c.log.Debug("following coordinator redirect",
				zap.String("from", queryIP), zap.String("to", coordinator.IP))
			queryIP = coordinator.IP
			continue
		}

		c.decodeTrackMetadata(payload, queryIP, &info)
		return info, Success
	}

	c.log.Warn("coordinator redirect chain too long", zap.String("ip", ip))
	return info, InvalidDevice
}

// decodeTrackMetadata fills info from a GetPositionInfo response. The
// TrackMetaData field carries an entity-encoded DIDL-Lite document which
// the extractor has already decoded by the time we read its value.
func (c *Client) decodeTrackMetadata(payload, deviceIP string, info *TrackInfo) {
	if raw, ok := c.getXMLValue(payload, "TrackDuration", "GetTrackInfo", false); ok {
		if duration, err := xmlscan.ParseTimeToSeconds(raw); err == nil {
			info.Duration = duration
		}
	}

	metadata, ok := c.getXMLValue(payload, "TrackMetaData", "GetTrackInfo", false)
	if !ok || metadata == "" || metadata == "NOT_IMPLEMENTED" {
		return
	}

	if title, ok := c.getXMLValue(metadata, "title", "TrackMetaData", false); ok && title != "" {
		info.Title = title
	}
	if artist, ok := c.getXMLValue(metadata, "creator", "TrackMetaData", false); ok && artist != "" {
		info.Artist = artist
	}
	if album, ok := c.getXMLValue(metadata, "album", "TrackMetaData", false); ok && album != "" {
		info.Album = album
	}

	// Radio streams carry "Artist - Title" in streamContent instead of
	// explicit metadata tags.
	if info.Title == "Unknown Title" {
		if stream, ok := c.getXMLValue(metadata, "streamContent", "TrackMetaData", false); ok && stream != "" {
			if artist, title, found := strings.Cut(stream, " - "); found {
				info.Artist = strings.TrimSpace(artist)
				info.Title = strings.TrimSpace(title)
			} else {
				info.Title = strings.TrimSpace(stream)
			}
		}
	}

	if art, ok := c.getXMLValue(metadata, "albumArtURI", "TrackMetaData", false); ok && art != "" {
		info.AlbumArtURL = AbsoluteArtURL(art, deviceIP)
	}
}

// AbsoluteArtURL rewrites a relative album-art path to an absolute URL
// against the device's control port. Already-absolute URLs pass through.
func AbsoluteArtURL(art, deviceIP string) string {
	art = xmlscan.DecodeEntities(strings.TrimSpace(art))
	if strings.HasPrefix(art, "/") {
		return fmt.Sprintf("http://%s:1400%s", deviceIP, art)
	}
	return art
}
