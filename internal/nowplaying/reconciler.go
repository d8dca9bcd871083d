// Package nowplaying reconciles three views of a speaker's playback state:
// polled SOAP queries, pushed LastChange events and a local extrapolation
// clock. Polls overwrite the model atomically; events merge sparsely; the
// clock advances position between authoritative syncs.
package nowplaying

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strefethen/sonos-remote/internal/soap"
	"github.com/strefethen/sonos-remote/internal/xmlscan"
)

// TrackData is the reconciled playback model the UI renders each frame.
type TrackData struct {
	Title         string `json:"title"`
	Artist        string `json:"artist"`
	Album         string `json:"album"`
	AlbumArtURL   string `json:"albumArtUrl"`
	Position      int    `json:"position"` // seconds
	Duration      int    `json:"duration"` // seconds, 0 when unknown
	Volume        int    `json:"volume"`
	PlaybackState string `json:"playbackState"`
}

// progressing reports whether the transport state advances position.
func progressing(state string) bool {
	return state == "PLAYING" || state == "TRANSITIONING"
}

// Querier is the slice of the control client the reconciler polls through.
type Querier interface {
	GetTrackInfo(ctx context.Context, ip string) (soap.TrackInfo, soap.Result)
	GetPositionInfo(ctx context.Context, ip string) (position, duration int, result soap.Result)
	GetPlaybackState(ctx context.Context, ip string) (string, soap.Result)
	GetVolume(ctx context.Context, ip string) (int, soap.Result)
}

// Reconciler owns one TrackData for the currently selected speaker. Not
// safe for concurrent use; the run loop owns it.
type Reconciler struct {
	client Querier
	log    *zap.Logger

	data        TrackData
	lastTick    time.Time
	tickedOnce  bool
	remainderMs int64

	now func() time.Time
}

// NewReconciler creates an empty reconciler.
func NewReconciler(client Querier, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		client: client,
		log:    log,
		now:    time.Now,
	}
}

// Track returns a copy of the current model.
func (r *Reconciler) Track() TrackData {
	return r.data
}

// SetVolume records a volume the caller has just confirmed on the device,
// so the model does not lag behind an accepted command.
func (r *Reconciler) SetVolume(volume int) {
	if volume >= 0 && volume <= 100 {
		r.data.Volume = volume
	}
}

// Reset discards all state, used when the selected device changes.
func (r *Reconciler) Reset() {
	r.data = TrackData{}
	r.tickedOnce = false
	r.remainderMs = 0
}

// PollFull refreshes every field from the device. The model is only
// committed when all four queries succeed, so a partial failure never
// leaves a half-updated view. The extrapolation clock restarts from the
// polled position.
func (r *Reconciler) PollFull(ctx context.Context, ip string) soap.Result {
	info, result := r.client.GetTrackInfo(ctx, ip)
	if !result.OK() {
		return result
	}
	position, duration, result := r.client.GetPositionInfo(ctx, ip)
	if !result.OK() {
		return result
	}
	state, result := r.client.GetPlaybackState(ctx, ip)
	if !result.OK() {
		return result
	}
	volume, result := r.client.GetVolume(ctx, ip)
	if !result.OK() {
		return result
	}

	if duration == 0 {
		duration = info.Duration
	}
	r.data = TrackData{
		Title:         info.Title,
		Artist:        info.Artist,
		Album:         info.Album,
		AlbumArtURL:   info.AlbumArtURL,
		Position:      position,
		Duration:      duration,
		Volume:        volume,
		PlaybackState: state,
	}
	r.resetClock()
	r.log.Debug("full poll applied",
		zap.String("title", r.data.Title), zap.Int("position", position),
		zap.String("state", state))
	return soap.Success
}

// PollPosition refreshes only position (and optionally duration) to correct
// extrapolation drift without touching metadata or volume.
func (r *Reconciler) PollPosition(ctx context.Context, ip string, refreshDuration bool) soap.Result {
	position, duration, result := r.client.GetPositionInfo(ctx, ip)
	if !result.OK() {
		return result
	}
	r.data.Position = position
	if refreshDuration && duration > 0 {
		r.data.Duration = duration
	}
	r.resetClock()
	return soap.Success
}

// Tick advances position by wall-clock time while the transport is in a
// progressing state. Sub-second elapsed time accumulates in a remainder so
// repeated short ticks lose nothing; whole seconds move into position,
// clamped to the track duration when known.
func (r *Reconciler) Tick() {
	now := r.now()
	if !r.tickedOnce {
		r.lastTick = now
		r.tickedOnce = true
		return
	}
	elapsed := now.Sub(r.lastTick).Milliseconds()
	r.lastTick = now
	if elapsed <= 0 {
		return
	}

	if !progressing(r.data.PlaybackState) {
		// Paused or stopped: time passes but position must not.
		return
	}

	r.remainderMs += elapsed
	if r.remainderMs < 1000 {
		return
	}
	r.data.Position += int(r.remainderMs / 1000)
	r.remainderMs %= 1000
	if r.data.Duration > 0 && r.data.Position > r.data.Duration {
		r.data.Position = r.data.Duration
	}
}

// ApplyEvent merges one NOTIFY body into the model. Every field is
// extracted independently and tolerantly; anything absent from the event
// leaves the current value alone. A title change marks a new track and
// resets the position clock.
func (r *Reconciler) ApplyEvent(sourceIP, body string) {
	content := eventContent(body)
	if content == "" {
		r.log.Debug("notification without event payload",
			zap.String("from", sourceIP))
		return
	}

	if state := xmlscan.FindAttributeValue(content, "TransportState", "val"); state.OK && state.Value != "" {
		r.data.PlaybackState = state.Value
	}

	if raw, ok := masterVolume(content); ok {
		if volume, err := xmlscan.ParseInt(raw); err == nil && volume >= 0 && volume <= 100 {
			r.data.Volume = volume
		}
	}

	if raw, ok := firstAttribute(content, []string{"RelTime", "RelativeTimePosition"}, "val"); ok {
		if position, err := xmlscan.ParseTimeToSeconds(raw); err == nil {
			r.data.Position = position
			r.remainderMs = 0
		}
	}
	if raw, ok := firstAttribute(content, []string{"TrackDuration", "CurrentTrackDuration"}, "val"); ok {
		if duration, err := xmlscan.ParseTimeToSeconds(raw); err == nil && duration > 0 {
			r.data.Duration = duration
		}
	}

	r.applyMetadata(content, sourceIP)
}

func (r *Reconciler) applyMetadata(content, sourceIP string) {
	metadata, ok := firstAttribute(content, []string{"CurrentTrackMetaData", "TrackMetaData"}, "val")
	if !ok || metadata == "" || metadata == "NOT_IMPLEMENTED" {
		return
	}

	title := ""
	artist := ""
	if lookup := xmlscan.FindTagValue(metadata, "title"); lookup.OK && lookup.Value != "" {
		title = lookup.Value
	}
	if lookup := xmlscan.FindTagValue(metadata, "creator"); lookup.OK && lookup.Value != "" {
		artist = lookup.Value
	}

	// Radio streams pack "Artist - Title" into streamContent.
	if title == "" {
		if lookup := xmlscan.FindTagValue(metadata, "streamContent"); lookup.OK && lookup.Value != "" {
			if a, t, found := strings.Cut(lookup.Value, " - "); found {
				artist = strings.TrimSpace(a)
				title = strings.TrimSpace(t)
			} else {
				title = strings.TrimSpace(lookup.Value)
			}
		}
	}

	if title != "" && title != r.data.Title {
		// New track: position restarts even if this event also carried a
		// stale RelTime for the previous track.
		r.log.Debug("track changed",
			zap.String("from", r.data.Title), zap.String("to", title))
		r.data.Title = title
		r.data.Position = 0
		r.remainderMs = 0
	}
	if artist != "" {
		r.data.Artist = artist
	}
	if lookup := xmlscan.FindTagValue(metadata, "album"); lookup.OK && lookup.Value != "" {
		r.data.Album = lookup.Value
	}
	if lookup := xmlscan.FindTagValue(metadata, "albumArtURI"); lookup.OK && lookup.Value != "" {
		r.data.AlbumArtURL = soap.AbsoluteArtURL(lookup.Value, sourceIP)
	}
}

func (r *Reconciler) resetClock() {
	r.lastTick = r.now()
	r.tickedOnce = true
	r.remainderMs = 0
}

// eventContent extracts the LastChange fragment from a NOTIFY body. Some
// senders omit the LastChange wrapper but still carry an <Event> document;
// in that case the whole body is treated as the event.
func eventContent(body string) string {
	if lookup := xmlscan.FindTagValue(body, "LastChange"); lookup.OK && lookup.Value != "" {
		return lookup.Value
	}
	if strings.Contains(body, "<Event") {
		return body
	}
	return ""
}

// masterVolume returns the val attribute of the Master-channel Volume tag,
// falling back to the first bare Volume tag when no channel is scoped.
func masterVolume(content string) (string, bool) {
	search := content
	offset := 0
	for {
		i := strings.Index(search, "<Volume")
		if i < 0 {
			break
		}
		end := strings.IndexByte(search[i:], '>')
		if end < 0 {
			break
		}
		tag := search[i : i+end+1]
		channel := xmlscan.FindAttributeValue(tag+"</Volume>", "Volume", "channel")
		if channel.OK && channel.Value == "Master" {
			if val := xmlscan.FindAttributeValue(tag+"</Volume>", "Volume", "val"); val.OK {
				return val.Value, true
			}
		}
		offset += i + end + 1
		search = content[offset:]
	}

	if val := xmlscan.FindAttributeValue(content, "Volume", "val"); val.OK {
		return val.Value, true
	}
	return "", false
}

// firstAttribute tries each tag-name alias in priority order.
func firstAttribute(content string, tags []string, attribute string) (string, bool) {
	for _, tag := range tags {
		if lookup := xmlscan.FindAttributeValue(content, tag, attribute); lookup.OK {
			return lookup.Value, true
		}
	}
	return "", false
}
