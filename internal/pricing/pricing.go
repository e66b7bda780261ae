// Package pricing classifies generation requests into credit costs.
package pricing

import (
	"math"
	"net/url"
	"path"
	"strings"

	"genstudio/internal/domain"
)

// Still-image lanes.
const (
	LaneMain  = "main"
	LaneNiche = "niche"
)

const (
	stillMainCost  = 1
	stillNicheCost = 2

	videoShortCost      = 5
	videoLongCost       = 10
	videoLongThreshold  = 10
	referenceVideoCap   = 30
	referenceAudioCap   = 60
	referenceMinSeconds = 5
)

var (
	videoExtensions = map[string]struct{}{".mp4": {}, ".mov": {}, ".webm": {}, ".m4v": {}, ".mkv": {}, ".avi": {}}
	audioExtensions = map[string]struct{}{".mp3": {}, ".wav": {}, ".m4a": {}, ".aac": {}, ".ogg": {}, ".flac": {}, ".opus": {}}
)

// Request is the subset of inputs that drive the price.
type Request struct {
	Mode            domain.Mode
	Lane            string
	DurationSeconds int
	Reference       *domain.ReferenceTrack
}

// Quote is a classified price.
type Quote struct {
	Cost          int64
	Lane          string
	ReferenceKind string
	BilledSeconds int
}

// NormalizeLane maps unrecognized lanes onto main.
func NormalizeLane(lane string) string {
	if strings.EqualFold(strings.TrimSpace(lane), LaneNiche) {
		return LaneNiche
	}
	return LaneMain
}

// Classify prices req.
func Classify(req Request) Quote {
	if req.Mode != domain.ModeVideo {
		lane := NormalizeLane(req.Lane)
		if lane == LaneNiche {
			return Quote{Cost: stillNicheCost, Lane: lane}
		}
		return Quote{Cost: stillMainCost, Lane: lane}
	}
	if req.Reference == nil || strings.TrimSpace(req.Reference.URL) == "" {
		if req.DurationSeconds < videoLongThreshold {
			return Quote{Cost: videoShortCost}
		}
		return Quote{Cost: videoLongCost}
	}
	kind := ReferenceKind(req.Reference.Kind, req.Reference.URL)
	billed := BilledSeconds(req.Reference.Seconds, ReferenceCap(kind))
	return Quote{Cost: int64(billed), ReferenceKind: kind, BilledSeconds: billed}
}

// ReferenceKind resolves the reference track kind from the explicit field,
// then from the URL extension. Unknown extensions are treated as video.
func ReferenceKind(explicit, rawURL string) string {
	switch strings.ToLower(strings.TrimSpace(explicit)) {
	case domain.ReferenceVideo:
		return domain.ReferenceVideo
	case domain.ReferenceAudio:
		return domain.ReferenceAudio
	}
	ext := strings.ToLower(path.Ext(urlPath(rawURL)))
	if _, ok := audioExtensions[ext]; ok {
		return domain.ReferenceAudio
	}
	if _, ok := videoExtensions[ext]; ok {
		return domain.ReferenceVideo
	}
	return domain.ReferenceVideo
}

// ReferenceCap is the maximum billable length for kind.
func ReferenceCap(kind string) int {
	if kind == domain.ReferenceAudio {
		return referenceAudioCap
	}
	return referenceVideoCap
}

// BilledSeconds is clamp(ceil5(clamp(raw, 1, cap)), 5, cap).
func BilledSeconds(raw float64, limit int) int {
	if math.IsNaN(raw) || raw < 1 {
		raw = 1
	}
	if raw > float64(limit) {
		raw = float64(limit)
	}
	rounded := int(math.Ceil(raw/5)) * 5
	return clampInt(rounded, referenceMinSeconds, limit)
}

// Suggest returns a cheaper option that fits within available, if any.
func Suggest(req Request, available int64) *domain.Suggestion {
	quote := Classify(req)
	if available >= quote.Cost || available <= 0 {
		return nil
	}
	if req.Mode != domain.ModeVideo {
		if quote.Lane == LaneNiche && available >= stillMainCost {
			return &domain.Suggestion{Lane: LaneMain, Cost: stillMainCost, Note: "switch to the main lane"}
		}
		return nil
	}
	if quote.ReferenceKind == "" {
		if quote.Cost == videoLongCost && available >= videoShortCost {
			return &domain.Suggestion{DurationSeconds: videoLongThreshold - 1, Cost: videoShortCost, Note: "request a clip shorter than 10 seconds"}
		}
		return nil
	}
	if available >= referenceMinSeconds {
		seconds := int(available/5) * 5
		return &domain.Suggestion{DurationSeconds: seconds, Cost: int64(seconds), Note: "trim the reference track"}
	}
	return nil
}

func urlPath(raw string) string {
	raw = strings.TrimSpace(raw)
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return u.Path
	}
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
