package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"genstudio/internal/domain"
)

func TestStillLanes(t *testing.T) {
	assert.Equal(t, int64(2), Classify(Request{Mode: domain.ModeStill, Lane: "niche"}).Cost)
	assert.Equal(t, int64(1), Classify(Request{Mode: domain.ModeStill, Lane: "main"}).Cost)
	assert.Equal(t, int64(1), Classify(Request{Mode: domain.ModeStill, Lane: "premium"}).Cost)
	assert.Equal(t, LaneMain, Classify(Request{Mode: domain.ModeStill}).Lane)
}

func TestVideoWithoutReference(t *testing.T) {
	assert.Equal(t, int64(5), Classify(Request{Mode: domain.ModeVideo, DurationSeconds: 9}).Cost)
	assert.Equal(t, int64(10), Classify(Request{Mode: domain.ModeVideo, DurationSeconds: 10}).Cost)
	assert.Equal(t, int64(5), Classify(Request{Mode: domain.ModeVideo}).Cost)
}

func TestReferenceTrackBilling(t *testing.T) {
	cases := []struct {
		name    string
		ref     domain.ReferenceTrack
		cost    int64
		kind    string
		seconds int
	}{
		{"video 7s", domain.ReferenceTrack{URL: "https://cdn/x.mp4", Seconds: 7}, 10, domain.ReferenceVideo, 10},
		{"video 32s clamps to cap", domain.ReferenceTrack{URL: "https://cdn/x.mp4", Seconds: 32}, 30, domain.ReferenceVideo, 30},
		{"audio 3s", domain.ReferenceTrack{URL: "https://cdn/x.mp3", Seconds: 3}, 5, domain.ReferenceAudio, 5},
		{"audio 58s", domain.ReferenceTrack{URL: "https://cdn/x.wav?sig=1", Seconds: 58}, 60, domain.ReferenceAudio, 60},
		{"audio 90s", domain.ReferenceTrack{URL: "https://cdn/x.wav", Seconds: 90}, 60, domain.ReferenceAudio, 60},
		{"explicit kind wins", domain.ReferenceTrack{URL: "https://cdn/x.mp4", Kind: "audio", Seconds: 45}, 45, domain.ReferenceAudio, 45},
		{"zero seconds", domain.ReferenceTrack{URL: "https://cdn/clip", Seconds: 0}, 5, domain.ReferenceVideo, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := Classify(Request{Mode: domain.ModeVideo, DurationSeconds: 5, Reference: &tc.ref})
			assert.Equal(t, tc.cost, q.Cost)
			assert.Equal(t, tc.kind, q.ReferenceKind)
			assert.Equal(t, tc.seconds, q.BilledSeconds)
		})
	}
}

func TestReferenceKindSniffing(t *testing.T) {
	assert.Equal(t, domain.ReferenceAudio, ReferenceKind("", "https://cdn/a/track.M4A"))
	assert.Equal(t, domain.ReferenceVideo, ReferenceKind("", "https://cdn/a/track.webm#t=1"))
	assert.Equal(t, domain.ReferenceVideo, ReferenceKind("bogus", "https://cdn/a/track"))
	assert.Equal(t, domain.ReferenceVideo, ReferenceKind("VIDEO", "https://cdn/a/track.mp3"))
}

func TestSuggest(t *testing.T) {
	s := Suggest(Request{Mode: domain.ModeStill, Lane: "niche"}, 1)
	if assert.NotNil(t, s) {
		assert.Equal(t, LaneMain, s.Lane)
		assert.Equal(t, int64(1), s.Cost)
	}
	assert.Nil(t, Suggest(Request{Mode: domain.ModeStill, Lane: "main"}, 0))

	s = Suggest(Request{Mode: domain.ModeVideo, DurationSeconds: 12}, 7)
	if assert.NotNil(t, s) {
		assert.Equal(t, int64(5), s.Cost)
		assert.Less(t, s.DurationSeconds, 10)
	}

	s = Suggest(Request{Mode: domain.ModeVideo, Reference: &domain.ReferenceTrack{URL: "x.mp4", Seconds: 30}}, 17)
	if assert.NotNil(t, s) {
		assert.Equal(t, int64(15), s.Cost)
	}
	assert.Nil(t, Suggest(Request{Mode: domain.ModeVideo}, 5))
}
