// Package media holds the local capture handle attached to every peer link
// and the per-participant remote stream state.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var ErrReleased = errors.New("media: local media released")

// Source acquires the local capture handle for one join.
type Source interface {
	Acquire(ctx context.Context) (*Local, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Local, error)

func (f SourceFunc) Acquire(ctx context.Context) (*Local, error) { return f(ctx) }

// Local is the capture handle shared read-only by every peer link created
// during one join. Release is idempotent.
type Local struct {
	streamID string
	tracks   []*webrtc.TrackLocalStaticSample
	onClose  func()

	once sync.Once
	done chan struct{}
}

// NewLocal wraps already-created tracks. onRelease, if set, runs once on
// Release.
func NewLocal(streamID string, tracks []*webrtc.TrackLocalStaticSample, onRelease func()) *Local {
	return &Local{
		streamID: streamID,
		tracks:   tracks,
		onClose:  onRelease,
		done:     make(chan struct{}),
	}
}

func (l *Local) StreamID() string { return l.streamID }

// Tracks returns the tracks to attach to a new peer link.
func (l *Local) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(l.tracks))
	for _, t := range l.tracks {
		out = append(out, t)
	}
	return out
}

// WriteSample feeds one encoded frame to the first track of the given kind.
func (l *Local) WriteSample(kind webrtc.RTPCodecType, s pionmedia.Sample) error {
	select {
	case <-l.done:
		return ErrReleased
	default:
	}
	for _, t := range l.tracks {
		if t.Kind() == kind {
			return t.WriteSample(s)
		}
	}
	return fmt.Errorf("media: no %s track", kind)
}

// Done is closed once the handle is released.
func (l *Local) Done() <-chan struct{} { return l.done }

func (l *Local) Released() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Local) Release() {
	l.once.Do(func() {
		close(l.done)
		if l.onClose != nil {
			l.onClose()
		}
	})
}

// opusSilence is a single Opus frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrame = 20 * time.Millisecond

// TrackSource creates sample-fed tracks for a headless participant. Frames are
// written by the host through Local.WriteSample; with Silence set, the audio
// track is kept alive with Opus silence until release.
type TrackSource struct {
	Audio      bool
	Video      bool
	AudioCodec webrtc.RTPCodecCapability
	VideoCodec webrtc.RTPCodecCapability
	Silence    bool
	Logger     *slog.Logger
}

// NewTrackSource returns a source producing an Opus audio track and a VP8
// video track.
func NewTrackSource(logger *slog.Logger) *TrackSource {
	return &TrackSource{
		Audio:      true,
		Video:      true,
		AudioCodec: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		VideoCodec: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		Logger:     logger,
	}
}

func (s *TrackSource) Acquire(ctx context.Context) (*Local, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.Audio && !s.Video {
		return nil, errors.New("media: no track kinds enabled")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	streamID := uuid.NewString()
	var tracks []*webrtc.TrackLocalStaticSample
	if s.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(s.AudioCodec, "audio-"+streamID, streamID)
		if err != nil {
			return nil, fmt.Errorf("media: new audio track: %w", err)
		}
		tracks = append(tracks, t)
	}
	if s.Video {
		t, err := webrtc.NewTrackLocalStaticSample(s.VideoCodec, "video-"+streamID, streamID)
		if err != nil {
			return nil, fmt.Errorf("media: new video track: %w", err)
		}
		tracks = append(tracks, t)
	}

	local := NewLocal(streamID, tracks, func() {
		logger.Debug("local media released", "stream_id", streamID)
	})
	if s.Silence && s.Audio {
		go feedSilence(local, logger)
	}
	logger.Info("local media acquired", "stream_id", streamID, "tracks", len(tracks))
	return local, nil
}

func feedSilence(l *Local, logger *slog.Logger) {
	ticker := time.NewTicker(silenceFrame)
	defer ticker.Stop()
	for {
		select {
		case <-l.Done():
			return
		case <-ticker.C:
			err := l.WriteSample(webrtc.RTPCodecTypeAudio, pionmedia.Sample{Data: opusSilence, Duration: silenceFrame})
			if errors.Is(err, ErrReleased) {
				return
			}
			if err != nil {
				logger.Debug("write silence frame", "err", err)
			}
		}
	}
}
