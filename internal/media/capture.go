package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const (
	oggPageDuration = 20 * time.Millisecond
	opusClockRate   = 48000
)

// FileCapture plays media files as if they were capture devices. Video
// files must be IVF (VP8, VP9 or AV1), audio files Ogg/Opus. The end of the
// video file is the capture's natural end.
type FileCapture struct {
	VideoPath   string
	AudioPath   string
	DisplayPath string
}

// UserStream opens the camera and microphone substitutes. Either path may
// be empty; with both empty the stream carries no tracks.
func (c *FileCapture) UserStream(ctx context.Context) (LocalStream, error) {
	s, err := openFileStream(ctx, c.VideoPath, c.AudioPath)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DisplayStream opens the display capture substitute.
func (c *FileCapture) DisplayStream(ctx context.Context) (LocalStream, error) {
	if c.DisplayPath == "" {
		return nil, errors.New("no display source configured")
	}
	s, err := openFileStream(ctx, c.DisplayPath, "")
	if err != nil {
		return nil, err
	}
	return s, nil
}

type fileStream struct {
	preview *Stream
	tracks  []webrtc.TrackLocal

	cancel context.CancelFunc
	ended  chan struct{}
	once   sync.Once
}

func openFileStream(ctx context.Context, videoPath, audioPath string) (*fileStream, error) {
	streamID := uuid.NewString()
	playCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s := &fileStream{cancel: cancel, ended: make(chan struct{})}
	var players []func()
	var previews []Track

	if videoPath != "" {
		f, err := os.Open(videoPath)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open video: %w", err)
		}
		reader, header, err := ivfreader.NewWith(f)
		if err != nil {
			f.Close()
			cancel()
			return nil, fmt.Errorf("read ivf header: %w", err)
		}
		mime, err := ivfMimeType(header.FourCC)
		if err != nil {
			f.Close()
			cancel()
			return nil, err
		}
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000},
			"video-"+uuid.NewString(), streamID,
		)
		if err != nil {
			f.Close()
			cancel()
			return nil, fmt.Errorf("create video track: %w", err)
		}
		s.tracks = append(s.tracks, track)
		previews = append(previews, track)
		players = append(players, func() {
			defer f.Close()
			if err := playIVF(playCtx, reader, header, track); err != nil {
				log.Warn().Str("module", "media").Str("file", videoPath).Err(err).Msg("video playback stopped")
			}
		})
	}

	if audioPath != "" {
		f, err := os.Open(audioPath)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open audio: %w", err)
		}
		reader, _, err := oggreader.NewWith(f)
		if err != nil {
			f.Close()
			cancel()
			return nil, fmt.Errorf("read ogg header: %w", err)
		}
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
			"audio-"+uuid.NewString(), streamID,
		)
		if err != nil {
			f.Close()
			cancel()
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		s.tracks = append(s.tracks, track)
		previews = append(previews, track)
		players = append(players, func() {
			defer f.Close()
			if err := playOgg(playCtx, reader, track); err != nil {
				log.Warn().Str("module", "media").Str("file", audioPath).Err(err).Msg("audio playback stopped")
			}
		})
	}

	s.preview = NewStream(streamID, previews...)

	// The first player is the video when present; its end ends the capture.
	var wg conc.WaitGroup
	for i, play := range players {
		if i == 0 {
			wg.Go(func() {
				play()
				s.Stop()
			})
			continue
		}
		wg.Go(play)
	}
	if len(players) > 0 {
		go func() {
			wg.Wait()
			s.Stop()
		}()
	}

	log.Info().Str("module", "media").Str("stream", streamID).Int("tracks", len(s.tracks)).Msg("file capture started")
	return s, nil
}

func (s *fileStream) Preview() *Stream { return s.preview }

func (s *fileStream) LocalTracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *fileStream) Ended() <-chan struct{} { return s.ended }

func (s *fileStream) Stop() {
	s.once.Do(func() {
		s.cancel()
		close(s.ended)
	})
}

func ivfMimeType(fourCC string) (string, error) {
	switch fourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	default:
		return "", fmt.Errorf("unsupported ivf codec %q", fourCC)
	}
}

func playIVF(ctx context.Context, reader *ivfreader.IVFReader, header *ivfreader.IVFFileHeader, track *webrtc.TrackLocalStaticSample) error {
	frameDuration := 33 * time.Millisecond
	if header.TimebaseDenominator != 0 {
		frameDuration = time.Duration(float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator)*1000) * time.Millisecond
	}
	if frameDuration <= 0 {
		frameDuration = 33 * time.Millisecond
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse ivf frame: %w", err)
		}
		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("write video sample: %w", err)
		}
	}
}

func playOgg(ctx context.Context, reader *oggreader.OggReader, track *webrtc.TrackLocalStaticSample) error {
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse ogg page: %w", err)
		}

		samples := float64(header.GranulePosition - lastGranule)
		lastGranule = header.GranulePosition
		duration := time.Duration(samples/opusClockRate*1000) * time.Millisecond

		if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("write audio sample: %w", err)
		}
	}
}
