// Package viewer renders the room on the console and optionally records
// the video of every remote participant.
package viewer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"meeting_room/native/internal/domain"
	"meeting_room/native/internal/media"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// RecordFunc copies a remote track into w until the track ends.
type RecordFunc func(track media.RemoteTrack, w io.Writer) error

// Viewer implements domain.View.
type Viewer struct {
	recordDir string
	record    RecordFunc
	create    func(path string) (io.WriteCloser, error)

	mu        sync.Mutex
	names     []string
	recording map[string]struct{}
	wg        conc.WaitGroup
}

// New creates a Viewer. With a non-empty recordDir, every bound remote
// video track is written to a file in that directory.
func New(recordDir string) *Viewer {
	return &Viewer{
		recordDir: recordDir,
		record:    media.Record,
		create: func(path string) (io.WriteCloser, error) {
			return os.Create(path)
		},
		recording: make(map[string]struct{}),
	}
}

func (v *Viewer) OnParticipantsChanged(participants []domain.Participant) {
	names := make([]string, 0, len(participants))
	for _, p := range participants {
		label := p.DisplayName()
		if !p.HasStream() {
			label += " (connecting)"
		}
		names = append(names, label)
		if p.HasStream() && !p.Local {
			v.startRecording(p)
		}
	}

	v.mu.Lock()
	v.names = names
	v.mu.Unlock()

	log.Info().Str("module", "viewer").Int("count", len(names)).Strs("participants", names).Msg("participants changed")
}

func (v *Viewer) OnLocalStreamReady(stream *media.Stream) {
	log.Info().
		Str("module", "viewer").
		Str("stream", stream.ID()).
		Int("video", len(stream.Video())).
		Int("audio", len(stream.Audio())).
		Msg("local stream ready")
}

func (v *Viewer) OnNotification(kind string, payload any) {
	switch p := payload.(type) {
	case domain.Wave:
		log.Info().Str("module", "viewer").Str("from", p.Username).Msg("👋 wave")
	case domain.SpeakingState:
		log.Debug().Str("module", "viewer").Str("user", p.Username).Bool("speaking", p.IsSpeaking).Msg("speaking")
	default:
		log.Info().Str("module", "viewer").Str("kind", kind).Interface("payload", payload).Msg("notification")
	}
}

// Participants returns the labels of the last rendered participant list.
func (v *Viewer) Participants() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.names...)
}

// startRecording records each video track of p once.
func (v *Viewer) startRecording(p domain.Participant) {
	if v.recordDir == "" {
		return
	}
	for _, t := range p.Stream.Video() {
		remote, ok := t.(media.RemoteTrack)
		if !ok {
			continue
		}

		v.mu.Lock()
		_, seen := v.recording[remote.ID()]
		v.recording[remote.ID()] = struct{}{}
		v.mu.Unlock()
		if seen {
			continue
		}

		path := filepath.Join(v.recordDir, fileName(p, remote))
		v.wg.Go(func() {
			if err := v.recordTo(remote, path); err != nil {
				log.Warn().Str("module", "viewer").Str("file", path).Err(err).Msg("recording stopped")
			}
		})
	}
}

func (v *Viewer) recordTo(track media.RemoteTrack, path string) error {
	f, err := v.create(path)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	defer f.Close()

	log.Info().Str("module", "viewer").Str("file", path).Msg("recording")
	return v.record(track, f)
}

// Wait blocks until every recording has ended.
func (v *Viewer) Wait() {
	v.wg.Wait()
}

func fileName(p domain.Participant, track media.RemoteTrack) string {
	ext := ".ivf"
	if strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeH264) {
		ext = ".h264"
	}
	name := strings.NewReplacer("/", "_", " ", "_", "'", "").Replace(p.DisplayName())
	return name + "-" + track.ID() + ext
}
