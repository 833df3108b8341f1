package media

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/rs/zerolog/log"
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// Record copies a remote video track into w until the track ends.
// H264 is written as a raw Annex-B stream, VP8 as IVF.
func Record(track RemoteTrack, w io.Writer) error {
	mime := track.Codec().MimeType
	log.Info().Str("module", "media").Str("track", track.ID()).Str("codec", mime).Msg("recording track")

	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeH264):
		return recordH264(track, w)
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		return recordVP8(track, w)
	default:
		return fmt.Errorf("record %s: unsupported codec %s", track.ID(), mime)
	}
}

func recordH264(track RemoteTrack, w io.Writer) error {
	depack := NewH264Depacketizer()
	for {
		pkt, err := readPacket(track)
		if err != nil {
			return err
		}
		if pkt == nil {
			return nil
		}
		for _, nalu := range depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
			if len(nalu) == 0 {
				continue
			}
			if _, err := w.Write(annexBStartCode); err != nil {
				return fmt.Errorf("write start code: %w", err)
			}
			if _, err := w.Write(nalu); err != nil {
				return fmt.Errorf("write nalu: %w", err)
			}
		}
	}
}

func recordVP8(track RemoteTrack, w io.Writer) error {
	iw, err := ivfwriter.NewWith(w)
	if err != nil {
		return fmt.Errorf("create ivf writer: %w", err)
	}
	defer iw.Close()

	for {
		pkt, err := readPacket(track)
		if err != nil {
			return err
		}
		if pkt == nil {
			return nil
		}
		if err := iw.WriteRTP(pkt); err != nil {
			return fmt.Errorf("write ivf frame: %w", err)
		}
	}
}

// readPacket returns a nil packet once the track has ended cleanly.
func readPacket(track RemoteTrack) (*rtp.Packet, error) {
	pkt, _, err := track.ReadRTP()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rtp: %w", err)
	}
	return pkt, nil
}
