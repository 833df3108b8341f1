package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meeting_room/native/internal/acquire"
	"meeting_room/native/internal/api"
	"meeting_room/native/internal/config"
	"meeting_room/native/internal/domain"
	"meeting_room/native/internal/media"
	"meeting_room/native/internal/registry"
	"meeting_room/native/internal/retry"
	"meeting_room/native/internal/room"
	"meeting_room/native/internal/screenshare"
	"meeting_room/native/internal/sfu"
	sigclient "meeting_room/native/internal/signal"
	"meeting_room/native/internal/viewer"
	"meeting_room/native/internal/webrtc"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const longHelp = `meetclient joins a meeting room whose media is routed through a
Cloudflare Calls SFU. Media files stand in for the camera, microphone and
display: video must be IVF (VP8, VP9 or AV1), audio Ogg/Opus.

Every option may also be given as an environment variable prefixed with
MEETCLIENT_ (e.g. MEETCLIENT_ROOM), in a .env file, or in config.yaml.

Examples:
  # Join with a looping test pattern and a tone
  meetclient --room demo --username bob --video test.ivf --audio tone.ogg

  # Share a recording of the display and record everyone else
  meetclient --room demo --username bob --share screen.ivf --record ./out
`

var configFile string

var rootCmd = &cobra.Command{
	Use:   "meetclient",
	Short: "Join an SFU meeting room from the command line",
	Long:  longHelp,
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.String("room", "", "meeting room to join")
	f.String("username", "", "name shown to other participants")
	f.String("api", "", "meeting service base URL")
	f.String("video", "", "IVF file played as the camera")
	f.String("audio", "", "Ogg/Opus file played as the microphone")
	f.String("share", "", "IVF file shared as the screen after joining")
	f.String("record", "", "directory to record remote video into")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.StringVar(&configFile, "config", "", "config file (default ./config.yaml)")
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		log.Error().Str("module", "main").Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags(), configFile)
	if err != nil {
		return err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	directory := api.NewClient(cfg.APIBase, nil)

	creds := domain.Credentials{AppID: cfg.SFUAppID, Token: cfg.SFUToken}
	if !cfg.HasSFUCredentials() {
		creds, err = directory.Credentials(ctx)
		if err != nil {
			return fmt.Errorf("fetch SFU credentials: %w", err)
		}
	}
	sfuClient := sfu.NewClient(cfg.SFUBase, creds.AppID, creds.Token, nil)

	rtcOpts := webrtc.DefaultOptions()
	if len(cfg.ICEServers) > 0 {
		rtcOpts.ICEServers = cfg.ICEServers
	}
	rtcAPI, err := webrtc.NewAPI(rtcOpts)
	if err != nil {
		return fmt.Errorf("create webrtc api: %w", err)
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.Attempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	negotiator := webrtc.NewNegotiator(sfuClient, rtcAPI.NewPeerConnection, webrtc.NegotiatorOptions{
		Policy:         policy,
		GatherTimeout:  cfg.Timeout.Gather,
		ConnectTimeout: cfg.Timeout.Connect,
		StableTimeout:  cfg.Timeout.Stable,
	})

	reg := registry.New(cfg.Username)
	capture := &media.FileCapture{
		VideoPath:   cfg.Video,
		AudioPath:   cfg.Audio,
		DisplayPath: cfg.Share,
	}
	view := viewer.New(cfg.Record)

	roomCfg := room.Config{
		RoomID:    cfg.Room,
		Username:  cfg.Username,
		Registry:  reg,
		Directory: directory,
		SFU:       sfuClient,
		Capture:   capture,
		View:      view,
		Connect: func(ctx context.Context, id domain.SessionID, stream media.LocalStream) (room.Primary, error) {
			s, err := negotiator.Establish(ctx, id, stream)
			if err != nil {
				return nil, err
			}
			return webrtc.NewLink(negotiator, s), nil
		},
		Acquire: acquire.Options{
			Policy:         policy,
			ReceiveTimeout: cfg.Timeout.Receive,
		},
		OrphanGrace:   cfg.Timeout.OrphanGrace,
		JoinedDelay:   cfg.Timeout.JoinedDelay,
		NotReadyDelay: cfg.Timeout.NotReadyDelay,
	}

	var screen *screenshare.Manager
	var rm *room.Room
	if cfg.Share != "" {
		screen = screenshare.NewManager(screenshare.Config{
			RoomID:    cfg.Room,
			Username:  cfg.Username,
			Registry:  reg,
			Directory: directory,
			Capture:   capture,
			Establish: func(ctx context.Context, id domain.SessionID, stream media.LocalStream) (screenshare.Session, error) {
				s, err := negotiator.Establish(ctx, id, stream)
				if err != nil {
					return nil, err
				}
				return s, nil
			},
			Announcer: announcer{&rm},
			View:      view,
		})
		roomCfg.Screen = screen
	}
	rm = room.New(roomCfg)

	wsURL, err := sigclient.URL(cfg.APIBase, cfg.Room, cfg.Username)
	if err != nil {
		return fmt.Errorf("signal url: %w", err)
	}
	sc := sigclient.NewClient(wsURL, cfg.Username, rm, sigclient.Options{
		HandshakeTimeout:  cfg.Signal.HandshakeTimeout,
		PingInterval:      cfg.Signal.PingInterval,
		PongWait:          cfg.Signal.PongWait,
		ReconnectDelay:    cfg.Signal.ReconnectDelay,
		ReconnectAttempts: cfg.Signal.ReconnectAttempts,
	})
	rm.SetSignaler(sc)

	log.Info().Str("module", "main").Str("room", cfg.Room).Str("username", cfg.Username).Msg("joining")
	if err := rm.Join(ctx); err != nil {
		return fmt.Errorf("enter room: %w", err)
	}

	if screen != nil {
		if err := rm.StartScreenShare(ctx); err != nil {
			if !errors.Is(err, screenshare.ErrShareInProgress) {
				log.Error().Str("module", "main").Err(err).Msg("start screen share")
			}
		}
	}

	<-ctx.Done()
	log.Info().Str("module", "main").Msg("shutting down")

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := rm.Close(closeCtx); err != nil {
		log.Warn().Str("module", "main").Err(err).Msg("leave room")
	}
	view.Wait()

	log.Info().Str("module", "main").Msg("done")
	return nil
}

// announcer resolves the room lazily; the screen share manager is built
// before the room it announces through.
type announcer struct {
	room **room.Room
}

func (a announcer) SendParticipantLeft(id domain.SessionID, username string) error {
	return (*a.room).SendParticipantLeft(id, username)
}
