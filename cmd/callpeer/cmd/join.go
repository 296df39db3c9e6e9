package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/p2p-call-signaling/config"
	"github.com/mossy-p/p2p-call-signaling/internal/client"
	"github.com/mossy-p/p2p-call-signaling/internal/logging"
	"github.com/mossy-p/p2p-call-signaling/internal/models"
	"github.com/mossy-p/p2p-call-signaling/internal/negotiation"
	"github.com/mossy-p/p2p-call-signaling/internal/rtc"
	"github.com/spf13/cobra"
)

var (
	flagEmail         string
	flagSignalingURL  string
	flagSTUN          string
	flagTURN          string
	flagTURNUser      string
	flagTURNPass      string
	flagGatherTimeout time.Duration
	flagAutoCall      bool
	flagSendOnAnswer  bool
	flagVideo         bool
	flagNoAudio       bool
)

var errRejected = errors.New("join rejected")

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a room and take part in a call",
	Long: `Join a room on the signaling server. The first member waits for a peer;
with --call it calls the peer as soon as it arrives. The callee answers
automatically and starts sending media with --send-on-answer.

Examples:
  callpeer join abc123 --email alice@example.com --call
  callpeer join abc123 --email bob@example.com --send-on-answer
  callpeer join abc123 -e bob@example.com --signaling-url wss://signal.example.com/ws`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(cmd.Context(), args[0])
	},
}

func joinRoom(ctx context.Context, room string) error {
	cfg, err := config.LoadPeer(config.PeerConfig{
		SignalingURL:  flagSignalingURL,
		STUNServer:    flagSTUN,
		TURNServer:    flagTURN,
		TURNUser:      flagTURNUser,
		TURNPass:      flagTURNPass,
		GatherTimeout: flagGatherTimeout,
	})
	if err != nil {
		return err
	}
	l := logging.Init("development", flagLogLevel)

	rtcCfg := rtc.ConfigFromPeer(cfg, l)
	api, err := rtc.NewAPI(rtcCfg)
	if err != nil {
		return fmt.Errorf("failed to build webrtc api: %w", err)
	}
	engine, err := rtc.NewEngine(api, rtcCfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	conn, err := client.Dial(ctx, cfg.SignalingURL, l)
	if err != nil {
		engine.Close()
		return err
	}
	defer conn.Close()

	coord := negotiation.New(engine, rtc.SyntheticSource{Audio: !flagNoAudio, Video: flagVideo}, conn, negotiation.Options{
		SendOnAnswer: flagSendOnAnswer,
		Logger:       l,
		Hooks: negotiation.Hooks{
			OnStateChange: func(s negotiation.State) {
				l.Info().Str("state", s.String()).Msg("Signaling state")
			},
			OnCallFailed: func(err error) {
				l.Error().Err(err).Msg("Call failed")
			},
			OnRemoteTrack: func(t negotiation.RemoteTrack) {
				l.Info().Str("track_id", t.ID()).Str("kind", t.Kind()).Msg("Receiving remote media")
			},
		},
	})
	go func() {
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.Warn().Err(err).Msg("Coordinator stopped")
		}
	}()

	part := client.NewParticipant(conn, coord, client.ParticipantOptions{
		Email:    flagEmail,
		Room:     room,
		AutoCall: flagAutoCall,
		Logger:   l,
		OnJoinRejected: func(n models.ErrorNotice) {
			cancel(fmt.Errorf("%w: %s", errRejected, n.Message))
		},
	})
	if err := part.Join(ctx); err != nil {
		return err
	}

	go func() {
		select {
		case <-engine.Connected():
			l.Info().Str("peer", part.Peer()).Msg("Media connected")
		case <-ctx.Done():
		}
	}()

	select {
	case <-ctx.Done():
	case <-conn.Done():
		l.Warn().Msg("Signaling connection closed")
	}

	leaveCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := part.Leave(leaveCtx); err != nil && !errors.Is(err, negotiation.ErrClosed) {
		l.Warn().Err(err).Msg("Leave failed")
	}

	if cause := context.Cause(ctx); errors.Is(cause, errRejected) {
		return cause
	}
	l.Info().Msg("Left room")
	return nil
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagEmail, "email", "e", "", "Email announced to the other member")
	joinCmd.Flags().StringVar(&flagSignalingURL, "signaling-url", "", "Signaling WebSocket URL (env SIGNALING_URL)")
	joinCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	joinCmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	joinCmd.Flags().DurationVar(&flagGatherTimeout, "gather-timeout", 0, "Upper bound on ICE candidate gathering")
	joinCmd.Flags().BoolVarP(&flagAutoCall, "call", "c", false, "Call the other member as soon as it joins")
	joinCmd.Flags().BoolVar(&flagSendOnAnswer, "send-on-answer", false, "Send local media right after answering a call")
	joinCmd.Flags().BoolVar(&flagVideo, "video", false, "Also send a synthetic video track")
	joinCmd.Flags().BoolVar(&flagNoAudio, "no-audio", false, "Do not send audio")
	joinCmd.MarkFlagRequired("email")
}
