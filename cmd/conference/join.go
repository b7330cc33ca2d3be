package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mossy-p/webrtc-rooms/config"
	"github.com/mossy-p/webrtc-rooms/internal/conference"
	"github.com/mossy-p/webrtc-rooms/internal/media"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/mossy-p/webrtc-rooms/internal/peer"
	"github.com/mossy-p/webrtc-rooms/internal/redis"
	"github.com/mossy-p/webrtc-rooms/internal/transport"
	"github.com/mossy-p/webrtc-rooms/internal/transport/redischannel"
	"github.com/mossy-p/webrtc-rooms/internal/transport/wsrelay"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
)

var (
	flagName       string
	flagAudio      string
	flagVideo      string
	flagScreen     string
	flagLoop       bool
	flagRedis      string
	flagSTUN       string
	flagTURN       string
	flagTURNUser   string
	flagTURNPass   string
	flagDuration   time.Duration
	flagShareAfter time.Duration
	flagChat       []string
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id|code>",
	Short: "Join a room and stream media files into it",
	Long: `Join a room through the relay (or directly over Redis Pub/Sub with --redis)
and send the given Ogg/Opus and IVF files as microphone and camera.

Examples:
  conference join standup --name alice --audio talk.ogg --video cam.ivf --loop
  conference join ABCD23 --name bob --video cam.ivf --screen slides.ivf --share-after 10s
  conference join standup --name carol --audio talk.ogg --redis localhost:6379 --chat "hello"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd, args[0])
	},
}

func init() {
	f := joinCmd.Flags()
	f.StringVarP(&flagName, "name", "n", "", "display name (required)")
	f.StringVar(&flagAudio, "audio", "", "Ogg/Opus file sent as microphone")
	f.StringVar(&flagVideo, "video", "", "IVF file sent as camera")
	f.StringVar(&flagScreen, "screen", "", "IVF file offered as screen share")
	f.BoolVar(&flagLoop, "loop", false, "loop audio and video files")
	f.StringVar(&flagRedis, "redis", "", "signal over Redis Pub/Sub at host:port instead of the relay")
	f.StringVar(&flagSTUN, "stun", "", "STUN server URL (default from STUN_SERVER)")
	f.StringVar(&flagTURN, "turn", "", "TURN server URL (default from TURN_SERVER)")
	f.StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	f.StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	f.DurationVar(&flagDuration, "duration", 0, "leave after this long (0 stays until interrupted)")
	f.DurationVar(&flagShareAfter, "share-after", 0, "start sharing --screen after this long")
	f.StringArrayVar(&flagChat, "chat", nil, "chat message to send after joining (repeatable)")
	joinCmd.MarkFlagRequired("name")
}

func runJoin(cmd *cobra.Command, roomID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if flagDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flagDuration)
		defer cancel()
	}

	factory, err := connFactory(cmd)
	if err != nil {
		return err
	}

	var screen media.ScreenProvider
	if flagScreen != "" {
		screen = media.FileScreen{Path: flagScreen}
	}
	controller := media.NewController(media.FileDevice{
		AudioPath: flagAudio,
		VideoPath: flagVideo,
		Loop:      flagLoop,
	}, screen, &logger)

	tr, closeTransport, err := signalingTransport(ctx)
	if err != nil {
		return err
	}
	defer closeTransport()

	session, err := conference.Join(ctx, conference.Options{
		RoomID:      roomID,
		DisplayName: flagName,
		Constraints: media.Constraints{Audio: flagAudio != "", Video: flagVideo != ""},
	}, conference.Deps{
		Transport:   tr,
		Media:       controller,
		ConnFactory: factory,
		Logger:      &logger,
	})
	if err != nil {
		return err
	}
	self := session.Self()
	fmt.Printf("Joined room %s as %s (%s)\n", roomID, self.DisplayName, self.ID)

	for _, body := range flagChat {
		if _, err := session.SendChatMessage(ctx, body); err != nil {
			logger.Warn().Err(err).Msg("failed to send chat message")
		}
	}

	watch(ctx, session)

	final := session.Snapshot()
	leaveErr := session.Leave()
	printSummary(final)
	if leaveErr != nil {
		return fmt.Errorf("leave room: %w", leaveErr)
	}
	return nil
}

func connFactory(cmd *cobra.Command) (peer.Factory, error) {
	ice := config.Load().ICE
	if cmd.Flags().Changed("stun") {
		ice.STUNServer = flagSTUN
	}
	if cmd.Flags().Changed("turn") {
		ice.TURNServer = flagTURN
	}
	if flagTURNUser != "" {
		ice.TURNUser = flagTURNUser
	}
	if flagTURNPass != "" {
		ice.TURNPass = flagTURNPass
	}

	api, err := peer.NewAPI()
	if err != nil {
		return nil, err
	}
	return &peer.PionFactory{
		API:    api,
		Config: webrtc.Configuration{ICEServers: peer.ICEServers(ice)},
	}, nil
}

func signalingTransport(ctx context.Context) (transport.Transport, func(), error) {
	if flagRedis == "" {
		base := strings.TrimSuffix(flagServer, "/")
		switch {
		case strings.HasPrefix(base, "https://"):
			base = "wss://" + strings.TrimPrefix(base, "https://")
		case strings.HasPrefix(base, "http://"):
			base = "ws://" + strings.TrimPrefix(base, "http://")
		}
		tr := wsrelay.New(wsrelay.Options{URL: base + "/ws/signal", Logger: &logger})
		return tr, func() {}, nil
	}

	host, port, err := net.SplitHostPort(flagRedis)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --redis address: %w", err)
	}
	cfg := config.Load().Redis
	cfg.Host, cfg.Port = host, port
	client, err := redis.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return redischannel.New(client, redischannel.Options{Logger: &logger}), func() { client.Close() }, nil
}

// watch prints room changes until ctx is done.
func watch(ctx context.Context, session *conference.Session) {
	var shareTimer <-chan time.Time
	if flagShareAfter > 0 && flagScreen != "" {
		shareTimer = time.After(flagShareAfter)
	}

	var (
		lastStatus transport.Status
		lastRoster string
		chatSeen   int
	)
	for {
		select {
		case <-ctx.Done():
			return

		case <-shareTimer:
			shareTimer = nil
			if _, err := session.ToggleScreenShare(ctx); err != nil {
				logger.Warn().Err(err).Msg("screen share failed")
			} else {
				fmt.Println("Sharing screen")
			}

		case _, ok := <-session.Changes():
			if !ok {
				return
			}
			st := session.Snapshot()

			if st.ConnectionStatus != lastStatus {
				lastStatus = st.ConnectionStatus
				fmt.Printf("Signaling %s\n", st.ConnectionStatus)
				if st.ConnectionStatus == transport.StatusError && st.LastError != nil {
					fmt.Printf("  %v\n", st.LastError)
				}
			}

			for _, msg := range st.ChatMessages[min(chatSeen, len(st.ChatMessages)):] {
				printChat(msg)
			}
			chatSeen = len(st.ChatMessages)

			if roster := rosterKey(st); roster != lastRoster {
				lastRoster = roster
				printParticipants(st)
			}
		}
	}
}

func rosterKey(st conference.State) string {
	var b strings.Builder
	for _, p := range st.Participants {
		fmt.Fprintf(&b, "%s:%s:%t;", p.ID, p.Link, p.Stream != nil)
	}
	return b.String()
}

func printChat(msg models.ChatMessage) {
	name := msg.FromDisplayName
	if name == "" {
		name = msg.From
	}
	fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Local().Format(time.TimeOnly), name, msg.Body)
}

func printParticipants(st conference.State) {
	t := newTable()
	t.SetTitle("Participants")
	t.AppendHeader(table.Row{"Name", "ID", "Link", "Media"})
	for _, p := range st.Participants {
		mediaState := "loading"
		if p.Stream != nil {
			var kinds []string
			if p.Stream.Audio() != nil {
				kinds = append(kinds, "audio")
			}
			if p.Stream.Video() != nil {
				kinds = append(kinds, "video")
			}
			mediaState = strings.Join(kinds, "+")
		}
		t.AppendRow(table.Row{p.Name, p.ID, p.Link, mediaState})
	}
	if len(st.Participants) == 0 {
		t.AppendRow(table.Row{"(nobody else here)", "", "", ""})
	}
	t.Render()
}

func printSummary(st conference.State) {
	t := newTable()
	t.SetTitle("Session Summary")
	t.AppendRows([]table.Row{
		{"Room", st.RoomID},
		{"Participant", st.Self.ID},
		{"Status", st.ConnectionStatus},
		{"Peers", len(st.Participants)},
		{"Chat messages", len(st.ChatMessages)},
		{"Audio", onOff(st.IsAudioEnabled)},
		{"Video", onOff(st.IsVideoEnabled)},
	})
	t.Render()

	if errors.Is(st.LastError, transport.ErrRetriesExhausted) {
		fmt.Println("The relay could not be reached again; rejoin to retry.")
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
