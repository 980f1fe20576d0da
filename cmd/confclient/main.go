// Command confclient joins a conference channel, sends a synthetic video
// pattern and logs the video frames it receives from other participants.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/opd-ai/confcore/client"
	"github.com/opd-ai/confcore/media"
	"github.com/opd-ai/confcore/protocol"
	"github.com/opd-ai/confcore/transport"
	"github.com/opd-ai/confcore/video"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	server    string
	media     string
	username  string
	password  string
	channel   uint32
	channelPW string
	noVideo   bool
	width     int
	height    int
	fps       int
	bitRate   int
	heartbeat time.Duration
	logLevel  string
	logJSON   bool
}

func main() {
	var o options

	rootCmd := &cobra.Command{
		Use:   "confclient",
		Short: "Join a conference channel",
		Long: `confclient authenticates with a conference server, joins a channel and
streams a generated test pattern until interrupted.

Examples:
  confclient --server conf.example.org:6000 --user alice --channel 42
  confclient --server 127.0.0.1:6000 --user bob --channel 42 --no-video`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.fps <= 0 {
				return fmt.Errorf("--fps must be positive, got %d", o.fps)
			}
			level, err := logrus.ParseLevel(o.logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			if o.logJSON {
				logrus.SetFormatter(&logrus.JSONFormatter{})
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, o)
		},
	}

	fl := rootCmd.Flags()
	fl.StringVarP(&o.server, "server", "s", "127.0.0.1:6000", "Control address of the server")
	fl.StringVar(&o.media, "media", "", "Media address of the server (default: same as --server)")
	fl.StringVarP(&o.username, "user", "u", "", "Display name")
	fl.StringVar(&o.password, "password", "", "Server password")
	fl.Uint32VarP(&o.channel, "channel", "C", 1, "Channel to join")
	fl.StringVar(&o.channelPW, "channel-password", "", "Channel password")
	fl.BoolVar(&o.noVideo, "no-video", false, "Receive only")
	fl.IntVar(&o.width, "width", 320, "Video width")
	fl.IntVar(&o.height, "height", 240, "Video height")
	fl.IntVar(&o.fps, "fps", 10, "Frames per second")
	fl.IntVar(&o.bitRate, "bitrate", 0, "Encoder bit rate in bits per second (0 selects the encoder default)")
	fl.DurationVar(&o.heartbeat, "heartbeat", 5*time.Second, "Control heartbeat interval")
	fl.StringVar(&o.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fl.BoolVar(&o.logJSON, "log-json", false, "Log as JSON")
	_ = rootCmd.MarkFlagRequired("user")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	var sock atomic.Pointer[media.Socket]

	onNotify := func(req *protocol.Request) {
		s := sock.Load()
		switch req.Action {
		case protocol.NotifyMediaAuthSuccess:
			if s != nil && !s.IsAuthenticated() {
				s.SetAuthenticated(true)
				logrus.WithField("function", "run").Info("Media socket authenticated")
			}
		case protocol.NotifyClientVideoDisabled, protocol.NotifyClientLeftChannel, protocol.NotifyClientDisconnected:
			var n protocol.ClientNotification
			if err := req.Decode(&n); err != nil {
				return
			}
			if s != nil {
				_ = s.ResetVideoDecoderOfClient(n.Client.ID)
			}
			logrus.WithFields(logrus.Fields{
				"function":  "run",
				"event":     req.Action,
				"client_id": n.Client.ID,
				"name":      n.Client.Name,
			}).Info("Participant update")
		default:
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"event":    req.Action,
			}).Info("Notification")
		}
	}

	c, err := client.Dial(ctx, o.server, client.WithNotificationHandler(onNotify))
	if err != nil {
		return err
	}
	defer c.Close()

	auth, err := c.Auth(ctx, o.username, o.password, !o.noVideo)
	if err != nil {
		return err
	}

	mediaAddr := o.media
	if mediaAddr == "" {
		mediaAddr = o.server
	}
	serverAddr, err := net.ResolveUDPAddr("udp", mediaAddr)
	if err != nil {
		return fmt.Errorf("resolve media address: %w", err)
	}

	udp, err := transport.NewUDPTransport(":0")
	if err != nil {
		return fmt.Errorf("open media socket: %w", err)
	}
	s, err := media.NewSocket(udp, media.SocketConfig{Server: serverAddr, Token: auth.AuthToken})
	if err != nil {
		udp.Close()
		return err
	}
	sock.Store(s)
	s.Start()
	defer s.Close()

	joined, err := c.JoinChannel(ctx, o.channel, o.channelPW)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function":     "run",
		"client_id":    auth.Client.ID,
		"channel_id":   joined.Channel.ID,
		"participants": len(joined.Participants),
	}).Info("Joined channel")

	go func() {
		if err := c.RunHeartbeat(ctx, o.heartbeat); err != nil && ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"error":    err.Error(),
			}).Warn("Heartbeat stopped")
		}
	}()
	go logFrames(s)

	if !o.noVideo {
		if err := s.InitVideoEncoder(o.width, o.height, o.bitRate, o.fps); err != nil {
			return err
		}
		go sendPattern(ctx, s, auth.Client.ID, o)
	}

	select {
	case <-ctx.Done():
		goodbyeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Goodbye(goodbyeCtx)
		return nil
	case <-c.Done():
		return c.Err()
	}
}

// sendPattern sends a moving gradient at o.fps until ctx ends.
func sendPattern(ctx context.Context, s *media.Socket, senderID uint32, o options) {
	ticker := time.NewTicker(time.Second / time.Duration(o.fps))
	defer ticker.Stop()

	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.IsAuthenticated() {
			continue
		}
		if err := s.SendVideoFrame(pattern(o.width, o.height, n), senderID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendPattern",
				"error":    err.Error(),
			}).Warn("Failed to send frame")
			return
		}
		n++
	}
}

// pattern returns an RGB image whose diagonal gradient shifts with n.
func pattern(width, height, n int) *video.RawImage {
	img := &video.RawImage{Width: width, Height: height, Data: make([]byte, width*height*3)}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 3
			img.Data[i] = byte(x + n)
			img.Data[i+1] = byte(y + n)
			img.Data[i+2] = byte(x + y)
		}
	}
	return img
}

func logFrames(s *media.Socket) {
	counts := make(map[uint32]int)
	for frame := range s.Frames() {
		counts[frame.SenderID]++
		if counts[frame.SenderID]%50 == 1 {
			logrus.WithFields(logrus.Fields{
				"function":  "logFrames",
				"sender_id": frame.SenderID,
				"frame_id":  frame.FrameID,
				"size":      fmt.Sprintf("%dx%d", frame.Image.Width, frame.Image.Height),
				"frames":    counts[frame.SenderID],
			}).Info("Receiving video")
		}
	}
}
