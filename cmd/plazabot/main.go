// Command plazabot fills a room with headless members. Bots share an
// in-process hub (local), meet over NATS and Redis like relays do (bus), or
// connect to a running relay over WebSocket (relay). A summary table is
// printed when the run ends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pixelplaza/plaza/internal/bot"
	"github.com/pixelplaza/plaza/internal/channel"
	"github.com/pixelplaza/plaza/internal/config"
	"github.com/pixelplaza/plaza/internal/engine"
	"github.com/pixelplaza/plaza/internal/logging"
	"github.com/pixelplaza/plaza/internal/messaging"
	"github.com/pixelplaza/plaza/internal/presence"
	"github.com/pixelplaza/plaza/internal/relayclient"
	"github.com/pixelplaza/plaza/internal/room"
	"github.com/pixelplaza/plaza/internal/session"
)

// Command-line flags.
var (
	roomName  string
	bots      int
	duration  time.Duration
	mode      string
	relayURL  string
	seed      int64
	think     time.Duration
	frameRate int
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "plazabot",
	Short: "Run headless plaza members",
	Long: `plazabot starts a number of bots in one room. Each bot walks to random
cells, chats, sits, dances, waves and laughs until the run ends.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	cfg := config.Default()
	rootCmd.Flags().StringVar(&roomName, "room", string(cfg.Room), "room to join (Lobby, Cafe, Rooftop)")
	rootCmd.Flags().IntVarP(&bots, "bots", "n", 5, "number of bots")
	rootCmd.Flags().DurationVarP(&duration, "duration", "d", 30*time.Second, "how long to run (0 runs until interrupted)")
	rootCmd.Flags().StringVar(&mode, "mode", "local", "transport: local, bus or relay")
	rootCmd.Flags().StringVar(&relayURL, "url", "ws://localhost:8080/ws", "relay WebSocket URL (relay mode)")
	rootCmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	rootCmd.Flags().DurationVar(&think, "think", 2*time.Second, "mean time between bot decisions")
	rootCmd.Flags().IntVar(&frameRate, "frame-rate", cfg.FrameRate, "engine frames per second")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (defaults to LOG_LEVEL or info)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// member is one bot with the transport it owns.
type member struct {
	bot    *bot.Bot
	sess   *session.Session
	client *relayclient.Client
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer logger.Sync()

	r, err := room.ParseName(roomName)
	if err != nil {
		return err
	}
	if bots < 1 {
		return fmt.Errorf("--bots must be at least 1")
	}

	var transport channel.Transport
	switch mode {
	case "local":
		transport = channel.NewHub()
	case "bus":
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "plazabot"
		nc, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		rc, err := presence.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rc.Close()
		transport = channel.NewBus(nc, presence.NewStore(rc, cfg.PresenceTTL), logger)
	case "relay":
		// Each bot dials its own connection below.
	default:
		return fmt.Errorf("unknown --mode %q (want local, bus or relay)", mode)
	}

	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger.Info("starting bots",
		zap.Int("bots", bots),
		zap.String("room", string(r)),
		zap.String("mode", mode),
		zap.Int64("seed", seed))

	collector := bot.NewCollector()
	members := make([]*member, 0, bots)
	for i := 0; i < bots; i++ {
		m, err := startMember(ctx, i, r, transport, cfg, logger)
		if err != nil {
			logger.Warn("bot failed to start", zap.Int("bot", i), zap.Error(err))
			collector.AddError()
			continue
		}
		members = append(members, m)
	}
	if len(members) == 0 {
		return fmt.Errorf("no bot could start")
	}

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			if err := m.bot.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("bot stopped", zap.String("id", m.sess.SelfID()), zap.Error(err))
				collector.AddError()
			}
		}(m)
	}
	wg.Wait()

	for _, m := range members {
		rep := m.bot.Report()
		if m.client != nil {
			tm := m.client.Metrics()
			rep.Sent, rep.Received, rep.RateLimited = tm.MessagesSent, tm.MessagesReceived, tm.RateLimited
		}
		collector.Add(rep)
		m.sess.Close()
		if m.client != nil {
			m.client.Close()
		}
	}

	collector.Write(os.Stdout)
	return nil
}

func startMember(ctx context.Context, i int, r room.Name, transport channel.Transport, cfg config.Config, logger *zap.Logger) (*member, error) {
	name := fmt.Sprintf("bot-%02d", i+1)
	id := fmt.Sprintf("%s-%d", name, seed)
	m := &member{}

	if mode == "relay" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := relayclient.Dial(dialCtx, relayURL, logger)
		if err != nil {
			return nil, err
		}
		m.client = c
		transport = c
		id = c.SessionID()
	}

	scfg := session.DefaultConfig(id, name)
	scfg.Speed = cfg.WalkSpeed
	scfg.PositionInterval = cfg.PositionInterval
	m.sess = session.New(scfg, transport, logger)

	joinCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.sess.Enter(joinCtx, r); err != nil {
		m.sess.Close()
		if m.client != nil {
			m.client.Close()
		}
		return nil, err
	}

	loop := engine.NewLoop(m.sess, frameRate, logger)
	bcfg := bot.DefaultConfig(seed + int64(i))
	bcfg.Think = think
	m.bot = bot.New(m.sess, loop, bcfg, logger)
	return m, nil
}
