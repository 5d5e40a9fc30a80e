// Package app wires the runtime: one dispatch loop drives the device link,
// the router, every channel session and the progress reporter, with the
// journal, control surface and config watcher running alongside.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/ledlink/internal/config"
	"github.com/petervdpas/ledlink/internal/device"
	"github.com/petervdpas/ledlink/internal/dispatch"
	"github.com/petervdpas/ledlink/internal/logging"
	"github.com/petervdpas/ledlink/internal/playback"
	"github.com/petervdpas/ledlink/internal/progress"
	"github.com/petervdpas/ledlink/internal/proto"
	"github.com/petervdpas/ledlink/internal/router"
	"github.com/petervdpas/ledlink/internal/session"
	"github.com/petervdpas/ledlink/internal/simulator"
	"github.com/petervdpas/ledlink/internal/storage"
	"github.com/petervdpas/ledlink/internal/util"
	"github.com/petervdpas/ledlink/internal/viewer"
	"github.com/petervdpas/ledlink/internal/viewer/routes"
)

const journalPruneInterval = 5 * time.Minute

type Options struct {
	Dir     string // relative paths in Cfg resolve against Dir
	CfgPath string // empty disables hot reload
	Cfg     config.Config
	Logs    *logging.LogBuffer

	// Override layers command-line settings over Cfg and over every
	// reloaded file, so an edit to the file cannot undo them.
	Override func(*config.Config)

	Logger  zerolog.Logger

	// Clock and Dialer are for tests. Nil means real time and the dialer
	// the config asks for.
	Clock  clock.Clock
	Dialer device.Dialer
}

// New builds a runtime from a validated config. Nothing runs until Run.
func New(opt Options) (*Runtime, error) {
	cfg := opt.Cfg
	if opt.Override != nil {
		opt.Override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := opt.Clock
	if clk == nil {
		clk = clock.New()
	}

	rt := &Runtime{
		cfg:      cfg,
		fileCfg:  opt.Cfg,
		opt:      opt,
		log:      opt.Logger.With().Str("component", "app").Logger(),
		clk:      clk,
		queue:    dispatch.New(),
		simDev:   simulator.NewDevice(opt.Logger),
		subs:     make(map[int]func(routes.FeedEvent)),
		stopped:  make(chan struct{}),
		loaded:   make(map[int]bool),
		sessions: make(map[int]*session.Session),
		players:  make(map[int]*playback.Sim),
	}

	if opt.CfgPath != "" {
		if onDisk, err := config.LoadPartial(opt.CfgPath); err == nil {
			rt.fileCfg = onDisk
		}
	}

	dialer := opt.Dialer
	if dialer == nil {
		dialer = device.DialerFunc(rt.dial)
	}

	heartbeats := make([]string, 0, len(cfg.Channels.IDs))
	for _, id := range cfg.Channels.IDs {
		text, err := proto.Encode(proto.Heartbeat(id))
		if err != nil {
			return nil, fmt.Errorf("encode heartbeat: %w", err)
		}
		heartbeats = append(heartbeats, text)
	}

	cn := cfg.Connection
	rt.dev = device.New(device.Options{
		HeartbeatInterval:    cn.HeartbeatInterval(),
		ConnectionTimeout:    cn.ConnectionTimeout(),
		ReconnectDelay:       cn.ReconnectDelay(),
		MaxReconnectAttempts: cn.MaxReconnectAttempts,
		AutoReconnect:        cn.AutoReconnect,
		MonitorInterval:      cn.MonitorInterval(),
		Heartbeats:           heartbeats,
		Dialer:               dialer,
		Queue:                rt.queue,
		Clock:                clk,
		Logger:               opt.Logger,
	})

	rt.router = router.New(opt.Logger)
	rt.router.OnMessage(rt.onCommand)

	codec := proto.Codec{Envelope: cfg.Device.JSONEnvelope}
	var channels []progress.Channel
	for _, id := range cfg.Channels.IDs {
		id := id
		sim := playback.NewSim(clk, cfg.Playback.Duration(), func(n playback.Notification) {
			rt.queue.Post(func() { rt.sessions[id].HandlePlayback(n) })
		})
		s, err := session.New(session.Options{
			Player:              id,
			Target:              sim,
			Sender:              rt.dev,
			Codec:               codec,
			Clock:               clk,
			Logger:              opt.Logger,
			MinProgressInterval: cfg.Progress.MinInterval(),
			MinProgressDelta:    cfg.Progress.MinDeltaPercent,
			OnTransition:        rt.onTransition,
		})
		if err != nil {
			return nil, err
		}
		if err := rt.router.Register(s); err != nil {
			return nil, err
		}
		rt.ids = append(rt.ids, id)
		rt.sessions[id] = s
		rt.players[id] = sim
		channels = append(channels, progress.Channel{Source: sim, Sink: s})
	}

	rt.reporter = progress.New(progress.Options{
		Interval: cfg.Progress.SampleInterval(),
		Channels: channels,
		Queue:    rt.queue,
		Clock:    clk,
		Logger:   opt.Logger,
	})

	if p := cfg.Storage.JournalPath; p != "" {
		db, err := storage.Open(util.ResolvePath(opt.Dir, p))
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		rt.journal = db
		rt.recorder = storage.NewRecorder(db, 0, opt.Logger)
	}

	rt.dev.Subscribe(rt.onDeviceEvent)
	return rt, nil
}

// Run blocks until ctx is done or a component fails.
func (rt *Runtime) Run(ctx context.Context) error {
	cfg := rt.config()
	rt.log.Info().
		Ints("channels", rt.ids).
		Str("endpoint", rt.endpoint(cfg).URL()).
		Bool("simulate", cfg.Device.Simulate).
		Bool("json_envelope", cfg.Device.JSONEnvelope).
		Msg("runtime starting")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(rt.stopped)
		return quiet(rt.queue.Run(gctx))
	})
	g.Go(func() error { return quiet(rt.reporter.Run(gctx)) })

	if rt.recorder != nil {
		g.Go(func() error { return quiet(rt.recorder.Run(gctx)) })
		g.Go(func() error {
			return quiet(rt.recorder.PruneEvery(gctx, rt.clk, cfg.Storage.JournalKeep, journalPruneInterval))
		})
	}

	if addr := cfg.Viewer.HTTPAddr; addr != "" {
		g.Go(func() error {
			return viewer.Start(gctx, addr, viewer.Viewer{
				Control: rt,
				Journal: rt.journalReader(),
				Logs:    rt.opt.Logs,
				Config:  func() any { return rt.config() },
				Logger:  rt.opt.Logger,
			})
		})
	}

	if rt.opt.CfgPath != "" {
		g.Go(func() error {
			return quiet(config.Watch(gctx, rt.opt.CfgPath, rt.opt.Logger, func(next config.Config) {
				rt.queue.Post(func() { rt.applyConfig(next) })
			}))
		})
	}

	g.Go(func() error {
		if err := rt.Connect(); err != nil {
			rt.log.Error().Err(err).Msg("initial connect refused")
		}
		<-gctx.Done()
		rt.dev.Close()
		return nil
	})

	err := g.Wait()
	if rt.journal != nil {
		if cerr := rt.journal.Close(); cerr != nil {
			rt.log.Warn().Err(cerr).Msg("close journal")
		}
	}
	rt.log.Info().Msg("runtime stopped")
	return err
}

// quiet treats cancellation as a clean exit.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (rt *Runtime) journalReader() routes.Journal {
	if rt.journal == nil {
		return nil
	}
	return rt.journal
}
