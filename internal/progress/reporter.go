// Package progress samples playback position and feeds throttled progress
// to the channel sessions.
package progress

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/petervdpas/ledlink/internal/dispatch"
	"github.com/petervdpas/ledlink/internal/session"
)

const DefaultSampleInterval = 250 * time.Millisecond

// Source is anything that knows how far playback got, in 0..1.
type Source interface {
	CurrentProgress() float64
}

// Sink is the session side of a channel.
type Sink interface {
	State() session.State
	ReportProgress(pct int, now time.Time) bool
	Complete()
}

// Channel pairs a progress source with the session it reports to.
type Channel struct {
	Source Source
	Sink   Sink
}

type Options struct {
	Interval time.Duration
	Channels []Channel
	Queue    *dispatch.Queue
	Clock    clock.Clock
	Logger   zerolog.Logger
}

// Reporter ticks on its own goroutine but samples on the dispatch queue, so
// a sample never overlaps a routed command.
type Reporter struct {
	interval time.Duration
	channels []Channel
	queue    *dispatch.Queue
	clk      clock.Clock
	log      zerolog.Logger
}

func New(opts Options) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultSampleInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Reporter{
		interval: opts.Interval,
		channels: opts.Channels,
		queue:    opts.Queue,
		clk:      opts.Clock,
		log:      opts.Logger.With().Str("component", "progress").Logger(),
	}
}

// Run ticks until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	t := r.clk.Ticker(r.interval)
	defer t.Stop()

	r.log.Debug().Dur("interval", r.interval).Int("channels", len(r.channels)).Msg("progress sampling started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if r.queue != nil {
				r.queue.Post(r.Sample)
			} else {
				r.Sample()
			}
		}
	}
}

// Sample reads every playing channel once.
func (r *Reporter) Sample() {
	now := r.clk.Now()
	for _, ch := range r.channels {
		if ch.Sink.State() != session.Playing {
			continue
		}
		pct := Percent(ch.Source.CurrentProgress())
		if pct >= 100 {
			ch.Sink.Complete()
			continue
		}
		ch.Sink.ReportProgress(pct, now)
	}
}

// Percent converts a 0..1 fraction to a rounded, clamped percentage.
func Percent(p float64) int {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 1 {
		p = 1
	}
	return int(math.Round(p * 100))
}
