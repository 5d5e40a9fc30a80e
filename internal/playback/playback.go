// Package playback is the boundary to the video player that renders a
// channel. The session drives a Target and listens to its notifications.
package playback

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Target is the minimal control surface of a player.
type Target interface {
	Play()
	Pause()
	Stop()
	Seek(pos time.Duration)
	Position() time.Duration
	// CurrentProgress is the played fraction in 0..1.
	CurrentProgress() float64
}

// Notification is a player lifecycle change.
type Notification int

const (
	Prepared Notification = iota + 1
	Started
	Ended
)

func (n Notification) String() string {
	switch n {
	case Prepared:
		return "prepared"
	case Started:
		return "started"
	case Ended:
		return "ended"
	}
	return "unknown"
}

// Sim is a clock-driven stand-in for a real player. It has a fixed
// duration and raises Prepared, Started and Ended like a decoder would.
//
// The notify callback runs synchronously on the goroutine that caused the
// change (or the clock's timer goroutine for Ended). Callers that act on a
// notification by calling back into Sim must hand it off to another loop.
type Sim struct {
	clk      clock.Clock
	duration time.Duration
	notify   func(Notification)

	mu        sync.Mutex
	playing   bool
	pos       time.Duration
	startedAt time.Time
	endTimer  *clock.Timer
	gen       uint64
}

// NewSim creates a stopped player of the given length.
func NewSim(clk clock.Clock, duration time.Duration, notify func(Notification)) *Sim {
	if clk == nil {
		clk = clock.New()
	}
	if duration <= 0 {
		duration = time.Minute
	}
	if notify == nil {
		notify = func(Notification) {}
	}
	return &Sim{clk: clk, duration: duration, notify: notify}
}

func (s *Sim) Duration() time.Duration { return s.duration }

// Load rewinds the player and reports it prepared.
func (s *Sim) Load() {
	s.mu.Lock()
	s.stopLocked()
	s.pos = 0
	s.mu.Unlock()
	s.notify(Prepared)
}

func (s *Sim) Play() {
	s.mu.Lock()
	if s.playing {
		s.mu.Unlock()
		return
	}
	if s.pos >= s.duration {
		s.pos = 0
	}
	s.playing = true
	s.startedAt = s.clk.Now()
	s.armLocked()
	s.mu.Unlock()
	s.notify(Started)
}

func (s *Sim) Pause() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

func (s *Sim) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.pos = 0
	s.mu.Unlock()
}

func (s *Sim) Seek(pos time.Duration) {
	if pos < 0 {
		pos = 0
	}
	if pos > s.duration {
		pos = s.duration
	}
	s.mu.Lock()
	s.pos = pos
	if s.playing {
		s.startedAt = s.clk.Now()
		s.armLocked()
	}
	s.mu.Unlock()
}

func (s *Sim) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *Sim) CurrentProgress() float64 {
	return float64(s.Position()) / float64(s.duration)
}

// Playing reports whether the clock is running.
func (s *Sim) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Sim) positionLocked() time.Duration {
	p := s.pos
	if s.playing {
		p += s.clk.Now().Sub(s.startedAt)
	}
	if p > s.duration {
		p = s.duration
	}
	return p
}

func (s *Sim) stopLocked() {
	if s.playing {
		s.pos = s.positionLocked()
		s.playing = false
	}
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
	s.gen++
}

func (s *Sim) armLocked() {
	if s.endTimer != nil {
		s.endTimer.Stop()
	}
	s.gen++
	gen := s.gen
	s.endTimer = s.clk.AfterFunc(s.duration-s.pos, func() { s.finish(gen) })
}

func (s *Sim) finish(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.playing {
		s.mu.Unlock()
		return
	}
	s.playing = false
	s.pos = s.duration
	s.endTimer = nil
	s.mu.Unlock()
	s.notify(Ended)
}
