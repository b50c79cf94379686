// Package player provides a headless video player for viewers without a
// browser embed.
package player

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"watchparty/internal/playback"
)

// DefaultDuration is used when a video's length is unknown.
const DefaultDuration = 180.0

// ErrorNotFound is the error code reported for a video that cannot be cued.
const ErrorNotFound = 100

// LookupFunc returns the length of a video in seconds.
type LookupFunc func(id string) (float64, error)

// Virtual is a playback.Embed whose playhead advances with a clock. Handlers
// are invoked synchronously, outside the player's lock.
type Virtual struct {
	clk    clock.Clock
	lookup LookupFunc

	mu        sync.Mutex
	h         playback.EmbedHandlers
	state     playback.EmbedState
	id        string
	duration  float64
	offset    float64
	startedAt time.Time
	endTimer  *clock.Timer
	endGen    uint64
}

// NewVirtual returns an unready player. A nil lookup gives every video
// DefaultDuration.
func NewVirtual(clk clock.Clock, lookup LookupFunc) *Virtual {
	if clk == nil {
		clk = clock.New()
	}
	if lookup == nil {
		lookup = func(string) (float64, error) { return DefaultDuration, nil }
	}
	return &Virtual{clk: clk, lookup: lookup, state: playback.EmbedUnstarted}
}

func (v *Virtual) SetHandlers(h playback.EmbedHandlers) {
	v.mu.Lock()
	v.h = h
	v.mu.Unlock()
}

// Start reports the player ready.
func (v *Virtual) Start() {
	v.mu.Lock()
	fn := v.h.OnReady
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (v *Virtual) CueVideoByID(id string) {
	duration, err := v.lookup(id)

	v.mu.Lock()
	v.stopEndLocked()
	if err != nil {
		v.id, v.offset, v.state = "", 0, playback.EmbedUnstarted
		onErr := v.h.OnError
		v.mu.Unlock()
		if onErr != nil {
			onErr(ErrorNotFound)
		}
		return
	}
	if duration <= 0 {
		duration = DefaultDuration
	}
	v.id, v.duration, v.offset = id, duration, 0
	v.mu.Unlock()

	v.enter(playback.EmbedCued)
}

func (v *Virtual) PlayVideo() {
	v.mu.Lock()
	if v.id == "" || v.state == playback.EmbedPlaying {
		v.mu.Unlock()
		return
	}
	if v.offset >= v.duration {
		v.offset = 0
	}
	v.startedAt = v.clk.Now()
	v.scheduleEndLocked()
	v.mu.Unlock()

	v.enter(playback.EmbedPlaying)
}

func (v *Virtual) PauseVideo() {
	v.mu.Lock()
	if v.state != playback.EmbedPlaying && v.state != playback.EmbedBuffering {
		v.mu.Unlock()
		return
	}
	v.offset = v.positionLocked()
	v.stopEndLocked()
	v.mu.Unlock()

	v.enter(playback.EmbedPaused)
}

// SeekTo moves the playhead. From a playing or paused state the player
// passes through buffering; an ended or unstarted player moves silently.
func (v *Virtual) SeekTo(seconds float64) {
	v.mu.Lock()
	seconds = math.Max(0, seconds)
	if v.duration > 0 {
		seconds = math.Min(seconds, v.duration)
	}
	prev := v.state
	v.offset = seconds
	if prev == playback.EmbedPlaying {
		v.startedAt = v.clk.Now()
		v.scheduleEndLocked()
	}
	v.mu.Unlock()

	switch prev {
	case playback.EmbedPlaying, playback.EmbedPaused, playback.EmbedCued:
		v.enter(playback.EmbedBuffering)
		v.enter(prev)
	}
}

func (v *Virtual) CurrentTime() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positionLocked()
}

func (v *Virtual) PlayerState() playback.EmbedState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Virtual) VideoID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.id
}

// Duration is the length of the cued video.
func (v *Virtual) Duration() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.duration
}

func (v *Virtual) enter(st playback.EmbedState) {
	v.mu.Lock()
	v.state = st
	fn := v.h.OnStateChange
	v.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (v *Virtual) positionLocked() float64 {
	if v.state != playback.EmbedPlaying {
		return v.offset
	}
	pos := v.offset + v.clk.Since(v.startedAt).Seconds()
	return math.Min(pos, v.duration)
}

func (v *Virtual) scheduleEndLocked() {
	v.stopEndLocked()
	gen := v.endGen
	remaining := time.Duration((v.duration - v.offset) * float64(time.Second))
	v.endTimer = v.clk.AfterFunc(remaining, func() { v.reachEnd(gen) })
}

func (v *Virtual) stopEndLocked() {
	v.endGen++
	if v.endTimer != nil {
		v.endTimer.Stop()
		v.endTimer = nil
	}
}

func (v *Virtual) reachEnd(gen uint64) {
	v.mu.Lock()
	if gen != v.endGen || v.state != playback.EmbedPlaying {
		v.mu.Unlock()
		return
	}
	v.offset = v.duration
	v.endTimer = nil
	v.mu.Unlock()

	v.enter(playback.EmbedEnded)
}
