package playback_test

import (
	"sync"

	"watchparty/internal/playback"
)

// fakeEmbed is a scripted player. Callbacks fire synchronously from inside
// commands, which is the harshest ordering a real player can produce.
type fakeEmbed struct {
	mu     sync.Mutex
	h      playback.EmbedHandlers
	state  playback.EmbedState
	id     string
	time   float64
	cues   []string
	plays  int
	pauses int
	seeks  []float64
	// quiet seeks skip the BUFFERING round trip.
	quiet bool
}

func newFakeEmbed() *fakeEmbed {
	return &fakeEmbed{state: playback.EmbedUnstarted}
}

func (f *fakeEmbed) SetHandlers(h playback.EmbedHandlers) {
	f.mu.Lock()
	f.h = h
	f.mu.Unlock()
}

func (f *fakeEmbed) CueVideoByID(id string) {
	f.mu.Lock()
	f.cues = append(f.cues, id)
	f.id, f.time = id, 0
	f.mu.Unlock()
	f.enter(playback.EmbedCued)
}

func (f *fakeEmbed) PlayVideo() {
	f.mu.Lock()
	f.plays++
	already := f.state == playback.EmbedPlaying
	f.mu.Unlock()
	if !already {
		f.enter(playback.EmbedPlaying)
	}
}

func (f *fakeEmbed) PauseVideo() {
	f.mu.Lock()
	f.pauses++
	f.mu.Unlock()
	f.enter(playback.EmbedPaused)
}

func (f *fakeEmbed) SeekTo(seconds float64) {
	f.mu.Lock()
	f.seeks = append(f.seeks, seconds)
	f.time = seconds
	prev := f.state
	quiet := f.quiet
	f.mu.Unlock()
	if quiet {
		return
	}
	if prev == playback.EmbedPlaying || prev == playback.EmbedPaused || prev == playback.EmbedCued {
		f.enter(playback.EmbedBuffering)
		f.enter(prev)
	}
}

func (f *fakeEmbed) CurrentTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.time
}

func (f *fakeEmbed) PlayerState() playback.EmbedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeEmbed) VideoID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (f *fakeEmbed) enter(st playback.EmbedState) {
	f.mu.Lock()
	f.state = st
	fn := f.h.OnStateChange
	f.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// ready finishes initialization.
func (f *fakeEmbed) ready() {
	f.mu.Lock()
	fn := f.h.OnReady
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// end plays the video to its end.
func (f *fakeEmbed) end(at float64) {
	f.mu.Lock()
	f.time = at
	f.mu.Unlock()
	f.enter(playback.EmbedEnded)
}

func (f *fakeEmbed) fail(code int) {
	f.mu.Lock()
	fn := f.h.OnError
	f.mu.Unlock()
	if fn != nil {
		fn(code)
	}
}

// press simulates the viewer using the player's own controls.
func (f *fakeEmbed) press(st playback.EmbedState) { f.enter(st) }

// seekQuietly makes later seeks settle without reporting BUFFERING.
func (f *fakeEmbed) seekQuietly() {
	f.mu.Lock()
	f.quiet = true
	f.mu.Unlock()
}

// scrub simulates dragging the player's own seek bar.
func (f *fakeEmbed) scrub(to float64) {
	f.mu.Lock()
	f.time = to
	prev := f.state
	f.mu.Unlock()
	f.enter(playback.EmbedBuffering)
	f.enter(prev)
}

func (f *fakeEmbed) seekCalls() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.seeks...)
}

func (f *fakeEmbed) cueCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cues...)
}

func (f *fakeEmbed) playCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays
}

func (f *fakeEmbed) snapshot() (playback.EmbedState, float64, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.time, f.id
}
