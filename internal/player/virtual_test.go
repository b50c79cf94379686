package player

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"watchparty/internal/playback"
)

type stateLog struct {
	mu     sync.Mutex
	states []playback.EmbedState
}

func (l *stateLog) add(st playback.EmbedState) {
	l.mu.Lock()
	l.states = append(l.states, st)
	l.mu.Unlock()
}

func (l *stateLog) take() []playback.EmbedState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.states
	l.states = nil
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestVirtualPlayhead(t *testing.T) {
	clk := clock.NewMock()
	v := NewVirtual(clk, func(string) (float64, error) { return 120, nil })
	log := &stateLog{}
	ready := false
	v.SetHandlers(playback.EmbedHandlers{
		OnReady:       func() { ready = true },
		OnStateChange: log.add,
	})
	v.Start()
	if !ready {
		t.Fatal("Start did not report ready")
	}

	v.CueVideoByID("dQw4w9WgXcQ")
	if v.PlayerState() != playback.EmbedCued || v.CurrentTime() != 0 || v.VideoID() != "dQw4w9WgXcQ" {
		t.Fatalf("cue left state=%d time=%v id=%q", v.PlayerState(), v.CurrentTime(), v.VideoID())
	}

	v.PlayVideo()
	clk.Add(10 * time.Second)
	if got := v.CurrentTime(); got != 10 {
		t.Fatalf("position after 10s = %v", got)
	}

	v.PauseVideo()
	clk.Add(5 * time.Second)
	if got := v.CurrentTime(); got != 10 {
		t.Fatalf("paused playhead moved to %v", got)
	}

	v.SeekTo(100)
	if got := v.CurrentTime(); got != 100 {
		t.Fatalf("position after seek = %v", got)
	}
	v.SeekTo(500)
	if got := v.CurrentTime(); got != 120 {
		t.Fatalf("seek past the end should clamp, got %v", got)
	}

	want := []playback.EmbedState{
		playback.EmbedCued,
		playback.EmbedPlaying,
		playback.EmbedPaused,
		playback.EmbedBuffering, playback.EmbedPaused,
		playback.EmbedBuffering, playback.EmbedPaused,
	}
	got := log.take()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestVirtualReachesEnd(t *testing.T) {
	clk := clock.NewMock()
	v := NewVirtual(clk, func(string) (float64, error) { return 30, nil })
	log := &stateLog{}
	v.SetHandlers(playback.EmbedHandlers{OnStateChange: log.add})
	v.Start()
	v.CueVideoByID("dQw4w9WgXcQ")
	v.PlayVideo()
	log.take()

	clk.Add(29 * time.Second)
	if v.PlayerState() != playback.EmbedPlaying {
		t.Fatal("ended early")
	}
	clk.Add(time.Second)
	waitFor(t, "end of video", func() bool { return v.PlayerState() == playback.EmbedEnded })
	if got := v.CurrentTime(); got != 30 {
		t.Fatalf("position at end = %v", got)
	}

	// Seeking an ended video is silent.
	v.SeekTo(0)
	if states := log.take(); len(states) != 1 || states[0] != playback.EmbedEnded {
		t.Fatalf("states = %v", states)
	}
}

func TestVirtualRejectsUnknownVideo(t *testing.T) {
	v := NewVirtual(clock.NewMock(), func(string) (float64, error) { return 0, errors.New("no such video") })
	var code int
	v.SetHandlers(playback.EmbedHandlers{OnError: func(c int) { code = c }})
	v.Start()

	v.CueVideoByID("xxxxxxxxxxx")
	if code != ErrorNotFound {
		t.Fatalf("error code = %d", code)
	}
	v.PlayVideo()
	if v.PlayerState() != playback.EmbedUnstarted {
		t.Fatal("play started without a video")
	}
}

func TestVirtualLoopsThroughAdapter(t *testing.T) {
	clk := clock.NewMock()
	v := NewVirtual(clk, func(string) (float64, error) { return 60, nil })
	a := playback.NewAdapter(v, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	var (
		mu     sync.Mutex
		events []playback.Event
	)
	a.OnLocalStateChange(func(ev playback.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	v.Start()
	a.Load("dQw4w9WgXcQ", playback.SourceLocalUserAction)
	a.Play(playback.SourceLocalUserAction)

	clk.Add(60 * time.Second)
	waitFor(t, "restart", func() bool {
		mu.Lock()
		defer mu.Unlock()
		last := events[len(events)-1]
		return last.Type == playback.EventPlaying && last.Source == playback.SourceLocalAutonomous
	})
	if got := a.Position(); got != 0 {
		t.Fatalf("position after loop = %v", got)
	}
	if !a.IsPlaying() {
		t.Fatal("player stopped after the loop")
	}
}
