package playback_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"watchparty/internal/playback"
	"watchparty/internal/store"
)

const testVideo = "dQw4w9WgXcQ"

// writeLog records the states one session wrote to the store.
type writeLog struct {
	store.Backend
	mu     sync.Mutex
	writes []playback.State
	fail   error
}

func (w *writeLog) Upsert(ctx context.Context, roomID string, p playback.Patch) (playback.State, error) {
	w.mu.Lock()
	fail := w.fail
	w.mu.Unlock()
	if fail != nil {
		return playback.State{}, fail
	}
	st, err := w.Backend.Upsert(ctx, roomID, p)
	if err == nil {
		w.mu.Lock()
		w.writes = append(w.writes, st)
		w.mu.Unlock()
	}
	return st, err
}

func (w *writeLog) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

type session struct {
	embed  *fakeEmbed
	ctrl   *playback.Controller
	writes *writeLog
}

func startSession(t *testing.T, backend store.Backend, clk clock.Clock, ready bool, opts ...func(*playback.Options)) *session {
	t.Helper()
	embed := newFakeEmbed()
	adapter := playback.NewAdapter(embed, testLogger())
	writes := &writeLog{Backend: backend}
	o := playback.Options{Clock: clk, Logger: testLogger()}
	for _, fn := range opts {
		fn(&o)
	}
	ctrl := playback.NewController("room-1", adapter, writes, backend, o)
	if ready {
		embed.ready()
	}

	hub, _ := backend.(interface{ Subscribers(string) int })
	before := 0
	if hub != nil {
		before = hub.Subscribers("room-1")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ctrl.Run(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	if hub != nil {
		eventually(t, "session to subscribe", func() bool { return hub.Subscribers("room-1") > before })
	}
	// Let the initial fetch finish so later writes arrive only through the feed.
	settle()
	return &session{embed: embed, ctrl: ctrl, writes: writes}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// settle gives in-flight deliveries time to land before a negative check.
func settle() { time.Sleep(50 * time.Millisecond) }

// remoteWrite is a write by a session outside the test.
func remoteWrite(t *testing.T, backend store.Backend, st playback.State) {
	t.Helper()
	if _, err := backend.Upsert(context.Background(), "room-1", playback.FullPatch(st)); err != nil {
		t.Fatalf("remote write: %v", err)
	}
}

// startFollowing brings a session to a remotely applied {video, playing, at}
// and waits until its suppression window has closed.
func startFollowing(t *testing.T, backend store.Backend, clk *clock.Mock, s *session, at float64) {
	t.Helper()
	remoteWrite(t, backend, playback.State{VideoRef: testVideo, IsPlaying: true, Position: at})
	eventually(t, "remote state applied", func() bool {
		st, pos, id := s.embed.snapshot()
		return st == playback.EmbedPlaying && pos == at && id == testVideo
	})
	eventually(t, "suppression to end", func() bool {
		clk.Add(playback.DefaultCooldown)
		time.Sleep(5 * time.Millisecond)
		return !s.ctrl.Suppressed()
	})
}

func TestNoEchoBetweenSessions(t *testing.T) {
	backend := store.NewMemory()
	defer backend.Close()
	clk := clock.NewMock()

	a := startSession(t, backend, clk, true)
	b := startSession(t, backend, clk, true)

	a.ctrl.Load(testVideo)
	eventually(t, "B to load the video", func() bool { return len(b.embed.cueCalls()) == 1 })
	a.ctrl.Play()
	eventually(t, "B to start playing", func() bool {
		st, _, _ := b.embed.snapshot()
		return st == playback.EmbedPlaying
	})

	for i := 0; i < 3; i++ {
		clk.Add(playback.DefaultCooldown)
		settle()
	}

	if n := a.writes.count(); n != 2 {
		t.Fatalf("A wrote %d states, want 2", n)
	}
	if n := b.writes.count(); n != 0 {
		t.Fatalf("B echoed %d remote states back", n)
	}
	if len(a.embed.cueCalls()) != 1 {
		t.Fatalf("A reloaded its own video: %v", a.embed.cueCalls())
	}
	if n := b.embed.playCalls(); n != 1 {
		t.Fatalf("B applied play %d times, want 1", n)
	}
	got, err := backend.Get(context.Background(), "room-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.VideoRef != testVideo || !got.IsPlaying {
		t.Fatalf("store holds %+v", got)
	}
}

func TestSeekThreshold(t *testing.T) {
	backend := store.NewMemory()
	defer backend.Close()
	clk := clock.NewMock()
	b := startSession(t, backend, clk, true)

	startFollowing(t, backend, clk, b, 10)
	if seeks := b.embed.seekCalls(); len(seeks) != 1 || seeks[0] != 10 {
		t.Fatalf("initial sync seeks = %v", seeks)
	}

	for _, pos := range []float64{10.4, 10.9, 12.0} {
		remoteWrite(t, backend, playback.State{VideoRef: testVideo, IsPlaying: true, Position: pos})
	}
	eventually(t, "the far update to seek", func() bool { return len(b.embed.seekCalls()) >= 2 })
	settle()

	seeks := b.embed.seekCalls()
	if len(seeks) != 2 || seeks[1] != 12 {
		t.Fatalf("seeks = %v, want [10 12]", seeks)
	}
	if n := b.writes.count(); n != 0 {
		t.Fatalf("applying remote updates published %d states", n)
	}
}

func TestLoopOnEndPublishesOnce(t *testing.T) {
	backend := store.NewMemory()
	defer backend.Close()
	clk := clock.NewMock()
	s := startSession(t, backend, clk, true)

	startFollowing(t, backend, clk, s, 170)
	plays := s.embed.playCalls()

	s.embed.end(212)

	eventually(t, "the restart to be published", func() bool { return s.writes.count() == 1 })
	for i := 0; i < 3; i++ {
		clk.Add(playback.DefaultCooldown)
		settle()
	}

	if n := s.writes.count(); n != 1 {
		t.Fatalf("loop published %d states, want 1", n)
	}
	if seeks := s.embed.seekCalls(); len(seeks) != 2 || seeks[1] != 0 {
		t.Fatalf("seeks = %v, want one seek to 0 after the initial sync", seeks)
	}
	if s.embed.playCalls() != plays+1 {
		t.Fatalf("expected one restart, got %d", s.embed.playCalls()-plays)
	}
	got, err := backend.Get(context.Background(), "room-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Position != 0 || !got.IsPlaying || got.VideoRef != testVideo {
		t.Fatalf("store holds %+v, want {%s playing 0}", got, testVideo)
	}
}

func TestSuppressionWindowExpiry(t *testing.T) {
	backend := store.NewMemory()
	defer backend.Close()
	clk := clock.NewMock()
	s := startSession(t, backend, clk, true)

	remoteWrite(t, backend, playback.State{VideoRef: testVideo, IsPlaying: true, Position: 30})
	eventually(t, "remote state applied", func() bool { return len(s.embed.seekCalls()) == 1 })
	if !s.ctrl.Suppressed() {
		t.Fatal("applying a remote update must open the suppression window")
	}

	clk.Add(playback.DefaultCooldown - time.Millisecond)
	settle()
	if !s.ctrl.Suppressed() {
		t.Fatal("window closed before the cooldown elapsed")
	}
	// Dropped: the player's own controls inside the window.
	s.embed.press(playback.EmbedPaused)

	clk.Add(time.Millisecond)
	eventually(t, "window to close", func() bool { return !s.ctrl.Suppressed() })

	s.embed.press(playback.EmbedPlaying)
	eventually(t, "the local play to publish", func() bool { return s.writes.count() >= 1 })
	settle()
	if n := s.writes.count(); n != 1 {
		t.Fatalf("published %d states, want only the post-window play", n)
	}
	if got, _ := backend.Get(context.Background(), "room-1"); !got.IsPlaying {
		t.Fatalf("store holds %+v", got)
	}
}

func TestRemoteUpdateExtendsWindow(t *testing.T) {
	backend := store.NewMemory()
	defer backend.Close()
	clk := clock.NewMock()
	s := startSession(t, backend, clk, true)

	remoteWrite(t, backend, playback.State{VideoRef: testVideo, IsPlaying: true, Position: 30})
	eventually(t, "first update", func() bool { return len(s.embed.seekCalls()) == 1 })
	clk.Add(400 * time.Millisecond)

	remoteWrite(t, backend, playback.State{VideoRef: testVideo, IsPlaying: true, Position: 60})
	eventually(t, "second update", func() bool { return len(s.embed.seekCalls()) == 2 })
	clk.Add(400 * time.Millisecond)
	settle()
	if !s.ctrl.Suppressed() {
		t.Fatal("a new remote update must restart the cooldown")
	}
	clk.Add(100 * time.Millisecond)
	eventually(t, "window to close", func() bool { return !s.ctrl.Suppressed() })
}

func TestUserActionPublishesWhileSuppressed(t *testing.T) {
	backend := store.NewMemory()
	defer backend.Close()
	clk := clock.NewMock()
	s := startSession(t, backend, clk, true)

	remoteWrite(t, backend, playback.State{VideoRef: testVideo, IsPlaying: true, Position: 30})
	eventually(t, "remote state applied", func() bool { return len(s.embed.seekCalls()) == 1 })

	s.ctrl.Pause()
	eventually(t, "the pause to publish", func() bool { return s.writes.count() == 1 })
	got, _ := backend.Get(context.Background(), "room-1")
	if got.IsPlaying || got.Position != 30 {
		t.Fatalf("store holds %+v", got)
	}
}

func TestLastWriteWinsConvergence(t *testing.T) {
	backend := store.NewMemory()
	defer backend.Close()
	clk := clock.NewMock()
	a := startSession(t, backend, clk, true)
	b := startSession(t, backend, clk, true)

	remoteWrite(t, backend, playback.State{VideoRef: testVideo, Position: 0})
	eventually(t, "both to cue", func() bool {
		return len(a.embed.cueCalls()) == 1 && len(b.embed.cueCalls()) == 1
	})

	a.ctrl.Seek(30)
	b.ctrl.Seek(60)
	eventually(t, "both seeks to publish", func() bool { return a.writes.count() == 1 && b.writes.count() == 1 })

	eventually(t, "sessions to converge", func() bool {
		final, err := backend.Get(context.Background(), "room-1")
		if err != nil {
			return false
		}
		_, pa, _ := a.embed.snapshot()
		_, pb, _ := b.embed.snapshot()
		return pa == final.Position && pb == final.Position
	})
}

// staleSnapshot answers Get with the row as it was when the read started,
// after a newer write has committed and been handed to the subscriber.
type staleSnapshot struct {
	*store.Memory
	next      playback.State
	delivered chan struct{}
}

func (s *staleSnapshot) Get(ctx context.Context, roomID string) (playback.State, error) {
	st, err := s.Memory.Get(ctx, roomID)
	if _, werr := s.Memory.Upsert(ctx, roomID, playback.FullPatch(s.next)); werr != nil {
		return playback.State{}, werr
	}
	select {
	case <-s.delivered:
	case <-ctx.Done():
	}
	return st, err
}

func (s *staleSnapshot) Subscribe(ctx context.Context, roomID string, onChange func(playback.State)) (playback.Subscription, error) {
	var once sync.Once
	return s.Memory.Subscribe(ctx, roomID, func(st playback.State) {
		onChange(st)
		if st.Position == s.next.Position && st.IsPlaying == s.next.IsPlaying {
			once.Do(func() { close(s.delivered) })
		}
	})
}

func TestStaleResyncDoesNotRewind(t *testing.T) {
	backend := store.NewMemory()
	defer backend.Close()
	remoteWrite(t, backend, playback.State{VideoRef: testVideo, IsPlaying: true, Position: 10})

	racy := &staleSnapshot{
		Memory:    backend,
		next:      playback.State{VideoRef: testVideo, IsPlaying: false, Position: 90},
		delivered: make(chan struct{}),
	}
	embed := newFakeEmbed()
	ctrl := playback.NewController("room-1", playback.NewAdapter(embed, testLogger()), racy, racy,
		playback.Options{Clock: clock.NewMock(), Logger: testLogger()})
	embed.ready()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ctrl.Run(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	eventually(t, "the newer write to apply", func() bool {
		_, pos, _ := embed.snapshot()
		return pos == 90
	})
	settle()

	st, pos, _ := embed.snapshot()
	if st == playback.EmbedPlaying || pos != 90 {
		t.Fatalf("player at state=%d pos=%v, want paused at 90", st, pos)
	}
	if n := embed.playCalls(); n != 0 {
		t.Fatalf("stale snapshot started playback %d times", n)
	}
}

func TestResyncWhenPlayerBecomesReady(t *testing.T) {
	backend := store.NewMemory()
	defer backend.Close()
	clk := clock.NewMock()

	remoteWrite(t, backend, playback.State{VideoRef: testVideo, IsPlaying: true, Position: 45})
	s := startSession(t, backend, clk, false)
	settle()
	if len(s.embed.cueCalls()) != 0 {
		t.Fatal("commands reached an unready player")
	}

	s.embed.ready()
	eventually(t, "stored state applied on ready", func() bool {
		st, pos, id := s.embed.snapshot()
		return st == playback.EmbedPlaying && pos == 45 && id == testVideo
	})
	if n := s.writes.count(); n != 0 {
		t.Fatalf("initial sync published %d states", n)
	}
}

func TestPublishFailureWarns(t *testing.T) {
	backend := store.NewMemory()
	defer backend.Close()
	clk := clock.NewMock()

	warnings := make(chan error, 1)
	s := startSession(t, backend, clk, true, func(o *playback.Options) {
		o.OnWarning = func(err error) { warnings <- err }
	})
	storeDown := errors.New("store unavailable")
	s.writes.mu.Lock()
	s.writes.fail = storeDown
	s.writes.mu.Unlock()

	s.ctrl.Load(testVideo)
	select {
	case err := <-warnings:
		if !errors.Is(err, storeDown) {
			t.Fatalf("warning = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no warning after a failed write")
	}
	// No rollback.
	if _, _, id := s.embed.snapshot(); id != testVideo {
		t.Fatalf("player rolled back to %q", id)
	}
	if _, err := backend.Get(context.Background(), "room-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed write reached the store: %v", err)
	}
}
