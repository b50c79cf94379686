package playback

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// EmbedState mirrors the state codes of the embeddable video player.
type EmbedState int

const (
	EmbedUnstarted EmbedState = -1
	EmbedEnded     EmbedState = 0
	EmbedPlaying   EmbedState = 1
	EmbedPaused    EmbedState = 2
	EmbedBuffering EmbedState = 3
	EmbedCued      EmbedState = 5
)

// EmbedHandlers are the callbacks an Embed invokes. Implementations may call
// them synchronously from inside a command.
type EmbedHandlers struct {
	OnReady       func()
	OnStateChange func(EmbedState)
	OnError       func(code int)
}

// Embed is the third-party player the adapter wraps.
type Embed interface {
	SetHandlers(EmbedHandlers)
	// CueVideoByID loads a video paused at position 0.
	CueVideoByID(id string)
	PlayVideo()
	PauseVideo()
	SeekTo(seconds float64)
	CurrentTime() float64
	PlayerState() EmbedState
	VideoID() string
}

// seekReturnTolerance is how far from a seek's target the player may settle
// and still count as finishing that seek.
const seekReturnTolerance = 1.0

// Adapter normalizes an Embed into fire-and-forget commands and one event per
// transition boundary. Every command carries the Source that is attached to
// the transition it causes.
type Adapter struct {
	embed  Embed
	logger *slog.Logger

	mu          sync.Mutex
	ready       bool
	loaded      string
	lastSettled EventType
	buffering   bool
	pending     *Source
	seekPending bool
	seekTarget  float64
	onChange    func(Event)
	onReady     func()
}

// NewAdapter wraps embed. Commands are dropped until the embed reports ready.
func NewAdapter(embed Embed, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		embed:       embed,
		logger:      logger,
		lastSettled: EventUnstarted,
	}
	embed.SetHandlers(EmbedHandlers{
		OnReady:       a.handleReady,
		OnStateChange: a.handleStateChange,
		OnError:       a.handleError,
	})
	return a
}

// OnLocalStateChange registers the transition listener.
func (a *Adapter) OnLocalStateChange(fn func(Event)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// OnReady registers a callback fired once the embed finished initializing.
func (a *Adapter) OnReady(fn func()) {
	a.mu.Lock()
	a.onReady = fn
	a.mu.Unlock()
}

// Ready reports whether the embed accepts commands.
func (a *Adapter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

// Load cues ref. Loading the reference that is already loaded does nothing.
func (a *Adapter) Load(ref string, src Source) {
	a.mu.Lock()
	if !a.ready {
		a.mu.Unlock()
		a.logger.Debug("player not ready, dropping load", slog.String("ref", ref))
		return
	}
	if ref == "" || ref == a.loaded {
		a.mu.Unlock()
		return
	}
	a.loaded = ref
	// A new video always counts as a transition, even into the same state.
	a.lastSettled = EventUnstarted
	a.seekPending = false
	a.pending = &src
	a.mu.Unlock()

	a.embed.CueVideoByID(ref)
}

// Play starts playback unless the player is already playing.
func (a *Adapter) Play(src Source) {
	if !a.prepare("play", src, func() bool { return a.embed.PlayerState() != EmbedPlaying }) {
		return
	}
	a.embed.PlayVideo()
}

// Pause pauses playback unless the player is already paused.
func (a *Adapter) Pause(src Source) {
	if !a.prepare("pause", src, func() bool {
		st := a.embed.PlayerState()
		return st == EmbedPlaying || st == EmbedBuffering
	}) {
		return
	}
	a.embed.PauseVideo()
}

// SeekTo moves the playhead. A seek is reported as an event of the current
// settled type at the new position.
func (a *Adapter) SeekTo(seconds float64, src Source) {
	a.mu.Lock()
	if !a.ready {
		a.mu.Unlock()
		a.logger.Debug("player not ready, dropping seek", slog.Float64("position", seconds))
		return
	}
	if seconds < 0 {
		seconds = 0
	}
	a.seekPending = true
	a.seekTarget = seconds
	a.mu.Unlock()

	a.embed.SeekTo(seconds)

	a.mu.Lock()
	ev := Event{Type: a.lastSettled, Position: seconds, Source: src}
	fn := a.onChange
	a.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Position is the live playhead in seconds, 0 before the embed is ready.
func (a *Adapter) Position() float64 {
	if !a.Ready() {
		return 0
	}
	return a.embed.CurrentTime()
}

// IsPlaying queries the embed rather than a cached flag.
func (a *Adapter) IsPlaying() bool {
	if !a.Ready() {
		return false
	}
	return a.embed.PlayerState() == EmbedPlaying
}

// VideoRef is the reference most recently loaded through the adapter or
// reported by the embed.
func (a *Adapter) VideoRef() string {
	a.mu.Lock()
	ready, loaded := a.ready, a.loaded
	a.mu.Unlock()
	if ready {
		if id := a.embed.VideoID(); id != "" {
			return id
		}
	}
	return loaded
}

// Poll samples the position every interval for display until ctx is done.
// It never feeds synchronization.
func (a *Adapter) Poll(ctx context.Context, interval time.Duration, fn func(position float64)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(a.Position())
		}
	}
}

func (a *Adapter) prepare(op string, src Source, needed func() bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ready {
		a.logger.Debug("player not ready, dropping command", slog.String("op", op))
		return false
	}
	if !needed() {
		return false
	}
	a.pending = &src
	return true
}

func (a *Adapter) handleReady() {
	a.mu.Lock()
	a.ready = true
	fn := a.onReady
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (a *Adapter) handleError(code int) {
	a.mu.Lock()
	ref := a.loaded
	a.pending = nil
	a.lastSettled = EventUnstarted
	fn := a.onChange
	a.mu.Unlock()

	a.logger.Warn("player rejected video", slog.String("ref", ref), slog.Int("code", code))
	if fn != nil {
		fn(Event{
			Type:   EventUnstarted,
			Source: SourceEmbed,
			Err:    fmt.Errorf("%w: %q (player error %d)", ErrInvalidReference, ref, code),
		})
	}
}

func (a *Adapter) handleStateChange(st EmbedState) {
	pos := a.embed.CurrentTime()

	a.mu.Lock()
	fn := a.onChange
	var (
		events []Event
		loop   bool
	)
	switch t := normalize(st); t {
	case EventBuffering:
		if !a.buffering {
			a.buffering = true
			events = append(events, Event{Type: EventBuffering, Position: pos, Source: SourceEmbed})
		}
	case EventEnded:
		a.buffering = false
		a.seekPending = false
		a.lastSettled = EventEnded
		events = append(events, Event{Type: EventEnded, Position: pos, Source: SourceEmbed})
		auto := SourceLocalAutonomous
		a.pending = &auto
		loop = true
	default:
		wasBuffering := a.buffering
		// Some embeds seek without buffering, so a pending seek only explains
		// a settle that lands where it pointed.
		seekReturn := wasBuffering && a.seekPending && math.Abs(pos-a.seekTarget) <= seekReturnTolerance
		a.buffering = false
		a.seekPending = false
		switch {
		case t != a.lastSettled:
			src := SourceEmbed
			if a.pending != nil {
				src = *a.pending
				a.pending = nil
			}
			a.lastSettled = t
			events = append(events, Event{Type: t, Position: pos, Source: src})
		case seekReturn:
			// Return from a seek already reported by SeekTo.
		case wasBuffering && a.pending == nil:
			// Scrubbed through the embed's own controls.
			events = append(events, Event{Type: t, Position: pos, Source: SourceEmbed})
		}
	}
	a.mu.Unlock()

	if fn != nil {
		for _, ev := range events {
			fn(ev)
		}
	}
	if loop {
		a.embed.SeekTo(0)
		a.embed.PlayVideo()
	}
}

func normalize(st EmbedState) EventType {
	switch st {
	case EmbedPlaying:
		return EventPlaying
	case EmbedPaused, EmbedCued:
		return EventPaused
	case EmbedEnded:
		return EventEnded
	case EmbedBuffering:
		return EventBuffering
	default:
		return EventUnstarted
	}
}
