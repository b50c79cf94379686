package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultCooldown      = 500 * time.Millisecond
	DefaultSeekThreshold = 1.0
	publishQueueSize     = 64
)

// StateStore is the shared state store as the controller sees it.
type StateStore interface {
	Upsert(ctx context.Context, roomID string, p Patch) (State, error)
	Get(ctx context.Context, roomID string) (State, error)
}

// Subscription is a live change-feed registration.
type Subscription interface {
	Unsubscribe()
}

// ChangeFeed delivers every committed update of a room, in commit order.
type ChangeFeed interface {
	Subscribe(ctx context.Context, roomID string, onChange func(State)) (Subscription, error)
}

// Player is the local player contract; *Adapter implements it.
type Player interface {
	Load(ref string, src Source)
	Play(src Source)
	Pause(src Source)
	SeekTo(seconds float64, src Source)
	Position() float64
	IsPlaying() bool
	VideoRef() string
	Ready() bool
	OnLocalStateChange(fn func(Event))
	OnReady(fn func())
}

// Options tunes a Controller. Zero values select the defaults.
type Options struct {
	Cooldown      time.Duration
	SeekThreshold float64
	Clock         clock.Clock
	Logger        *slog.Logger
	// OnWarning receives store write failures. It is called from the
	// publisher goroutine.
	OnWarning func(error)
}

// Controller keeps one session's player in step with its room. All state is
// owned by the Run goroutine; the exported methods only enqueue work.
type Controller struct {
	roomID string
	player Player
	store  StateStore
	feed   ChangeFeed
	opts   Options
	logger *slog.Logger

	inbox  mailbox
	outbox chan State

	// loop-owned
	current    string
	lastRemote *State
	cooldown   *clock.Timer
	generation uint64

	suppressed atomic.Bool
	published  atomic.Int64
}

type (
	remoteUpdate    struct{ state State }
	localEvent      struct{ event Event }
	playerReady     struct{}
	cooldownExpired struct{ generation uint64 }
	userIntent      struct {
		op       string
		ref      string
		position float64
	}
)

// NewController wires player to the room's store and change feed. Call Run to start it.
func NewController(roomID string, player Player, st StateStore, feed ChangeFeed, opts Options) *Controller {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.SeekThreshold <= 0 {
		opts.SeekThreshold = DefaultSeekThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{
		roomID: roomID,
		player: player,
		store:  st,
		feed:   feed,
		opts:   opts,
		logger: opts.Logger.With(slog.String("room", roomID)),
		inbox:  mailbox{notify: make(chan struct{}, 1)},
		outbox: make(chan State, publishQueueSize),
	}
	player.OnLocalStateChange(func(ev Event) { c.inbox.post(localEvent{event: ev}) })
	player.OnReady(func() { c.inbox.post(playerReady{}) })
	return c
}

// RoomID is the room this controller follows.
func (c *Controller) RoomID() string { return c.roomID }

// Suppressed reports whether local embed events are currently being ignored.
func (c *Controller) Suppressed() bool { return c.suppressed.Load() }

// Published counts states handed to the store so far.
func (c *Controller) Published() int64 { return c.published.Load() }

// Play, Pause, Seek and Load are local user gestures. They drive the player;
// the resulting player event is what gets published.
func (c *Controller) Play()  { c.inbox.post(userIntent{op: "play"}) }
func (c *Controller) Pause() { c.inbox.post(userIntent{op: "pause"}) }
func (c *Controller) Seek(position float64) {
	c.inbox.post(userIntent{op: "seek", position: position})
}
func (c *Controller) Load(ref string) { c.inbox.post(userIntent{op: "load", ref: ref}) }

// Resync fetches the room's current state and applies it as a remote update.
func (c *Controller) Resync(ctx context.Context) error {
	st, err := c.store.Get(ctx, c.roomID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resync room %s: %w", c.roomID, err)
	}
	c.inbox.post(remoteUpdate{state: st})
	return nil
}

// Run subscribes to the room, applies its current state, and processes events
// until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	sub, err := c.feed.Subscribe(ctx, c.roomID, func(st State) {
		c.inbox.post(remoteUpdate{state: st})
	})
	if err != nil {
		return fmt.Errorf("subscribe room %s: %w", c.roomID, err)
	}
	defer sub.Unsubscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.publishLoop(ctx)
	}()
	defer wg.Wait()

	// The fetch runs after subscribing so no committed update falls in between.
	if err := c.Resync(ctx); err != nil {
		c.logger.Warn("initial resync failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			if c.cooldown != nil {
				c.cooldown.Stop()
			}
			return nil
		case <-c.inbox.ready():
			for _, msg := range c.inbox.drain() {
				c.handle(msg)
			}
		}
	}
}

func (c *Controller) handle(msg any) {
	switch m := msg.(type) {
	case remoteUpdate:
		// A resync snapshot can arrive after the feed delivered a newer write.
		if c.lastRemote != nil && SupersededBy(m.state.Version, c.lastRemote.Version) {
			c.logger.Debug("dropping superseded remote state",
				slog.Int64("version", m.state.Version), slog.Int64("applied", c.lastRemote.Version))
			return
		}
		c.applyRemote(m.state)
	case localEvent:
		c.handleLocal(m.event)
	case userIntent:
		c.handleIntent(m)
	case playerReady:
		if c.lastRemote != nil {
			c.applyRemote(*c.lastRemote)
		}
	case cooldownExpired:
		if m.generation == c.generation {
			c.suppressed.Store(false)
		}
	}
}

func (c *Controller) applyRemote(st State) {
	c.lastRemote = &st
	c.suppress()

	if !c.player.Ready() {
		c.logger.Debug("player not ready, remote state kept for later")
		return
	}
	if st.VideoRef != "" && st.VideoRef != c.current {
		c.player.Load(st.VideoRef, SourceRemoteApplied)
		c.current = st.VideoRef
	}
	switch {
	case st.IsPlaying && !c.player.IsPlaying():
		c.player.Play(SourceRemoteApplied)
	case !st.IsPlaying && c.player.IsPlaying():
		c.player.Pause(SourceRemoteApplied)
	}
	if math.Abs(c.player.Position()-st.Position) > c.opts.SeekThreshold {
		c.player.SeekTo(st.Position, SourceRemoteApplied)
	}
}

// suppress opens or extends the suppression window.
func (c *Controller) suppress() {
	c.suppressed.Store(true)
	c.generation++
	if c.cooldown != nil {
		c.cooldown.Stop()
	}
	gen := c.generation
	c.cooldown = c.opts.Clock.AfterFunc(c.opts.Cooldown, func() {
		c.inbox.post(cooldownExpired{generation: gen})
	})
}

func (c *Controller) handleLocal(ev Event) {
	if ev.Err != nil {
		c.logger.Warn("player reported no playback", slog.String("error", ev.Err.Error()))
		return
	}
	if ev.Type != EventPlaying && ev.Type != EventPaused {
		return
	}
	switch ev.Source {
	case SourceRemoteApplied:
		return
	case SourceLocalUserAction:
	default:
		if c.Suppressed() {
			c.logger.Debug("suppressed local event", slog.String("type", ev.Type.String()), slog.String("source", ev.Source.String()))
			return
		}
	}

	st := State{
		RoomID:    c.roomID,
		VideoRef:  c.player.VideoRef(),
		IsPlaying: c.player.IsPlaying(),
		Position:  c.player.Position(),
	}
	c.current = st.VideoRef
	c.publish(st)
}

func (c *Controller) handleIntent(in userIntent) {
	switch in.op {
	case "play":
		c.player.Play(SourceLocalUserAction)
	case "pause":
		c.player.Pause(SourceLocalUserAction)
	case "seek":
		c.player.SeekTo(in.position, SourceLocalUserAction)
	case "load":
		c.player.Load(in.ref, SourceLocalUserAction)
	}
}

func (c *Controller) publish(st State) {
	select {
	case c.outbox <- st:
		c.published.Add(1)
	default:
		c.logger.Warn("publish queue full, dropping local state")
	}
}

func (c *Controller) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-c.outbox:
			if _, err := c.store.Upsert(ctx, c.roomID, FullPatch(st)); err != nil {
				if ctx.Err() != nil {
					return
				}
				// No rollback: the local player keeps its state until the next remote update.
				c.logger.Warn("publish failed", slog.String("error", err.Error()))
				if c.opts.OnWarning != nil {
					c.opts.OnWarning(err)
				}
			}
		}
	}
}

type mailbox struct {
	mu     sync.Mutex
	queue  []any
	notify chan struct{}
}

func (m *mailbox) post(v any) {
	m.mu.Lock()
	m.queue = append(m.queue, v)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) ready() <-chan struct{} { return m.notify }

func (m *mailbox) drain() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}
