// Package playback keeps a room's shared video playback in step across viewer
// sessions. A Controller sits between a session's local player (through an
// Adapter) and the shared state store, applying remote updates locally and
// publishing genuine local actions without echoing remote ones back.
package playback

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrNotFound is returned by stores when a room has no playback record yet.
	ErrNotFound = errors.New("playback state not found")
	// ErrInvalidReference marks a video reference that cannot be resolved to playable media.
	ErrInvalidReference = errors.New("invalid video reference")
)

// State is the shared playback record of a room. JSON field names follow the
// store row so change-feed payloads decode straight into it.
//
// Version counts committed writes to the row and orders the states of one
// room. UpdatedAt is informational.
type State struct {
	RoomID    string    `json:"room_id"`
	VideoRef  string    `json:"channel"`
	IsPlaying bool      `json:"is_playing"`
	Position  float64   `json:"time"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// SupersededBy reports whether a state at version v has already been seen by
// a reader whose newest state had version last. Unversioned states are never
// superseded.
func SupersededBy(v, last int64) bool {
	return v != 0 && v <= last
}

// Patch is a partial update of a State. Nil fields are left untouched.
type Patch struct {
	VideoRef  *string  `json:"channel,omitempty"`
	IsPlaying *bool    `json:"is_playing,omitempty"`
	Position  *float64 `json:"time,omitempty"`
}

// FullPatch returns a patch that overwrites every mutable field with s.
func FullPatch(s State) Patch {
	ref, playing, pos := s.VideoRef, s.IsPlaying, s.Position
	return Patch{VideoRef: &ref, IsPlaying: &playing, Position: &pos}
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.VideoRef == nil && p.IsPlaying == nil && p.Position == nil
}

// Validate rejects positions that are not finite or are negative.
func (p Patch) Validate() error {
	if p.Position == nil {
		return nil
	}
	pos := *p.Position
	if math.IsNaN(pos) || math.IsInf(pos, 0) {
		return fmt.Errorf("position must be a finite number")
	}
	if pos < 0 {
		return fmt.Errorf("position must not be negative")
	}
	return nil
}

// Apply returns s with the patch fields written over it.
func (p Patch) Apply(s State) State {
	if p.VideoRef != nil {
		s.VideoRef = *p.VideoRef
	}
	if p.IsPlaying != nil {
		s.IsPlaying = *p.IsPlaying
	}
	if p.Position != nil {
		s.Position = *p.Position
	}
	return s
}

// ClampPosition bounds pos to [0, duration]. A non-positive duration means the
// length is unknown and only the lower bound applies.
func ClampPosition(pos, duration float64) float64 {
	if math.IsNaN(pos) || pos < 0 {
		return 0
	}
	if duration > 0 && pos > duration {
		return duration
	}
	return pos
}
