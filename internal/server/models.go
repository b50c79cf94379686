package server

import "watchparty/internal/playback"

// Message types sent over the websocket and event stream feeds.
const (
	TypePlaybackState = "PlaybackState"
	TypeRosterUpdate  = "RosterUpdate"
)

// Envelope wraps every feed message.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// viewerProfile is what the roster shows for a connected viewer.
type viewerProfile struct {
	Name string `json:"name"`
}

type rosterPayload struct {
	Viewers []viewerProfile `json:"viewers"`
}

type createRoomRequest struct {
	VideoRef string `json:"channel"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func stateEnvelope(st playback.State) Envelope {
	return Envelope{Type: TypePlaybackState, Payload: st}
}
