package realtime

// Frame types exchanged over the websocket change feed.
const (
	FrameSubscribed = "subscribed"
	FrameChange     = "change"
	FrameError      = "error"
)

// Frame is one websocket message of the change feed.
type Frame struct {
	Type   string  `json:"type"`
	Change *Change `json:"change,omitempty"`
	Error  string  `json:"error,omitempty"`
}
