package websocket

// ─── Signals (Shell → Engine) ───────────────────────────────────────

// Signal is a browser focus/visibility/fullscreen change reported by the
// kiosk shell.
type Signal string

const (
	SignalHidden          Signal = "hidden"
	SignalVisible         Signal = "visible"
	SignalBlur            Signal = "blur"
	SignalFocus           Signal = "focus"
	SignalFullscreenExit  Signal = "fullscreen_exit"
	SignalFullscreenEnter Signal = "fullscreen_enter"
	SignalPing            Signal = "ping"
)

// Valid reports whether s is a known signal.
func (s Signal) Valid() bool {
	switch s {
	case SignalHidden, SignalVisible, SignalBlur, SignalFocus,
		SignalFullscreenExit, SignalFullscreenEnter, SignalPing:
		return true
	}
	return false
}

// SignalMessage is one frame sent by the shell.
type SignalMessage struct {
	Signal Signal `json:"signal"`
}

// ─── Events (Engine → Shell) ────────────────────────────────────────

type Event string

const (
	EventAck      Event = "ack"
	EventError    Event = "error"
	EventWarning  Event = "warning"
	EventSubmit   Event = "submitted"
	EventPong     Event = "pong"
	EventFinished Event = "finished"
)

type AckResponse struct {
	Event  Event  `json:"event"`
	Signal Signal `json:"signal"`
}

// WarningEvent tells the shell to surface a proctoring warning.
type WarningEvent struct {
	Event            Event  `json:"event"`
	Violation        string `json:"violation"`
	TabSwitches      int    `json:"tabSwitches"`
	FullscreenExits  int    `json:"fullscreenExits"`
	ForcedSubmitInMs int64  `json:"forcedSubmitInMs,omitempty"`
	CheatingDetected bool   `json:"cheatingDetected,omitempty"`
	RedirectTo       string `json:"redirectTo,omitempty"`
}

// PhaseEvent reports submission progress once the attempt is being submitted.
type PhaseEvent struct {
	Event Event  `json:"event"`
	Phase string `json:"phase"`
}

// FinishedEvent tells the shell the attempt is done and where to go next.
type FinishedEvent struct {
	Event      Event   `json:"event"`
	FinalScore float64 `json:"finalScore"`
	RedirectTo string  `json:"redirectTo,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
