// Package domain contains entity without logic, just meta-data
package domain

type (
	ConnID  string
	FeedID  string
	SlotIdx int
)

// NoSlot marks a command that is not addressed to a slot.
const NoSlot SlotIdx = -1

// Visibility commands.
const (
	CommandShow = "show"
	CommandHide = "hide"
)

// Geometry commands.
const (
	CommandRelativeToWindow = "relative-to-window"
	CommandRelativeToCanvas = "relative-to-canvas"
)

// CommandDescriptor is a front-end command together with its parameters.
type CommandDescriptor struct {
	Command string   `json:"command"`
	Params  []string `json:"params"`
}

func DefaultVisibility() CommandDescriptor {
	return CommandDescriptor{Command: CommandShow, Params: []string{}}
}

func DefaultGeometry() CommandDescriptor {
	return CommandDescriptor{
		Command: CommandRelativeToCanvas,
		Params:  []string{"rb", "0", "0", "200", "200"},
	}
}

// FeedBinding carries the identifiers a sender hands over when it starts
// publishing into the room.
type FeedBinding struct {
	Conn         ConnID
	FeedID       FeedID
	SessionID    int64
	RoomHandleID int64
	CustomName   string
}

// Slot is one camera position.
type Slot struct {
	Active     bool
	Token      string
	Generation uint64

	FeedBound    bool
	FeedID       FeedID
	SenderConn   ConnID
	SessionID    int64
	RoomHandleID int64
	CustomName   string

	OperatorBitrateLimit int
	UserBitrateLimit     int

	Annotation    string
	HasAnnotation bool

	Visibility CommandDescriptor
	Geometry   CommandDescriptor
}

// FeedView is what subscribers learn about a bound feed.
type FeedView struct {
	Slot       SlotIdx           `json:"slot"`
	FeedID     FeedID            `json:"feedId"`
	Visibility CommandDescriptor `json:"visibility"`
	Geometry   CommandDescriptor `json:"geometry"`
	Annotation *string           `json:"annotation"`
	CustomName string            `json:"customName,omitempty"`
}

// View renders the subscriber-facing part of a slot.
func (s Slot) View(idx SlotIdx) FeedView {
	v := FeedView{
		Slot:       idx,
		FeedID:     s.FeedID,
		Visibility: s.Visibility,
		Geometry:   s.Geometry,
		CustomName: s.CustomName,
	}
	if s.HasAnnotation {
		a := s.Annotation
		v.Annotation = &a
	}
	return v
}
