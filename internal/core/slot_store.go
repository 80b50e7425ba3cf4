package core

import (
	"fmt"
	"slices"

	"github.com/dkeye/camslot/internal/domain"
)

var (
	visibilityCommands = []string{domain.CommandShow, domain.CommandHide}
	geometryCommands   = []string{domain.CommandRelativeToWindow, domain.CommandRelativeToCanvas}
)

func IsVisibilityCommand(cmd string) bool { return slices.Contains(visibilityCommands, cmd) }
func IsGeometryCommand(cmd string) bool   { return slices.Contains(geometryCommands, cmd) }

// SlotStore owns the state of every camera slot. The number of slots is
// fixed at construction.
//
// SlotStore is not safe for concurrent use; the orchestrator serializes
// every call.
type SlotStore struct {
	slots          []domain.Slot
	defaultBitrate int
	generation     uint64
}

func NewSlotStore(count, defaultBitrate int) *SlotStore {
	s := &SlotStore{
		slots:          make([]domain.Slot, count),
		defaultBitrate: defaultBitrate,
	}
	for i := range s.slots {
		s.slots[i] = s.emptySlot()
	}
	return s
}

func (s *SlotStore) emptySlot() domain.Slot {
	return domain.Slot{
		OperatorBitrateLimit: s.defaultBitrate,
		Visibility:           domain.DefaultVisibility(),
		Geometry:             domain.DefaultGeometry(),
	}
}

func (s *SlotStore) Len() int            { return len(s.slots) }
func (s *SlotStore) DefaultBitrate() int { return s.defaultBitrate }

func (s *SlotStore) at(idx domain.SlotIdx) (*domain.Slot, error) {
	if idx < 0 || int(idx) >= len(s.slots) {
		return nil, fmt.Errorf("slot %d: %w", idx, ErrInvalidSlot)
	}
	return &s.slots[idx], nil
}

// Get returns a copy of the slot.
func (s *SlotStore) Get(idx domain.SlotIdx) (domain.Slot, error) {
	sl, err := s.at(idx)
	if err != nil {
		return domain.Slot{}, err
	}
	return cloneSlot(*sl), nil
}

// Snapshot returns a copy of every slot, indexed by slot number.
func (s *SlotStore) Snapshot() []domain.Slot {
	out := make([]domain.Slot, len(s.slots))
	for i := range s.slots {
		out[i] = cloneSlot(s.slots[i])
	}
	return out
}

// BoundFeeds lists the subscriber view of every slot with a feed.
func (s *SlotStore) BoundFeeds() []domain.FeedView {
	out := make([]domain.FeedView, 0, len(s.slots))
	for i, sl := range s.slots {
		if sl.FeedBound {
			out = append(out, cloneSlot(sl).View(domain.SlotIdx(i)))
		}
	}
	return out
}

func (s *SlotStore) Activate(idx domain.SlotIdx, token string, annotation *string) error {
	sl, err := s.at(idx)
	if err != nil {
		return err
	}
	if sl.Active {
		return fmt.Errorf("slot %d: %w", idx, ErrAlreadyActive)
	}
	if token == "" {
		return fmt.Errorf("slot %d: %w", idx, ErrMissingToken)
	}
	s.generation++
	sl.Active = true
	sl.Token = token
	sl.Generation = s.generation
	if annotation != nil {
		sl.Annotation = *annotation
		sl.HasAnnotation = true
	}
	return nil
}

// Deactivate resets the slot to its defaults and returns the state it had
// before, so the caller can tear down a bound sender.
func (s *SlotStore) Deactivate(idx domain.SlotIdx) (domain.Slot, error) {
	sl, err := s.at(idx)
	if err != nil {
		return domain.Slot{}, err
	}
	if !sl.Active {
		return domain.Slot{}, fmt.Errorf("slot %d: %w", idx, ErrNotActive)
	}
	prev := cloneSlot(*sl)
	*sl = s.emptySlot()
	return prev, nil
}

// RefreshToken replaces the token. A sender bound under the old token
// stays bound.
func (s *SlotStore) RefreshToken(idx domain.SlotIdx, token string) error {
	sl, err := s.at(idx)
	if err != nil {
		return err
	}
	if !sl.Active {
		return fmt.Errorf("slot %d: %w", idx, ErrNotActive)
	}
	if token == "" {
		return fmt.Errorf("slot %d: %w", idx, ErrMissingToken)
	}
	sl.Token = token
	return nil
}

func (s *SlotStore) BindFeed(idx domain.SlotIdx, b domain.FeedBinding) error {
	sl, err := s.at(idx)
	if err != nil {
		return err
	}
	if !sl.Active {
		return fmt.Errorf("slot %d: %w", idx, ErrNotActive)
	}
	if sl.FeedBound {
		return fmt.Errorf("slot %d: %w", idx, ErrAlreadyBound)
	}
	sl.FeedBound = true
	sl.FeedID = b.FeedID
	sl.SenderConn = b.Conn
	sl.SessionID = b.SessionID
	sl.RoomHandleID = b.RoomHandleID
	sl.CustomName = b.CustomName
	return nil
}

// UnbindFeed clears the feed fields and the user bitrate limit. It reports
// whether a feed was bound.
func (s *SlotStore) UnbindFeed(idx domain.SlotIdx) (bool, error) {
	sl, err := s.at(idx)
	if err != nil {
		return false, err
	}
	was := sl.FeedBound
	sl.FeedBound = false
	sl.FeedID = ""
	sl.SenderConn = ""
	sl.SessionID = 0
	sl.RoomHandleID = 0
	sl.CustomName = ""
	sl.UserBitrateLimit = 0
	return was, nil
}

// SetVisibility stores the descriptor and reports whether subscribers
// should hear about it.
func (s *SlotStore) SetVisibility(idx domain.SlotIdx, command string, params []string) (bool, error) {
	if !IsVisibilityCommand(command) {
		return false, fmt.Errorf("%q: %w", command, ErrInvalidCommand)
	}
	sl, err := s.at(idx)
	if err != nil {
		return false, err
	}
	sl.Visibility = domain.CommandDescriptor{Command: command, Params: cloneParams(params)}
	return sl.FeedBound, nil
}

func (s *SlotStore) SetGeometry(idx domain.SlotIdx, command string, params []string) (bool, error) {
	if !IsGeometryCommand(command) {
		return false, fmt.Errorf("%q: %w", command, ErrInvalidCommand)
	}
	sl, err := s.at(idx)
	if err != nil {
		return false, err
	}
	sl.Geometry = domain.CommandDescriptor{Command: command, Params: cloneParams(params)}
	return sl.FeedBound, nil
}

func (s *SlotStore) SetAnnotation(idx domain.SlotIdx, text string) (bool, error) {
	sl, err := s.at(idx)
	if err != nil {
		return false, err
	}
	sl.Annotation = text
	sl.HasAnnotation = true
	return sl.FeedBound, nil
}

func (s *SlotStore) ClearAnnotation(idx domain.SlotIdx) (bool, error) {
	sl, err := s.at(idx)
	if err != nil {
		return false, err
	}
	sl.Annotation = ""
	sl.HasAnnotation = false
	return sl.FeedBound, nil
}

// SetCustomName updates the sender's display name of a bound feed.
func (s *SlotStore) SetCustomName(idx domain.SlotIdx, name string) error {
	sl, err := s.at(idx)
	if err != nil {
		return err
	}
	if !sl.FeedBound {
		return fmt.Errorf("slot %d: %w", idx, ErrNotBound)
	}
	sl.CustomName = name
	return nil
}

func (s *SlotStore) SetOperatorBitrateLimit(idx domain.SlotIdx, value int) (BitrateChange, error) {
	sl, err := s.at(idx)
	if err != nil {
		return BitrateChange{}, err
	}
	if !sl.Active {
		return BitrateChange{}, fmt.Errorf("slot %d: %w", idx, ErrNotActive)
	}
	prev := EffectiveBitrate(sl.OperatorBitrateLimit, sl.UserBitrateLimit)
	sl.OperatorBitrateLimit = max(value, 0)
	return BitrateChange{
		Previous:  prev,
		Effective: EffectiveBitrate(sl.OperatorBitrateLimit, sl.UserBitrateLimit),
	}, nil
}

func (s *SlotStore) SetUserBitrateLimit(idx domain.SlotIdx, value int) (BitrateChange, error) {
	sl, err := s.at(idx)
	if err != nil {
		return BitrateChange{}, err
	}
	if !sl.FeedBound {
		return BitrateChange{}, fmt.Errorf("slot %d: %w", idx, ErrNotBound)
	}
	prev := EffectiveBitrate(sl.OperatorBitrateLimit, sl.UserBitrateLimit)
	sl.UserBitrateLimit = max(value, 0)
	return BitrateChange{
		Previous:  prev,
		Effective: EffectiveBitrate(sl.OperatorBitrateLimit, sl.UserBitrateLimit),
	}, nil
}

func cloneSlot(s domain.Slot) domain.Slot {
	s.Visibility.Params = cloneParams(s.Visibility.Params)
	s.Geometry.Params = cloneParams(s.Geometry.Params)
	return s
}

func cloneParams(p []string) []string {
	out := make([]string, len(p))
	copy(out, p)
	return out
}
