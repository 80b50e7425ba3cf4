// Package command parses operator control lines.
//
// A line is "<command> <slot> [params...]" for slot commands and
// "<command> [params...]" for room commands.
package command

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dkeye/camslot/internal/domain"
)

type Kind int

const (
	KindVisibility Kind = iota + 1
	KindGeometry
	KindSlot
	KindRoom
)

func (k Kind) String() string {
	switch k {
	case KindVisibility:
		return "visibility"
	case KindGeometry:
		return "geometry"
	case KindSlot:
		return "slot"
	case KindRoom:
		return "room"
	default:
		return "unknown"
	}
}

// Slot commands.
const (
	Activate         = "activate"
	Deactivate       = "deactivate"
	RefreshToken     = "refresh-token"
	SetAnnotation    = "set-annotation"
	RemoveAnnotation = "remove-annotation"
	SetBitrateLimit  = "set-bitrate-limit"
)

// Room commands.
const (
	EditPin = "edit-pin"
)

var (
	ErrEmptyLine      = errors.New("malformed line with no command")
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingSlot    = errors.New("no slot to apply the command on")
	ErrBadSlot        = errors.New("slot is not an integer")
	ErrSlotOutOfRange = errors.New("slot is out of range")
)

var kinds = map[string]Kind{
	domain.CommandShow:             KindVisibility,
	domain.CommandHide:             KindVisibility,
	domain.CommandRelativeToWindow: KindGeometry,
	domain.CommandRelativeToCanvas: KindGeometry,
	Activate:                       KindSlot,
	Deactivate:                     KindSlot,
	RefreshToken:                   KindSlot,
	SetAnnotation:                  KindSlot,
	RemoveAnnotation:               KindSlot,
	SetBitrateLimit:                KindSlot,
	EditPin:                        KindRoom,
}

// Names used by older operator tooling.
var aliases = map[string]string{
	"activate_slot":                   Activate,
	"deactivate_slot":                 Deactivate,
	"refresh_token":                   RefreshToken,
	"set_annotation":                  SetAnnotation,
	"remove_annotation":               RemoveAnnotation,
	"set_bitrate_limit":               SetBitrateLimit,
	"edit_pin":                        EditPin,
	"set_geometry_relative_to_window": domain.CommandRelativeToWindow,
	"set_geometry_relative_to_canvas": domain.CommandRelativeToCanvas,
}

type Command struct {
	Name   string
	Kind   Kind
	Slot   domain.SlotIdx
	Params []string
}

// Names lists every canonical command name.
func Names() []string {
	out := make([]string, 0, len(kinds))
	for name := range kinds {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Parse splits a line and validates the command name and slot index
// against slotCount. Params are returned as-is.
func Parse(line string, slotCount int) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrEmptyLine
	}

	name := fields[0]
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	kind, ok := kinds[name]
	if !ok {
		return Command{}, fmt.Errorf("%q: %w", fields[0], ErrUnknownCommand)
	}

	cmd := Command{Name: name, Kind: kind, Slot: domain.NoSlot, Params: []string{}}
	rest := fields[1:]

	if kind != KindRoom {
		if len(rest) == 0 {
			return Command{}, fmt.Errorf("%s: %w", name, ErrMissingSlot)
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil {
			return Command{}, fmt.Errorf("%s %q: %w", name, rest[0], ErrBadSlot)
		}
		if n < 0 || n >= slotCount {
			return Command{}, fmt.Errorf("%s %d (there are %d slots): %w", name, n, slotCount, ErrSlotOutOfRange)
		}
		cmd.Slot = domain.SlotIdx(n)
		rest = rest[1:]
	}

	cmd.Params = append(cmd.Params, rest...)
	return cmd, nil
}
