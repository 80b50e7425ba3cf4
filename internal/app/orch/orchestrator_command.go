package orch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dkeye/camslot/internal/app/command"
	"github.com/dkeye/camslot/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrMissingParam = errors.New("missing parameter")
	ErrBadParam     = errors.New("malformed parameter")
)

type commandPayload struct {
	Slot    domain.SlotIdx `json:"slot"`
	Command string         `json:"command"`
	Params  []string       `json:"params"`
}

type annotationPayload struct {
	Slot       domain.SlotIdx `json:"slot"`
	Annotation string         `json:"annotation"`
}

// HandleLine parses and applies one operator control line. Errors are
// logged and returned; they never leave state half applied.
func (o *Orchestrator) HandleLine(line string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	log.Info().Str("module", "orch.command").Str("line", line).Msg("got command")
	cmd, err := command.Parse(line, o.Slots.Len())
	if err != nil {
		ev := log.Warn().Err(err).Str("module", "orch.command")
		if errors.Is(err, command.ErrUnknownCommand) {
			ev = ev.Strs("known", command.Names())
		}
		ev.Msg("dropping line")
		return err
	}

	if err := o.dispatch(cmd); err != nil {
		log.Warn().Err(err).Str("module", "orch.command").Str("command", cmd.Name).Int("slot", int(cmd.Slot)).Msg("command failed")
		return err
	}
	return nil
}

func (o *Orchestrator) dispatch(cmd command.Command) error {
	switch cmd.Kind {
	case command.KindVisibility:
		broadcast, err := o.Slots.SetVisibility(cmd.Slot, cmd.Name, cmd.Params)
		if err != nil {
			return err
		}
		o.relayCommand(cmd, broadcast)
		return nil
	case command.KindGeometry:
		broadcast, err := o.Slots.SetGeometry(cmd.Slot, cmd.Name, cmd.Params)
		if err != nil {
			return err
		}
		o.relayCommand(cmd, broadcast)
		return nil
	case command.KindSlot:
		return o.handleSlotCommand(cmd)
	case command.KindRoom:
		return o.handleRoomCommand(cmd)
	default:
		log.Error().Str("module", "orch.command").Str("command", cmd.Name).Msg("command of unknown kind reached dispatch")
		return fmt.Errorf("%s: %w", cmd.Name, command.ErrUnknownCommand)
	}
}

func (o *Orchestrator) relayCommand(cmd command.Command, broadcast bool) {
	if !broadcast {
		return
	}
	o.broadcast(Event{Type: EventCommand, Data: commandPayload{Slot: cmd.Slot, Command: cmd.Name, Params: cmd.Params}})
}

func (o *Orchestrator) handleSlotCommand(cmd command.Command) error {
	idx := cmd.Slot
	logger := log.With().Str("module", "orch.command").Int("slot", int(idx)).Logger()

	switch cmd.Name {
	case command.Activate:
		if len(cmd.Params) == 0 {
			return fmt.Errorf("%s needs a token: %w", cmd.Name, ErrMissingParam)
		}
		var annotation *string
		if len(cmd.Params) > 1 {
			a := strings.Join(cmd.Params[1:], " ")
			annotation = &a
		}
		if err := o.Slots.Activate(idx, cmd.Params[0], annotation); err != nil {
			return err
		}
		logger.Info().Msg("slot activated")
		return nil

	case command.Deactivate:
		prev, err := o.Slots.Deactivate(idx)
		if err != nil {
			return err
		}
		o.Registry.ForgetSlot(idx)
		if prev.FeedBound {
			if conn, ok := o.Registry.Conn(prev.SenderConn); ok {
				logger.Info().Str("conn", string(prev.SenderConn)).Msg("disconnecting sender")
				o.Registry.Cancel(prev.SenderConn)
				conn.Close()
			}
			o.emitRemoveFeed(idx)
		}
		logger.Info().Msg("slot deactivated")
		return nil

	case command.RefreshToken:
		if len(cmd.Params) == 0 {
			logger.Warn().Msg("no token parameter, keeping old token")
			return fmt.Errorf("%s needs a token: %w", cmd.Name, ErrMissingParam)
		}
		if err := o.Slots.RefreshToken(idx, cmd.Params[0]); err != nil {
			return err
		}
		logger.Info().Msg("token refreshed")
		return nil

	case command.SetAnnotation:
		if len(cmd.Params) == 0 {
			return fmt.Errorf("%s needs a text: %w", cmd.Name, ErrMissingParam)
		}
		text := strings.Join(cmd.Params, " ")
		broadcast, err := o.Slots.SetAnnotation(idx, text)
		if err != nil {
			return err
		}
		if broadcast {
			o.broadcast(Event{Type: EventSetAnnotation, Data: annotationPayload{Slot: idx, Annotation: text}})
		}
		return nil

	case command.RemoveAnnotation:
		broadcast, err := o.Slots.ClearAnnotation(idx)
		if err != nil {
			return err
		}
		if broadcast {
			o.broadcast(Event{Type: EventRemoveAnnotation, Data: slotPayload{Slot: idx}})
		}
		return nil

	case command.SetBitrateLimit:
		if len(cmd.Params) == 0 {
			return fmt.Errorf("%s needs a bitrate: %w", cmd.Name, ErrMissingParam)
		}
		limit, err := strconv.Atoi(cmd.Params[0])
		if err != nil {
			return fmt.Errorf("%s %q: %w", cmd.Name, cmd.Params[0], ErrBadParam)
		}
		change, err := o.Slots.SetOperatorBitrateLimit(idx, limit)
		if err != nil {
			return err
		}
		sl, _ := o.Slots.Get(idx)
		logger.Info().Int("limit", sl.OperatorBitrateLimit).Int("effective", change.Effective).Msg("operator bitrate limit set")
		if sl.FeedBound {
			o.unicast(sl.SenderConn, Event{Type: EventControllerBitrateLimit, Data: bitrateLimitPayload{BitrateLimit: sl.OperatorBitrateLimit}})
			if change.Changed() {
				o.pushBitrate(idx, sl.SessionID, sl.RoomHandleID, change.Effective)
			}
		}
		return nil

	default:
		logger.Error().Str("command", cmd.Name).Msg("unknown internal slot command")
		return fmt.Errorf("%s: %w", cmd.Name, command.ErrUnknownCommand)
	}
}

func (o *Orchestrator) handleRoomCommand(cmd command.Command) error {
	switch cmd.Name {
	case command.EditPin:
		if len(cmd.Params) == 0 {
			return fmt.Errorf("%s needs a pin: %w", cmd.Name, ErrMissingParam)
		}
		pin := cmd.Params[0]
		log.Info().Str("module", "orch.command").Msg("editing room pin")
		o.goRoom("edit_pin", func(ctx context.Context) error {
			return o.Room.EditPin(ctx, pin)
		})
		return nil
	default:
		log.Error().Str("module", "orch.command").Str("command", cmd.Name).Msg("unknown internal room command")
		return fmt.Errorf("%s: %w", cmd.Name, command.ErrUnknownCommand)
	}
}
