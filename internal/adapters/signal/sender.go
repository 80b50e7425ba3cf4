package signal

import (
	"github.com/dkeye/camslot/internal/app/orch"
	"github.com/dkeye/camslot/internal/domain"
	"github.com/rs/zerolog/log"
)

var malformed = orch.Response{Message: "Malformed request"}

func (ctl *SignalWSController) handleSenderInit(id domain.ConnID, conn *WsSignalConn, env envelope) {
	if !ctl.auth.Allow(id) {
		log.Warn().Str("module", "signal").Str("conn", string(id)).Msg("too many sender_init attempts")
		ctl.ack(conn, env, orch.Response{Message: "Too many attempts, try again later"})
		return
	}
	var req orch.SenderInitRequest
	if err := decode(env, &req); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad sender_init payload")
		ctl.ack(conn, env, malformed)
		return
	}
	ctl.ack(conn, env, ctl.Orch.SenderInit(id, req))
}

func (ctl *SignalWSController) handleSetFeedID(id domain.ConnID, conn *WsSignalConn, env envelope) {
	var req orch.SetFeedIDRequest
	if err := decode(env, &req); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad set_feed_id payload")
		ctl.ack(conn, env, malformed)
		return
	}
	ctl.ack(conn, env, ctl.Orch.SetFeedID(id, req))
}

// handleChangeName never replies.
func (ctl *SignalWSController) handleChangeName(id domain.ConnID, env envelope) {
	var req orch.ChangeNameRequest
	if err := decode(env, &req); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad change_name payload")
		return
	}
	ctl.Orch.ChangeName(id, req)
}

func (ctl *SignalWSController) handleSetBitrateLimit(id domain.ConnID, conn *WsSignalConn, env envelope) {
	var req orch.SetBitrateLimitRequest
	if err := decode(env, &req); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad set_bitrate_limit payload")
		ctl.ack(conn, env, malformed)
		return
	}
	ctl.ack(conn, env, ctl.Orch.SetBitrateLimit(id, req))
}
