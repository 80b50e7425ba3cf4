package signal

import "github.com/dkeye/camslot/internal/domain"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn, env envelope) {
	ctl.sendJSON(conn, reply{Type: "pong", ID: env.ID})
}

type statePayload struct {
	Feeds []domain.FeedView `json:"feeds"`
}

// handleQueryState answers with every slot that currently has a feed.
func (ctl *SignalWSController) handleQueryState(conn *WsSignalConn, env envelope) {
	ctl.sendJSON(conn, reply{
		Type: "state",
		ID:   env.ID,
		Data: statePayload{Feeds: ctl.Orch.QueryState()},
	})
}
