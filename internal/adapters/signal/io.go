package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openrelay/signaling/internal/core"
	"github.com/openrelay/signaling/internal/domain"
)

func (ctl *Controller) writePump(ctx context.Context, c *wsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cid domain.ClientID, c *wsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("client", string(cid)).Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("client", string(cid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("client", string(cid)).Msg("readPump read ended")
				return
			}
			ctl.dispatch(ctx, cid, c, data)
		}
	}
}

// dispatch routes one inbound request and guarantees exactly one response
// for it. Request failures are per-request: the connection survives.
func (ctl *Controller) dispatch(ctx context.Context, cid domain.ClientID, c *wsSignalConn, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json frame")
		return
	}

	var (
		result any
		err    error
	)
	switch req.Method {
	case "createTransport":
		result, err = ctl.handleCreateTransport(ctx, cid)
	case "connectTransport":
		result, err = ctl.handleConnectTransport(ctx, cid, req.Data)
	case "produce":
		result, err = ctl.handleProduce(ctx, cid, req.Data)
	case "consume":
		result, err = ctl.handleConsume(ctx, cid, req.Data)
	case "resumeConsumer":
		result, err = ctl.handleResumeConsumer(cid, req.Data)
	case "closeTransport":
		result, err = ctl.handleCloseTransport(cid, req.Data)
	case "getRouterRtpCapabilities":
		result = ctl.Registry.Engine().RouterRTPCapabilities()
	case "ping":
		result = map[string]string{"pong": "pong"}
	default:
		err = core.ErrNotFound
		log.Warn().Str("module", "signal").Str("method", req.Method).Msg("unknown method")
	}

	if err != nil {
		log.Warn().Err(err).Str("module", "signal").
			Str("client", string(cid)).Str("method", req.Method).
			Msg("request failed")
		ctl.respond(c, response{ID: req.ID, Error: err.Error()})
		return
	}
	ctl.respond(c, response{ID: req.ID, Data: result})
}

func (ctl *Controller) respond(c *wsSignalConn, resp response) {
	b, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("respond marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("respond dropped")
	}
}
