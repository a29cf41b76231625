package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openrelay/signaling/internal/core"
	"github.com/openrelay/signaling/internal/domain"
)

func (ctl *Controller) handleCreateTransport(ctx context.Context, cid domain.ClientID) (any, error) {
	tid, params, err := ctl.Registry.CreateTransport(ctx, cid)
	if err != nil {
		return nil, err
	}
	return createTransportResult{TransportID: tid, Params: params}, nil
}

func (ctl *Controller) handleConnectTransport(ctx context.Context, cid domain.ClientID, data json.RawMessage) (any, error) {
	var p connectTransportPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: bad connectTransport payload", core.ErrValidation)
	}
	err := ctl.Registry.Connect(ctx, cid, p.TransportID, core.ConnectParams{
		DTLSParameters: p.DTLSParameters,
		ICEParameters:  p.ICEParameters,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (ctl *Controller) handleProduce(ctx context.Context, cid domain.ClientID, data json.RawMessage) (any, error) {
	var p producePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: bad produce payload", core.ErrValidation)
	}
	kind, err := domain.ParseKind(p.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	pid, err := ctl.Registry.Produce(ctx, cid, p.TransportID, kind, p.RTPParameters)
	if err != nil {
		return nil, err
	}
	return produceResult{ProducerID: pid}, nil
}

func (ctl *Controller) handleConsume(ctx context.Context, cid domain.ClientID, data json.RawMessage) (any, error) {
	var p consumePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: bad consume payload", core.ErrValidation)
	}
	desc, err := ctl.Registry.Consume(ctx, cid, p.TransportID, p.ProducerID)
	if err != nil {
		return nil, err
	}
	return desc, nil
}

func (ctl *Controller) handleResumeConsumer(cid domain.ClientID, data json.RawMessage) (any, error) {
	var p resumeConsumerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: bad resumeConsumer payload", core.ErrValidation)
	}
	if err := ctl.Registry.ResumeConsumer(cid, p.ConsumerID); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (ctl *Controller) handleCloseTransport(cid domain.ClientID, data json.RawMessage) (any, error) {
	var p closeTransportPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: bad closeTransport payload", core.ErrValidation)
	}
	if err := ctl.Registry.CloseTransport(cid, p.TransportID); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}
