package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/anchor/pkg/mqtt"
	"github.com/google/uuid"
)

const (
	kindVote   = "vote"
	kindAppend = "append"
)

var errUnexpectedSender = errors.New("reply from unexpected replica")

type envelope struct {
	RequestID string          `json:"request_id"`
	From      string          `json:"from"`
	Kind      string          `json:"kind"`
	Body      json.RawMessage `json:"body"`
}

// MQTTTransport exchanges RPCs over the broker. Requests go to
// <base>/raft/<peer>/rpc and replies come back on <base>/raft/<sender>/reply,
// correlated by request id and replying replica id.
type MQTTTransport struct {
	id     string
	base   string
	pubsub mqtt.PubSub
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan envelope
}

var _ Transport = (*MQTTTransport)(nil)

func NewMQTTTransport(id, baseTopic string, pubsub mqtt.PubSub, logger *slog.Logger) *MQTTTransport {
	return &MQTTTransport{
		id:      id,
		base:    baseTopic,
		pubsub:  pubsub,
		logger:  logger,
		pending: make(map[string]chan envelope),
	}
}

func (t *MQTTTransport) rpcTopic(id string) string {
	return fmt.Sprintf("%s/raft/%s/rpc", t.base, id)
}

func (t *MQTTTransport) replyTopic(id string) string {
	return fmt.Sprintf("%s/raft/%s/reply", t.base, id)
}

// Serve subscribes to this replica's request and reply topics and hands
// inbound requests to h.
func (t *MQTTTransport) Serve(ctx context.Context, h RPCHandler) error {
	if err := t.pubsub.Subscribe(ctx, t.rpcTopic(t.id), t.handleRequest(ctx, h)); err != nil {
		return fmt.Errorf("failed to subscribe to raft rpc topic: %w", err)
	}
	if err := t.pubsub.Subscribe(ctx, t.replyTopic(t.id), t.handleReply); err != nil {
		return fmt.Errorf("failed to subscribe to raft reply topic: %w", err)
	}

	return nil
}

func (t *MQTTTransport) RequestVote(ctx context.Context, peer string, req VoteRequest) (VoteResponse, error) {
	var resp VoteResponse
	if err := t.call(ctx, peer, kindVote, req, &resp); err != nil {
		return VoteResponse{}, err
	}

	return resp, nil
}

func (t *MQTTTransport) AppendEntries(ctx context.Context, peer string, req AppendRequest) (AppendResponse, error) {
	var resp AppendResponse
	if err := t.call(ctx, peer, kindAppend, req, &resp); err != nil {
		return AppendResponse{}, err
	}

	return resp, nil
}

func (t *MQTTTransport) call(ctx context.Context, peer, kind string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	env := envelope{
		RequestID: uuid.NewString(),
		From:      t.id,
		Kind:      kind,
		Body:      body,
	}

	ch := make(chan envelope, 1)
	t.mu.Lock()
	t.pending[env.RequestID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, env.RequestID)
		t.mu.Unlock()
	}()

	if err := t.pubsub.Publish(ctx, t.rpcTopic(peer), env); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case reply := <-ch:
		if reply.From != peer {
			return fmt.Errorf("%w: expected %s, got %s", errUnexpectedSender, peer, reply.From)
		}

		return json.Unmarshal(reply.Body, out)
	}
}

func (t *MQTTTransport) handleRequest(ctx context.Context, h RPCHandler) mqtt.Handler {
	return func(_ string, msg map[string]any) error {
		env, err := decodeEnvelope(msg)
		if err != nil {
			return err
		}

		switch env.Kind {
		case kindVote:
			var req VoteRequest
			if err := json.Unmarshal(env.Body, &req); err != nil {
				return err
			}
			go t.reply(ctx, env, h.HandleRequestVote(ctx, req))
		case kindAppend:
			var req AppendRequest
			if err := json.Unmarshal(env.Body, &req); err != nil {
				return err
			}
			go t.reply(ctx, env, h.HandleAppendEntries(ctx, req))
		default:
			return fmt.Errorf("unknown raft rpc kind %q", env.Kind)
		}

		return nil
	}
}

func (t *MQTTTransport) reply(ctx context.Context, req envelope, resp any) {
	body, err := json.Marshal(resp)
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to encode raft reply", "error", err)

		return
	}

	env := envelope{
		RequestID: req.RequestID,
		From:      t.id,
		Kind:      req.Kind,
		Body:      body,
	}
	if err := t.pubsub.Publish(ctx, t.replyTopic(req.From), env); err != nil {
		t.logger.WarnContext(ctx, "failed to publish raft reply", "to", req.From, "error", err)
	}
}

func (t *MQTTTransport) handleReply(_ string, msg map[string]any) error {
	env, err := decodeEnvelope(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	ch, ok := t.pending[env.RequestID]
	t.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case ch <- env:
	default:
	}

	return nil
}

func decodeEnvelope(msg map[string]any) (envelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return envelope{}, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, err
	}
	if env.RequestID == "" || env.From == "" {
		return envelope{}, errors.New("raft envelope missing request id or sender")
	}

	return env, nil
}
