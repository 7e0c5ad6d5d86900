package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hiveworks/swarmmem/core"
)

// RedisTransport exchanges gossip messages over Redis pub/sub for swarms
// whose nodes cannot reach each other directly over HTTP. Each node listens
// on a request channel; replies come back on a per-exchange reply channel
// keyed by message id.
type RedisTransport struct {
	client    *redis.Client
	namespace string
	timeout   time.Duration
	logger    core.Logger
}

// NewRedisTransport creates a transport from a Redis URL.
func NewRedisTransport(redisURL, namespace string, timeout time.Duration) (*RedisTransport, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, &core.MemoryError{Op: "gossip.NewRedisTransport", Kind: "gossip",
			Err: fmt.Errorf("%w: %v", core.ErrInvalidConfiguration, err)}
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &core.MemoryError{Op: "gossip.NewRedisTransport", Kind: "gossip",
			Err: fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)}
	}
	if namespace == "" {
		namespace = "swarmmem"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RedisTransport{
		client:    client,
		namespace: namespace,
		timeout:   timeout,
		logger:    &core.NoOpLogger{},
	}, nil
}

// SetLogger configures the logger for this transport
func (t *RedisTransport) SetLogger(logger core.Logger) {
	if logger != nil {
		t.logger = logger
	}
}

type redisEnvelope struct {
	ReplyTo string   `json:"replyTo,omitempty"`
	Error   string   `json:"error,omitempty"`
	Message *Message `json:"message,omitempty"`
}

func (t *RedisTransport) requestChannel(agentID string) string {
	return fmt.Sprintf("%s:gossip:%s", t.namespace, agentID)
}

func (t *RedisTransport) replyChannel(messageID string) string {
	return fmt.Sprintf("%s:gossip:reply:%s", t.namespace, messageID)
}

// Exchange publishes the message to the peer's request channel and waits for
// the correlated reply.
func (t *RedisTransport) Exchange(ctx context.Context, peer core.AgentNode, msg *Message) (*Message, error) {
	replyCh := t.replyChannel(msg.ID)
	sub := t.client.Subscribe(ctx, replyCh)
	defer sub.Close()
	// Wait for the subscription to be established before publishing.
	if _, err := sub.Receive(ctx); err != nil {
		return nil, &core.MemoryError{Op: "RedisTransport.Exchange", Kind: "gossip", Key: peer.AgentID,
			Err: fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)}
	}

	payload, err := json.Marshal(redisEnvelope{ReplyTo: replyCh, Message: msg})
	if err != nil {
		return nil, &core.MemoryError{Op: "RedisTransport.Exchange", Kind: "gossip", Key: peer.AgentID, Err: err}
	}
	n, err := t.client.Publish(ctx, t.requestChannel(peer.AgentID), payload).Result()
	if err != nil {
		return nil, &core.MemoryError{Op: "RedisTransport.Exchange", Kind: "gossip", Key: peer.AgentID,
			Err: fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)}
	}
	if n == 0 {
		// Nobody is listening on the peer's channel.
		return nil, &core.MemoryError{Op: "RedisTransport.Exchange", Kind: "gossip", Key: peer.AgentID,
			Err: core.ErrPeerUnreachable}
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, &core.MemoryError{Op: "RedisTransport.Exchange", Kind: "gossip", Key: peer.AgentID,
			Err: core.ErrTimeout}
	case <-timer.C:
		return nil, &core.MemoryError{Op: "RedisTransport.Exchange", Kind: "gossip", Key: peer.AgentID,
			Err: core.ErrTimeout}
	case m := <-sub.Channel():
		var env redisEnvelope
		if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
			return nil, &core.MemoryError{Op: "RedisTransport.Exchange", Kind: "gossip", Key: peer.AgentID, Err: err}
		}
		if env.Error != "" {
			if env.Error == core.ErrCompressionFailure.Error() {
				return nil, &core.MemoryError{Op: "RedisTransport.Exchange", Kind: "gossip",
					Key: peer.AgentID, Err: core.ErrCompressionFailure}
			}
			return nil, &core.MemoryError{Op: "RedisTransport.Exchange", Kind: "gossip", Key: peer.AgentID,
				Err: fmt.Errorf("peer error: %s", env.Error)}
		}
		return env.Message, nil
	}
}

// Serve subscribes to the node's request channel and answers exchanges with
// the handler until the context is cancelled. Run it in its own goroutine.
func (t *RedisTransport) Serve(ctx context.Context, agentID string, h Handler) error {
	sub := t.client.Subscribe(ctx, t.requestChannel(agentID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return &core.MemoryError{Op: "RedisTransport.Serve", Kind: "gossip", Key: agentID,
			Err: fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)}
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var env redisEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				t.logger.Warn("Dropping malformed gossip request", map[string]interface{}{
					"agent_id": agentID,
					"error":    err.Error(),
				})
				continue
			}
			reply, err := h(ctx, env.Message)
			out := redisEnvelope{}
			if err != nil {
				if isCompressionFailure(err) {
					out.Error = core.ErrCompressionFailure.Error()
				} else {
					out.Error = err.Error()
				}
			} else {
				out.Message = reply
			}
			payload, err := json.Marshal(out)
			if err != nil {
				continue
			}
			t.client.Publish(ctx, env.ReplyTo, payload)
		}
	}
}
