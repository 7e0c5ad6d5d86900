package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisNodeRegistry provides Redis-based topology membership (implements
// NodeRegistry). Nodes register under a namespace with a TTL; a background
// heartbeat keeps the entry alive, and peers discover each other by scanning
// the membership set. A node whose heartbeat lapses simply ages out - gossip
// treats it as a suspected partition, never as a fatal condition.
type RedisNodeRegistry struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	logger    Logger

	// Registration state kept for heartbeat self-healing: if Redis lost the
	// entry (restart, eviction) the next heartbeat re-registers it.
	mu    sync.RWMutex
	nodes map[string]*AgentNode

	stopHeartbeat chan struct{}
	heartbeatOnce sync.Once
}

// NewRedisNodeRegistry creates a registry client from a Redis URL.
func NewRedisNodeRegistry(redisURL string) (*RedisNodeRegistry, error) {
	return NewRedisNodeRegistryWithNamespace(redisURL, "swarmmem")
}

// NewRedisNodeRegistryWithNamespace creates a registry client with a custom
// key namespace so multiple independent topologies can share one Redis.
func NewRedisNodeRegistryWithNamespace(redisURL, namespace string) (*RedisNodeRegistry, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", ErrConnectionFailed)
	}

	return &RedisNodeRegistry{
		client:        client,
		namespace:     namespace,
		ttl:           30 * time.Second,
		logger:        &NoOpLogger{},
		nodes:         make(map[string]*AgentNode),
		stopHeartbeat: make(chan struct{}),
	}, nil
}

// SetLogger configures the logger for this registry
func (r *RedisNodeRegistry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetTTL overrides the membership entry TTL
func (r *RedisNodeRegistry) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		r.ttl = ttl
	}
}

func (r *RedisNodeRegistry) nodeKey(agentID string) string {
	return fmt.Sprintf("%s:nodes:%s", r.namespace, agentID)
}

func (r *RedisNodeRegistry) membersKey() string {
	return fmt.Sprintf("%s:members", r.namespace)
}

// Register adds a node to the topology membership set.
func (r *RedisNodeRegistry) Register(ctx context.Context, node *AgentNode) error {
	if node == nil || node.AgentID == "" {
		return &MemoryError{Op: "registry.Register", Kind: "registry",
			Err: fmt.Errorf("%w: node with agent id required", ErrInvalidConfiguration)}
	}

	data, err := json.Marshal(node)
	if err != nil {
		return &MemoryError{Op: "registry.Register", Kind: "registry", Key: node.AgentID, Err: err}
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.nodeKey(node.AgentID), data, r.ttl)
	pipe.SAdd(ctx, r.membersKey(), node.AgentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &MemoryError{Op: "registry.Register", Kind: "registry", Key: node.AgentID,
			Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
	}

	r.mu.Lock()
	r.nodes[node.AgentID] = node
	r.mu.Unlock()

	r.logger.Info("Node registered", map[string]interface{}{
		"agent_id": node.AgentID,
		"address":  node.Address,
		"ttl":      r.ttl.String(),
	})
	return nil
}

// Heartbeat refreshes the TTL of a registered node, re-registering it if the
// entry disappeared from Redis.
func (r *RedisNodeRegistry) Heartbeat(ctx context.Context, agentID string) error {
	ok, err := r.client.Expire(ctx, r.nodeKey(agentID), r.ttl).Result()
	if err != nil {
		return &MemoryError{Op: "registry.Heartbeat", Kind: "registry", Key: agentID,
			Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
	}
	if !ok {
		r.mu.RLock()
		node := r.nodes[agentID]
		r.mu.RUnlock()
		if node == nil {
			return &MemoryError{Op: "registry.Heartbeat", Kind: "registry", Key: agentID, Err: ErrNodeNotFound}
		}
		r.logger.Warn("Membership entry lost, re-registering", map[string]interface{}{
			"agent_id": agentID,
		})
		return r.Register(ctx, node)
	}
	return nil
}

// StartHeartbeat launches a background loop refreshing the node's TTL until
// StopHeartbeat or Unregister is called.
func (r *RedisNodeRegistry) StartHeartbeat(ctx context.Context, agentID string, interval time.Duration) {
	if interval <= 0 {
		interval = r.ttl / 3
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopHeartbeat:
				return
			case <-ticker.C:
				if err := r.Heartbeat(ctx, agentID); err != nil {
					r.logger.Warn("Heartbeat failed", map[string]interface{}{
						"agent_id": agentID,
						"error":    err.Error(),
					})
				}
			}
		}
	}()
}

// StopHeartbeat terminates the background heartbeat loop.
func (r *RedisNodeRegistry) StopHeartbeat() {
	r.heartbeatOnce.Do(func() {
		close(r.stopHeartbeat)
	})
}

// Unregister removes a node from the membership set on graceful leave.
func (r *RedisNodeRegistry) Unregister(ctx context.Context, agentID string) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.nodeKey(agentID))
	pipe.SRem(ctx, r.membersKey(), agentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &MemoryError{Op: "registry.Unregister", Kind: "registry", Key: agentID,
			Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
	}

	r.mu.Lock()
	delete(r.nodes, agentID)
	r.mu.Unlock()

	r.logger.Info("Node unregistered", map[string]interface{}{"agent_id": agentID})
	return nil
}

// DiscoverNodes returns all live members of the topology. Members whose node
// entry has expired are pruned from the membership set as a side effect.
func (r *RedisNodeRegistry) DiscoverNodes(ctx context.Context) ([]*AgentNode, error) {
	ids, err := r.client.SMembers(ctx, r.membersKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, &MemoryError{Op: "registry.DiscoverNodes", Kind: "registry",
			Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
	}

	nodes := make([]*AgentNode, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.nodeKey(id)).Result()
		if err == redis.Nil {
			// Expired entry: the node stopped heartbeating.
			r.client.SRem(ctx, r.membersKey(), id)
			continue
		}
		if err != nil {
			return nil, &MemoryError{Op: "registry.DiscoverNodes", Kind: "registry", Key: id,
				Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
		}
		var node AgentNode
		if err := json.Unmarshal([]byte(data), &node); err != nil {
			r.logger.Warn("Skipping corrupt node entry", map[string]interface{}{
				"agent_id": id,
				"error":    err.Error(),
			})
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

// Close releases the Redis connection.
func (r *RedisNodeRegistry) Close() error {
	r.StopHeartbeat()
	return r.client.Close()
}
