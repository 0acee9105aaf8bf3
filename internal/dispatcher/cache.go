package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/riptide-io/riptide/internal/domain"
)

// ClientBinding records which SFU node owns a client's session.
// Created at join; mutated only on explicit migration; destroyed on leave or
// node-gone.
type ClientBinding struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
	SFUNodeID     string `json:"sfu_node_id"`
	NodeAddr      string `json:"node_addr"`
}

// ClientCache is the client -> node binding store, with a secondary index by
// participant id used to locate a subscribe target's owning node.
// A participant appears in at most one binding at a time.
type ClientCache interface {
	Insert(ctx context.Context, clientID string, binding ClientBinding) error
	Get(ctx context.Context, clientID string) (ClientBinding, error)
	GetByParticipant(ctx context.Context, participantID string) (string, ClientBinding, error)
	Remove(ctx context.Context, clientID string) error
	// ClientsOnNode lists client ids bound to the given node (node-gone cleanup).
	ClientsOnNode(ctx context.Context, nodeID string) ([]string, error)
}

// MemoryClientCache keeps bindings in process memory; read-mostly access
// behind an RWMutex. Used by tests and single-dispatcher deployments.
type MemoryClientCache struct {
	mu            sync.RWMutex
	byClient      map[string]ClientBinding
	byParticipant map[string]string // participant_id -> client_id
}

// NewMemoryClientCache creates an empty in-memory binding cache.
func NewMemoryClientCache() *MemoryClientCache {
	return &MemoryClientCache{
		byClient:      make(map[string]ClientBinding),
		byParticipant: make(map[string]string),
	}
}

func (c *MemoryClientCache) Insert(_ context.Context, clientID string, binding ClientBinding) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A participant holds at most one binding: evict any stale one first.
	if prev, ok := c.byParticipant[binding.ParticipantID]; ok && prev != clientID {
		delete(c.byClient, prev)
	}

	c.byClient[clientID] = binding
	c.byParticipant[binding.ParticipantID] = clientID
	return nil
}

func (c *MemoryClientCache) Get(_ context.Context, clientID string) (ClientBinding, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	binding, ok := c.byClient[clientID]
	if !ok {
		return ClientBinding{}, domain.ErrClientNotFound
	}
	return binding, nil
}

func (c *MemoryClientCache) GetByParticipant(_ context.Context, participantID string) (string, ClientBinding, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clientID, ok := c.byParticipant[participantID]
	if !ok {
		return "", ClientBinding{}, domain.ErrClientNotFound
	}
	return clientID, c.byClient[clientID], nil
}

func (c *MemoryClientCache) Remove(_ context.Context, clientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if binding, ok := c.byClient[clientID]; ok {
		delete(c.byClient, clientID)
		if c.byParticipant[binding.ParticipantID] == clientID {
			delete(c.byParticipant, binding.ParticipantID)
		}
	}
	return nil
}

func (c *MemoryClientCache) ClientsOnNode(_ context.Context, nodeID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var clients []string
	for clientID, binding := range c.byClient {
		if binding.SFUNodeID == nodeID {
			clients = append(clients, clientID)
		}
	}
	return clients, nil
}

const (
	clientKeyPrefix      = "binding:client:"
	participantKeyPrefix = "binding:participant:"
)

// RedisClientCache shares bindings across dispatcher instances.
type RedisClientCache struct {
	client *redis.Client
}

// NewRedisClientCache connects to Redis and returns a binding cache.
func NewRedisClientCache(url string) (*RedisClientCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClientCache{client: client}, nil
}

func (c *RedisClientCache) Insert(ctx context.Context, clientID string, binding ClientBinding) error {
	data, err := json.Marshal(binding)
	if err != nil {
		return fmt.Errorf("marshal binding: %w", err)
	}

	// Evict a stale binding for the same participant before writing.
	if prev, err := c.client.Get(ctx, participantKeyPrefix+binding.ParticipantID).Result(); err == nil && prev != clientID {
		c.client.Del(ctx, clientKeyPrefix+prev)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, clientKeyPrefix+clientID, data, 0)
	pipe.Set(ctx, participantKeyPrefix+binding.ParticipantID, clientID, 0)
	pipe.SAdd(ctx, "binding:node:"+binding.SFUNodeID, clientID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert binding: %w", err)
	}
	return nil
}

func (c *RedisClientCache) Get(ctx context.Context, clientID string) (ClientBinding, error) {
	raw, err := c.client.Get(ctx, clientKeyPrefix+clientID).Result()
	if err == redis.Nil {
		return ClientBinding{}, domain.ErrClientNotFound
	}
	if err != nil {
		return ClientBinding{}, fmt.Errorf("get binding: %w", err)
	}

	var binding ClientBinding
	if err := json.Unmarshal([]byte(raw), &binding); err != nil {
		return ClientBinding{}, fmt.Errorf("unmarshal binding: %w", err)
	}
	return binding, nil
}

func (c *RedisClientCache) GetByParticipant(ctx context.Context, participantID string) (string, ClientBinding, error) {
	clientID, err := c.client.Get(ctx, participantKeyPrefix+participantID).Result()
	if err == redis.Nil {
		return "", ClientBinding{}, domain.ErrClientNotFound
	}
	if err != nil {
		return "", ClientBinding{}, fmt.Errorf("get participant index: %w", err)
	}

	binding, err := c.Get(ctx, clientID)
	if err != nil {
		return "", ClientBinding{}, err
	}
	return clientID, binding, nil
}

func (c *RedisClientCache) Remove(ctx context.Context, clientID string) error {
	binding, err := c.Get(ctx, clientID)
	if err != nil {
		if err == domain.ErrClientNotFound {
			return nil
		}
		return err
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, clientKeyPrefix+clientID)
	pipe.Del(ctx, participantKeyPrefix+binding.ParticipantID)
	pipe.SRem(ctx, "binding:node:"+binding.SFUNodeID, clientID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove binding: %w", err)
	}
	return nil
}

func (c *RedisClientCache) ClientsOnNode(ctx context.Context, nodeID string) ([]string, error) {
	clients, err := c.client.SMembers(ctx, "binding:node:"+nodeID).Result()
	if err != nil {
		return nil, fmt.Errorf("list node bindings: %w", err)
	}
	return clients, nil
}

// Close closes the underlying Redis client.
func (c *RedisClientCache) Close() error {
	return c.client.Close()
}
