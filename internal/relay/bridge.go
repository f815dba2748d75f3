package relay

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"collabroom/protocol"
)

const (
	bridgePattern    = "collabroom:room:*"
	bridgeKeyPrefix  = "collabroom:room:"
	historyKeyPrefix = "collabroom:history:"
)

// wireFrame is the msgpack payload exchanged between relay nodes over
// redis pub/sub. Origin lets a node skip its own publications.
type wireFrame struct {
	Origin string            `msgpack:"origin"`
	Env    protocol.Envelope `msgpack:"env"`
}

// Bridge fans room events out across relay nodes through redis pub/sub and
// mirrors the history window into redis lists so replay spans nodes.
type Bridge struct {
	rdb    *redis.Client
	origin string
	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge connects to redis.
func NewBridge(addr string) (*Bridge, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		cancel()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Bridge{rdb: rdb, ctx: ctx, cancel: cancel}, nil
}

// start subscribes to every room channel and relays frames from other
// nodes into the server's rooms.
func (b *Bridge) start(s *Server) {
	b.origin = s.instanceID
	b.pubsub = b.rdb.PSubscribe(b.ctx, bridgePattern)
	ch := b.pubsub.Channel()
	go func() {
		for msg := range ch {
			var wf wireFrame
			if err := msgpack.Unmarshal([]byte(msg.Payload), &wf); err != nil {
				log.Printf("[bridge] decode frame: %v", err)
				continue
			}
			if wf.Origin == b.origin {
				continue
			}
			s.deliverRemote(wf.Env)
		}
	}()
}

// Publish sends a room event to the other nodes.
func (b *Bridge) Publish(env protocol.Envelope) {
	raw, err := msgpack.Marshal(wireFrame{Origin: b.origin, Env: env})
	if err != nil {
		log.Printf("[bridge] encode frame: %v", err)
		return
	}
	if err := b.rdb.Publish(b.ctx, bridgeKeyPrefix+env.RoomID, raw).Err(); err != nil {
		log.Printf("[bridge] publish to %s: %v", env.RoomID, err)
	}
}

// AppendHistory mirrors one event into the room's bounded redis list.
func (b *Bridge) AppendHistory(env protocol.Envelope) {
	raw, err := msgpack.Marshal(env)
	if err != nil {
		log.Printf("[bridge] encode history entry: %v", err)
		return
	}
	key := historyKeyPrefix + env.RoomID
	pipe := b.rdb.Pipeline()
	pipe.LPush(b.ctx, key, raw)
	pipe.LTrim(b.ctx, key, 0, historyLimit-1)
	if _, err := pipe.Exec(b.ctx); err != nil {
		log.Printf("[bridge] append history for %s: %v", env.RoomID, err)
	}
}

// History returns the room's replay window, oldest first.
func (b *Bridge) History(ctx context.Context, roomID string) ([]protocol.Envelope, error) {
	raws, err := b.rdb.LRange(ctx, historyKeyPrefix+roomID, 0, historyLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history list: %w", err)
	}
	// LPush stores newest first.
	out := make([]protocol.Envelope, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var env protocol.Envelope
		if err := msgpack.Unmarshal([]byte(raws[i]), &env); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		out = append(out, env)
	}
	return out, nil
}

// Close stops the subscription and the client.
func (b *Bridge) Close() {
	b.cancel()
	if b.pubsub != nil {
		b.pubsub.Close()
	}
	b.rdb.Close()
}
