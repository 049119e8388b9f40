package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/switchboard-ai/switchboard/internal/event"
)

// RedisConfig holds connection settings for the broker-backed log.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Stream is the stream key. Group offsets live in <stream>:offsets.
	Stream string
}

// RedisLog is a Log stored in a Redis stream. Entries use explicit ids of
// the form "<offset>-0" with dense offsets starting at 1, so positions read
// the same way as the in-memory log and survive restarts. The process that
// owns the log is its only appender; group offsets are kept in a hash next
// to the stream.
type RedisLog struct {
	client *redis.Client
	stream string
	logger zerolog.Logger

	// appendMu serializes appends so explicit stream ids stay dense.
	appendMu sync.Mutex
	next     Offset
}

// NewRedisLog connects to Redis and verifies the connection.
func NewRedisLog(cfg RedisConfig, logger zerolog.Logger) (*RedisLog, error) {
	if cfg.Stream == "" {
		cfg.Stream = "switchboard:events"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	l := &RedisLog{
		client: client,
		stream: cfg.Stream,
		logger: logger,
	}

	logger.Info().Str("addr", cfg.Addr).Str("stream", cfg.Stream).Msg("redis event log connected")
	return l, nil
}

func (l *RedisLog) offsetsKey() string { return l.stream + ":offsets" }

// Append stores the envelope under the next dense offset.
func (l *RedisLog) Append(ctx context.Context, env event.Envelope) (Offset, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if l.next == 0 {
		last, err := l.lastOffset(ctx)
		if err != nil {
			return 0, err
		}
		l.next = last + 1
	}

	id := fmt.Sprintf("%d-0", l.next)
	err = l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		ID:     id,
		Values: map[string]any{"event": data},
	}).Err()
	if err != nil {
		// next is not advanced, so the id is reused on retry.
		return 0, fmt.Errorf("append to %s: %w", l.stream, err)
	}

	off := l.next
	l.next++
	return off, nil
}

// Read returns events with offsets strictly greater than after.
func (l *RedisLog) Read(ctx context.Context, after Offset, max int) ([]event.Envelope, error) {
	// Ids are always "<n>-0", so starting at "<after>-1" excludes the entry
	// at after and includes everything beyond it.
	start := fmt.Sprintf("%d-1", after)

	var (
		msgs []redis.XMessage
		err  error
	)
	if max > 0 {
		msgs, err = l.client.XRangeN(ctx, l.stream, start, "+", int64(max)).Result()
	} else {
		msgs, err = l.client.XRange(ctx, l.stream, start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("read %s from %d: %w", l.stream, after, err)
	}

	events := make([]event.Envelope, 0, len(msgs))
	for _, msg := range msgs {
		env, err := decodeStreamMessage(msg)
		if err != nil {
			return nil, err
		}
		events = append(events, env)
	}
	return events, nil
}

// Last returns the most recently appended envelope.
func (l *RedisLog) Last(ctx context.Context) (event.Envelope, bool, error) {
	msgs, err := l.client.XRevRangeN(ctx, l.stream, "+", "-", 1).Result()
	if err != nil {
		return event.Envelope{}, false, fmt.Errorf("read tail of %s: %w", l.stream, err)
	}
	if len(msgs) == 0 {
		return event.Envelope{}, false, nil
	}

	env, err := decodeStreamMessage(msgs[0])
	if err != nil {
		return event.Envelope{}, false, err
	}
	return env, true, nil
}

// Consumer opens a consumer for the named group.
func (l *RedisLog) Consumer(ctx context.Context, group string, seek Seek) (Consumer, error) {
	pos, committed, err := l.committedOffset(ctx, group)
	if err != nil {
		return nil, err
	}

	if !committed {
		switch seek.kind {
		case seekBeginning:
			pos = 0
		case seekEnd:
			pos, err = l.lastOffset(ctx)
			if err != nil {
				return nil, err
			}
		case seekOffset:
			pos = seek.offset
		}
	}

	return &redisConsumer{log: l, group: group, pos: pos}, nil
}

// Close releases the Redis connection.
func (l *RedisLog) Close() error {
	return l.client.Close()
}

func (l *RedisLog) lastOffset(ctx context.Context) (Offset, error) {
	msgs, err := l.client.XRevRangeN(ctx, l.stream, "+", "-", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("read tail of %s: %w", l.stream, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	return parseStreamID(msgs[0].ID)
}

func (l *RedisLog) committedOffset(ctx context.Context, group string) (Offset, bool, error) {
	val, err := l.client.HGet(ctx, l.offsetsKey(), group).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read offset of group %s: %w", group, err)
	}

	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt offset %q for group %s: %w", val, group, err)
	}
	return Offset(n), true, nil
}

func (l *RedisLog) commit(ctx context.Context, group string, pos Offset) error {
	cur, committed, err := l.committedOffset(ctx, group)
	if err != nil {
		return err
	}
	if committed && pos < cur {
		return fmt.Errorf("group %s: commit %d behind committed %d: %w",
			group, pos, cur, ErrNonMonotonicCommit)
	}

	if err := l.client.HSet(ctx, l.offsetsKey(), group, strconv.FormatUint(uint64(pos), 10)).Err(); err != nil {
		return fmt.Errorf("commit group %s: %w", group, err)
	}
	return nil
}

type redisConsumer struct {
	log   *RedisLog
	group string
	pos   Offset
}

func (c *redisConsumer) Poll(ctx context.Context, max int) (Batch, error) {
	events, err := c.log.Read(ctx, c.pos, max)
	if err != nil {
		return Batch{}, err
	}
	if len(events) == 0 {
		return Batch{}, nil
	}

	// Offsets are dense, so the batch ends at pos + len.
	c.pos += Offset(len(events))
	return Batch{Events: events, Last: c.pos}, nil
}

func (c *redisConsumer) Commit(ctx context.Context) error {
	return c.log.commit(ctx, c.group, c.pos)
}

func decodeStreamMessage(msg redis.XMessage) (event.Envelope, error) {
	raw, ok := msg.Values["event"]
	if !ok {
		return event.Envelope{}, fmt.Errorf("entry %s has no event field", msg.ID)
	}
	data, ok := raw.(string)
	if !ok {
		return event.Envelope{}, fmt.Errorf("entry %s has malformed event field", msg.ID)
	}

	var env event.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return event.Envelope{}, fmt.Errorf("decode entry %s: %w", msg.ID, err)
	}
	return env, nil
}

func parseStreamID(id string) (Offset, error) {
	head, _, found := strings.Cut(id, "-")
	if !found {
		return 0, fmt.Errorf("malformed stream id %q", id)
	}
	n, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	return Offset(n), nil
}
