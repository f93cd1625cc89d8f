// Package redisstore provides a Redis-backed conversation.Store so several
// frontdesk processes can share patient histories.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/frontdesk/internal/conversation"
)

var tracer = otel.Tracer("github.com/linnemanlabs/frontdesk/internal/conversation/redisstore")

const keyPrefix = "frontdesk:ctx:"

// appendScript pushes a turn and its size, then pops from the front until
// both caps hold. Running it server-side makes each append atomic for the
// user's keys without client retries.
var appendScript = redis.NewScript(`
local turns, sizes = KEYS[1], KEYS[2]
local maxTurns, maxChars, ttl = tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4])
redis.call('RPUSH', turns, ARGV[1])
redis.call('RPUSH', sizes, ARGV[5])
local total = 0
for _, v in ipairs(redis.call('LRANGE', sizes, 0, -1)) do
  total = total + tonumber(v)
end
local n = redis.call('LLEN', sizes)
while n > 0 and ((maxTurns > 0 and n > maxTurns) or (maxChars > 0 and total > maxChars)) do
  total = total - tonumber(redis.call('LPOP', sizes))
  redis.call('LPOP', turns)
  n = n - 1
end
if ttl > 0 then
  redis.call('PEXPIRE', turns, ttl)
  redis.call('PEXPIRE', sizes, ttl)
end
return n
`)

// Store keeps each user's history as a Redis list of JSON-encoded turns,
// oldest first, next to a list of per-turn character counts.
type Store struct {
	client redis.UniversalClient
	limits conversation.Limits
}

// New returns a Store. limits.IdleTTL becomes the key expiry, refreshed on
// every append.
func New(client redis.UniversalClient, limits conversation.Limits) *Store {
	if client == nil {
		panic("redisstore: redis client cannot be nil")
	}
	return &Store{client: client, limits: limits}
}

// keys share a hash tag so both land on one cluster slot
func turnsKey(userID string) string { return keyPrefix + "{" + userID + "}" }

func sizesKey(userID string) string { return keyPrefix + "{" + userID + "}:sizes" }

// Append implements conversation.Store.
func (s *Store) Append(ctx context.Context, userID string, turn conversation.Turn) error {
	if userID == "" {
		return conversation.ErrNoUser
	}

	ctx, span := tracer.Start(ctx, "redisstore.Append", trace.WithAttributes(
		attribute.String("db.system", "redis"),
	))
	defer span.End()

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	err = appendScript.Run(ctx, s.client,
		[]string{turnsKey(userID), sizesKey(userID)},
		string(data), s.limits.MaxTurns, s.limits.MaxChars, s.limits.IdleTTL.Milliseconds(), turn.Chars(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("append turn for %s: %w", userID, err)
	}
	return nil
}

// Window implements conversation.Store.
func (s *Store) Window(ctx context.Context, userID string, maxTurns int) ([]conversation.Turn, error) {
	if userID == "" {
		return nil, conversation.ErrNoUser
	}

	ctx, span := tracer.Start(ctx, "redisstore.Window", trace.WithAttributes(
		attribute.String("db.system", "redis"),
	))
	defer span.End()

	start := int64(0)
	if maxTurns > 0 {
		start = -int64(maxTurns)
	}
	raw, err := s.client.LRange(ctx, turnsKey(userID), start, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load window for %s: %w", userID, err)
	}

	turns := make([]conversation.Turn, 0, len(raw))
	for _, r := range raw {
		var t conversation.Turn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("decode stored turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Clear implements conversation.Store.
func (s *Store) Clear(ctx context.Context, userID string) error {
	if userID == "" {
		return conversation.ErrNoUser
	}
	if err := s.client.Del(ctx, turnsKey(userID), sizesKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear history for %s: %w", userID, err)
	}
	return nil
}
