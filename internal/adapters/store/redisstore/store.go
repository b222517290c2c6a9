// Package redisstore keeps call records in Redis hashes, candidate sequences in lists,
// and fans changes out over pub/sub. Guarded writes run as Lua scripts so every
// check and its write are atomic. Keys are derived inside scripts, so it targets a
// single node rather than a cluster.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Callkit/internal/adapters/store"
	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

const DefaultPrefix = "callkit:"

var ErrClosed = errors.New("redis store closed")

// Config mirrors the store.redis config block.
type Config struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// Open initializes a client and validates connectivity via PING.
func Open(ctx context.Context, cfg Config) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Hash fields of one call.
const (
	hID           = "id"
	hCallerID     = "caller_id"
	hCalleeID     = "callee_id"
	hCallerName   = "caller_name"
	hCallerAvatar = "caller_avatar"
	hCalleeName   = "callee_name"
	hCalleeAvatar = "callee_avatar"
	hStatus       = "status"
	hOffer        = "offer"
	hAnswer       = "answer"
	hAcceptedAt   = "accepted_at"
	hEndedBy      = "ended_by"
	hEndReason    = "end_reason"
	hCreatedAt    = "created_at"
)

var createScript = redis.NewScript(`
-- KEYS[1] = call hash
-- ARGV[1] = prefix, ARGV[2] = callee id, ARGV[3] = created at (ms), ARGV[4] = call id
-- ARGV[5..] = field/value pairs
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 'exists'
end
for i = 5, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('ZADD', ARGV[1] .. 'ringing:' .. ARGV[2], ARGV[3], ARGV[4])
redis.call('PUBLISH', ARGV[1] .. 'incoming:' .. ARGV[2], ARGV[4])
return 'ok'
`)

var updateScript = redis.NewScript(`
-- KEYS[1] = call hash
-- ARGV[1] = prefix
-- ARGV[2] = new status or ''
-- ARGV[3] = comma separated statuses the new status may come from
-- ARGV[4] = offer json or '', ARGV[5] = answer json or '', ARGV[6] = accepted at or ''
-- ARGV[7] = ended by, ARGV[8] = end reason
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'not_found'
end
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'ended' or status == 'declined' or status == 'unanswered' then
  return 'terminal'
end
local hasOffer = redis.call('HEXISTS', KEYS[1], 'offer') == 1
local hasAnswer = redis.call('HEXISTS', KEYS[1], 'answer') == 1
if ARGV[4] ~= '' and hasOffer then
  return 'offer_set'
end
if ARGV[5] ~= '' then
  if hasAnswer then
    return 'answer_set'
  end
  if not hasOffer and ARGV[4] == '' then
    return 'no_offer'
  end
end
if ARGV[6] ~= '' and redis.call('HEXISTS', KEYS[1], 'accepted_at') == 1 then
  return 'accepted_set'
end
if ARGV[2] ~= '' then
  local allowed = false
  for from in string.gmatch(ARGV[3], '[^,]+') do
    if from == status then
      allowed = true
    end
  end
  if not allowed then
    return 'invalid_transition'
  end
  if ARGV[2] == 'active' and not hasAnswer and ARGV[5] == '' then
    return 'no_answer'
  end
end

if ARGV[4] ~= '' then redis.call('HSET', KEYS[1], 'offer', ARGV[4]) end
if ARGV[5] ~= '' then redis.call('HSET', KEYS[1], 'answer', ARGV[5]) end
if ARGV[6] ~= '' then redis.call('HSET', KEYS[1], 'accepted_at', ARGV[6]) end
local id = redis.call('HGET', KEYS[1], 'id')
local callee = redis.call('HGET', KEYS[1], 'callee_id')
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'status', ARGV[2])
  if ARGV[2] == 'ended' or ARGV[2] == 'declined' or ARGV[2] == 'unanswered' then
    redis.call('HSET', KEYS[1], 'ended_by', ARGV[7], 'end_reason', ARGV[8])
  end
  if ARGV[2] ~= 'ringing' then
    redis.call('ZREM', ARGV[1] .. 'ringing:' .. callee, id)
  end
end
redis.call('PUBLISH', ARGV[1] .. 'call:' .. id, 'update')
redis.call('PUBLISH', ARGV[1] .. 'incoming:' .. callee, id)
return 'ok'
`)

var appendScript = redis.NewScript(`
-- KEYS[1] = call hash, KEYS[2] = candidate list
-- ARGV[1] = candidate json, ARGV[2] = channel
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'not_found'
end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('PUBLISH', ARGV[2], 'append')
return 'ok'
`)

var scriptErrors = map[string]error{
	"not_found":          core.ErrCallNotFound,
	"exists":             core.ErrCallExists,
	"terminal":           domain.ErrCallTerminal,
	"offer_set":          fmt.Errorf("%w: offer", domain.ErrFieldAlreadySet),
	"answer_set":         fmt.Errorf("%w: answer", domain.ErrFieldAlreadySet),
	"accepted_set":       fmt.Errorf("%w: acceptedAt", domain.ErrFieldAlreadySet),
	"no_offer":           domain.ErrAnswerWithoutOffer,
	"invalid_transition": domain.ErrInvalidTransition,
	"no_answer":          domain.ErrActiveNoAnswer,
}

func scriptResult(res string, id domain.CallID) error {
	if res == "ok" {
		return nil
	}
	if err, ok := scriptErrors[res]; ok {
		return fmt.Errorf("%w: %s", err, id)
	}
	return fmt.Errorf("unexpected script result %q", res)
}

type Store struct {
	rdb    *redis.Client
	prefix string
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[int]*redis.PubSub
	nextID int
	wg     sync.WaitGroup
}

var _ core.SignalStore = (*Store)(nil)

func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		rdb:    rdb,
		prefix: prefix,
		logger: log.With().Str("module", "store.redis").Logger(),
		subs:   map[int]*redis.PubSub{},
	}
}

func (s *Store) callKey(id domain.CallID) string { return s.prefix + "call:" + string(id) }

func (s *Store) candKey(id domain.CallID, role domain.Role) string {
	return s.prefix + "cands:" + string(id) + ":" + string(role)
}

func (s *Store) ringingKey(callee domain.ParticipantID) string {
	return s.prefix + "ringing:" + string(callee)
}

func (s *Store) incomingChannel(callee domain.ParticipantID) string {
	return s.prefix + "incoming:" + string(callee)
}

func (s *Store) CreateCall(ctx context.Context, rec domain.CallRecord) error {
	fields, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	args := []any{s.prefix, string(rec.CalleeID), rec.CreatedAt.UnixMilli(), string(rec.ID)}
	args = append(args, fields...)
	res, err := createScript.Run(ctx, s.rdb, []string{s.callKey(rec.ID)}, args...).Text()
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	return scriptResult(res, rec.ID)
}

func (s *Store) UpdateCall(ctx context.Context, id domain.CallID, u domain.CallUpdate) error {
	if u.Empty() {
		return nil
	}
	var status, from string
	if u.Status != nil {
		status = string(*u.Status)
		froms := make([]string, 0, 2)
		for _, f := range domain.FromStatuses(*u.Status) {
			froms = append(froms, string(f))
		}
		from = strings.Join(froms, ",")
	}
	offer, err := encodeDesc(u.Offer)
	if err != nil {
		return err
	}
	answer, err := encodeDesc(u.Answer)
	if err != nil {
		return err
	}
	var accepted string
	if u.AcceptedAt != nil {
		accepted = u.AcceptedAt.UTC().Format(time.RFC3339Nano)
	}
	res, err := updateScript.Run(ctx, s.rdb, []string{s.callKey(id)},
		s.prefix, status, from, offer, answer, accepted, string(u.EndedBy), u.EndReason,
	).Text()
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	return scriptResult(res, id)
}

func (s *Store) AppendCandidate(ctx context.Context, id domain.CallID, role domain.Role, c domain.Candidate) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}
	key := s.candKey(id, role)
	res, err := appendScript.Run(ctx, s.rdb, []string{s.callKey(id), key}, string(raw), key).Text()
	if err != nil {
		return fmt.Errorf("append %s candidate: %w", role, err)
	}
	return scriptResult(res, id)
}

func (s *Store) GetCall(ctx context.Context, id domain.CallID) (domain.CallRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.callKey(id)).Result()
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("get call: %w", err)
	}
	if len(fields) == 0 {
		return domain.CallRecord{}, fmt.Errorf("%w: %s", core.ErrCallNotFound, id)
	}
	return decodeRecord(fields)
}

func (s *Store) candidates(ctx context.Context, id domain.CallID, role domain.Role) ([]domain.Candidate, error) {
	raw, err := s.rdb.LRange(ctx, s.candKey(id, role), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s candidates: %w", role, err)
	}
	out := make([]domain.Candidate, 0, len(raw))
	for _, r := range raw {
		var c domain.Candidate
		if err := json.Unmarshal([]byte(r), &c); err != nil {
			return nil, fmt.Errorf("decode candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) ringing(ctx context.Context, callee domain.ParticipantID) ([]domain.CallRecord, error) {
	ids, err := s.rdb.ZRange(ctx, s.ringingKey(callee), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read ringing set: %w", err)
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.callKey(domain.CallID(id)))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("read ringing calls: %w", err)
		}
	}
	out := make([]domain.CallRecord, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		if rec.Status == domain.CallRinging {
			out = append(out, rec)
		}
	}
	store.SortIncoming(out)
	return out, nil
}

func (s *Store) WatchCall(ctx context.Context, id domain.CallID, fn func(domain.CallRecord)) (core.Unsubscribe, error) {
	return follow(ctx, s, s.prefix+"call:"+string(id), fn, func(ctx context.Context) (domain.CallRecord, error) {
		return s.GetCall(ctx, id)
	})
}

func (s *Store) WatchCandidates(ctx context.Context, id domain.CallID, role domain.Role, fn func([]domain.Candidate)) (core.Unsubscribe, error) {
	if _, err := s.GetCall(ctx, id); err != nil {
		return nil, err
	}
	return follow(ctx, s, s.candKey(id, role), fn, func(ctx context.Context) ([]domain.Candidate, error) {
		return s.candidates(ctx, id, role)
	})
}

func (s *Store) WatchIncoming(ctx context.Context, callee domain.ParticipantID, fn func([]domain.CallRecord)) (core.Unsubscribe, error) {
	return follow(ctx, s, s.incomingChannel(callee), fn, func(ctx context.Context) ([]domain.CallRecord, error) {
		return s.ringing(ctx, callee)
	})
}

// follow subscribes to channel, waits for the subscription to be confirmed, then
// reads the initial value. Every message triggers a fresh read.
func follow[T any](ctx context.Context, s *Store, channel string, fn func(T), fetch func(context.Context) (T, error)) (core.Unsubscribe, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextID++
	n := s.nextID
	s.mu.Unlock()

	ps := s.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	initial, err := fetch(ctx)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ps.Close()
		return nil, ErrClosed
	}
	s.subs[n] = ps
	s.mu.Unlock()

	feed := store.NewFeed(fn)
	feed.Push(initial)

	readCtx, cancel := context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for range ps.Channel() {
			v, err := fetch(readCtx)
			if err != nil {
				if readCtx.Err() == nil {
					s.logger.Warn().Err(err).Str("channel", channel).Msg("refresh after notification")
				}
				continue
			}
			feed.Push(v)
		}
	}()

	return store.StopOnDone(ctx, feed, func() {
		cancel()
		s.mu.Lock()
		delete(s.subs, n)
		s.mu.Unlock()
		_ = ps.Close()
	}), nil
}

// Close ends every subscription and waits for the readers. The client stays open.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = map[int]*redis.PubSub{}
	s.mu.Unlock()

	var err error
	for _, ps := range subs {
		err = multierr.Append(err, ps.Close())
	}
	s.wg.Wait()
	return err
}

func encodeDesc(d *domain.SessionDescription) (string, error) {
	if d == nil {
		return "", nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", d.Type, err)
	}
	return string(raw), nil
}

func encodeRecord(rec domain.CallRecord) ([]any, error) {
	out := []any{
		hID, string(rec.ID),
		hCallerID, string(rec.CallerID),
		hCalleeID, string(rec.CalleeID),
		hCallerName, rec.CallerName,
		hCallerAvatar, rec.CallerAvatar,
		hCalleeName, rec.CalleeName,
		hCalleeAvatar, rec.CalleeAvatar,
		hStatus, string(rec.Status),
		hCreatedAt, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, d := range []struct {
		field string
		desc  *domain.SessionDescription
	}{{hOffer, rec.Offer}, {hAnswer, rec.Answer}} {
		if d.desc == nil {
			continue
		}
		raw, err := encodeDesc(d.desc)
		if err != nil {
			return nil, err
		}
		out = append(out, d.field, raw)
	}
	if rec.AcceptedAt != nil {
		out = append(out, hAcceptedAt, rec.AcceptedAt.UTC().Format(time.RFC3339Nano))
	}
	return out, nil
}

func decodeRecord(f map[string]string) (domain.CallRecord, error) {
	rec := domain.CallRecord{
		ID:           domain.CallID(f[hID]),
		CallerID:     domain.ParticipantID(f[hCallerID]),
		CalleeID:     domain.ParticipantID(f[hCalleeID]),
		CallerName:   f[hCallerName],
		CallerAvatar: f[hCallerAvatar],
		CalleeName:   f[hCalleeName],
		CalleeAvatar: f[hCalleeAvatar],
		Status:       domain.CallStatus(f[hStatus]),
		EndedBy:      domain.Role(f[hEndedBy]),
		EndReason:    f[hEndReason],
	}
	var err error
	if rec.CreatedAt, err = parseTime(f[hCreatedAt]); err != nil {
		return rec, err
	}
	if v, ok := f[hAcceptedAt]; ok {
		t, err := parseTime(v)
		if err != nil {
			return rec, err
		}
		rec.AcceptedAt = &t
	}
	for field, dst := range map[string]**domain.SessionDescription{hOffer: &rec.Offer, hAnswer: &rec.Answer} {
		v, ok := f[field]
		if !ok {
			continue
		}
		var d domain.SessionDescription
		if err := json.Unmarshal([]byte(v), &d); err != nil {
			return rec, fmt.Errorf("decode %s: %w", field, err)
		}
		*dst = &d
	}
	return rec, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t, nil
}
