package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/motoplan/motoplan/core"
	"github.com/motoplan/motoplan/route"
)

// RedisStore implements Store on Redis. Records are hashes under
// {prefix}:record:{id}; the request-id and active-job indexes are plain
// keys; versions are counters; the cost ledger is a per-owner sorted
// set scored by the recording time. Every multi-key mutation runs as a
// Lua script so concurrent readers observe either the prior or the new
// consistent state, never a mix.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    core.Logger
}

// RedisStoreConfig configures the store.
type RedisStoreConfig struct {
	// KeyPrefix is the prefix for all store keys.
	// Default: "motoplan:gen"
	KeyPrefix string

	// Logger is an optional logger for store operations.
	Logger core.Logger
}

// NewRedisStore creates a Redis-backed generation store.
// The client should already be connected.
func NewRedisStore(client *redis.Client, config *RedisStoreConfig) *RedisStore {
	prefix := "motoplan:gen"
	var logger core.Logger
	if config != nil {
		if config.KeyPrefix != "" {
			prefix = config.KeyPrefix
		}
		logger = config.Logger
	}
	return &RedisStore{
		client:    client,
		keyPrefix: prefix,
		logger:    core.ComponentLogger(logger, "generation/store"),
	}
}

func (s *RedisStore) recordKey(id string) string {
	return fmt.Sprintf("%s:record:%s", s.keyPrefix, id)
}

func (s *RedisStore) requestKey(ownerID, requestID string) string {
	return fmt.Sprintf("%s:reqid:%s:%s", s.keyPrefix, ownerID, requestID)
}

func (s *RedisStore) activeKey(ownerID, noteID string) string {
	return fmt.Sprintf("%s:active:%s:%s", s.keyPrefix, ownerID, noteID)
}

func (s *RedisStore) versionKey(ownerID, noteID string) string {
	return fmt.Sprintf("%s:version:%s:%s", s.keyPrefix, ownerID, noteID)
}

func (s *RedisStore) noteIndexKey(ownerID, noteID string) string {
	return fmt.Sprintf("%s:note:%s:%s", s.keyPrefix, ownerID, noteID)
}

func (s *RedisStore) costKey(ownerID string) string {
	return fmt.Sprintf("%s:cost:%s", s.keyPrefix, ownerID)
}

// createScript asserts the active slot is free, allocates the next
// version, indexes the request id, and writes the record, atomically.
var createScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then return {'duplicate', existing} end
local active = redis.call('GET', KEYS[2])
if active then return {'active', active} end
local v = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[4], unpack(ARGV, 3, #ARGV))
redis.call('HSET', KEYS[4], 'version', v)
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
redis.call('LPUSH', KEYS[5], ARGV[1])
return {'ok', tostring(v)}
`)

// updateStatusScript is the CAS primitive: transition only when the
// current status matches, stamp timestamps, release the active slot on
// terminal targets, and apply the extra fields in the same step.
var updateStatusScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return {'notfound', ''} end
if cur ~= ARGV[1] then return {'conflict', cur} end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[1], 'terminated_at', ARGV[4])
  redis.call('DEL', KEYS[2])
end
if #ARGV > 4 then redis.call('HSET', KEYS[1], unpack(ARGV, 5, #ARGV)) end
return {'ok', ''}
`)

// progressScript raises progress monotonically while running.
var progressScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= 'running' then return 'skip' end
local p = tonumber(redis.call('HGET', KEYS[1], 'progress')) or 0
if tonumber(ARGV[1]) <= p then return 'skip' end
redis.call('HSET', KEYS[1], 'progress', ARGV[1], 'updated_at', ARGV[2])
return 'ok'
`)

// cancelScript sets the request flag; it never clears it and never
// touches a record that has already settled.
var cancelScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return 'notfound' end
if cur == 'completed' or cur == 'failed' or cur == 'cancelled' then return 'terminal' end
redis.call('HSET', KEYS[1], 'cancel_requested', '1', 'updated_at', ARGV[1])
return 'ok'
`)

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, rec *Record, activeTTL time.Duration) (*Record, error) {
	if rec == nil || rec.ItineraryID == "" {
		return nil, fmt.Errorf("record and itinerary id are required")
	}
	if activeTTL <= 0 {
		activeTTL = 10 * time.Minute
	}

	args := []interface{}{rec.ItineraryID, activeTTL.Milliseconds()}
	for k, v := range recordFields(rec) {
		args = append(args, k, v)
	}

	keys := []string{
		s.requestKey(rec.OwnerID, rec.RequestID),
		s.activeKey(rec.OwnerID, rec.NoteID),
		s.versionKey(rec.OwnerID, rec.NoteID),
		s.recordKey(rec.ItineraryID),
		s.noteIndexKey(rec.OwnerID, rec.NoteID),
	}

	res, err := createScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}

	outcome, detail := scriptPair(res)
	switch outcome {
	case "ok":
		version, _ := strconv.ParseInt(detail, 10, 64)
		created := *rec
		created.Version = version
		if s.logger != nil {
			s.logger.Info("Generation record created", map[string]interface{}{
				"itinerary_id": rec.ItineraryID,
				"note_id":      rec.NoteID,
				"owner_id":     rec.OwnerID,
				"version":      version,
			})
		}
		return &created, nil
	case "duplicate":
		return nil, &DuplicateRequestError{ItineraryID: detail}
	case "active":
		return nil, &ActiveJobError{ItineraryID: detail}
	default:
		return nil, fmt.Errorf("unexpected create outcome %q", outcome)
	}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, itineraryID string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(itineraryID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	if len(fields) == 0 {
		return nil, core.ErrRecordNotFound
	}
	return parseRecord(fields)
}

// FindByRequestID implements Store.
func (s *RedisStore) FindByRequestID(ctx context.Context, ownerID, requestID string) (*Record, error) {
	id, err := s.client.Get(ctx, s.requestKey(ownerID, requestID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve request id: %w", err)
	}
	return s.Get(ctx, id)
}

// FindActive implements Store.
func (s *RedisStore) FindActive(ctx context.Context, ownerID, noteID string) (*Record, error) {
	id, err := s.client.Get(ctx, s.activeKey(ownerID, noteID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve active job: %w", err)
	}
	rec, err := s.Get(ctx, id)
	if err == core.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !rec.Active() {
		// Stale pointer left behind by a crashed writer; the TTL will
		// reap it. Report no active job.
		return nil, nil
	}
	return rec, nil
}

// UpdateStatus implements Store.
func (s *RedisStore) UpdateStatus(ctx context.Context, itineraryID string, from, to Status, set StatusUpdate) error {
	rec, err := s.Get(ctx, itineraryID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	args := []interface{}{string(from), string(to), now.Format(time.RFC3339Nano)}
	if to.Terminal() {
		args = append(args, now.Format(time.RFC3339Nano))
	} else {
		args = append(args, "")
	}

	if set.Progress != nil {
		args = append(args, "progress", strconv.Itoa(*set.Progress))
	}
	if set.Route != nil {
		args = append(args, "route", string(set.Route))
	}
	if set.Error != nil {
		args = append(args, "error_kind", string(set.Error.Kind), "error_message", set.Error.Message)
	}
	if set.CancelledAt != nil {
		args = append(args, "cancelled_at", set.CancelledAt.UTC().Format(time.RFC3339Nano))
	}
	if set.CostEstimate != nil {
		args = append(args, "cost_estimate", strconv.FormatFloat(*set.CostEstimate, 'f', -1, 64))
	}

	keys := []string{s.recordKey(itineraryID), s.activeKey(rec.OwnerID, rec.NoteID)}
	res, err := updateStatusScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	outcome, detail := scriptPair(res)
	switch outcome {
	case "ok":
		if s.logger != nil {
			s.logger.Debug("Status transition", map[string]interface{}{
				"itinerary_id": itineraryID,
				"from":         string(from),
				"to":           string(to),
			})
		}
		return nil
	case "notfound":
		return core.ErrRecordNotFound
	case "conflict":
		return &StatusConflictError{Current: Status(detail)}
	default:
		return fmt.Errorf("unexpected update outcome %q", outcome)
	}
}

// SetProgress implements Store.
func (s *RedisStore) SetProgress(ctx context.Context, itineraryID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := progressScript.Run(ctx, s.client,
		[]string{s.recordKey(itineraryID)}, strconv.Itoa(progress), now).Err()
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// SetCancelRequested implements Store.
func (s *RedisStore) SetCancelRequested(ctx context.Context, itineraryID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := cancelScript.Run(ctx, s.client, []string{s.recordKey(itineraryID)}, now).Result()
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	outcome, _ := scriptPair(res)
	switch outcome {
	case "ok":
		return nil
	case "notfound":
		return core.ErrRecordNotFound
	case "terminal":
		return ErrRecordTerminal
	default:
		return fmt.Errorf("unexpected cancel outcome %q", outcome)
	}
}

// ListByNote implements Store.
func (s *RedisStore) ListByNote(ctx context.Context, ownerID, noteID string, status Status, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.client.LRange(ctx, s.noteIndexKey(ownerID, noteID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	records := make([]*Record, 0, limit)
	for _, id := range ids {
		if len(records) >= limit {
			break
		}
		rec, err := s.Get(ctx, id)
		if err == core.ErrRecordNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if status != "" && rec.Status != status {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// RecordCost implements Store.
func (s *RedisStore) RecordCost(ctx context.Context, entry CostEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cost entry: %w", err)
	}
	err = s.client.ZAdd(ctx, s.costKey(entry.OwnerID), &redis.Z{
		Score:  float64(entry.RecordedAt.UnixMilli()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to record cost: %w", err)
	}
	if s.logger != nil {
		s.logger.Debug("Cost recorded", map[string]interface{}{
			"owner_id":     entry.OwnerID,
			"itinerary_id": entry.ItineraryID,
			"amount":       entry.Amount,
		})
	}
	return nil
}

// SpendSince implements Store.
func (s *RedisStore) SpendSince(ctx context.Context, ownerID string, since time.Time) (float64, error) {
	members, err := s.client.ZRangeByScore(ctx, s.costKey(ownerID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read cost ledger: %w", err)
	}

	var total float64
	for _, m := range members {
		var entry CostEntry
		if err := json.Unmarshal([]byte(m), &entry); err != nil {
			continue // skip unreadable entries rather than blocking generations
		}
		total += entry.Amount
	}
	return total, nil
}

// OldestCostSince implements Store.
func (s *RedisStore) OldestCostSince(ctx context.Context, ownerID string, since time.Time) (*time.Time, error) {
	members, err := s.client.ZRangeByScore(ctx, s.costKey(ownerID), &redis.ZRangeBy{
		Min:   strconv.FormatInt(since.UnixMilli(), 10),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cost ledger: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	var entry CostEntry
	if err := json.Unmarshal([]byte(members[0]), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cost entry: %w", err)
	}
	t := entry.RecordedAt
	return &t, nil
}

// scriptPair normalizes script results of the form {outcome, detail}.
func scriptPair(res interface{}) (string, string) {
	switch v := res.(type) {
	case string:
		return v, ""
	case []interface{}:
		var outcome, detail string
		if len(v) > 0 {
			outcome, _ = v[0].(string)
		}
		if len(v) > 1 {
			detail, _ = v[1].(string)
		}
		return outcome, detail
	default:
		return fmt.Sprintf("%v", res), ""
	}
}

// recordFields flattens a record into hash fields. Version is assigned
// by the create script and deliberately absent here.
func recordFields(rec *Record) map[string]string {
	fields := map[string]string{
		"itinerary_id": rec.ItineraryID,
		"note_id":      rec.NoteID,
		"owner_id":     rec.OwnerID,
		"status":       string(rec.Status),
		"progress":     strconv.Itoa(rec.Progress),
		"request_id":   rec.RequestID,
		"created_at":   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.CancelRequested {
		fields["cancel_requested"] = "1"
	}
	return fields
}

func parseRecord(fields map[string]string) (*Record, error) {
	rec := &Record{
		ItineraryID: fields["itinerary_id"],
		NoteID:      fields["note_id"],
		OwnerID:     fields["owner_id"],
		Status:      Status(fields["status"]),
		RequestID:   fields["request_id"],
	}

	rec.Version, _ = strconv.ParseInt(fields["version"], 10, 64)
	rec.Progress, _ = strconv.Atoi(fields["progress"])
	rec.CancelRequested = fields["cancel_requested"] == "1"
	rec.CostEstimate, _ = strconv.ParseFloat(fields["cost_estimate"], 64)

	parseTime := func(key string) (time.Time, bool) {
		v, ok := fields[key]
		if !ok || v == "" {
			return time.Time{}, false
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	}

	if t, ok := parseTime("created_at"); ok {
		rec.CreatedAt = t
	}
	if t, ok := parseTime("updated_at"); ok {
		rec.UpdatedAt = t
	}
	if t, ok := parseTime("terminated_at"); ok {
		rec.TerminatedAt = &t
	}
	if t, ok := parseTime("cancelled_at"); ok {
		rec.CancelledAt = &t
	}

	if raw, ok := fields["route"]; ok && raw != "" {
		var doc route.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode stored route: %w", err)
		}
		rec.Route = &doc
	}
	if kind, ok := fields["error_kind"]; ok && kind != "" {
		rec.Error = &RecordError{
			Kind:    core.Kind(kind),
			Message: fields["error_message"],
		}
	}

	return rec, nil
}
