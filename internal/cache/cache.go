// Package cache implements the Cache Manager (§4.6): a typed, TTL‑keyed
// store for response envelopes, backed by go-redis talking to an
// in-process miniredis server. Values are keyed by cache class and a
// query fingerprint, invalidated wholesale per class or selectively by
// key pattern (e.g. "today", "overdue") when a mutation touches a
// narrower slice of a class than the whole thing.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/model"
)

// Manager is the Cache Manager. It owns an embedded miniredis instance
// and a go-redis client connected to it, plus an in-process write-epoch
// tracker implementing §5's "a read racing an in-flight write for the
// same class bypasses the cache" ordering guarantee.
type Manager struct {
	mini   *miniredis.Miniredis
	client *redis.Client
	logger *zap.Logger

	mu           sync.Mutex
	writeInFlight map[model.CacheClass]int
}

// New starts the embedded miniredis server and connects a client to it.
// Call Close to tear both down; nothing here is ever written to disk, so
// process exit alone is sufficient cleanup.
func New(logger *zap.Logger) (*Manager, error) {
	mini, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("starting embedded cache server: %w", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	return &Manager{
		mini:          mini,
		client:        client,
		logger:        logger,
		writeInFlight: make(map[model.CacheClass]int),
	}, nil
}

func (m *Manager) Close() error {
	err := m.client.Close()
	m.mini.Close()
	return err
}

// jsonCanonicalizer lets a value (e.g. query.Query) supply its own
// canonical encoding when the generic map-key-sorting round-trip below
// isn't precise enough — e.g. a query's projection field list is
// order-insignificant but its sort list is not, a distinction a generic
// round-trip can't know.
type jsonCanonicalizer interface {
	CanonicalJSON() ([]byte, error)
}

// Fingerprint computes the FNV-1a fingerprint key for a query (§4.6,
// Open Question 5): canonicalize to sorted-key JSON, then hash. The
// threat model is non-adversarial (cache keys, not credentials), so a
// fast non-cryptographic hash is the deliberate choice over sha256.
func Fingerprint(v interface{}) (string, error) {
	var canon []byte
	var err error
	if c, ok := v.(jsonCanonicalizer); ok {
		canon, err = c.CanonicalJSON()
	} else {
		canon, err = canonicalJSON(v)
	}
	if err != nil {
		return "", fmt.Errorf("canonicalizing value for fingerprint: %w", err)
	}
	h := fnv.New64a()
	h.Write(canon)
	return fmt.Sprintf("%x", h.Sum64()), nil
}

// canonicalJSON re-marshals v through a generic interface{} so that map
// keys serialize in sorted order (encoding/json already sorts map[string]
// keys), giving a stable byte sequence for structurally-equal values.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func redisKey(class model.CacheClass, fingerprint string) string {
	return fmt.Sprintf("%s:%s", class, fingerprint)
}

// Get consults the cache for (class, fingerprint). It returns
// (nil, false, nil) on a clean miss, and bypasses the cache entirely —
// reporting a miss even if a stale value exists — while a write for the
// same class is in flight, per §5's ordering guarantee.
func (m *Manager) Get(ctx context.Context, class model.CacheClass, fingerprint string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	inFlight := m.writeInFlight[class] > 0
	m.mu.Unlock()
	if inFlight {
		return nil, false, nil
	}

	val, err := m.client.Get(ctx, redisKey(class, fingerprint)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return json.RawMessage(val), true, nil
}

// Set stores value under (class, fingerprint) with the class's TTL.
func (m *Manager) Set(ctx context.Context, class model.CacheClass, fingerprint string, value json.RawMessage) error {
	if err := m.client.Set(ctx, redisKey(class, fingerprint), []byte(value), class.TTL()).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// BeginWrite/EndWrite bracket a mutation affecting class, implementing
// the monotonic-epoch "any read whose fingerprint collides while a write
// is in flight for the same class must bypass the cache" rule from §5.
// EndWrite performs the actual selective invalidation once the write has
// completed, so invalidation is applied at write-completion time as §5
// requires, not at write-start time.
func (m *Manager) BeginWrite(class model.CacheClass) {
	m.mu.Lock()
	m.writeInFlight[class]++
	m.mu.Unlock()
}

func (m *Manager) EndWrite(ctx context.Context, class model.CacheClass, patterns []string) error {
	defer func() {
		m.mu.Lock()
		m.writeInFlight[class]--
		m.mu.Unlock()
	}()
	return m.InvalidatePatterns(ctx, class, patterns)
}

// InvalidatePatterns deletes every key for class whose fingerprint was
// computed from a query matching one of the given result-shape patterns
// (e.g. "today", "inbox", "overdue"). Patterns are matched against the
// plain-text query tags stored alongside the fingerprint by TagQuery,
// not against the opaque fingerprint itself.
func (m *Manager) InvalidatePatterns(ctx context.Context, class model.CacheClass, patterns []string) error {
	if len(patterns) == 0 {
		return nil
	}
	var cursor uint64
	toDelete := make([]string, 0)
	for {
		keys, next, err := m.client.Scan(ctx, cursor, string(class)+":*", 100).Result()
		if err != nil {
			return fmt.Errorf("cache scan: %w", err)
		}
		for _, k := range keys {
			tags, err := m.client.SMembers(ctx, tagKey(k)).Result()
			if err != nil {
				continue
			}
			if matchesAny(tags, patterns) {
				toDelete = append(toDelete, k, tagKey(k))
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(toDelete) == 0 {
		return nil
	}
	return m.client.Del(ctx, toDelete...).Err()
}

// InvalidateClass drops every entry of class outright (used by the
// workflow-scoped invalidators for inbox_processing / weekly_review /
// daily_planning, which touch enough of a class's result shapes that a
// selective pattern match isn't worth computing).
func (m *Manager) InvalidateClass(ctx context.Context, class model.CacheClass) error {
	var cursor uint64
	for {
		keys, next, err := m.client.Scan(ctx, cursor, string(class)+":*", 100).Result()
		if err != nil {
			return fmt.Errorf("cache scan: %w", err)
		}
		if len(keys) > 0 {
			if err := m.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache invalidate class: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

func tagKey(entryKey string) string { return entryKey + ":tags" }

// TagQuery records which result-shape patterns (e.g. "today", "inbox")
// a cached entry's query matches, so InvalidatePatterns can find it by
// pattern without decoding the opaque fingerprint.
func (m *Manager) TagQuery(ctx context.Context, class model.CacheClass, fingerprint string, patterns []string) error {
	if len(patterns) == 0 {
		return nil
	}
	k := tagKey(redisKey(class, fingerprint))
	if err := m.client.SAdd(ctx, k, toInterfaceSlice(patterns)...).Err(); err != nil {
		return fmt.Errorf("cache tag query: %w", err)
	}
	return m.client.Expire(ctx, k, class.TTL()).Err()
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func matchesAny(haystack []string, needles []string) bool {
	set := make(map[string]struct{}, len(haystack))
	for _, h := range haystack {
		set[h] = struct{}{}
	}
	for _, n := range needles {
		if _, ok := set[n]; ok {
			return true
		}
	}
	return false
}

// WorkflowInvalidationClasses maps the three workflow-scoped invalidators
// from §4.6 to the cache classes each one touches.
func WorkflowInvalidationClasses(w model.Workflow) []model.CacheClass {
	switch w {
	case model.WorkflowInboxProcessing:
		return []model.CacheClass{model.ClassTasks}
	case model.WorkflowWeeklyReview:
		return []model.CacheClass{model.ClassTasks, model.ClassProjects, model.ClassReviews}
	case model.WorkflowDailyPlanning:
		return []model.CacheClass{model.ClassTasks, model.ClassProjects}
	default:
		return nil
	}
}

// InvalidateWorkflow invalidates every class a workflow is scoped to,
// outright (§4.6: "workflow-scoped invalidators exist for
// inbox_processing, weekly_review, daily_planning").
func (m *Manager) InvalidateWorkflow(ctx context.Context, w model.Workflow) error {
	classes := WorkflowInvalidationClasses(w)
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	for _, c := range classes {
		if err := m.InvalidateClass(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Stats is a point-in-time snapshot of cache occupancy, for the `system`
// verb's metrics surface (§4.8).
type Stats struct {
	KeyCount      int64 `json:"keyCount"`
	WritesInFlight int   `json:"writesInFlight"`
}

// Stats reports the current key count and in-flight write count.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	n, err := m.client.DBSize(ctx).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("reading cache key count: %w", err)
	}
	m.mu.Lock()
	inFlight := 0
	for _, c := range m.writeInFlight {
		inFlight += c
	}
	m.mu.Unlock()
	return Stats{KeyCount: n, WritesInFlight: inFlight}, nil
}
