package core

import "container/list"

// DBIdempotencyChecker is the cold dedup tier, consulted on an LRU miss.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

const (
	tierLRU      = "lru"
	tierPostgres = "postgres"
)

// CompositeKey is the dedup key for an event: "{event_type}:{idempotency_key}".
func CompositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IdempotencyChecker answers "has this request already been applied?" from
// a bounded in-memory key set, falling back to the event log. Accessed only
// under the core's write lock.
type IdempotencyChecker struct {
	recent    *KeyCache
	dbChecker DBIdempotencyChecker
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		recent:    NewKeyCache(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate reports whether the event was applied before and which tier
// knew it. A failing Postgres lookup counts as a miss: a retry that slips
// through is then rejected by the position rules (open on an open owner,
// close on a flat one).
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, string) {
	key := CompositeKey(eventType, idempotencyKey)
	if ic.recent.Touch(key) {
		return true, tierLRU
	}
	if ic.dbChecker == nil {
		return false, ""
	}
	dup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if err != nil || !dup {
		return false, ""
	}
	ic.recent.Add(key)
	return true, tierPostgres
}

// SetDBChecker installs (or removes, with nil) the Postgres tier.
func (ic *IdempotencyChecker) SetDBChecker(dbChecker DBIdempotencyChecker) {
	ic.dbChecker = dbChecker
}

// MarkProcessed records an applied event.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.recent.Add(CompositeKey(eventType, idempotencyKey))
}

// LRU exposes the hot tier for warming and snapshots.
func (ic *IdempotencyChecker) LRU() *KeyCache {
	return ic.recent
}

// KeyCache is a fixed-capacity set of keys evicting the least recently
// touched one. Not safe for concurrent use.
type KeyCache struct {
	capacity  int
	index     map[string]*list.Element
	order     *list.List // front = most recent; element values are strings
	evictions int64
}

func NewKeyCache(capacity int) *KeyCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &KeyCache{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Touch reports whether key is present, promoting it if so.
func (kc *KeyCache) Touch(key string) bool {
	elem, ok := kc.index[key]
	if ok {
		kc.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts key as the most recent entry.
func (kc *KeyCache) Add(key string) {
	if kc.Touch(key) {
		return
	}
	kc.index[key] = kc.order.PushFront(key)
	for kc.order.Len() > kc.capacity {
		oldest := kc.order.Back()
		kc.order.Remove(oldest)
		delete(kc.index, oldest.Value.(string))
		kc.evictions++
	}
}

// WarmFromKeys adds keys oldest first, so the last key ends up most recent.
func (kc *KeyCache) WarmFromKeys(keys []string) {
	for _, key := range keys {
		kc.Add(key)
	}
}

func (kc *KeyCache) Size() int {
	return kc.order.Len()
}

func (kc *KeyCache) Evictions() int64 {
	return kc.evictions
}

// GetAllKeys returns keys oldest first; WarmFromKeys on the result
// reproduces the same recency order.
func (kc *KeyCache) GetAllKeys() []string {
	keys := make([]string, 0, kc.order.Len())
	for elem := kc.order.Back(); elem != nil; elem = elem.Prev() {
		keys = append(keys, elem.Value.(string))
	}
	return keys
}
