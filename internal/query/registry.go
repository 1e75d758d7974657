package query

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"meridian/internal/policy"
	"meridian/internal/proto"
)

// Predicate evaluates whether a map's current value for key matches a
// subscription's filter. The registry is predicate-language agnostic —
// callers (the pipeline, the distquery coordinator) supply the
// evaluation function appropriate to the stored value type.
type Predicate func(mapName, key string, value any) bool

// Subscriber is the minimal fan-out surface a subscription's owning
// connection exposes (spec.md §4.5: delivery via "its coalescing
// writer").
type Subscriber interface {
	Write(msg any, urgent bool)
}

// Subscription is spec.md §3's Subscription record.
type Subscription struct {
	ID                 string
	ClientID            string
	MapName             string
	Predicate           Predicate
	PredicateSource     string // raw predicate text, for cursor hashing
	InterestedFields    []string
	Subscriber          Subscriber

	mu                 sync.Mutex
	previousResultKeys map[string]struct{}
}

func newSubscription(clientID, mapName, predicateSrc string, pred Predicate, fields []string, sub Subscriber) *Subscription {
	return &Subscription{
		ID:                 uuid.NewString(),
		ClientID:           clientID,
		MapName:            mapName,
		Predicate:          pred,
		PredicateSource:    predicateSrc,
		InterestedFields:   fields,
		Subscriber:         sub,
		previousResultKeys: make(map[string]struct{}),
	}
}

// Registry holds registered subscriptions and the mapName ->
// set<subscriptionID> index used for O(1) affected-subscriber lookup
// (spec.md §4.5).
type Registry struct {
	mu             sync.RWMutex
	subscriptions  map[string]*Subscription   // subscriptionId -> Subscription
	byMap          map[string]map[string]bool // mapName -> set<subscriptionId>
	byClient       map[string]map[string]bool // clientId -> set<subscriptionId>, mirrors connreg.Connection.Subscriptions
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subscriptions: make(map[string]*Subscription),
		byMap:         make(map[string]map[string]bool),
		byClient:      make(map[string]map[string]bool),
	}
}

// Subscribe registers a new subscription and seeds previousResultKeys
// from initialKeys (the scatter-gather result computed by the caller
// for QUERY_SUB). Returns the subscription so the caller can send the
// initial QUERY_RESP.
func (r *Registry) Subscribe(clientID, mapName, predicateSrc string, pred Predicate, fields []string, sub Subscriber, initialKeys []string) *Subscription {
	s := newSubscription(clientID, mapName, predicateSrc, pred, fields, sub)
	for _, k := range initialKeys {
		s.previousResultKeys[k] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions[s.ID] = s
	if r.byMap[mapName] == nil {
		r.byMap[mapName] = make(map[string]bool)
	}
	r.byMap[mapName][s.ID] = true
	if r.byClient[clientID] == nil {
		r.byClient[clientID] = make(map[string]bool)
	}
	r.byClient[clientID][s.ID] = true
	return s
}

// Unsubscribe removes a subscription by id.
func (r *Registry) Unsubscribe(subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subscriptions[subscriptionID]
	if !ok {
		return
	}
	delete(r.subscriptions, subscriptionID)
	delete(r.byMap[s.MapName], subscriptionID)
	delete(r.byClient[s.ClientID], subscriptionID)
}

// UnsubscribeAllForClient removes every subscription owned by
// clientID, used on disconnect.
func (r *Registry) UnsubscribeAllForClient(clientID string) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byClient[clientID]))
	for id := range r.byClient[clientID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Unsubscribe(id)
	}
}

// HasSubscribers reports whether map mapName has at least one
// subscriber, used for the broadcast path's early-exit (spec.md §4.5).
func (r *Registry) HasSubscribers(mapName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byMap[mapName]) > 0
}

// subscriptionsFor returns a snapshot of the subscriptions registered
// on mapName.
func (r *Registry) subscriptionsFor(mapName string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byMap[mapName]
	out := make([]*Subscription, 0, len(ids))
	for id := range ids {
		if s, ok := r.subscriptions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// ChangeRecord carries the wire-ready payload for the key that just
// changed, threaded through from pipeline.go's merge/mergeLWW/mergeOR so
// OnChange can populate SERVER_EVENT's record fields (spec.md §6) instead
// of a bare ENTER/UPDATE/LEAVE notification with no value attached.
type ChangeRecord struct {
	LWW   *proto.LWWRecordWire
	OR    *proto.ORRecordWire
	ORTag string
}

// OnChange re-evaluates every subscription on mapName against the
// single changed key, emitting ENTER/UPDATE/LEAVE to each affected
// subscriber's Subscriber (spec.md §4.5's incremental evaluation). change
// carries the record that triggered the call; it is projected down to
// each subscription's InterestedFields (spec.md §4.5's result shaping)
// before being attached to that subscription's SERVER_EVENT.
func (r *Registry) OnChange(mapName, key string, newValue any, change ChangeRecord) {
	for _, s := range r.subscriptionsFor(mapName) {
		s.mu.Lock()
		_, wasInResult := s.previousResultKeys[key]
		matches := newValue != nil && s.Predicate != nil && s.Predicate(mapName, key, newValue)

		var evt proto.EventType
		switch {
		case matches && !wasInResult:
			evt = proto.EventEnter
			s.previousResultKeys[key] = struct{}{}
		case matches && wasInResult:
			evt = proto.EventUpdate
		case !matches && wasInResult:
			evt = proto.EventLeave
			delete(s.previousResultKeys, key)
		default:
			s.mu.Unlock()
			continue // not in result before, still doesn't match: no-op
		}
		fields := s.InterestedFields
		s.mu.Unlock()

		s.Subscriber.Write(proto.ServerEvent{
			MapName:   mapName,
			Key:       key,
			EventType: evt,
			Record:    projectLWWRecord(change.LWW, fields),
			ORRecord:  projectORRecord(change.OR, fields),
			ORTag:     change.ORTag,
		}, false)
	}
}

// projectLWWRecord applies policy.FieldFilter to rec's decoded JSON value,
// re-encoding the projected object. A nil record, an empty field set, or a
// non-object-shaped value (the filter only applies to objects) all pass
// rec through unchanged.
func projectLWWRecord(rec *proto.LWWRecordWire, fields []string) *proto.LWWRecordWire {
	if rec == nil || len(fields) == 0 || len(rec.Value) == 0 {
		return rec
	}
	var obj map[string]any
	if err := json.Unmarshal(rec.Value, &obj); err != nil {
		return rec
	}
	projected, err := json.Marshal(policy.FieldFilter{}.Project(obj, fields))
	if err != nil {
		return rec
	}
	out := *rec
	out.Value = projected
	return &out
}

// projectORRecord is projectLWWRecord's OR-record counterpart.
func projectORRecord(rec *proto.ORRecordWire, fields []string) *proto.ORRecordWire {
	if rec == nil || len(fields) == 0 || len(rec.Value) == 0 {
		return rec
	}
	var obj map[string]any
	if err := json.Unmarshal(rec.Value, &obj); err != nil {
		return rec
	}
	projected, err := json.Marshal(policy.FieldFilter{}.Project(obj, fields))
	if err != nil {
		return rec
	}
	out := *rec
	out.Value = projected
	return &out
}

// Result is a single query result entry used for sorting + cursoring.
type Result struct {
	Key       string
	SortValue string
}

// Page applies a cursor + limit to a globally sorted result set,
// producing finalResults per spec.md §4.5. results must already be
// deduplicated by key.
func Page(results []Result, cursor Cursor, limit int) (page []Result, nextCursor Cursor, hasMore bool) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].SortValue != results[j].SortValue {
			return results[i].SortValue < results[j].SortValue
		}
		return results[i].Key < results[j].Key
	})

	start := 0
	if cursor.LastKey != "" {
		for i, r := range results {
			if r.Key == cursor.LastKey && r.SortValue == cursor.LastSortValue {
				start = i + 1
				break
			}
		}
	}
	if start > len(results) {
		start = len(results)
	}
	end := start + limit
	if limit <= 0 || end > len(results) {
		end = len(results)
	}

	page = results[start:end]
	hasMore = end < len(results)
	if len(page) > 0 {
		last := page[len(page)-1]
		nextCursor = Cursor{LastKey: last.Key, LastSortValue: last.SortValue, PredicateHash: cursor.PredicateHash, TimestampMs: cursor.TimestampMs}
	}
	return page, nextCursor, hasMore
}
