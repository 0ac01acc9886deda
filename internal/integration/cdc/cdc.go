// Package cdc captures create/update/delete events observed on local
// resources so the sync engine can push deltas instead of full snapshots.
package cdc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/medbridge/internal/platform/store"
)

// Operation is the kind of mutation a ChangeRecord describes.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeRecord is one observed mutation.
type ChangeRecord struct {
	ID            string                 `json:"id"`
	ResourceType  string                 `json:"resourceType"`
	ResourceID    string                 `json:"resourceId"`
	Operation     Operation              `json:"operation"`
	Timestamp     time.Time              `json:"timestamp"`
	PreviousValue map[string]interface{} `json:"previousValue,omitempty"`
	NewValue      map[string]interface{} `json:"newValue,omitempty"`
	ContentHash   string                 `json:"contentHash,omitempty"`
	Synced        bool                   `json:"synced"`
	SyncedAt      *time.Time             `json:"syncedAt,omitempty"`
}

// FieldChange is one field-level difference between two resource versions.
type FieldChange struct {
	Field         string      `json:"field"`
	PreviousValue interface{} `json:"previousValue"`
	NewValue      interface{} `json:"newValue"`
	Type          string      `json:"type"` // added, removed, modified
}

// Tracker records changes and keeps the latest snapshot of every resource so
// the previous value is available on the next mutation.
type Tracker struct {
	mu         sync.Mutex
	log        []ChangeRecord
	snapshots  map[string]map[string]interface{}
	maxEntries int
	store      store.Store
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a Tracker bounded to maxEntries log entries. The store, when
// non-nil, persists the log under the "cdc:" key prefix.
func New(maxEntries int, st store.Store, logger zerolog.Logger) *Tracker {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Tracker{
		snapshots:  map[string]map[string]interface{}{},
		maxEntries: maxEntries,
		store:      st,
		logger:     logger.With().Str("component", "cdc").Logger(),
		now:        time.Now,
	}
}

func snapshotKey(resourceType, resourceID string) string {
	return resourceType + ":" + resourceID
}

// contentHash is a stable hash of the resource content, used to skip no-op
// updates. Keys are sorted via json round-tripping of a canonical map.
func contentHash(resource map[string]interface{}) string {
	if resource == nil {
		return ""
	}
	b, err := canonicalJSON(resource)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON serializes a map with sorted keys at every level.
func canonicalJSON(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			vb, err := canonicalJSON(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []interface{}:
		out := []byte{'['}
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := canonicalJSON(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}

func clone(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func resourceIdentity(resource map[string]interface{}) (resourceType, resourceID string, err error) {
	rt, _ := resource["resourceType"].(string)
	id, _ := resource["id"].(string)
	if rt == "" || id == "" {
		return "", "", fmt.Errorf("cdc: resource needs resourceType and id")
	}
	return rt, id, nil
}

// RecordCreate appends a create entry and snapshots the resource.
func (t *Tracker) RecordCreate(resource map[string]interface{}) (*ChangeRecord, error) {
	rt, id, err := resourceIdentity(resource)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := ChangeRecord{
		ID:           uuid.New().String(),
		ResourceType: rt,
		ResourceID:   id,
		Operation:    OpCreate,
		Timestamp:    t.now(),
		NewValue:     clone(resource),
		ContentHash:  contentHash(resource),
	}
	t.append(rec)
	t.snapshots[snapshotKey(rt, id)] = clone(resource)
	return &rec, nil
}

// Observe records the resource as a create or an update depending on
// whether it has been seen before. The sync pull path feeds every stored
// resource through here.
func (t *Tracker) Observe(resource map[string]interface{}) (*ChangeRecord, error) {
	rt, id, err := resourceIdentity(resource)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	_, seen := t.snapshots[snapshotKey(rt, id)]
	t.mu.Unlock()
	if seen {
		return t.RecordUpdate(resource)
	}
	return t.RecordCreate(resource)
}

// RecordUpdate appends an update entry carrying the previous snapshot. A
// content-identical update is skipped and returns nil.
func (t *Tracker) RecordUpdate(resource map[string]interface{}) (*ChangeRecord, error) {
	rt, id, err := resourceIdentity(resource)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := snapshotKey(rt, id)
	prev := t.snapshots[key]
	hash := contentHash(resource)
	if prev != nil && contentHash(prev) == hash {
		return nil, nil
	}

	rec := ChangeRecord{
		ID:            uuid.New().String(),
		ResourceType:  rt,
		ResourceID:    id,
		Operation:     OpUpdate,
		Timestamp:     t.now(),
		PreviousValue: clone(prev),
		NewValue:      clone(resource),
		ContentHash:   hash,
	}
	t.append(rec)
	t.snapshots[key] = clone(resource)
	return &rec, nil
}

// RecordDelete appends a delete entry and drops the snapshot.
func (t *Tracker) RecordDelete(resource map[string]interface{}) (*ChangeRecord, error) {
	rt, id, err := resourceIdentity(resource)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := snapshotKey(rt, id)
	rec := ChangeRecord{
		ID:            uuid.New().String(),
		ResourceType:  rt,
		ResourceID:    id,
		Operation:     OpDelete,
		Timestamp:     t.now(),
		PreviousValue: clone(t.snapshots[key]),
	}
	t.append(rec)
	delete(t.snapshots, key)
	return &rec, nil
}

// append adds a record and evicts oldest synced entries beyond the bound.
// Callers hold t.mu.
func (t *Tracker) append(rec ChangeRecord) {
	t.log = append(t.log, rec)
	if len(t.log) <= t.maxEntries {
		return
	}

	overflow := len(t.log) - t.maxEntries
	kept := make([]ChangeRecord, 0, t.maxEntries)
	for _, r := range t.log {
		if overflow > 0 && r.Synced {
			overflow--
			continue
		}
		kept = append(kept, r)
	}
	// Unsynced history is never evicted, so the log may exceed the bound
	// until syncs catch up.
	t.log = kept
	if overflow > 0 {
		t.logger.Warn().
			Int("entries", len(t.log)).
			Int("max", t.maxEntries).
			Msg("change log over capacity with unsynced entries")
	}
}

// Changes returns a copy of the log, optionally filtered to unsynced entries.
func (t *Tracker) Changes(unsyncedOnly bool) []ChangeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ChangeRecord, 0, len(t.log))
	for _, r := range t.log {
		if unsyncedOnly && r.Synced {
			continue
		}
		out = append(out, r)
	}
	return out
}

// MarkSynced flips the synced flag on the given record ids.
func (t *Tracker) MarkSynced(ids []string, syncedAt time.Time) int {
	idset := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idset[id] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.log {
		if _, ok := idset[t.log[i].ID]; ok && !t.log[i].Synced {
			t.log[i].Synced = true
			at := syncedAt
			t.log[i].SyncedAt = &at
			n++
		}
	}
	return n
}

// DeltaChanges diffs two resource versions field by field, ignoring id,
// resourceType, and meta. Arrays and nested objects compare by deep equality.
func DeltaChanges(prev, next map[string]interface{}) []FieldChange {
	ignored := map[string]bool{"id": true, "resourceType": true, "meta": true}

	fields := map[string]bool{}
	for k := range prev {
		fields[k] = true
	}
	for k := range next {
		fields[k] = true
	}

	names := make([]string, 0, len(fields))
	for k := range fields {
		if !ignored[k] {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	var out []FieldChange
	for _, k := range names {
		pv, inPrev := prev[k]
		nv, inNext := next[k]
		switch {
		case !inPrev:
			out = append(out, FieldChange{Field: k, NewValue: nv, Type: "added"})
		case !inNext:
			out = append(out, FieldChange{Field: k, PreviousValue: pv, Type: "removed"})
		case !reflect.DeepEqual(pv, nv):
			out = append(out, FieldChange{Field: k, PreviousValue: pv, NewValue: nv, Type: "modified"})
		}
	}
	return out
}

// Compact merges each resource's redundant history into its latest effective
// change: create+updates collapse into one create carrying the latest value,
// consecutive updates keep only the latest, and a delete discards everything
// before it.
func (t *Tracker) Compact() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	type slot struct {
		rec   ChangeRecord
		index int
	}
	latest := map[string]*slot{}
	order := 0

	for _, r := range t.log {
		key := snapshotKey(r.ResourceType, r.ResourceID)
		cur, ok := latest[key]

		switch r.Operation {
		case OpCreate:
			if !ok {
				latest[key] = &slot{rec: r, index: order}
				order++
			} else if cur.rec.Operation == OpDelete {
				// Recreated after a delete: the create supersedes it.
				cur.rec = r
			}
			// A second create for a live resource is redundant: keep the first.
		case OpUpdate:
			if !ok {
				latest[key] = &slot{rec: r, index: order}
				order++
				continue
			}
			merged := cur.rec
			merged.NewValue = r.NewValue
			merged.ContentHash = r.ContentHash
			merged.Timestamp = r.Timestamp
			merged.Synced = merged.Synced && r.Synced
			cur.rec = merged
		case OpDelete:
			latest[key] = &slot{rec: r, index: order}
			order++
		}
	}

	slots := make([]*slot, 0, len(latest))
	for _, s := range latest {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].index < slots[j].index })

	removed := len(t.log) - len(slots)
	t.log = make([]ChangeRecord, 0, len(slots))
	for _, s := range slots {
		t.log = append(t.log, s.rec)
	}
	return removed
}

// ---------- persistence ----------

const storeKey = "cdc:changelog"

type persisted struct {
	Log       []ChangeRecord                    `json:"log"`
	Snapshots map[string]map[string]interface{} `json:"snapshots"`
}

// Save persists the log and snapshots through the backing store.
func (t *Tracker) Save(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	t.mu.Lock()
	payload := persisted{Log: t.log, Snapshots: t.snapshots}
	b, err := json.Marshal(payload)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("cdc: encode change log: %w", err)
	}

	return t.store.Put(ctx, storeKey, b)
}

// Load restores previously persisted state. A missing key is not an error.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	b, err := t.store.Get(ctx, storeKey)
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}

	var payload persisted
	if err := json.Unmarshal(b, &payload); err != nil {
		return fmt.Errorf("cdc: decode change log: %w", err)
	}

	t.mu.Lock()
	t.log = payload.Log
	t.snapshots = payload.Snapshots
	if t.snapshots == nil {
		t.snapshots = map[string]map[string]interface{}{}
	}
	t.mu.Unlock()

	t.logger.Info().Int("entries", len(payload.Log)).Msg("change log restored")
	return nil
}
