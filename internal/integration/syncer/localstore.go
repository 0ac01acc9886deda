package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/medbridge/medbridge/internal/integration/connector"
	"github.com/medbridge/medbridge/internal/platform/store"
)

// KVLocalStore implements LocalStore on top of the key-value store. Pulled
// resources land under "resource:", resources awaiting push under "pending:";
// a successful push moves the record from pending to resource.
type KVLocalStore struct {
	store store.Store
}

func NewKVLocalStore(st store.Store) *KVLocalStore {
	return &KVLocalStore{store: st}
}

func resourceKey(configID string, r connector.Resource) string {
	return fmt.Sprintf("resource:%s:%s:%s", configID, r.Type(), r.ID())
}

func pendingPrefix(configID, resourceType string) string {
	return fmt.Sprintf("pending:%s:%s:", configID, resourceType)
}

// SaveResource stores a pulled resource, replacing any prior version.
func (s *KVLocalStore) SaveResource(ctx context.Context, configID string, resource connector.Resource) error {
	if resource.ID() == "" || resource.Type() == "" {
		return fmt.Errorf("localstore: resource needs resourceType and id")
	}
	b, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("localstore: encode resource: %w", err)
	}
	return s.store.Put(ctx, resourceKey(configID, resource), b)
}

// QueuePush marks a resource as awaiting delivery to the remote system.
func (s *KVLocalStore) QueuePush(ctx context.Context, configID string, resource connector.Resource) error {
	if resource.ID() == "" || resource.Type() == "" {
		return fmt.Errorf("localstore: resource needs resourceType and id")
	}
	b, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("localstore: encode resource: %w", err)
	}
	return s.store.Put(ctx, pendingPrefix(configID, resource.Type())+resource.ID(), b)
}

// PendingResources lists resources queued for push, ordered by id.
func (s *KVLocalStore) PendingResources(ctx context.Context, configID, resourceType string) ([]connector.Resource, error) {
	entries, err := s.store.List(ctx, pendingPrefix(configID, resourceType))
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]connector.Resource, 0, len(keys))
	for _, k := range keys {
		var r connector.Resource
		if err := json.Unmarshal(entries[k], &r); err != nil {
			return nil, fmt.Errorf("localstore: decode %s: %w", k, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// MarkPushed removes the pending entry and stores the delivered version,
// re-keyed under the remote id when the remote assigned one.
func (s *KVLocalStore) MarkPushed(ctx context.Context, configID string, resource connector.Resource, remoteID string) error {
	if err := s.store.Delete(ctx, pendingPrefix(configID, resource.Type())+resource.ID()); err != nil {
		return err
	}

	stored := resource.Clone()
	if remoteID != "" && remoteID != resource.ID() {
		stored["id"] = remoteID
	}
	b, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("localstore: encode resource: %w", err)
	}
	return s.store.Put(ctx, resourceKey(configID, stored), b)
}

// Resources lists stored resources of one type for a configuration.
func (s *KVLocalStore) Resources(ctx context.Context, configID, resourceType string) ([]connector.Resource, error) {
	prefix := fmt.Sprintf("resource:%s:%s:", configID, resourceType)
	entries, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]connector.Resource, 0, len(keys))
	for _, k := range keys {
		var r connector.Resource
		if err := json.Unmarshal(entries[k], &r); err != nil {
			return nil, fmt.Errorf("localstore: decode %s: %w", strings.TrimPrefix(k, prefix), err)
		}
		out = append(out, r)
	}
	return out, nil
}
