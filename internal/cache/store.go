package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/sileade/scoliologic-wiki-sub002/internal/observability"
	"github.com/sileade/scoliologic-wiki-sub002/internal/rbac"
)

const keyPrefix = "wiki:perm:"

// flightTimeout bounds a collapsed store read once it no longer follows
// the caller's context.
const flightTimeout = 10 * time.Second

func directKey(pageID, userID int64) string {
	return fmt.Sprintf("%sdirect:%d:%d", keyPrefix, pageID, userID)
}

func groupGrantKey(pageID, groupID int64) string {
	return fmt.Sprintf("%sgroup:%d:%d", keyPrefix, pageID, groupID)
}

func membershipKey(userID int64) string {
	return fmt.Sprintf("%smembers:%d", keyPrefix, userID)
}

func roleKey(userID int64) string {
	return fmt.Sprintf("%srole:%d", keyPrefix, userID)
}

// Store is an rbac.Store that answers from a Backend and falls through to
// the wrapped store for keys it does not hold. Absent grants are cached as
// "none" so negative answers are served from the cache too. A batched call
// that misses some keys makes a single batched call on the wrapped store
// for exactly those keys.
//
// Backend failures never fail a lookup: they are logged and the wrapped
// store is asked instead.
type Store struct {
	inner   rbac.Store
	backend Backend
	ttl     time.Duration
	log     logrus.FieldLogger
	metrics *observability.Metrics
	flight  singleflight.Group
}

var _ rbac.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) { s.log = log }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Store) { s.metrics = metrics }
}

func NewStore(inner rbac.Store, backend Backend, ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		inner:   inner,
		backend: backend,
		ttl:     ttl,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) DirectGrant(ctx context.Context, userID, pageID int64) (rbac.Level, error) {
	key := directKey(pageID, userID)
	if raw, ok := s.lookup(ctx, "direct", []string{key})[key]; ok {
		if level, ok := rbac.ParseLevel(raw); ok {
			return level, nil
		}
	}

	level, err := s.inner.DirectGrant(ctx, userID, pageID)
	if err != nil {
		return rbac.LevelNone, err
	}
	s.save(ctx, map[string]string{key: level.String()})
	return level, nil
}

func (s *Store) DirectGrants(ctx context.Context, userID int64, pageIDs []int64) (map[int64]rbac.Level, error) {
	result := make(map[int64]rbac.Level, len(pageIDs))
	if len(pageIDs) == 0 {
		return result, nil
	}

	keys := make([]string, len(pageIDs))
	for i, pageID := range pageIDs {
		keys[i] = directKey(pageID, userID)
	}
	found := s.lookup(ctx, "direct", keys)

	missing := make([]int64, 0)
	seen := make(map[int64]struct{}, len(pageIDs))
	for i, pageID := range pageIDs {
		if level, ok := parseCached(found, keys[i]); ok {
			if level != rbac.LevelNone {
				result[pageID] = level
			}
			continue
		}
		if _, dup := seen[pageID]; dup {
			continue
		}
		seen[pageID] = struct{}{}
		missing = append(missing, pageID)
	}
	if len(missing) == 0 {
		return result, nil
	}

	fetched, err := s.inner.DirectGrants(ctx, userID, missing)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]string, len(missing))
	for _, pageID := range missing {
		level := fetched[pageID]
		entries[directKey(pageID, userID)] = level.String()
		if level != rbac.LevelNone {
			result[pageID] = level
		}
	}
	s.save(ctx, entries)
	return result, nil
}

func (s *Store) GroupIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	key := membershipKey(userID)
	if raw, ok := s.lookup(ctx, "membership", []string{key})[key]; ok {
		var ids []int64
		if err := json.Unmarshal([]byte(raw), &ids); err == nil {
			return ids, nil
		}
	}

	value, err := s.collapse(ctx, key, func(ctx context.Context) (any, error) {
		ids, err := s.inner.GroupIDsForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if ids == nil {
			ids = []int64{}
		}
		encoded, err := json.Marshal(ids)
		if err == nil {
			s.save(ctx, map[string]string{key: string(encoded)})
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(value.([]int64)), nil
}

type pageGroup struct {
	pageID, groupID int64
}

func (s *Store) GroupGrants(ctx context.Context, pageIDs, groupIDs []int64) ([]rbac.GroupGrant, error) {
	grants := make([]rbac.GroupGrant, 0)
	if len(pageIDs) == 0 || len(groupIDs) == 0 {
		return grants, nil
	}

	keys := make([]string, 0, len(pageIDs)*len(groupIDs))
	for _, pageID := range pageIDs {
		for _, groupID := range groupIDs {
			keys = append(keys, groupGrantKey(pageID, groupID))
		}
	}
	found := s.lookup(ctx, "group", keys)

	missing := make(map[pageGroup]struct{})
	var missingPages, missingGroups []int64
	for _, pageID := range pageIDs {
		for _, groupID := range groupIDs {
			level, ok := parseCached(found, groupGrantKey(pageID, groupID))
			if ok {
				if level != rbac.LevelNone {
					grants = append(grants, rbac.GroupGrant{PageID: pageID, GroupID: groupID, Level: level})
				}
				continue
			}
			combo := pageGroup{pageID, groupID}
			if _, dup := missing[combo]; dup {
				continue
			}
			missing[combo] = struct{}{}
			if !slices.Contains(missingPages, pageID) {
				missingPages = append(missingPages, pageID)
			}
			if !slices.Contains(missingGroups, groupID) {
				missingGroups = append(missingGroups, groupID)
			}
		}
	}
	if len(missing) == 0 {
		return grants, nil
	}

	fetched, err := s.inner.GroupGrants(ctx, missingPages, missingGroups)
	if err != nil {
		return nil, err
	}
	levels := make(map[pageGroup]rbac.Level, len(fetched))
	for _, grant := range fetched {
		combo := pageGroup{grant.PageID, grant.GroupID}
		if grant.Level > levels[combo] {
			levels[combo] = grant.Level
		}
	}

	entries := make(map[string]string, len(missing))
	for combo := range missing {
		level := levels[combo]
		entries[groupGrantKey(combo.pageID, combo.groupID)] = level.String()
		if level != rbac.LevelNone {
			grants = append(grants, rbac.GroupGrant{PageID: combo.pageID, GroupID: combo.groupID, Level: level})
		}
	}
	s.save(ctx, entries)
	return grants, nil
}

func (s *Store) UserGlobalRole(ctx context.Context, userID int64) (rbac.Role, error) {
	key := roleKey(userID)
	if raw, ok := s.lookup(ctx, "role", []string{key})[key]; ok {
		return rbac.Normalize(raw), nil
	}

	value, err := s.collapse(ctx, key, func(ctx context.Context) (any, error) {
		role, err := s.inner.UserGlobalRole(ctx, userID)
		if err != nil {
			return nil, err
		}
		s.save(ctx, map[string]string{key: string(role)})
		return role, nil
	})
	if err != nil {
		return "", err
	}
	return value.(rbac.Role), nil
}

// collapse runs fn once for concurrent misses on key. fn gets a context
// detached from any single caller, bounded by flightTimeout, so one
// cancelled request does not fail the others waiting on it.
func (s *Store) collapse(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := s.flight.DoChan(key, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flightTimeout)
		defer cancel()
		return fn(flightCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvalidateDirectGrant drops the cached direct grant of userID on pageID.
func (s *Store) InvalidateDirectGrant(ctx context.Context, userID, pageID int64) error {
	return s.backend.Delete(ctx, directKey(pageID, userID))
}

func (s *Store) InvalidateGroupGrant(ctx context.Context, pageID, groupID int64) error {
	return s.backend.Delete(ctx, groupGrantKey(pageID, groupID))
}

func (s *Store) InvalidateMemberships(ctx context.Context, userID int64) error {
	return s.backend.Delete(ctx, membershipKey(userID))
}

func (s *Store) InvalidateRole(ctx context.Context, userID int64) error {
	return s.backend.Delete(ctx, roleKey(userID))
}

// InvalidatePage drops every cached grant on pageID.
func (s *Store) InvalidatePage(ctx context.Context, pageID int64) error {
	if err := s.backend.DeletePrefix(ctx, fmt.Sprintf("%sdirect:%d:", keyPrefix, pageID)); err != nil {
		return err
	}
	return s.backend.DeletePrefix(ctx, fmt.Sprintf("%sgroup:%d:", keyPrefix, pageID))
}

// InvalidateAll drops every cached permission fact.
func (s *Store) InvalidateAll(ctx context.Context) error {
	return s.backend.DeletePrefix(ctx, keyPrefix)
}

func (s *Store) lookup(ctx context.Context, keyType string, keys []string) map[string]string {
	found, err := s.backend.GetMany(ctx, keys)
	if err != nil {
		s.metrics.CacheError(s.backend.Name(), "get")
		s.log.WithError(err).WithField("key_type", keyType).Warn("permission cache read failed")
		return map[string]string{}
	}
	s.metrics.CacheHit(s.backend.Name(), keyType, len(found))
	s.metrics.CacheMiss(s.backend.Name(), keyType, len(keys)-len(found))
	return found
}

func (s *Store) save(ctx context.Context, entries map[string]string) {
	if err := s.backend.SetMany(ctx, entries, s.ttl); err != nil {
		s.metrics.CacheError(s.backend.Name(), "set")
		s.log.WithError(err).Warn("permission cache write failed")
	}
}

func parseCached(found map[string]string, key string) (rbac.Level, bool) {
	raw, ok := found[key]
	if !ok {
		return rbac.LevelNone, false
	}
	return rbac.ParseLevel(raw)
}
