package skills

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"compass/internal/store"
	"compass/internal/vector"
)

// fakeStore implements catalogStore and classifierStore in memory.
type fakeStore struct {
	skills       map[string]*store.SkillCategory
	tools        map[int64]*store.Tool
	assignments  map[int64][]store.ToolSkillAssignment
	unclassified []int64
	refreshed    []string
	txErr        error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		skills:      map[string]*store.SkillCategory{},
		tools:       map[int64]*store.Tool{},
		assignments: map[int64][]store.ToolSkillAssignment{},
	}
}

func (f *fakeStore) CreateSkill(_ context.Context, sk *store.SkillCategory) error {
	if _, dup := f.skills[sk.ID]; dup {
		return store.ErrDuplicateName
	}
	cp := *sk
	f.skills[sk.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateSkill(_ context.Context, sk *store.SkillCategory) error {
	if _, ok := f.skills[sk.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *sk
	f.skills[sk.ID] = &cp
	return nil
}

func (f *fakeStore) GetSkill(_ context.Context, id string) (*store.SkillCategory, error) {
	sk, ok := f.skills[id]
	if !ok {
		return nil, fmt.Errorf("skill %s: %w", id, store.ErrNotFound)
	}
	cp := *sk
	return &cp, nil
}

func (f *fakeStore) ListSkills(_ context.Context, orgID *string, activeOnly bool) ([]store.SkillCategory, error) {
	var out []store.SkillCategory
	for _, sk := range f.skills {
		if activeOnly && !sk.IsActive {
			continue
		}
		if !sk.IsGlobal && (orgID == nil || sk.OrgID == nil || *sk.OrgID != *orgID) {
			continue
		}
		out = append(out, *sk)
	}
	return out, nil
}

func (f *fakeStore) DisableSkill(_ context.Context, id string) error {
	sk, ok := f.skills[id]
	if !ok {
		return store.ErrNotFound
	}
	sk.IsActive = false
	return nil
}

func (f *fakeStore) GetTool(_ context.Context, id int64) (*store.Tool, error) {
	t, ok := f.tools[id]
	if !ok {
		return nil, fmt.Errorf("tool %d: %w", id, store.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) WithTx(_ context.Context, fn func(tx *sqlx.Tx) error) error {
	if f.txErr != nil {
		return f.txErr
	}
	return fn(nil)
}

func (f *fakeStore) ReplaceLLMAssignmentsTx(_ context.Context, _ *sqlx.Tx, toolID int64, assignments []store.ToolSkillAssignment) error {
	f.assignments[toolID] = assignments
	return nil
}

func (f *fakeStore) UpdateToolClassificationTx(_ context.Context, _ *sqlx.Tx, toolID int64, skillIDs []string, primarySkillID *string) error {
	t, ok := f.tools[toolID]
	if !ok {
		return store.ErrNotFound
	}
	t.SkillIDs = skillIDs
	t.PrimarySkillID = primarySkillID
	t.IsClassified = true
	return nil
}

func (f *fakeStore) RefreshSkillToolCount(_ context.Context, id string) error {
	f.refreshed = append(f.refreshed, id)
	return nil
}

func (f *fakeStore) MarkToolUnclassified(_ context.Context, toolID int64) error {
	if t, ok := f.tools[toolID]; ok {
		t.IsClassified = false
	}
	f.unclassified = append(f.unclassified, toolID)
	return nil
}

// fakeIndex implements skillIndex and toolIndex.
type fakeIndex struct {
	skills    map[string]vector.SkillPayload
	payloads  map[int64]vector.Payload
	updateErr error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		skills:   map[string]vector.SkillPayload{},
		payloads: map[int64]vector.Payload{},
	}
}

func (f *fakeIndex) UpsertSkill(_ context.Context, _ []float32, p vector.SkillPayload) error {
	f.skills[p.SkillID] = p
	return nil
}

func (f *fakeIndex) DeleteSkill(_ context.Context, skillID string) error {
	delete(f.skills, skillID)
	return nil
}

func (f *fakeIndex) UpdateItemPayload(_ context.Context, _ vector.ItemType, dbID int64, p vector.Payload) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.payloads[dbID] = p
	return nil
}

// fakeCache implements invalidator and records invalidated namespaces.
type fakeCache struct {
	namespaces []string
}

func (f *fakeCache) InvalidatePattern(_ context.Context, namespace, _ string) (int, error) {
	f.namespaces = append(f.namespaces, namespace)
	return 0, nil
}
