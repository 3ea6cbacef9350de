package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	cfg     *Config
	saves   int
	failErr error
}

func (s *memStore) Load(context.Context) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, nil
}

func (s *memStore) Save(_ context.Context, cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.saves++
	s.cfg = cfg
	return nil
}

// swap simulates the host replacing the live configuration object.
func (s *memStore) swap(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newRepo(t *testing.T) (*Repository, *memStore) {
	t.Helper()
	st := &memStore{cfg: &Config{}}
	return NewRepository(st, WithClock(fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))), st
}

func TestCreateStoresTrimmedTitleAndVerbatimBody(t *testing.T) {
	r, st := newRepo(t)
	m, err := r.Create(context.Background(), "  Hello  ", "  **bold** body\n", "admin", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", m.Title)
	assert.Equal(t, "  **bold** body\n", m.Body)
	assert.Equal(t, "admin", m.PublishedBy)
	assert.NotEmpty(t, m.ID)
	assert.NotNil(t, m.TargetUserIDs)
	assert.Empty(t, m.TargetUserIDs)
	assert.Equal(t, time.UTC, m.PublishedAt.Location())
	assert.Equal(t, 1, st.saves)
}

func TestCreateValidation(t *testing.T) {
	r, st := newRepo(t)
	cases := []struct{ title, body, field string }{
		{"", "x", "title"},
		{"   ", "x", "title"},
		{strings.Repeat("a", 201), "x", "title"},
		{"x", "", "body"},
		{"x", " \n\t", "body"},
		{"x", strings.Repeat("b", 10001), "body"},
	}
	for _, tc := range cases {
		_, err := r.Create(context.Background(), tc.title, tc.body, "admin", nil)
		require.ErrorIs(t, err, ErrValidation)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, tc.field, ve.Field)
	}
	all, err := r.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, st.saves)
}

func TestCreateLimitsCountCharacters(t *testing.T) {
	r, _ := newRepo(t)
	_, err := r.Create(context.Background(), strings.Repeat("é", 200), strings.Repeat("ü", 10000), "admin", nil)
	require.NoError(t, err)
	_, err = r.Create(context.Background(), " "+strings.Repeat("t", 200)+" ", "b", "admin", nil)
	require.NoError(t, err)
}

func TestCreateNormalizesTargets(t *testing.T) {
	r, _ := newRepo(t)
	m, err := r.Create(context.Background(), "t", "b", "admin", []string{"u2", " ", "u1", "u2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u2", "u1"}, m.TargetUserIDs)
}

func TestListAllOrderAndSnapshot(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	a, _ := r.Create(ctx, "A", "a", "admin", nil)
	b, _ := r.Create(ctx, "B", "b", "admin", []string{"u2"})
	c, _ := r.Create(ctx, "C", "c", "admin", nil)

	all, err := r.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	all[1].Title = "mutated"
	all[1].TargetUserIDs[0] = "intruder"
	got, err := r.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", got.Title)
	assert.Equal(t, []string{"u2"}, got.TargetUserIDs)
}

func TestListAllTiesPreferLaterInsert(t *testing.T) {
	st := &memStore{cfg: &Config{}}
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	r := NewRepository(st, WithClock(func() time.Time { return now }))
	first, _ := r.Create(context.Background(), "first", "x", "admin", nil)
	second, _ := r.Create(context.Background(), "second", "x", "admin", nil)
	all, err := r.ListAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second.ID, all[0].ID)
	assert.Equal(t, first.ID, all[1].ID)
}

func TestGetByIDNotFound(t *testing.T) {
	r, _ := newRepo(t)
	_, err := r.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateKeepsIdentityFields(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	m, _ := r.Create(ctx, "t", "b", "admin", []string{"u1"})

	up, ok, err := r.Update(ctx, m.ID, " new ", "new body", []string{"u3"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m.ID, up.ID)
	assert.Equal(t, m.PublishedAt, up.PublishedAt)
	assert.Equal(t, "admin", up.PublishedBy)
	assert.Equal(t, "new", up.Title)
	assert.Equal(t, []string{"u3"}, up.TargetUserIDs)

	up, ok, err = r.Update(ctx, m.ID, "t", "b", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, up.TargetUserIDs)
}

func TestUpdateMissingAndInvalid(t *testing.T) {
	r, st := newRepo(t)
	ctx := context.Background()
	up, ok, err := r.Update(ctx, "nope", "t", "b", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, up)

	m, _ := r.Create(ctx, "t", "b", "admin", nil)
	_, _, err = r.Update(ctx, m.ID, "", "b", nil)
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 1, st.saves)
}

func TestDeleteMany(t *testing.T) {
	r, st := newRepo(t)
	ctx := context.Background()
	a, _ := r.Create(ctx, "A", "a", "admin", nil)
	b, _ := r.Create(ctx, "B", "b", "admin", nil)

	removed, err := r.DeleteMany(ctx, []string{a.ID, "ghost"})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, removed)
	removed, err = r.DeleteMany(ctx, []string{a.ID})
	require.NoError(t, err)
	assert.Empty(t, removed)
	removed, err = r.DeleteMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Equal(t, 3, st.saves)

	_, err = r.GetByID(ctx, a.ID)
	require.ErrorIs(t, err, ErrNotFound)
	ids, err := r.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids)
}

func TestSaveFailureRollsBack(t *testing.T) {
	r, st := newRepo(t)
	ctx := context.Background()
	m, _ := r.Create(ctx, "A", "a", "admin", []string{"u1"})
	boom := errors.New("disk full")
	st.failErr = boom

	_, err := r.Create(ctx, "B", "b", "admin", nil)
	require.ErrorIs(t, err, boom)
	_, _, err = r.Update(ctx, m.ID, "changed", "changed", nil)
	require.ErrorIs(t, err, boom)
	_, err = r.DeleteMany(ctx, []string{m.ID})
	require.ErrorIs(t, err, boom)

	all, err := r.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "A", all[0].Title)
	assert.Equal(t, []string{"u1"}, all[0].TargetUserIDs)
}

func TestRepositoryFollowsReplacedConfig(t *testing.T) {
	r, st := newRepo(t)
	ctx := context.Background()
	_, _ = r.Create(ctx, "old", "x", "admin", nil)
	st.swap(&Config{Messages: []*Message{{ID: "fresh", Title: "reloaded", Body: "b", TargetUserIDs: []string{}}}})
	all, err := r.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "fresh", all[0].ID)
}

func TestConcurrentCreates(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Create(ctx, fmt.Sprintf("m%d", i), "b", "admin", nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	all, err := r.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 20)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].PublishedAt.After(all[i].PublishedAt))
	}
}

func TestNilConfig(t *testing.T) {
	r := NewRepository(&memStore{})
	_, err := r.ListAll(context.Background())
	require.ErrorIs(t, err, ErrNoConfig)
}
