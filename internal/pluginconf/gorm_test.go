package pluginconf

import (
	"context"
	"testing"
	"time"

	"github.com/cuihairu/infopopup/internal/messages"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func newGormStore(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(gdb))
	return NewGormStore(gdb, "infopopup", nil), gdb
}

func TestGormStoreSaveAndReload(t *testing.T) {
	st, gdb := newGormStore(t)
	ctx := context.Background()

	cfg, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, cfg.Messages)

	repo := messages.NewRepository(st)
	m, err := repo.Create(ctx, "Hello", "body", "admin", nil)
	require.NoError(t, err)
	_, err = repo.Create(ctx, "Second", "body", "admin", []string{"u1"})
	require.NoError(t, err)

	var count int64
	require.NoError(t, gdb.Model(&ConfigRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	other := NewGormStore(gdb, "infopopup", nil)
	got, err := messages.NewRepository(other).GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Title)

	doc := datatypes.JSON(`{"messages":[{"id":"db1","title":"Edited","body":"b"}]}`)
	require.NoError(t, gdb.Model(&ConfigRecord{}).Where("name = ?", "infopopup").Update("document", doc).Error)
	require.NoError(t, st.Reload(ctx))
	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "db1", all[0].ID)
	assert.Equal(t, []string{}, all[0].TargetUserIDs)
}

func TestGormStoreRejectsInvalidDocument(t *testing.T) {
	st, gdb := newGormStore(t)
	require.NoError(t, gdb.Create(&ConfigRecord{Name: "infopopup", Document: datatypes.JSON(`{"messages":[{"title":"t"}]}`)}).Error)
	_, err := st.Load(context.Background())
	require.Error(t, err)
}

func TestRefreshPicksUpDatabaseEdits(t *testing.T) {
	st, gdb := newGormStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := messages.NewRepository(st)
	_, err := repo.Create(ctx, "Hello", "body", "admin", nil)
	require.NoError(t, err)

	trigger := make(chan struct{})
	done := make(chan struct{})
	go func() {
		Refresh(ctx, st, 0, trigger, nil)
		close(done)
	}()

	doc := datatypes.JSON(`{"messages":[{"id":"ext","title":"From another node","body":"b"}]}`)
	require.NoError(t, gdb.Model(&ConfigRecord{}).Where("name = ?", "infopopup").Update("document", doc).Error)
	trigger <- struct{}{}

	require.Eventually(t, func() bool {
		all, err := repo.ListAll(ctx)
		return err == nil && len(all) == 1 && all[0].ID == "ext"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
