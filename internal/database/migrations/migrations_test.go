package migrations

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/reelworks/reelpool/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestMigrator_UpAppliesAll(t *testing.T) {
	db := testDB(t)
	m := NewMigrator(db, nil)
	m.RegisterAll(All())

	require.NoError(t, m.Up(context.Background()))

	assert.True(t, db.Migrator().HasTable(&models.PlaybackPosition{}))

	applied, err := m.Applied(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001_playback_positions"}, applied)
}

func TestMigrator_UpIsIdempotent(t *testing.T) {
	db := testDB(t)
	m := NewMigrator(db, nil)
	m.RegisterAll(All())

	require.NoError(t, m.Up(context.Background()))
	require.NoError(t, m.Up(context.Background()))

	applied, err := m.Applied(context.Background())
	require.NoError(t, err)
	assert.Len(t, applied, 1)
}

func TestMigrator_Down(t *testing.T) {
	db := testDB(t)
	m := NewMigrator(db, nil)
	m.RegisterAll(All())

	require.NoError(t, m.Up(context.Background()))
	require.NoError(t, m.Down(context.Background()))

	assert.False(t, db.Migrator().HasTable(&models.PlaybackPosition{}))

	applied, err := m.Applied(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestMigrator_DownWithNothingApplied(t *testing.T) {
	db := testDB(t)
	m := NewMigrator(db, nil)
	m.RegisterAll(All())

	assert.NoError(t, m.Down(context.Background()))
}
