package persistence

import (
	"strings"
	"testing"
	"testing/fstest"

	"TradeArena/migrations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFiles_SortedBySuffix(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 2")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1")},
		"000001_a.down.sql": {Data: []byte("SELECT 1")},
		"README.md":         {Data: []byte("x")},
	}

	files, err := MigrationFiles(fsys, ".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_a.up.sql", "000002_b.up.sql"}, files)
}

func TestExtractVersion(t *testing.T) {
	assert.Equal(t, "000001", extractVersion("000001_arena.up.sql"))
	assert.Equal(t, "nounderscore.sql", extractVersion("nounderscore.sql"))
}

func TestEmbeddedMigrations_HaveDownFiles(t *testing.T) {
	ups, err := MigrationFiles(migrations.FS, ".up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)

	downs, err := MigrationFiles(migrations.FS, ".down.sql")
	require.NoError(t, err)

	for _, up := range ups {
		assert.Contains(t, downs, strings.Replace(up, ".up.sql", ".down.sql", 1))
	}
}
