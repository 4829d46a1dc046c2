package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "initial schema", migrations[0].Description)
	for i := 1; i < len(migrations); i++ {
		assert.Greater(t, migrations[i].Version, migrations[i-1].Version)
	}
	for _, m := range migrations {
		assert.NotEmpty(t, m.SQL)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	version, description, err := parseMigrationFilename("002_market_tables.sql")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, "market tables", description)

	_, _, err = parseMigrationFilename("nonsense.sql")
	assert.Error(t, err)

	_, _, err = parseMigrationFilename("abc_oops.sql")
	assert.Error(t, err)
}
