package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "$1, $2, $3", Postgres.Placeholders(1, 3))
	assert.Equal(t, "$4", Postgres.Placeholder(4))
	assert.Equal(t, "?, ?", SQLite.Placeholders(5, 2))
	assert.Equal(t, "", SQLite.Placeholders(1, 0))
}

func TestForDriver(t *testing.T) {
	tests := []struct {
		driver    string
		name      string
		returning bool
	}{
		{"pgx", "postgres", true},
		{"postgres", "postgres", true},
		{"sqlite3", "sqlite3", false},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d, err := ForDriver(tt.driver)
			require.NoError(t, err)
			assert.Equal(t, tt.name, d.Name())
			assert.Equal(t, tt.returning, d.Returning())
		})
	}

	_, err := ForDriver("oracle")
	assert.Error(t, err)
}

func TestOpen_SQLite(t *testing.T) {
	db, d, err := Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, SQLite, d)

	_, _, err = Open("mssql", "")
	assert.Error(t, err)
}
