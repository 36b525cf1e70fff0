package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := migrationFS.ReadDir("sql")
	assert.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	assert.Contains(t, names, "0001_create_outbox_events.sql")
	assert.Contains(t, names, "0002_create_processed_events.sql")
	assert.Contains(t, names, "0003_create_dead_letter_events.sql")
	assert.Contains(t, names, "0004_create_engine_tables.sql")
}
