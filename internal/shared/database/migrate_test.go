package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsAreOrdered(t *testing.T) {
	versions, err := Migrations()
	require.NoError(t, err)

	assert.Equal(t, []string{"001_complaints", "002_auth", "003_feedback"}, versions)
}
