package rowlock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcquireSkipLocked(t *testing.T) {
	table := NewTable()

	got := table.AcquireSkipLocked([]string{"a", "b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, got)

	// A second pass skips what the first one holds.
	got = table.AcquireSkipLocked([]string{"b", "c", "d"})
	assert.Equal(t, []string{"d"}, got)

	table.Release([]string{"b"})
	got = table.AcquireSkipLocked([]string{"b", "c"})
	assert.Equal(t, []string{"b"}, got)

	assert.True(t, table.Held("a"))
	assert.False(t, table.Held("zzz"))

	// Releasing unheld IDs is harmless.
	table.Release([]string{"zzz"})
}
