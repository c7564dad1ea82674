package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransactionSQLByDepth(t *testing.T) {
	assert.Equal(t, "BEGIN", beginSQL(0))
	assert.Equal(t, "SAVEPOINT _sqlink_savepoint_1", beginSQL(1))
	assert.Equal(t, "SAVEPOINT _sqlink_savepoint_2", beginSQL(2))

	assert.Equal(t, "COMMIT", commitSQL(1))
	assert.Equal(t, "RELEASE SAVEPOINT _sqlink_savepoint_1", commitSQL(2))
	assert.Equal(t, "RELEASE SAVEPOINT _sqlink_savepoint_2", commitSQL(3))

	assert.Equal(t, "ROLLBACK", rollbackSQL(1))
	assert.Equal(t, "ROLLBACK TO SAVEPOINT _sqlink_savepoint_1", rollbackSQL(2))
	assert.Equal(t, "ROLLBACK TO SAVEPOINT _sqlink_savepoint_2", rollbackSQL(3))
}

func TestSavepointNamesAreDistinctPerDepth(t *testing.T) {
	seen := make(map[string]bool)
	for depth := uint32(1); depth <= 64; depth++ {
		name := savepointName(depth)
		assert.False(t, seen[name], "savepoint name %q reused", name)
		seen[name] = true
	}
}
