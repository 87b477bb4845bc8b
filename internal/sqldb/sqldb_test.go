package sqldb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebindNumbersPlaceholders(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", Postgres.Rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ?", SQLite.Rebind("a = ?"))
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"relaycollab_audit"`, QuoteIdentifier(" relaycollab_audit "))
	assert.Equal(t, `"we""ird"`, QuoteIdentifier(`we"ird`))
	assert.Equal(t, `""`, QuoteIdentifier(""))
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "/tmp/a.db?_busy_timeout=5000", SQLiteDSN("/tmp/a.db"))
	assert.Equal(t, "/tmp/a.db?mode=rwc&_busy_timeout=5000", SQLiteDSN("/tmp/a.db?mode=rwc"))
	assert.Equal(t, "/tmp/a.db?_busy_timeout=100", SQLiteDSN("/tmp/a.db?_busy_timeout=100"))
}
