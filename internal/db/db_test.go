package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemaCoversStores(t *testing.T) {
	s := Schema()
	for _, table := range []string{"trading_accounts", "instruments", "trades", "transactions", "pending_orders", "bonus_settings"} {
		assert.Contains(t, s, "create table if not exists "+table+" (", table)
	}
	assert.Contains(t, s, "seq bigserial")
	assert.Contains(t, s, "position_id text primary key")
	assert.NotContains(t, strings.ToLower(s), "drop table")
}
