package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListQuerySearchSpansProvenanceFields(t *testing.T) {
	query, args := listQuery(Filter{Search: "4021"})

	require.Contains(t, query, "origin ILIKE $1")
	require.Contains(t, query, "reason ILIKE $1")
	require.Contains(t, query, "CAST(sender_id AS TEXT) ILIKE $1")
	require.Equal(t, "%4021%", args[0])
	// default limit
	require.Equal(t, 200, args[len(args)-1])
}

func TestListQueryNumbersPlaceholdersPerClause(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	query, args := listQuery(Filter{From: from, ProductID: 7, Search: "harbour", Limit: 50})

	require.Contains(t, query, "occurred_at >= $1")
	require.Contains(t, query, "product_id = $2")
	require.Contains(t, query, "ILIKE $3")
	require.Contains(t, query, "LIMIT $4")
	require.Equal(t, []any{from, int64(7), "%harbour%", 50}, args)
}
