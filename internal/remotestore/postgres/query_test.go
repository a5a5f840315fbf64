package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/visible-governance/platform/internal/remotestore"
)

func TestWhereRendersCastsAndArgs(t *testing.T) {
	tbl, err := lookup(remotestore.TableComplaints)
	require.NoError(t, err)

	b := &builder{}
	where, err := b.where(tbl, "t", []remotestore.Filter{
		remotestore.Eq("id", "VG-2024-abcd"),
		remotestore.Eq("version", int64(3)),
		remotestore.Neq("status", "pending"),
	})
	require.NoError(t, err)
	assert.Equal(t,
		"t.id = $1::text::text AND t.version = $2::text::bigint AND t.status IS DISTINCT FROM $3::text::text",
		where)
	assert.Equal(t, []any{"VG-2024-abcd", "3", "pending"}, b.args)
}

func TestWhereNullAndEmpty(t *testing.T) {
	tbl, _ := lookup(remotestore.TableComplaints)

	b := &builder{}
	where, err := b.where(tbl, "t", nil)
	require.NoError(t, err)
	assert.Equal(t, "TRUE", where)

	where, err = b.where(tbl, "t", []remotestore.Filter{remotestore.Eq("assigned_to", nil)})
	require.NoError(t, err)
	assert.Equal(t, "t.assigned_to IS NULL", where)
	assert.Empty(t, b.args)
}

func TestWhereRejectsUnknownColumn(t *testing.T) {
	tbl, _ := lookup(remotestore.TableComplaints)
	b := &builder{}
	_, err := b.where(tbl, "t", []remotestore.Filter{remotestore.Eq("password; DROP", "x")})
	assert.Error(t, err)
}

func TestOrderBy(t *testing.T) {
	tbl, _ := lookup(remotestore.TableComplaints)
	b := &builder{}

	order, err := b.orderBy(tbl, "t", []remotestore.Order{{Column: "created_at"}, {Column: "id", Ascending: true}})
	require.NoError(t, err)
	assert.Equal(t, " ORDER BY t.created_at DESC, t.id ASC", order)

	_, err = b.orderBy(tbl, "t", []remotestore.Order{{Column: "nope"}})
	assert.Error(t, err)
}

func TestColumnsOfIsSorted(t *testing.T) {
	tbl, _ := lookup(remotestore.TableFeedback)
	cols, err := tbl.columnsOf(remotestore.Row{"rating": 5, "id": "x", "comment": "ok"})
	require.NoError(t, err)
	assert.Equal(t, []string{"comment", "id", "rating"}, cols)

	_, err = tbl.columnsOf(remotestore.Row{"bogus": 1})
	assert.Error(t, err)
}

func TestLookupUnknownTable(t *testing.T) {
	_, err := lookup("secrets")
	assert.ErrorIs(t, err, remotestore.ErrUnknownTable)
}

func TestTextValue(t *testing.T) {
	ts := time.Date(2024, 2, 3, 4, 5, 6, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "2024-02-03T03:05:06Z", textValue(ts))
	assert.Equal(t, "true", textValue(true))
	assert.Equal(t, "1.5", textValue(1.5))
}
