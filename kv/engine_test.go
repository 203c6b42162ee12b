package kv

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lws.localdev.org/expr"
	"lws.localdev.org/wire"
)

func newEngine(t *testing.T, window time.Duration) *Engine {
	t.Helper()
	e, err := Open(t.TempDir(), window)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func ordersTable() TableDef {
	return TableDef{
		Name:         "orders",
		PartitionKey: KeyAttr{Name: "pk", Type: TypeString},
		SortKey:      &KeyAttr{Name: "sk", Type: TypeString},
		Indexes: []IndexDef{{
			Name:         "by-status",
			PartitionKey: KeyAttr{Name: "status", Type: TypeString},
			Projection:   ProjectAll,
		}},
	}
}

func order(pk, sk, status string, total float64) wire.Item {
	return wire.Item{
		"pk":     wire.String(pk),
		"sk":     wire.String(sk),
		"status": wire.String(status),
		"total":  wire.Number(total),
	}
}

func TestPutGetStrong(t *testing.T) {
	e := newEngine(t, time.Millisecond)
	require.NoError(t, e.CreateTable(ordersTable()))

	it := order("cust#1", "order#1", "open", 42)
	_, err := e.PutItem("orders", it, "", expr.Bindings{})
	require.NoError(t, err)

	got, err := e.GetItem("orders", wire.Item{"pk": wire.String("cust#1"), "sk": wire.String("order#1")}, true)
	require.NoError(t, err)
	assert.True(t, wire.Equal(wire.Number(42), got["total"]))
}

func TestEventualReadSeesPreviousImageInsideWindow(t *testing.T) {
	e := newEngine(t, 500*time.Millisecond)
	require.NoError(t, e.CreateTable(ordersTable()))
	key := wire.Item{"pk": wire.String("cust#1"), "sk": wire.String("order#1")}

	_, err := e.PutItem("orders", order("cust#1", "order#1", "open", 1), "", expr.Bindings{})
	require.NoError(t, err)
	time.Sleep(600 * time.Millisecond)
	_, err = e.PutItem("orders", order("cust#1", "order#1", "open", 2), "", expr.Bindings{})
	require.NoError(t, err)

	stale, err := e.GetItem("orders", key, false)
	require.NoError(t, err)
	assert.True(t, wire.Equal(wire.Number(1), stale["total"]), "eventual read inside the window returns the previous image")

	strong, err := e.GetItem("orders", key, true)
	require.NoError(t, err)
	assert.True(t, wire.Equal(wire.Number(2), strong["total"]))

	time.Sleep(600 * time.Millisecond)
	settled, err := e.GetItem("orders", key, false)
	require.NoError(t, err)
	assert.True(t, wire.Equal(wire.Number(2), settled["total"]))
}

func TestConditionalWrite(t *testing.T) {
	e := newEngine(t, time.Millisecond)
	require.NoError(t, e.CreateTable(ordersTable()))
	it := order("cust#1", "order#1", "open", 1)

	_, err := e.PutItem("orders", it, "attribute_not_exists(pk)", expr.Bindings{})
	require.NoError(t, err)

	_, err = e.PutItem("orders", it, "attribute_not_exists(pk)", expr.Bindings{})
	assert.ErrorIs(t, err, ErrConditionFailed)

	got, err := e.GetItem("orders", wire.Item{"pk": wire.String("cust#1"), "sk": wire.String("order#1")}, true)
	require.NoError(t, err)
	require.NotNil(t, got, "failed conditional write must not touch the item")
}

func TestUpdateItem(t *testing.T) {
	e := newEngine(t, time.Millisecond)
	require.NoError(t, e.CreateTable(ordersTable()))
	key := wire.Item{"pk": wire.String("cust#1"), "sk": wire.String("order#1")}
	_, err := e.PutItem("orders", order("cust#1", "order#1", "open", 10), "", expr.Bindings{})
	require.NoError(t, err)

	out, err := e.UpdateItem("orders", key, "SET total = total + :d, status = :s", "", expr.Bindings{
		Values: map[string]wire.Value{":d": wire.Number(5), ":s": wire.String("paid")},
	})
	require.NoError(t, err)
	assert.True(t, wire.Equal(wire.Number(15), out["total"]))
	assert.True(t, wire.Equal(wire.String("paid"), out["status"]))

	// Upsert on a missing key keeps the key attributes.
	fresh, err := e.UpdateItem("orders", wire.Item{"pk": wire.String("cust#2"), "sk": wire.String("order#9")},
		"SET total = :t", "", expr.Bindings{Values: map[string]wire.Value{":t": wire.Number(1)}})
	require.NoError(t, err)
	assert.True(t, wire.Equal(wire.String("cust#2"), fresh["pk"]))
}

func TestIndexMaintainedSynchronously(t *testing.T) {
	e := newEngine(t, time.Millisecond)
	require.NoError(t, e.CreateTable(ordersTable()))
	b := expr.Bindings{Values: map[string]wire.Value{":s": wire.String("open")}}

	_, err := e.PutItem("orders", order("cust#1", "order#1", "open", 1), "", expr.Bindings{})
	require.NoError(t, err)
	_, err = e.PutItem("orders", order("cust#1", "order#2", "paid", 2), "", expr.Bindings{})
	require.NoError(t, err)
	// No status attribute: skipped by the index.
	_, err = e.PutItem("orders", wire.Item{"pk": wire.String("cust#1"), "sk": wire.String("order#3")}, "", expr.Bindings{})
	require.NoError(t, err)

	out, err := e.Query(QueryInput{Table: "orders", Index: "by-status", KeyCondition: "status = :s", Bindings: b})
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.True(t, wire.Equal(wire.String("order#1"), out.Items[0]["sk"]))

	// Moving the item to another partition replaces its index row.
	_, err = e.UpdateItem("orders", wire.Item{"pk": wire.String("cust#1"), "sk": wire.String("order#1")},
		"SET status = :p", "", expr.Bindings{Values: map[string]wire.Value{":p": wire.String("paid")}})
	require.NoError(t, err)
	out, err = e.Query(QueryInput{Table: "orders", Index: "by-status", KeyCondition: "status = :s", Bindings: b})
	require.NoError(t, err)
	assert.Empty(t, out.Items)

	// Deleting removes the index row too.
	_, err = e.DeleteItem("orders", wire.Item{"pk": wire.String("cust#1"), "sk": wire.String("order#2")}, "", expr.Bindings{})
	require.NoError(t, err)
	out, err = e.Query(QueryInput{Table: "orders", Index: "by-status", KeyCondition: "status = :p",
		Bindings: expr.Bindings{Values: map[string]wire.Value{":p": wire.String("paid")}}})
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.True(t, wire.Equal(wire.String("order#1"), out.Items[0]["sk"]))
}

func TestQueryOrderingAndPaging(t *testing.T) {
	e := newEngine(t, time.Millisecond)
	require.NoError(t, e.CreateTable(ordersTable()))
	for i := 1; i <= 5; i++ {
		_, err := e.PutItem("orders", order("cust#1", fmt.Sprintf("order#%d", i), "open", float64(i)), "", expr.Bindings{})
		require.NoError(t, err)
	}
	b := expr.Bindings{Values: map[string]wire.Value{":pk": wire.String("cust#1")}}

	out, err := e.Query(QueryInput{Table: "orders", KeyCondition: "pk = :pk", Bindings: b, Limit: 2})
	require.NoError(t, err)
	require.Len(t, out.Items, 2)
	assert.True(t, wire.Equal(wire.String("order#1"), out.Items[0]["sk"]))
	require.NotEmpty(t, out.NextCursor)

	out, err = e.Query(QueryInput{Table: "orders", KeyCondition: "pk = :pk", Bindings: b, StartCursor: out.NextCursor})
	require.NoError(t, err)
	require.Len(t, out.Items, 3)
	assert.True(t, wire.Equal(wire.String("order#3"), out.Items[0]["sk"]))
	assert.Empty(t, out.NextCursor)

	back, err := e.Query(QueryInput{Table: "orders", KeyCondition: "pk = :pk", Bindings: b, Backward: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, back.Items, 1)
	assert.True(t, wire.Equal(wire.String("order#5"), back.Items[0]["sk"]))
}

func TestScanWithFilter(t *testing.T) {
	e := newEngine(t, time.Millisecond)
	require.NoError(t, e.CreateTable(ordersTable()))
	for i := 1; i <= 4; i++ {
		_, err := e.PutItem("orders", order("cust#1", fmt.Sprintf("order#%d", i), "open", float64(i*10)), "", expr.Bindings{})
		require.NoError(t, err)
	}
	out, err := e.Scan(ScanInput{Table: "orders", Filter: "total > :min",
		Bindings: expr.Bindings{Values: map[string]wire.Value{":min": wire.Number(20)}}})
	require.NoError(t, err)
	assert.Equal(t, 4, out.ScannedCount)
	assert.Equal(t, 2, out.Count)
}

func TestStreamRecords(t *testing.T) {
	e := newEngine(t, time.Millisecond)
	def := ordersTable()
	def.Stream = &StreamSpec{ViewType: ViewBoth}
	require.NoError(t, e.CreateTable(def))

	var recs []StreamRecord
	e.SetStreamSink(func(table string, rec StreamRecord) {
		assert.Equal(t, "orders", table)
		recs = append(recs, rec)
	})

	key := wire.Item{"pk": wire.String("cust#1"), "sk": wire.String("order#1")}
	_, err := e.PutItem("orders", order("cust#1", "order#1", "open", 1), "", expr.Bindings{})
	require.NoError(t, err)
	_, err = e.UpdateItem("orders", key, "SET total = :t", "",
		expr.Bindings{Values: map[string]wire.Value{":t": wire.Number(2)}})
	require.NoError(t, err)
	_, err = e.DeleteItem("orders", key, "", expr.Bindings{})
	require.NoError(t, err)

	require.Len(t, recs, 3)
	assert.Equal(t, "INSERT", recs[0].EventName)
	assert.Equal(t, "MODIFY", recs[1].EventName)
	assert.Equal(t, "REMOVE", recs[2].EventName)
	assert.Nil(t, recs[0].OldImage)
	assert.True(t, wire.Equal(wire.Number(2), recs[1].NewImage["total"]))
	assert.Nil(t, recs[2].NewImage)
	for i := 1; i < len(recs); i++ {
		assert.Less(t, recs[i-1].SequenceNumber, recs[i].SequenceNumber)
	}
}

func TestBatchOperations(t *testing.T) {
	e := newEngine(t, time.Millisecond)
	require.NoError(t, e.CreateTable(ordersTable()))

	writes := map[string][]BatchWrite{"orders": {
		{Put: order("cust#1", "order#1", "open", 1)},
		{Put: order("cust#1", "order#2", "open", 2)},
	}}
	require.NoError(t, e.BatchWriteItem(writes))

	got, err := e.BatchGetItem(map[string][]wire.Item{"orders": {
		{"pk": wire.String("cust#1"), "sk": wire.String("order#1")},
		{"pk": wire.String("cust#1"), "sk": wire.String("missing")},
	}}, true)
	require.NoError(t, err)
	assert.Len(t, got["orders"], 1)

	require.NoError(t, e.BatchWriteItem(map[string][]BatchWrite{"orders": {
		{Delete: wire.Item{"pk": wire.String("cust#1"), "sk": wire.String("order#1")}},
	}}))
	item, err := e.GetItem("orders", wire.Item{"pk": wire.String("cust#1"), "sk": wire.String("order#1")}, true)
	require.NoError(t, err)
	assert.Nil(t, item)

	var big []BatchWrite
	for i := 0; i < maxBatchSize+1; i++ {
		big = append(big, BatchWrite{Put: order("cust#2", fmt.Sprintf("order#%d", i), "open", 1)})
	}
	assert.ErrorIs(t, e.BatchWriteItem(map[string][]BatchWrite{"orders": big}), ErrBatchTooLarge)
}

func TestTableLifecycle(t *testing.T) {
	e := newEngine(t, time.Millisecond)
	require.NoError(t, e.CreateTable(ordersTable()))
	assert.ErrorIs(t, e.CreateTable(ordersTable()), ErrTableExists)

	names, err := e.ListTables()
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, names)

	def, err := e.DescribeTable("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", def.Name)

	require.NoError(t, e.DeleteTable("orders"))
	_, err = e.DescribeTable("orders")
	assert.ErrorIs(t, err, ErrTableNotFound)
	assert.ErrorIs(t, e.DeleteTable("orders"), ErrTableNotFound)
}
