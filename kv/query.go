package kv

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"lws.localdev.org/expr"
	"lws.localdev.org/wire"
)

const maxBatchSize = 25

// QueryInput selects rows of a table or one of its indexes by a key
// condition expression, optionally filtered afterwards.
type QueryInput struct {
	Table        string
	Index        string // empty for the base table
	KeyCondition string
	Filter       string
	Bindings     expr.Bindings
	Limit        int    // 0 means unlimited
	StartCursor  string // opaque cursor from a previous page
	Backward     bool   // reverse key order
}

// QueryOutput carries one result page. NextCursor is non-empty when
// the limit cut the page short.
type QueryOutput struct {
	Items        []wire.Item
	Count        int
	ScannedCount int
	NextCursor   string
}

// Query returns the rows whose key attributes satisfy the key condition,
// in key order. The limit counts key-matched rows, before filtering.
func (e *Engine) Query(in QueryInput) (QueryOutput, error) {
	if in.KeyCondition == "" {
		return QueryOutput{}, fmt.Errorf("%w: key condition required", ErrValidation)
	}
	keyCond, err := expr.ParseCondition(in.KeyCondition)
	if err != nil {
		return QueryOutput{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return e.page(in, keyCond)
}

// ScanInput selects every row of a table or index, optionally filtered.
type ScanInput struct {
	Table       string
	Index       string
	Filter      string
	Bindings    expr.Bindings
	Limit       int
	StartCursor string
}

// Scan walks all rows in key order. The limit counts rows examined,
// before filtering.
func (e *Engine) Scan(in ScanInput) (QueryOutput, error) {
	return e.page(QueryInput{
		Table:       in.Table,
		Index:       in.Index,
		Filter:      in.Filter,
		Bindings:    in.Bindings,
		Limit:       in.Limit,
		StartCursor: in.StartCursor,
	}, nil)
}

func (e *Engine) page(in QueryInput, keyCond *expr.Condition) (QueryOutput, error) {
	var filter *expr.Condition
	if in.Filter != "" {
		var err error
		filter, err = expr.ParseCondition(in.Filter)
		if err != nil {
			return QueryOutput{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	var out QueryOutput
	err := e.db.View(func(tx *bolt.Tx) error {
		def, err := defInTx(tx, in.Table)
		if err != nil {
			return err
		}
		bkt := tx.Bucket(tableBucket(in.Table))
		if in.Index != "" {
			if _, ok := def.index(in.Index); !ok {
				return fmt.Errorf("%w: %s on %s", ErrIndexNotFound, in.Index, in.Table)
			}
			bkt = tx.Bucket(idxBucket(in.Table, in.Index))
		}
		c := bkt.Cursor()
		k, v := startAt(c, in.StartCursor, in.Backward)
		for ; k != nil; k, v = advance(c, in.Backward) {
			var row wire.Item
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if keyCond != nil {
				ok, err := keyCond.Eval(row, in.Bindings)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrValidation, err)
				}
				if !ok {
					continue
				}
			}
			out.ScannedCount++
			if filter != nil {
				ok, err := filter.Eval(row, in.Bindings)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrValidation, err)
				}
				if !ok {
					if in.Limit > 0 && out.ScannedCount >= in.Limit {
						out.NextCursor = string(k)
						break
					}
					continue
				}
			}
			out.Items = append(out.Items, row)
			if in.Limit > 0 && out.ScannedCount >= in.Limit {
				out.NextCursor = string(k)
				break
			}
		}
		return nil
	})
	if err != nil {
		return QueryOutput{}, err
	}
	out.Count = len(out.Items)
	return out, nil
}

func startAt(c *bolt.Cursor, cursor string, backward bool) ([]byte, []byte) {
	if cursor == "" {
		if backward {
			return c.Last()
		}
		return c.First()
	}
	k, v := c.Seek([]byte(cursor))
	if backward {
		if k == nil {
			return c.Last()
		}
		return c.Prev()
	}
	if k != nil && string(k) == cursor {
		return c.Next()
	}
	return k, v
}

func advance(c *bolt.Cursor, backward bool) ([]byte, []byte) {
	if backward {
		return c.Prev()
	}
	return c.Next()
}

// BatchWrite is one entry of a batch write: exactly one of Put (a full
// item) or Delete (a key) is set.
type BatchWrite struct {
	Put    wire.Item
	Delete wire.Item
}

// BatchWriteItem applies up to 25 unconditional writes across tables.
// Entries are applied one by one; the batch is not atomic.
func (e *Engine) BatchWriteItem(writes map[string][]BatchWrite) error {
	total := 0
	for _, ws := range writes {
		total += len(ws)
	}
	if total > maxBatchSize {
		return ErrBatchTooLarge
	}
	for table, ws := range writes {
		for _, w := range ws {
			switch {
			case w.Put != nil && w.Delete != nil, w.Put == nil && w.Delete == nil:
				return fmt.Errorf("%w: batch entry must set exactly one of put or delete", ErrValidation)
			case w.Put != nil:
				if _, err := e.PutItem(table, w.Put, "", expr.Bindings{}); err != nil {
					return err
				}
			default:
				if _, err := e.DeleteItem(table, w.Delete, "", expr.Bindings{}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// BatchGetItem reads up to 25 keys across tables. Missing keys are
// simply absent from the result.
func (e *Engine) BatchGetItem(keys map[string][]wire.Item, strong bool) (map[string][]wire.Item, error) {
	total := 0
	for _, ks := range keys {
		total += len(ks)
	}
	if total > maxBatchSize {
		return nil, ErrBatchTooLarge
	}
	out := make(map[string][]wire.Item, len(keys))
	for table, ks := range keys {
		for _, key := range ks {
			item, err := e.GetItem(table, key, strong)
			if err != nil {
				return nil, err
			}
			if item != nil {
				out[table] = append(out[table], item)
			}
		}
	}
	return out, nil
}
