package kv

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"lws.localdev.org/common"
	"lws.localdev.org/expr"
	"lws.localdev.org/wire"
)

const (
	metaBucket = "meta"

	// DefaultConsistencyWindow is how long an eventually consistent read
	// may observe the previous image after a write.
	DefaultConsistencyWindow = 200 * time.Millisecond
)

// Engine is the KV store. All operations are safe for concurrent use;
// the atomicity unit is one engine operation.
type Engine struct {
	db     *bolt.DB
	log    *logrus.Entry
	window time.Duration

	mu       sync.Mutex
	versions map[string]versionRec // table+"\x00"+key -> previous image
	seq      map[string]int64      // table -> last stream sequence number
	sink     StreamSink
}

type versionRec struct {
	writtenAt time.Time
	prev      wire.Item // nil when the key did not exist before
	existed   bool
}

// Open creates or opens the engine's bbolt file under dir.
func Open(dir string, window time.Duration) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create kv data dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "tables.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	if window <= 0 {
		window = DefaultConsistencyWindow
	}
	return &Engine{
		db:       db,
		log:      common.ServiceLogger("kv"),
		window:   window,
		versions: make(map[string]versionRec),
		seq:      make(map[string]int64),
	}, nil
}

// Close releases the underlying store.
func (e *Engine) Close() error { return e.db.Close() }

// SetStreamSink installs the change-record receiver. Pass nil to detach.
func (e *Engine) SetStreamSink(sink StreamSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

func tableBucket(name string) []byte { return []byte("t:" + name) }
func idxBucket(table, index string) []byte {
	return []byte("i:" + table + ":" + index)
}

// CreateTable registers a table and its index buckets.
func (e *Engine) CreateTable(def TableDef) error {
	if def.Name == "" {
		return fmt.Errorf("%w: table name required", ErrValidation)
	}
	def.CreatedAt = time.Now().UTC()
	return e.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		if meta.Get([]byte(def.Name)) != nil {
			return fmt.Errorf("%w: %s", ErrTableExists, def.Name)
		}
		raw, err := json.Marshal(def)
		if err != nil {
			return err
		}
		if err := meta.Put([]byte(def.Name), raw); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(tableBucket(def.Name)); err != nil {
			return err
		}
		for _, ix := range def.Indexes {
			if _, err := tx.CreateBucket(idxBucket(def.Name, ix.Name)); err != nil {
				return err
			}
		}
		e.log.WithField("table", def.Name).Info("table created")
		return nil
	})
}

// DeleteTable removes a table, its data and its index buckets.
func (e *Engine) DeleteTable(name string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		raw := meta.Get([]byte(name))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrTableNotFound, name)
		}
		var def TableDef
		if err := json.Unmarshal(raw, &def); err != nil {
			return err
		}
		if err := meta.Delete([]byte(name)); err != nil {
			return err
		}
		if err := tx.DeleteBucket(tableBucket(name)); err != nil {
			return err
		}
		for _, ix := range def.Indexes {
			if err := tx.DeleteBucket(idxBucket(name, ix.Name)); err != nil {
				return err
			}
		}
		e.log.WithField("table", name).Info("table deleted")
		return nil
	})
}

// DescribeTable returns the table definition.
func (e *Engine) DescribeTable(name string) (TableDef, error) {
	var def TableDef
	err := e.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(metaBucket)).Get([]byte(name))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrTableNotFound, name)
		}
		return json.Unmarshal(raw, &def)
	})
	return def, err
}

// ListTables returns all table names.
func (e *Engine) ListTables() ([]string, error) {
	var names []string
	err := e.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// SetStreamSpec enables or disables the change stream for a table.
func (e *Engine) SetStreamSpec(table string, spec *StreamSpec) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		raw := meta.Get([]byte(table))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrTableNotFound, table)
		}
		var def TableDef
		if err := json.Unmarshal(raw, &def); err != nil {
			return err
		}
		def.Stream = spec
		updated, err := json.Marshal(def)
		if err != nil {
			return err
		}
		return meta.Put([]byte(table), updated)
	})
}

// PutItem writes an item, optionally guarded by a condition expression
// evaluated against the pre-write image. Returns the old item, if any.
func (e *Engine) PutItem(table string, item wire.Item, condition string, b expr.Bindings) (wire.Item, error) {
	var cond *expr.Condition
	if condition != "" {
		var err error
		cond, err = expr.ParseCondition(condition)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	var old wire.Item
	var def TableDef
	var key string
	err := e.db.Update(func(tx *bolt.Tx) error {
		var err error
		def, err = defInTx(tx, table)
		if err != nil {
			return err
		}
		key, err = keyOf(def, item)
		if err != nil {
			return err
		}
		base := tx.Bucket(tableBucket(table))
		old, err = readRow(base, key)
		if err != nil {
			return err
		}
		if cond != nil {
			target := old
			if target == nil {
				target = wire.Item{}
			}
			ok, err := cond.Eval(target, b)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
			if !ok {
				return ErrConditionFailed
			}
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := base.Put([]byte(key), raw); err != nil {
			return err
		}
		return e.updateIndexes(tx, def, key, old, item)
	})
	if err != nil {
		return nil, err
	}
	e.recordWrite(table, key, old)
	e.emit(def, old, item)
	return old, nil
}

// GetItem reads an item by key. Non-strong reads may return the previous
// image while the most recent write is younger than the staleness window.
func (e *Engine) GetItem(table string, key wire.Item, strong bool) (wire.Item, error) {
	def, err := e.DescribeTable(table)
	if err != nil {
		return nil, err
	}
	k, err := keyOf(def, key)
	if err != nil {
		return nil, err
	}
	var current wire.Item
	err = e.db.View(func(tx *bolt.Tx) error {
		current, err = readRow(tx.Bucket(tableBucket(table)), k)
		return err
	})
	if err != nil {
		return nil, err
	}
	if strong {
		return current, nil
	}
	e.mu.Lock()
	rec, ok := e.versions[table+"\x00"+k]
	e.mu.Unlock()
	if ok && time.Since(rec.writtenAt) < e.window {
		if !rec.existed {
			return nil, nil
		}
		return rec.prev, nil
	}
	return current, nil
}

// DeleteItem removes an item, optionally condition-guarded. Returns the
// removed item, or nil when the key did not exist.
func (e *Engine) DeleteItem(table string, key wire.Item, condition string, b expr.Bindings) (wire.Item, error) {
	var cond *expr.Condition
	if condition != "" {
		var err error
		cond, err = expr.ParseCondition(condition)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	var old wire.Item
	var def TableDef
	var k string
	err := e.db.Update(func(tx *bolt.Tx) error {
		var err error
		def, err = defInTx(tx, table)
		if err != nil {
			return err
		}
		k, err = keyOf(def, key)
		if err != nil {
			return err
		}
		base := tx.Bucket(tableBucket(table))
		old, err = readRow(base, k)
		if err != nil {
			return err
		}
		if cond != nil {
			target := old
			if target == nil {
				target = wire.Item{}
			}
			ok, err := cond.Eval(target, b)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
			if !ok {
				return ErrConditionFailed
			}
		}
		if old == nil {
			return nil
		}
		if err := base.Delete([]byte(k)); err != nil {
			return err
		}
		return e.updateIndexes(tx, def, k, old, nil)
	})
	if err != nil {
		return nil, err
	}
	if old != nil {
		e.recordWrite(table, k, old)
		e.emit(def, old, nil)
	}
	return old, nil
}

// UpdateItem applies an update expression to the stored item (or an
// empty one), optionally condition-guarded. Returns the new image.
func (e *Engine) UpdateItem(table string, key wire.Item, updateExpr, condition string, b expr.Bindings) (wire.Item, error) {
	upd, err := expr.ParseUpdate(updateExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var cond *expr.Condition
	if condition != "" {
		cond, err = expr.ParseCondition(condition)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	var old, item wire.Item
	var def TableDef
	var k string
	err = e.db.Update(func(tx *bolt.Tx) error {
		var err error
		def, err = defInTx(tx, table)
		if err != nil {
			return err
		}
		k, err = keyOf(def, key)
		if err != nil {
			return err
		}
		base := tx.Bucket(tableBucket(table))
		old, err = readRow(base, k)
		if err != nil {
			return err
		}
		target := old
		if target == nil {
			target = wire.Item{}
		}
		if cond != nil {
			ok, err := cond.Eval(target, b)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
			if !ok {
				return ErrConditionFailed
			}
		}
		item, err = upd.Apply(target, b)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		// Key attributes always survive an update.
		for kk, vv := range keyItem(def, key) {
			item[kk] = vv
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := base.Put([]byte(k), raw); err != nil {
			return err
		}
		return e.updateIndexes(tx, def, k, old, item)
	})
	if err != nil {
		return nil, err
	}
	e.recordWrite(table, k, old)
	e.emit(def, old, item)
	return item, nil
}

// updateIndexes maintains every secondary index inside the same
// transaction as the base write. oldItem/newItem may be nil.
func (e *Engine) updateIndexes(tx *bolt.Tx, def TableDef, baseKey string, oldItem, newItem wire.Item) error {
	for _, ix := range def.Indexes {
		bkt := tx.Bucket(idxBucket(def.Name, ix.Name))
		if oldItem != nil {
			if row := project(def, ix, oldItem); row != nil {
				if err := bkt.Delete([]byte(indexKey(ix, oldItem, baseKey))); err != nil {
					return err
				}
			}
		}
		if newItem != nil {
			row := project(def, ix, newItem)
			if row == nil {
				continue
			}
			raw, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := bkt.Put([]byte(indexKey(ix, newItem, baseKey)), raw); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) recordWrite(table, key string, prev wire.Item) {
	e.mu.Lock()
	e.versions[table+"\x00"+key] = versionRec{
		writtenAt: time.Now(),
		prev:      prev,
		existed:   prev != nil,
	}
	e.mu.Unlock()
}

// emit pushes a change record to the sink when the table has a stream.
func (e *Engine) emit(def TableDef, oldItem, newItem wire.Item) {
	if def.Stream == nil {
		return
	}
	e.mu.Lock()
	sink := e.sink
	e.seq[def.Name]++
	seq := e.seq[def.Name]
	e.mu.Unlock()
	if sink == nil {
		return
	}
	rec := StreamRecord{
		SequenceNumber:              strconv.FormatInt(seq, 10),
		ApproximateCreationDateTime: time.Now().UTC(),
	}
	switch {
	case oldItem == nil:
		rec.EventName = "INSERT"
		rec.Keys = keyItem(def, newItem)
	case newItem == nil:
		rec.EventName = "REMOVE"
		rec.Keys = keyItem(def, oldItem)
	default:
		rec.EventName = "MODIFY"
		rec.Keys = keyItem(def, newItem)
	}
	view := def.Stream.ViewType
	if view == ViewNewImage || view == ViewBoth {
		rec.NewImage = newItem
	}
	if view == ViewOldImage || view == ViewBoth {
		rec.OldImage = oldItem
	}
	sink(def.Name, rec)
}

func defInTx(tx *bolt.Tx, table string) (TableDef, error) {
	raw := tx.Bucket([]byte(metaBucket)).Get([]byte(table))
	if raw == nil {
		return TableDef{}, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	var def TableDef
	if err := json.Unmarshal(raw, &def); err != nil {
		return TableDef{}, err
	}
	return def, nil
}

func readRow(b *bolt.Bucket, key string) (wire.Item, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	var item wire.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	return item, nil
}
