package backend

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbIterator "github.com/syndtr/goleveldb/leveldb/iterator"
	leveldbOpt "github.com/syndtr/goleveldb/leveldb/opt"
	leveldbStorage "github.com/syndtr/goleveldb/leveldb/storage"
	leveldbUtil "github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack"
)

// Key layout:
//
//	n<name>                        registry entry
//	r<uvarint len(name)><name><id> record, id is big-endian uint64
//	i<id>                          record id to record key
//	s                              last assigned record id
//
// The length prefix keeps the record prefix of one cache from matching the
// records of a cache whose name merely starts with the same bytes.
const (
	namePrefix   = 'n'
	recordPrefix = 'r'
	idPrefix     = 'i'
	sequenceKey  = "s"
)

// LevelDB is a backend on top of goleveldb.
// Update uses a leveldb transaction, which also serializes writers;
// View reads from a snapshot.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a leveldb database in the given directory.
// An empty path (or "memory") opens an in-memory database.
func NewLevelDB(path string) (*LevelDB, error) {
	var (
		db  *leveldb.DB
		err error
	)
	path = strings.TrimSpace(path)
	if path == "" || path == "memory" {
		db, err = leveldb.Open(leveldbStorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb backend: %w", err)
	}
	return &LevelDB{db: db}, nil
}

// Init is a no-op: both partitions and the cache name index are key ranges,
// which exist as soon as the database does.
func (l *LevelDB) Init(ctx context.Context) error {
	return ctx.Err()
}

func (l *LevelDB) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tr, err := l.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&levelTx{r: tr, w: tr}); err != nil {
		tr.Discard()
		return err
	}
	if err := tr.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (l *LevelDB) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot, err := l.db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer snapshot.Release()
	return fn(&levelTx{r: snapshot})
}

func (l *LevelDB) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

type levelReader interface {
	Get([]byte, *leveldbOpt.ReadOptions) ([]byte, error)
	NewIterator(*leveldbUtil.Range, *leveldbOpt.ReadOptions) leveldbIterator.Iterator
}

type levelWriter interface {
	Put([]byte, []byte, *leveldbOpt.WriteOptions) error
	Delete([]byte, *leveldbOpt.WriteOptions) error
}

type levelTx struct {
	r levelReader
	// nil for read-only transactions
	w levelWriter
}

func nameKey(name string) []byte {
	return append([]byte{namePrefix}, name...)
}

func recordCachePrefix(cacheName string) []byte {
	key := make([]byte, 1, 1+binary.MaxVarintLen64+len(cacheName)+8)
	key[0] = recordPrefix
	key = binary.AppendUvarint(key, uint64(len(cacheName)))
	return append(key, cacheName...)
}

func recordKey(cacheName string, id int64) []byte {
	return binary.BigEndian.AppendUint64(recordCachePrefix(cacheName), uint64(id))
}

func idKey(id int64) []byte {
	return binary.BigEndian.AppendUint64([]byte{idPrefix}, uint64(id))
}

func (t *levelTx) PutName(name string) error {
	if t.w == nil {
		return ErrReadOnly
	}
	return t.w.Put(nameKey(name), []byte{}, nil)
}

func (t *levelTx) DeleteName(name string) error {
	if t.w == nil {
		return ErrReadOnly
	}
	return t.w.Delete(nameKey(name), nil)
}

func (t *levelTx) HasName(name string) (bool, error) {
	_, err := t.r.Get(nameKey(name), nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (t *levelTx) Names() ([]string, error) {
	it := t.r.NewIterator(leveldbUtil.BytesPrefix([]byte{namePrefix}), nil)
	defer it.Release()

	names := make([]string, 0)
	for it.Next() {
		names = append(names, string(it.Key()[1:]))
	}
	return names, it.Error()
}

func (t *levelTx) Insert(rec *Record) (int64, error) {
	if t.w == nil {
		return 0, ErrReadOnly
	}
	var last uint64
	b, err := t.r.Get([]byte(sequenceKey), nil)
	if err == nil && len(b) == 8 {
		last = binary.BigEndian.Uint64(b)
	} else if err != nil && err != leveldb.ErrNotFound {
		return 0, err
	}
	id := int64(last + 1)

	stored := *rec
	stored.ID = id
	value, err := msgpack.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	key := recordKey(rec.CacheName, id)
	if err := t.w.Put([]byte(sequenceKey), binary.BigEndian.AppendUint64(nil, uint64(id)), nil); err != nil {
		return 0, err
	}
	if err := t.w.Put(idKey(id), key, nil); err != nil {
		return 0, err
	}
	return id, t.w.Put(key, value, nil)
}

func (t *levelTx) Delete(id int64) error {
	if t.w == nil {
		return ErrReadOnly
	}
	key, err := t.r.Get(idKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil
	} else if err != nil {
		return err
	}
	if err := t.w.Delete(key, nil); err != nil {
		return err
	}
	return t.w.Delete(idKey(id), nil)
}

func (t *levelTx) Scan(cacheName string) (Cursor, error) {
	it := t.r.NewIterator(leveldbUtil.BytesPrefix(recordCachePrefix(cacheName)), nil)
	return &levelCursor{it: it}, nil
}

func (t *levelTx) All(cacheName string) ([]Record, error) {
	c, err := t.Scan(cacheName)
	if err != nil {
		return nil, err
	}
	return collect(c)
}

func (t *levelTx) DeleteAll(cacheName string) (int, error) {
	if t.w == nil {
		return 0, ErrReadOnly
	}
	it := t.r.NewIterator(leveldbUtil.BytesPrefix(recordCachePrefix(cacheName)), nil)
	keys := make([][]byte, 0)
	for it.Next() {
		keys = append(keys, append([]byte{}, it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, err
	}
	for _, key := range keys {
		id := int64(binary.BigEndian.Uint64(key[len(key)-8:]))
		if err := t.w.Delete(key, nil); err != nil {
			return 0, err
		}
		if err := t.w.Delete(idKey(id), nil); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

type levelCursor struct {
	it  leveldbIterator.Iterator
	rec Record
	err error
}

func (c *levelCursor) Next() bool {
	if c.err != nil || !c.it.Next() {
		return false
	}
	// the iterator may reuse the value buffer
	value := append([]byte{}, c.it.Value()...)
	var rec Record
	if c.err = msgpack.Unmarshal(value, &rec); c.err != nil {
		return false
	}
	c.rec = rec
	return true
}

func (c *levelCursor) Record() Record {
	return c.rec
}

func (c *levelCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.it.Error()
}

func (c *levelCursor) Close() error {
	c.it.Release()
	return nil
}
