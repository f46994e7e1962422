package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	c                      -> last issued sequence number
//	n:<store>              -> creation seq of the store
//	k:<store>\x00<key>     -> seq (8 bytes) + value
//	o:<store>\x00<seq hex> -> key
const (
	counterKey   = "c"
	namePrefix   = "n:"
	entryPrefix  = "k:"
	orderPrefix  = "o:"
	keySeparator = "\x00"
)

// LevelDBStorage keeps stores in a LevelDB database on disk.
type LevelDBStorage struct {
	db         *leveldb.DB
	writeMutex *sync.Mutex
	seq        uint64
}

func NewLevelDBStorage(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	l := &LevelDBStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
	b, err := db.Get([]byte(counterKey), nil)
	switch {
	case err == leveldb.ErrNotFound:
	case err != nil:
		db.Close()
		return nil, errors.Wrap(err, "read sequence counter")
	default:
		l.seq = decodeSeq(b)
	}
	return l, nil
}

func (l *LevelDBStorage) Open(name string) (Store, error) {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	if err := l.register(name); err != nil {
		return nil, err
	}
	return levelStore{l: l, name: name}, nil
}

// register must be called with the write mutex held.
func (l *LevelDBStorage) register(name string) error {
	nameKey := []byte(namePrefix + name)
	if ok, err := l.db.Has(nameKey, nil); err != nil {
		return errors.Wrapf(err, "look up store %s", name)
	} else if ok {
		return nil
	}
	batch := new(leveldb.Batch)
	seq := l.nextSeq(batch)
	batch.Put(nameKey, encodeSeq(seq))
	return errors.Wrapf(l.db.Write(batch, nil), "register store %s", name)
}

// nextSeq must be called with the write mutex held.
func (l *LevelDBStorage) nextSeq(batch *leveldb.Batch) uint64 {
	l.seq++
	batch.Put([]byte(counterKey), encodeSeq(l.seq))
	return l.seq
}

func (l *LevelDBStorage) Has(name string) (bool, error) {
	ok, err := l.db.Has([]byte(namePrefix+name), nil)
	return ok, errors.Wrapf(err, "look up store %s", name)
}

func (l *LevelDBStorage) Names() ([]string, error) {
	type named struct {
		name string
		seq  uint64
	}
	it := l.db.NewIterator(util.BytesPrefix([]byte(namePrefix)), nil)
	defer it.Release()

	all := make([]named, 0)
	for it.Next() {
		all = append(all, named{
			name: string(bytes.TrimPrefix(it.Key(), []byte(namePrefix))),
			seq:  decodeSeq(it.Value()),
		})
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, "list stores")
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	names := make([]string, len(all))
	for i, n := range all {
		names[i] = n.name
	}
	return names, nil
}

func (l *LevelDBStorage) Delete(name string) (bool, error) {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	nameKey := []byte(namePrefix + name)
	existed, err := l.db.Has(nameKey, nil)
	if err != nil {
		return false, errors.Wrapf(err, "look up store %s", name)
	}
	batch := new(leveldb.Batch)
	batch.Delete(nameKey)
	for _, prefix := range []string{entryPrefix, orderPrefix} {
		it := l.db.NewIterator(util.BytesPrefix([]byte(prefix+name+keySeparator)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, errors.Wrapf(err, "scan store %s", name)
		}
	}
	if err := l.db.Write(batch, nil); err != nil {
		return false, errors.Wrapf(err, "delete store %s", name)
	}
	return existed, nil
}

func (l *LevelDBStorage) Match(key string) ([]byte, string, bool, error) {
	names, err := l.Names()
	if err != nil {
		return nil, "", false, err
	}
	for _, name := range names {
		value, ok, err := levelStore{l: l, name: name}.Get(key)
		if err != nil {
			return nil, "", false, err
		}
		if ok {
			return value, name, true, nil
		}
	}
	return nil, "", false, nil
}

func (l *LevelDBStorage) Close() error {
	return l.db.Close()
}

type levelStore struct {
	l    *LevelDBStorage
	name string
}

func (st levelStore) entryKey(key string) []byte {
	return []byte(entryPrefix + st.name + keySeparator + key)
}

func (st levelStore) orderKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s%s%016x", orderPrefix, st.name, keySeparator, seq))
}

func (st levelStore) Name() string {
	return st.name
}

func (st levelStore) Get(key string) ([]byte, bool, error) {
	b, err := st.l.db.Get(st.entryKey(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "get %s from %s", key, st.name)
	}
	if len(b) < 8 {
		return nil, false, fmt.Errorf("corrupt entry %s in %s", key, st.name)
	}
	return cloneBytes(b[8:]), true, nil
}

func (st levelStore) Put(key string, value []byte) error {
	st.l.writeMutex.Lock()
	defer st.l.writeMutex.Unlock()
	if err := st.l.register(st.name); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	if old, err := st.l.db.Get(st.entryKey(key), nil); err == nil && len(old) >= 8 {
		batch.Delete(st.orderKey(decodeSeq(old[:8])))
	} else if err != nil && err != leveldb.ErrNotFound {
		return errors.Wrapf(err, "read %s from %s", key, st.name)
	}
	seq := st.l.nextSeq(batch)
	batch.Put(st.entryKey(key), append(encodeSeq(seq), value...))
	batch.Put(st.orderKey(seq), []byte(key))
	return errors.Wrapf(st.l.db.Write(batch, nil), "put %s into %s", key, st.name)
}

func (st levelStore) Delete(key string) (bool, error) {
	st.l.writeMutex.Lock()
	defer st.l.writeMutex.Unlock()
	old, err := st.l.db.Get(st.entryKey(key), nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "read %s from %s", key, st.name)
	}
	batch := new(leveldb.Batch)
	batch.Delete(st.entryKey(key))
	if len(old) >= 8 {
		batch.Delete(st.orderKey(decodeSeq(old[:8])))
	}
	if err := st.l.db.Write(batch, nil); err != nil {
		return false, errors.Wrapf(err, "delete %s from %s", key, st.name)
	}
	return true, nil
}

func (st levelStore) Keys() ([]string, error) {
	it := st.l.db.NewIterator(util.BytesPrefix([]byte(orderPrefix+st.name+keySeparator)), nil)
	defer it.Release()

	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(it.Value()))
	}
	return keys, errors.Wrapf(it.Error(), "list keys of %s", st.name)
}

func (st levelStore) Len() (int, error) {
	keys, err := st.Keys()
	return len(keys), err
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func decodeSeq(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}
