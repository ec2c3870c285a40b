package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"market-maker-core/order"
)

// JournalEntry 一条已生效的成交。
type JournalEntry struct {
	Fill order.Fill `json:"fill"`
	Side order.Side `json:"side"`
}

// Journal 按生效顺序记录成交，用于重启后恢复库存和去重集合。
type Journal interface {
	Append(e JournalEntry) error
	Replay(fn func(JournalEntry) error) error
	Close() error
}

// MemoryJournal 进程内实现，测试与 dry-run 使用。
type MemoryJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(e JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *MemoryJournal) Replay(fn func(JournalEntry) error) error {
	j.mu.Lock()
	entries := append([]JournalEntry(nil), j.entries...)
	j.mu.Unlock()
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (j *MemoryJournal) Close() error { return nil }

var (
	fillPrefix = []byte("fill/")
	fillUpper  = []byte("fill0") // '0' 紧随 '/'
)

// PebbleJournal 基于 pebble 的持久化成交日志，key 为 fill/<seq 大端>。
type PebbleJournal struct {
	db  *pebble.DB
	mu  sync.Mutex
	seq uint64
}

func OpenPebbleJournal(path string) (*PebbleJournal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	j := &PebbleJournal{db: db}

	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: fillPrefix, UpperBound: fillUpper})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if iter.Last() {
		j.seq = binary.BigEndian.Uint64(iter.Key()[len(fillPrefix):])
	}
	if err := iter.Close(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func fillKey(seq uint64) []byte {
	key := make([]byte, len(fillPrefix)+8)
	copy(key, fillPrefix)
	binary.BigEndian.PutUint64(key[len(fillPrefix):], seq)
	return key
}

func (j *PebbleJournal) Append(e JournalEntry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.db.Set(fillKey(j.seq+1), val, pebble.Sync); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	j.seq++
	return nil
}

func (j *PebbleJournal) Replay(fn func(JournalEntry) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: fillPrefix, UpperBound: fillUpper})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		var e JournalEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			_ = iter.Close()
			return fmt.Errorf("journal decode %x: %w", iter.Key(), err)
		}
		if err := fn(e); err != nil {
			_ = iter.Close()
			return err
		}
	}
	return iter.Close()
}

func (j *PebbleJournal) Close() error {
	if j.db == nil {
		return errors.New("journal already closed")
	}
	err := j.db.Close()
	j.db = nil
	return err
}
