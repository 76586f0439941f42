package memhttpd

import (
	"bytes"
	"encoding/gob"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

const (
	ledgerPrefix   = "h:"
	ledgerQueueLen = 1024
)

// LedgerEntry is the persisted request history of one path.
type LedgerEntry struct {
	Path       string
	Hits       uint64
	Bytes      uint64
	LastAccess int64 // unix seconds
}

type ledgerMeta struct {
	Hits       uint64
	Bytes      uint64
	LastAccess int64
}

type ledgerOp struct {
	path  string
	bytes int64
	at    int64
}

// Ledger counts requests per path in leveldb. Records are queued without blocking and
// written by a single goroutine, so the event loop never waits on disk.
type Ledger struct {
	db  *leveldb.DB
	log *rateLimitedLogger

	writeErrors atomic.Uint64

	mu    sync.Mutex
	index map[string]ledgerMeta

	ops  chan ledgerOp
	done chan struct{}
	once sync.Once
}

func OpenLedger(path string, log *zap.Logger) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		db:    db,
		log:   newRateLimitedLogger(log, time.Minute),
		index: map[string]ledgerMeta{},
		ops:   make(chan ledgerOp, ledgerQueueLen),
		done:  make(chan struct{}),
	}
	if err := l.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go l.writerLoop()
	return l, nil
}

func (l *Ledger) loadIndex() error {
	it := l.db.NewIterator(util.BytesPrefix([]byte(ledgerPrefix)), nil)
	defer it.Release()

	idx := map[string]ledgerMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(ledgerPrefix)))
		var meta ledgerMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
	}
	if err := it.Error(); err != nil {
		return err
	}
	l.mu.Lock()
	l.index = idx
	l.mu.Unlock()
	return nil
}

// Record queues one served request. It reports false when the queue was full and the
// record was dropped.
func (l *Ledger) Record(path string, bodyBytes int64) bool {
	select {
	case l.ops <- ledgerOp{path: path, bytes: bodyBytes, at: time.Now().Unix()}:
		return true
	default:
		ledgerDropped.Inc()
		return false
	}
}

func (l *Ledger) Get(path string) (LedgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.index[path]
	if !ok {
		return LedgerEntry{}, false
	}
	return LedgerEntry{Path: path, Hits: m.Hits, Bytes: m.Bytes, LastAccess: m.LastAccess}, true
}

// Top returns up to n paths with the most hits, ties broken by path.
func (l *Ledger) Top(n int) []LedgerEntry {
	l.mu.Lock()
	out := make([]LedgerEntry, 0, len(l.index))
	for p, m := range l.index {
		out = append(out, LedgerEntry{Path: p, Hits: m.Hits, Bytes: m.Bytes, LastAccess: m.LastAccess})
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		return out[i].Path < out[j].Path
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Close writes every queued record and closes the database.
func (l *Ledger) Close() error {
	var err error
	l.once.Do(func() {
		close(l.ops)
		<-l.done
		err = l.db.Close()
	})
	return err
}

func (l *Ledger) writerLoop() {
	defer close(l.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range l.ops {
		l.apply(op)
	}
}

func (l *Ledger) apply(op ledgerOp) {
	l.mu.Lock()
	meta := l.index[op.path]
	meta.Hits++
	if op.bytes > 0 {
		meta.Bytes += uint64(op.bytes)
	}
	meta.LastAccess = op.at
	l.index[op.path] = meta
	l.mu.Unlock()

	b, err := encodeGob(meta)
	if err == nil {
		err = l.db.Put([]byte(ledgerPrefix+op.path), b, nil)
	}
	if err != nil {
		l.writeErrors.Add(1)
		ledgerWriteErrors.Inc()
		l.log.Warn("ledger write failed", zap.String("path", op.path), zap.Error(err))
	}
}

// WriteErrors counts records that reached the writer but could not be persisted.
func (l *Ledger) WriteErrors() uint64 { return l.writeErrors.Load() }

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
