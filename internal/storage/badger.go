package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	logx "kbconsole/pkg/logx"
)

const badgerConflictRetries = 100

type badgerStore struct {
	db       *badger.DB
	log      logx.Logger
	inMemory bool
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("badger path is required")
	}
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{log: log})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerStore{db: db, log: log}, nil
}

// NewBadgerInMemory opens a non-persistent Badger instance.
func NewBadgerInMemory(log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerStore{db: db, log: log, inMemory: true}, nil
}

func (s *badgerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	if !validKey(key) {
		return nil, false, ErrInvalidKey
	}
	var (
		out []byte
		ok  bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		ok = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, ok, nil
}

func (s *badgerStore) Put(ctx context.Context, key string, value []byte) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Update retries on transaction conflicts; badger detects concurrent
// read-modify-write on the same key at commit.
func (s *badgerStore) Update(ctx context.Context, key string, fn func(old []byte) ([]byte, error)) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	var err error
	for attempt := 0; attempt < badgerConflictRetries; attempt++ {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			var old []byte
			item, gerr := txn.Get([]byte(key))
			switch {
			case errors.Is(gerr, badger.ErrKeyNotFound):
			case gerr != nil:
				return gerr
			default:
				v, verr := item.ValueCopy(nil)
				if verr != nil {
					return verr
				}
				old = v
			}
			nv, ferr := fn(old)
			if ferr != nil {
				return ferr
			}
			return txn.Set([]byte(key), nv)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debug("badger update conflict; retrying", logx.String("key", key), logx.Int("attempt", attempt+1))
	}
	return err
}

// Maintain runs value-log GC until badger reports nothing left to rewrite.
func (s *badgerStore) Maintain(ctx context.Context) error {
	if s.inMemory {
		return nil
	}
	for i := 0; i < 16; i++ {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *badgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// badgerLogger routes badger's internal logging through logx.
type badgerLogger struct{ log logx.Logger }

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.log.Error(strings.TrimSpace(fmt.Sprintf(f, v...))) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warn(strings.TrimSpace(fmt.Sprintf(f, v...))) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.log.Debug(strings.TrimSpace(fmt.Sprintf(f, v...))) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.log.Trace(strings.TrimSpace(fmt.Sprintf(f, v...))) }
