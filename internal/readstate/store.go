// Package readstate persists the set of acknowledged audit notification IDs.
//
// The set lives under a single key of a local KV store as a JSON array of
// strings. The only mutation is set-union, so Add is idempotent and
// commutative: repeated or concurrent calls converge on the same stored set.
package readstate

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"kbconsole/internal/storage"
	logx "kbconsole/pkg/logx"
)

// DefaultKey is the KV key holding the persisted ID array.
const DefaultKey = "readNotifications"

// IDSet is an immutable-by-convention set of notification IDs.
type IDSet map[string]struct{}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Store is the durable read-state set. It never returns errors: storage
// failures are logged and degrade to "not read yet".
type Store struct {
	kv  storage.Store
	key string
	log logx.Logger

	// writeMu serializes Add so the cache swap follows commit order.
	writeMu sync.Mutex

	mu     sync.RWMutex
	loaded bool
	ids    IDSet
}

func New(kv storage.Store, key string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultKey
	}
	return &Store{kv: kv, key: key, log: log.With(logx.String("comp", "readstate")), ids: IDSet{}}
}

// Key returns the storage key in use.
func (s *Store) Key() string { return s.key }

// GetAll returns a copy of the persisted IDs. The first call loads from
// storage; later calls are served from memory.
func (s *Store) GetAll(ctx context.Context) IDSet {
	s.mu.RLock()
	if s.loaded {
		out := copySet(s.ids)
		s.mu.RUnlock()
		return out
	}
	s.mu.RUnlock()

	ids, ok := s.load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		for id := range ids {
			s.ids[id] = struct{}{}
		}
		s.loaded = ok
	}
	return copySet(s.ids)
}

// Len returns the number of acknowledged IDs.
func (s *Store) Len(ctx context.Context) int { return len(s.GetAll(ctx)) }

// Add persists GetAll() ∪ ids. Empty IDs are ignored; adding IDs that are
// already present performs no write.
func (s *Store) Add(ctx context.Context, ids ...string) {
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			clean = append(clean, id)
		}
	}
	if len(clean) == 0 {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.GetAll(ctx)
	missing := false
	for _, id := range clean {
		if !current.Has(id) {
			missing = true
			break
		}
	}
	if !missing {
		return
	}

	var merged IDSet
	if s.kv != nil {
		err := s.kv.Update(ctx, s.key, func(old []byte) ([]byte, error) {
			persisted, _ := decode(old)
			merged = union(persisted, current, clean)
			return encode(merged)
		})
		if err != nil {
			s.log.Warn("read state write failed; keeping in memory only", logx.Err(err), logx.Int("ids", len(clean)))
			merged = nil
		}
	}
	if merged == nil {
		merged = union(nil, current, clean)
	}

	s.mu.Lock()
	s.ids = merged
	s.loaded = true
	s.mu.Unlock()
	s.log.Debug("read state updated", logx.Int("added", len(clean)), logx.Int("total", len(merged)))
}

func (s *Store) load(ctx context.Context) (IDSet, bool) {
	if s.kv == nil {
		return IDSet{}, true
	}
	raw, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		s.log.Warn("read state load failed; treating as empty", logx.Err(err))
		return IDSet{}, false
	}
	if !ok {
		return IDSet{}, true
	}
	ids, err := decode(raw)
	if err != nil {
		s.log.Warn("read state corrupt; treating as empty", logx.Err(err), logx.Int("bytes", len(raw)))
	}
	return ids, true
}

func decode(raw []byte) (IDSet, error) {
	out := IDSet{}
	if len(raw) == 0 {
		return out, nil
	}
	var arr []any
	if err := json.Unmarshal(raw, &arr); err != nil {
		return out, err
	}
	for _, v := range arr {
		if s, ok := v.(string); ok && s != "" {
			out[s] = struct{}{}
		}
	}
	return out, nil
}

func encode(ids IDSet) ([]byte, error) {
	return json.Marshal(ids.Sorted())
}

func union(a, b IDSet, extra []string) IDSet {
	out := make(IDSet, len(a)+len(b)+len(extra))
	for id := range a {
		out[id] = struct{}{}
	}
	for id := range b {
		out[id] = struct{}{}
	}
	for _, id := range extra {
		out[id] = struct{}{}
	}
	return out
}

func copySet(in IDSet) IDSet {
	out := make(IDSet, len(in))
	for id := range in {
		out[id] = struct{}{}
	}
	return out
}
