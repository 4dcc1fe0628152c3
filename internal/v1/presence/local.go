package presence

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/arenalab/arena/internal/v1/logging"
	"go.uber.org/zap"
)

// Local is an in-process Presence. It backs single-instance deployments
// and tests. In dev mode it can snapshot its key space to a file and
// restore it on the next boot.
type Local struct {
	mu sync.Mutex

	topics map[string]*localTopic
	data   map[string]string
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	lists  map[string][]string

	timers  map[string]*time.Timer
	waiters []chan struct{}

	closed bool
}

type localTopic struct {
	handlers []SubscriptionHandler
	queue    chan []byte
	done     chan struct{}
}

// NewLocal creates an empty in-process Presence.
func NewLocal() *Local {
	return &Local{
		topics: make(map[string]*localTopic),
		data:   make(map[string]string),
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		lists:  make(map[string][]string),
		timers: make(map[string]*time.Timer),
	}
}

// --- pub/sub ---

func (l *Local) Subscribe(_ context.Context, topic string, handler SubscriptionHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.topics[topic]
	if !ok {
		t = &localTopic{
			queue: make(chan []byte, 128),
			done:  make(chan struct{}),
		}
		l.topics[topic] = t
		go l.deliver(topic, t)
	}
	t.handlers = append(t.handlers, handler)
	return nil
}

// deliver drains a topic queue in order. One goroutine per topic keeps the
// per-topic ordering guarantee without letting handlers run under l.mu.
func (l *Local) deliver(topic string, t *localTopic) {
	for {
		select {
		case <-t.done:
			return
		case data, ok := <-t.queue:
			if !ok {
				return
			}
			l.mu.Lock()
			handlers := make([]SubscriptionHandler, len(t.handlers))
			copy(handlers, t.handlers)
			l.mu.Unlock()

			for _, h := range handlers {
				h(data)
			}
		}
	}
}

func (l *Local) Unsubscribe(topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.topics[topic]; ok {
		close(t.done)
		delete(l.topics, topic)
	}
	return nil
}

func (l *Local) Publish(_ context.Context, topic string, data []byte) error {
	l.mu.Lock()
	t, ok := l.topics[topic]
	l.mu.Unlock()
	if !ok {
		return nil // no subscriber, message dropped (at-most-once)
	}

	// Copy so the publisher can reuse its buffer.
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case t.queue <- buf:
	case <-t.done:
	}
	return nil
}

func (l *Local) Channels(_ context.Context, pattern string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string
	for topic := range l.topics {
		if ok, _ := path.Match(pattern, topic); ok {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- strings ---

func (l *Local) Set(_ context.Context, key, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopTimerLocked(key)
	l.data[key] = value
	return nil
}

func (l *Local) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data[key] = value
	l.armTimerLocked(key, ttl)
	return nil
}

func (l *Local) Get(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (l *Local) Del(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleteKeyLocked(key)
	return nil
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.data[key]; ok {
		return true, nil
	}
	if _, ok := l.hashes[key]; ok {
		return true, nil
	}
	if _, ok := l.sets[key]; ok {
		return true, nil
	}
	if _, ok := l.lists[key]; ok {
		return true, nil
	}
	return false, nil
}

func (l *Local) Expire(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.armTimerLocked(key, ttl)
	return nil
}

// --- sets ---

func (l *Local) SAdd(_ context.Context, key, member string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sets[key]
	if !ok {
		s = make(map[string]struct{})
		l.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (l *Local) SRem(_ context.Context, key, member string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sets[key]; ok {
		delete(s, member)
		if len(s) == 0 {
			delete(l.sets, key)
		}
	}
	return nil
}

func (l *Local) SMembers(_ context.Context, key string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.sets[key]
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (l *Local) SIsMember(_ context.Context, key, member string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sets[key][member]
	return ok, nil
}

func (l *Local) SCard(_ context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sets[key]), nil
}

func (l *Local) SInter(_ context.Context, keys ...string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(keys) == 0 {
		return nil, nil
	}

	var out []string
	for m := range l.sets[keys[0]] {
		inAll := true
		for _, k := range keys[1:] {
			if _, ok := l.sets[k][m]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- hashes ---

func (l *Local) HSet(_ context.Context, key, field, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hashLocked(key)[field] = value
	return nil
}

func (l *Local) HGet(_ context.Context, key, field string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (l *Local) HGetAll(_ context.Context, key string) (map[string]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.hashes[key]))
	for f, v := range l.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (l *Local) HDel(_ context.Context, key string, fields ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(l.hashes, key)
	}
	return nil
}

func (l *Local) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hincrbyLocked(key, field, delta), nil
}

func (l *Local) HIncrByEx(_ context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.hincrbyLocked(key, field, delta)
	l.armTimerLocked(key, ttl)
	return n, nil
}

func (l *Local) HLen(_ context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hashes[key]), nil
}

func (l *Local) hincrbyLocked(key, field string, delta int64) int64 {
	h := l.hashLocked(key)
	var n int64
	json.Unmarshal([]byte(h[field]), &n) //nolint:errcheck // missing or garbage counts as 0
	n += delta
	b, _ := json.Marshal(n)
	h[field] = string(b)
	return n
}

func (l *Local) hashLocked(key string) map[string]string {
	h, ok := l.hashes[key]
	if !ok {
		h = make(map[string]string)
		l.hashes[key] = h
	}
	return h
}

// --- counters ---

func (l *Local) Incr(_ context.Context, key string) (int64, error) {
	return l.incrBy(key, 1)
}

func (l *Local) Decr(_ context.Context, key string) (int64, error) {
	return l.incrBy(key, -1)
}

func (l *Local) incrBy(key string, delta int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	json.Unmarshal([]byte(l.data[key]), &n) //nolint:errcheck
	n += delta
	b, _ := json.Marshal(n)
	l.data[key] = string(b)
	return n, nil
}

// --- lists ---

func (l *Local) LPush(_ context.Context, key string, values ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lists[key] = append(append([]string{}, reverse(values)...), l.lists[key]...)
	l.wakeWaitersLocked()
	return nil
}

func (l *Local) RPush(_ context.Context, key string, values ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lists[key] = append(l.lists[key], values...)
	l.wakeWaitersLocked()
	return nil
}

func (l *Local) LPop(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lst := l.lists[key]
	if len(lst) == 0 {
		return "", ErrNotFound
	}
	v := lst[0]
	l.setListLocked(key, lst[1:])
	return v, nil
}

func (l *Local) RPop(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.rpopLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (l *Local) LLen(_ context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lists[key]), nil
}

func (l *Local) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		l.mu.Lock()
		for _, k := range keys {
			if v, ok := l.rpopLocked(k); ok {
				l.mu.Unlock()
				return k, v, true, nil
			}
		}
		wake := make(chan struct{})
		l.waiters = append(l.waiters, wake)
		l.mu.Unlock()

		select {
		case <-wake:
		case <-deadline.C:
			return "", "", false, nil
		case <-ctx.Done():
			return "", "", false, ctx.Err()
		}
	}
}

func (l *Local) rpopLocked(key string) (string, bool) {
	lst := l.lists[key]
	if len(lst) == 0 {
		return "", false
	}
	v := lst[len(lst)-1]
	l.setListLocked(key, lst[:len(lst)-1])
	return v, true
}

func (l *Local) setListLocked(key string, lst []string) {
	if len(lst) == 0 {
		delete(l.lists, key)
		return
	}
	l.lists[key] = lst
}

func (l *Local) wakeWaitersLocked() {
	for _, w := range l.waiters {
		close(w)
	}
	l.waiters = nil
}

// --- TTL book-keeping ---

func (l *Local) armTimerLocked(key string, ttl time.Duration) {
	l.stopTimerLocked(key)
	l.timers[key] = time.AfterFunc(ttl, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.timers, key)
		l.deleteKeyLocked(key)
	})
}

func (l *Local) stopTimerLocked(key string) {
	if t, ok := l.timers[key]; ok {
		t.Stop()
		delete(l.timers, key)
	}
}

func (l *Local) deleteKeyLocked(key string) {
	l.stopTimerLocked(key)
	delete(l.data, key)
	delete(l.hashes, key)
	delete(l.sets, key)
	delete(l.lists, key)
}

// --- lifecycle ---

func (l *Local) Shutdown(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, t := range l.timers {
		t.Stop()
	}
	l.timers = make(map[string]*time.Timer)
	for topic, t := range l.topics {
		close(t.done)
		delete(l.topics, topic)
	}
	l.wakeWaitersLocked()
	return nil
}

// --- dev-mode snapshot ---

type snapshot struct {
	Data   map[string]string            `json:"data"`
	Hashes map[string]map[string]string `json:"hash"`
	Sets   map[string][]string          `json:"sets"`
	Lists  map[string][]string          `json:"lists"`
}

// SaveSnapshot writes the current key space to a file. TTLs are not
// persisted; restored keys live until explicitly deleted.
func (l *Local) SaveSnapshot(path string) error {
	l.mu.Lock()
	snap := snapshot{
		Data:   l.data,
		Hashes: l.hashes,
		Sets:   make(map[string][]string, len(l.sets)),
		Lists:  l.lists,
	}
	for k, s := range l.sets {
		for m := range s {
			snap.Sets[k] = append(snap.Sets[k], m)
		}
	}
	b, err := json.Marshal(snap)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// RestoreSnapshot loads a previously saved key space. Missing files are
// not an error; a fresh boot simply starts empty.
func (l *Local) RestoreSnapshot(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		logging.Warn(context.Background(), "Discarding corrupt presence snapshot", zap.String("path", path), zap.Error(err))
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range snap.Data {
		l.data[k] = v
	}
	for k, h := range snap.Hashes {
		l.hashes[k] = h
	}
	for k, members := range snap.Sets {
		s := make(map[string]struct{}, len(members))
		for _, m := range members {
			s[m] = struct{}{}
		}
		l.sets[k] = s
	}
	for k, lst := range snap.Lists {
		l.lists[k] = lst
	}
	return nil
}

func reverse(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}
