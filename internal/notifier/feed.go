package notifier

import (
	"sync"

	"jobchat/internal/chat"
)

// Dismissal reasons reported to the feed's observer.
const (
	ReasonTimeout = "timeout"
	ReasonUser    = "user"
	ReasonEvicted = "evicted"
)

// Snapshot is the visible feed at one point in time, oldest first.
type Snapshot struct {
	Version uint64              `json:"version"`
	Items   []chat.Notification `json:"items"`
}

// Feed is the ordered set of visible notifications of one session.
type Feed struct {
	mu         sync.Mutex
	order      []string
	items      map[string]chat.Notification
	dismissed  map[string]struct{}
	maxVisible int
	closed     bool
	version    uint64

	subs   map[uint64]chan Snapshot
	subSeq uint64
}

// NewFeed returns an empty feed. maxVisible <= 0 means unbounded.
func NewFeed(maxVisible int) *Feed {
	return &Feed{
		items:      map[string]chat.Notification{},
		dismissed:  map[string]struct{}{},
		maxVisible: maxVisible,
		subs:       map[uint64]chan Snapshot{},
	}
}

// SetMaxVisible changes the bound for later pushes.
func (f *Feed) SetMaxVisible(n int) {
	f.mu.Lock()
	f.maxVisible = n
	f.mu.Unlock()
}

// Push adds n at the end of the feed. It reports false for a duplicate id,
// an id that was already dismissed, or a closed feed.
func (f *Feed) Push(n chat.Notification) bool {
	ok, _ := f.push(n)
	return ok
}

// push also returns the ids evicted to honor maxVisible.
func (f *Feed) push(n chat.Notification) (bool, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || n.ID == "" {
		return false, nil
	}
	if _, ok := f.items[n.ID]; ok {
		return false, nil
	}
	if _, ok := f.dismissed[n.ID]; ok {
		return false, nil
	}
	f.items[n.ID] = n
	f.order = append(f.order, n.ID)

	var evicted []string
	for f.maxVisible > 0 && len(f.order) > f.maxVisible {
		oldest := f.order[0]
		f.removeLocked(oldest)
		evicted = append(evicted, oldest)
	}
	f.broadcastLocked()
	return true, evicted
}

// Dismiss removes id. Dismissing an absent or already dismissed id is a
// no-op that reports false.
func (f *Feed) Dismiss(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if _, ok := f.items[id]; !ok {
		return false
	}
	f.removeLocked(id)
	f.broadcastLocked()
	return true
}

func (f *Feed) removeLocked(id string) {
	delete(f.items, id)
	f.dismissed[id] = struct{}{}
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// Contains reports whether id is visible.
func (f *Feed) Contains(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[id]
	return ok
}

func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *Feed) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *Feed) snapshotLocked() Snapshot {
	items := make([]chat.Notification, 0, len(f.order))
	for _, id := range f.order {
		items = append(items, f.items[id])
	}
	return Snapshot{Version: f.version, Items: items}
}

// Subscribe returns a channel that receives the current snapshot right away
// and a new one after every change. A subscriber that falls behind only
// keeps the newest snapshot. The channel is closed by cancel or Close.
func (f *Feed) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)

	f.mu.Lock()
	ch <- f.snapshotLocked()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subSeq++
	id := f.subSeq
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
			f.mu.Unlock()
		})
	}
}

func (f *Feed) broadcastLocked() {
	f.version++
	snap := f.snapshotLocked()
	for _, ch := range f.subs {
		deliverNewest(ch, snap)
	}
}

// deliverNewest sends snap, dropping the oldest queued snapshot when the
// channel is full. Only the feed sends, under its lock, so one drop is
// enough to make room.
func deliverNewest(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// Close empties the feed, sends a final empty snapshot and closes every
// subscription. Later calls to any mutator are no-ops.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.order = nil
	f.items = map[string]chat.Notification{}
	f.dismissed = map[string]struct{}{}
	f.version++
	snap := f.snapshotLocked()
	for id, ch := range f.subs {
		deliverNewest(ch, snap)
		close(ch)
		delete(f.subs, id)
	}
}

// Closed reports whether Close has been called.
func (f *Feed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
