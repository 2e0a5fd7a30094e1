package table

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"viewrelay/pkg/view"
)

var errClosed = errors.New("closed")

type fakeSubscriber struct {
	id string

	mu     sync.Mutex
	closed bool
	msgs   []view.Payload
}

func newFakeSubscriber(id string) *fakeSubscriber {
	return &fakeSubscriber{id: id}
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errClosed
	}
	var p view.Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	f.msgs = append(f.msgs, p)
	return nil
}

func (f *fakeSubscriber) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) messages() []view.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]view.Payload(nil), f.msgs...)
}

// state replays the snapshot and diffs a subscriber received, treating
// unmatched deletes as no-ops.
func (f *fakeSubscriber) state() []string {
	rows := map[string]struct{}{}
	for _, p := range f.messages() {
		if p.FromTimestamp == 0 {
			rows = map[string]struct{}{}
		}
		for _, r := range p.Insert {
			rows[r.Key()] = struct{}{}
		}
		for _, r := range p.Delete {
			delete(rows, r.Key())
		}
	}
	return sortedKeys(rows)
}

func snapshotKeys(p view.Payload) []string {
	rows := map[string]struct{}{}
	for _, r := range p.Insert {
		rows[r.Key()] = struct{}{}
	}
	return sortedKeys(rows)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mustUpdate(t *testing.T, c *Cache, updates ...view.RowUpdate) {
	t.Helper()
	for _, u := range updates {
		if err := c.HandleUpdate(u); err != nil {
			t.Fatalf("update %+v: %v", u, err)
		}
	}
}

func payload(from, to view.Timestamp, insert, del []view.Row) view.Payload {
	if insert == nil {
		insert = []view.Row{}
	}
	if del == nil {
		del = []view.Row{}
	}
	return view.Payload{Insert: insert, Delete: del, FromTimestamp: from, ToTimestamp: to}
}

func TestAddSendsEmptySnapshot(t *testing.T) {
	c := New("t", nil, nil)
	s := newFakeSubscriber("s1")

	assert.Equal(t, c.Add(s), nil)
	assert.Equal(t, s.messages(), []view.Payload{payload(0, 0, nil, nil)})
}

func TestScenarioFlushOnNewerTimestamp(t *testing.T) {
	c := New("t", nil, nil)
	s := newFakeSubscriber("s1")
	assert.Equal(t, c.Add(s), nil)

	mustUpdate(t, c,
		view.NewInsert(1, "a"),
		view.NewInsert(1, "b"),
	)
	// nothing is flushed while the window is still open
	assert.Equal(t, len(s.messages()), 1)

	mustUpdate(t, c, view.NewInsert(2, "c"))

	msgs := s.messages()
	assert.Equal(t, len(msgs), 2)
	assert.Equal(t, msgs[1], payload(0, 1, []view.Row{{"a"}, {"b"}}, nil))
	assert.Equal(t, c.Snapshot(), payload(0, 1, []view.Row{{"a"}, {"b"}}, nil))

	st := c.Stats()
	assert.Equal(t, st.StableTimestamp, view.Timestamp(1))
	assert.Equal(t, st.Pending, true)
	assert.Equal(t, st.PendingTimestamp, view.Timestamp(2))

	// scenario B
	mustUpdate(t, c, view.NewDelete(3, "a"))
	msgs = s.messages()
	assert.Equal(t, len(msgs), 3)
	assert.Equal(t, msgs[2], payload(1, 2, []view.Row{{"c"}}, nil))
	assert.Equal(t, c.Snapshot(), payload(0, 2, []view.Row{{"a"}, {"b"}, {"c"}}, nil))

	mustUpdate(t, c, view.NewInsert(4, "d"))
	msgs = s.messages()
	assert.Equal(t, msgs[3], payload(2, 3, nil, []view.Row{{"a"}}))
	assert.Equal(t, c.Snapshot(), payload(0, 3, []view.Row{{"b"}, {"c"}}, nil))
	assert.Equal(t, s.state(), snapshotKeys(c.Snapshot()))
}

func TestClearBroadcastsEmptySnapshot(t *testing.T) {
	c := New("t", nil, nil)
	mustUpdate(t, c,
		view.NewInsert(1, "a"),
		view.NewInsert(1, "b"),
		view.NewInsert(2, "c"),
	)
	s := newFakeSubscriber("s1")
	assert.Equal(t, c.Add(s), nil)
	assert.Equal(t, c.Snapshot(), payload(0, 1, []view.Row{{"a"}, {"b"}}, nil))

	c.Clear()

	msgs := s.messages()
	assert.Equal(t, msgs[len(msgs)-1], payload(0, 0, nil, nil))
	assert.Equal(t, c.Snapshot(), payload(0, 0, nil, nil))
	assert.Equal(t, c.Stats().Pending, false)

	// the feed restarts from scratch
	mustUpdate(t, c, view.NewInsert(1, "z"), view.NewInsert(2, "y"))
	assert.Equal(t, c.Snapshot(), payload(0, 1, []view.Row{{"z"}}, nil))
}

func TestUnmatchedDeleteAccepted(t *testing.T) {
	c := New("t", nil, nil)
	s := newFakeSubscriber("s1")
	assert.Equal(t, c.Add(s), nil)

	mustUpdate(t, c,
		view.NewDelete(1, "ghost"),
		view.NewInsert(1, "a"),
		view.NewInsert(2, "b"),
	)

	msgs := s.messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, last.Insert, []view.Row{{"a"}})
	assert.Equal(t, last.Delete, []view.Row{{"ghost"}})
	assert.Equal(t, c.Snapshot().Insert, []view.Row{{"a"}})
}

func TestOutOfOrderFoldedIntoPendingWindow(t *testing.T) {
	c := New("t", nil, nil)
	s := newFakeSubscriber("s1")
	assert.Equal(t, c.Add(s), nil)

	mustUpdate(t, c,
		view.NewInsert(1, "a"),
		view.NewInsert(3, "b"),
		view.NewInsert(2, "late"),
		view.NewInsert(4, "c"),
	)

	msgs := s.messages()
	assert.Equal(t, msgs[1], payload(0, 1, []view.Row{{"a"}}, nil))
	assert.Equal(t, msgs[2], payload(1, 3, []view.Row{{"b"}, {"late"}}, nil))
}

func TestLateUpdateBeforeStable(t *testing.T) {
	c := New("t", nil, nil)
	mustUpdate(t, c,
		view.NewInsert(5, "a"),
		view.NewInsert(6, "b"),
		view.NewInsert(7, "c"),
	)
	// the pending window (6,7] absorbs the late row
	mustUpdate(t, c, view.NewInsert(2, "old"))
	mustUpdate(t, c, view.NewInsert(8, "d"))
	assert.Equal(t, c.Snapshot(), payload(0, 7, []view.Row{{"a"}, {"b"}, {"c"}, {"old"}}, nil))
}

func TestInsertAfterDeleteDropped(t *testing.T) {
	c := New("t", nil, nil)
	mustUpdate(t, c, view.NewDelete(1, "a"))

	err := c.HandleUpdate(view.NewInsert(1, "a"))
	assert.Equal(t, errors.Is(err, view.ErrOutOfOrderDelete), true)

	mustUpdate(t, c, view.NewInsert(2, "b"))
	assert.Equal(t, c.Snapshot(), payload(0, 1, nil, nil))
}

func TestInvalidUpdateRejected(t *testing.T) {
	c := New("t", nil, nil)
	err := c.HandleUpdate(view.RowUpdate{Operation: view.Insert, Timestamp: 1})
	assert.Equal(t, errors.Is(err, view.ErrInvalidUpdate), true)
	assert.Equal(t, c.Stats().Pending, false)
}

func TestBroadcastDropsClosedSubscribers(t *testing.T) {
	c := New("t", nil, nil)
	alive := newFakeSubscriber("alive")
	dead := newFakeSubscriber("dead")
	assert.Equal(t, c.Add(alive), nil)
	assert.Equal(t, c.Add(dead), nil)
	assert.Equal(t, c.Stats().Subscribers, 2)

	dead.close()
	mustUpdate(t, c, view.NewInsert(1, "a"), view.NewInsert(2, "b"))

	assert.Equal(t, c.Stats().Subscribers, 1)
	assert.Equal(t, len(alive.messages()), 2)
	assert.Equal(t, len(dead.messages()), 1)
}

func TestAddFailingSubscriberNotKept(t *testing.T) {
	c := New("t", nil, nil)
	s := newFakeSubscriber("s")
	s.close()

	assert.NotEqual(t, c.Add(s), nil)
	assert.Equal(t, c.Stats().Subscribers, 0)
}

func TestRemoveIsIdempotent(t *testing.T) {
	c := New("t", nil, nil)
	s := newFakeSubscriber("s")
	assert.Equal(t, c.Add(s), nil)

	c.Remove("s")
	c.Remove("s")
	c.Remove("unknown")
	assert.Equal(t, c.Stats().Subscribers, 0)

	mustUpdate(t, c, view.NewInsert(1, "a"), view.NewInsert(2, "b"))
	assert.Equal(t, len(s.messages()), 1)
}

func TestLateSubscriberSeesStableOnly(t *testing.T) {
	c := New("t", nil, nil)
	mustUpdate(t, c,
		view.NewInsert(1, "a"),
		view.NewInsert(2, "b"),
	)

	s := newFakeSubscriber("late")
	assert.Equal(t, c.Add(s), nil)
	// "b" is still pending and must not leak into the snapshot
	assert.Equal(t, s.messages(), []view.Payload{payload(0, 1, []view.Row{{"a"}}, nil)})
}

func TestSubscribersConverge(t *testing.T) {
	c := New("t", nil, nil)

	var wg sync.WaitGroup
	subs := make([]*fakeSubscriber, 8)
	for i := range subs {
		subs[i] = newFakeSubscriber(fmt.Sprintf("s%d", i))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ts := 1; ts <= 200; ts++ {
			row := fmt.Sprintf("r%d", ts%17)
			op := view.Insert
			if ts%3 == 0 {
				op = view.Delete
			}
			_ = c.HandleUpdate(view.RowUpdate{Columns: view.Row{row}, Operation: op, Timestamp: view.Timestamp(ts)})
		}
	}()
	for _, s := range subs {
		wg.Add(1)
		go func(s *fakeSubscriber) {
			defer wg.Done()
			if err := c.Add(s); err != nil {
				t.Errorf("add: %v", err)
			}
		}(s)
	}
	wg.Wait()

	want := snapshotKeys(c.Snapshot())
	for _, s := range subs {
		assert.Equal(t, s.state(), want)
	}
}
