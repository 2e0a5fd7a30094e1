package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/go-playground/assert/v2"

	"viewrelay/pkg/cluster"
	"viewrelay/pkg/relayclient"
	"viewrelay/pkg/view"
)

type fakeRelay struct {
	cleared []string
	posted  []view.RowUpdate
	postErr func(u view.RowUpdate) error
}

func (f *fakeRelay) Clear(_ context.Context, table string) error {
	f.cleared = append(f.cleared, table)
	return nil
}

func (f *fakeRelay) Post(_ context.Context, _ string, u view.RowUpdate) error {
	if f.postErr != nil {
		if err := f.postErr(u); err != nil {
			return err
		}
	}
	f.posted = append(f.posted, u)
	return nil
}

func TestForwardLinesClearsThenPosts(t *testing.T) {
	relay := &fakeRelay{}
	in := strings.NewReader("Wikipedia\t7\t1 at 10\nWikipedia\t7\t-1 at 11\n")

	err := forwardLines(context.Background(), relay, "top10", in)
	assert.Equal(t, err, nil)
	assert.Equal(t, relay.cleared, []string{"top10"})
	assert.Equal(t, relay.posted, []view.RowUpdate{
		view.NewInsert(10, "Wikipedia", "7"),
		view.NewDelete(11, "Wikipedia", "7"),
	})
}

func TestForwardLinesSkipsRejected(t *testing.T) {
	relay := &fakeRelay{postErr: func(u view.RowUpdate) error {
		if u.Timestamp == 1 {
			return fmt.Errorf("%w: POST 409", relayclient.ErrUnexpectedStatus)
		}
		return nil
	}}

	err := forwardLines(context.Background(), relay, "t", strings.NewReader("a\t1 at 1\nb\t1 at 2\n"))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(relay.posted), 1)
}

func TestForwardLinesStopsOnTransportError(t *testing.T) {
	down := errors.New("connection refused")
	relay := &fakeRelay{postErr: func(view.RowUpdate) error { return down }}

	err := forwardLines(context.Background(), relay, "t", strings.NewReader("a\t1 at 1\nb\t1 at 2\n"))
	assert.Equal(t, errors.Is(err, down), true)
	assert.Equal(t, len(relay.posted), 0)
}

func TestUsageParses(t *testing.T) {
	opts, err := docopt.ParseArgs(usage, []string{"post", "top10", "--relay=http://relay:8875"}, ViewTailVersion)
	assert.Equal(t, err, nil)

	post_, _ := opts.Bool("post")
	assert.Equal(t, post_, true)
	table, _ := opts.String("<table>")
	assert.Equal(t, table, "top10")
	relay, _ := opts.String("--relay")
	assert.Equal(t, relay, "http://relay:8875")
	root, _ := opts.String("--zk_root")
	assert.Equal(t, root, "/viewrelay")

	target, err := relayFor(context.Background(), opts, table)
	assert.Equal(t, err, nil)
	assert.Equal(t, target.base, "http://relay:8875")
	assert.Equal(t, target.membership == nil, true)
	target.Close()
}

func TestWatchOwnerDetectsMove(t *testing.T) {
	resolver := cluster.NewResolver(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- watchOwner(ctx, resolver, "top10", "http://relay1:8875", 10*time.Millisecond)
	}()

	ring := cluster.NewHashRing(16)
	ring.AddNode("relay2:8875")
	resolver.UpdateRing(ring)

	err := <-done
	assert.Equal(t, errors.Is(err, errOwnerMoved), true)
}

func TestWatchOwnerStopsWithContext(t *testing.T) {
	ring := cluster.NewHashRing(16)
	ring.AddNode("relay1:8875")
	resolver := cluster.NewResolver(ring)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := watchOwner(ctx, resolver, "top10", "http://relay1:8875", 10*time.Millisecond)
	assert.Equal(t, errors.Is(err, context.DeadlineExceeded), true)
}
