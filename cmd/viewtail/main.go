package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/sync/errgroup"

	"viewrelay/pkg/cluster"
	"viewrelay/pkg/relayclient"
	"viewrelay/pkg/tail"
	"viewrelay/pkg/view"
)

const ViewTailVersion = "0.1.0"

const usage = `Tail a streaming view and forward its changes to a relay.

The relay is --relay unless --zk is given, then the relay owning the table
is looked up among the relays registered in ZooKeeper.

Usage:
    viewtail tail <table> [--dsn=<dsn>]
    viewtail post <table> [--relay=<url>] [--zk=<servers>] [--zk_root=<path>]
    viewtail forward <table> [--dsn=<dsn>] [--relay=<url>] [--zk=<servers>] [--zk_root=<path>]
    viewtail snapshot <table> [--relay=<url>] [--zk=<servers>] [--zk_root=<path>]
    viewtail -h | --help
    viewtail --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --dsn=<dsn>        Upstream database [default: postgresql://localhost:6875/materialize?sslmode=disable].
    --relay=<url>      Relay base url [default: http://localhost:8875].
    --zk=<servers>     Comma separated ZooKeeper servers.
    --zk_root=<path>   ZooKeeper root of the relays [default: /viewrelay].`

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ViewTailVersion)
	if err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	table, _ := opts.String("<table>")

	if tail_, _ := opts.Bool("tail"); tail_ {
		err = tailTable(ctx, opts, table, os.Stdout)
	} else if post_, _ := opts.Bool("post"); post_ {
		err = post(ctx, opts, table, os.Stdin)
	} else if forward_, _ := opts.Bool("forward"); forward_ {
		err = forward(ctx, opts, table)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		err = snapshot(ctx, opts, table, os.Stdout)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("viewtail failed", "table", table, "error", err)
		os.Exit(1)
	}
}

// tailTable prints the raw TAIL output of table.
func tailTable(ctx context.Context, opts docopt.Opts, table string, out io.Writer) error {
	dsn, _ := opts.String("--dsn")
	src, err := tail.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer src.Close(context.Background())

	return src.Tail(ctx, table, out)
}

// post clears the relay's view of table, then forwards every line of in.
func post(ctx context.Context, opts docopt.Opts, table string, in io.Reader) error {
	target, err := relayFor(ctx, opts, table)
	if err != nil {
		return err
	}
	defer target.Close()
	return forwardLines(ctx, target.client, table, in)
}

// forward tails table and forwards the changes in process. With discovery
// it stops when another relay becomes the owner of table.
func forward(ctx context.Context, opts docopt.Opts, table string) error {
	target, err := relayFor(ctx, opts, table)
	if err != nil {
		return err
	}
	defer target.Close()

	dsn, _ := opts.String("--dsn")
	src, err := tail.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer src.Close(context.Background())

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := src.Tail(gctx, table, pw)
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := forwardLines(gctx, target.client, table, pr)
		pr.CloseWithError(err)
		return err
	})
	if target.membership != nil {
		resolver := cluster.NewResolver(nil)
		target.membership.RunWatch(gctx, resolver, ringReplicas)
		g.Go(func() error {
			return watchOwner(gctx, resolver, table, target.base, time.Second)
		})
	}
	return g.Wait()
}

var errOwnerMoved = errors.New("table moved to another relay")

// watchOwner returns errOwnerMoved once resolver maps table to a relay other
// than base.
func watchOwner(ctx context.Context, resolver *cluster.Resolver, table, base string, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		owner, err := resolver.Owner(table)
		if err != nil {
			// ring not loaded yet or no relays right now
			continue
		}
		if owner != base {
			return fmt.Errorf("%w: %s -> %s", errOwnerMoved, base, owner)
		}
	}
}

func snapshot(ctx context.Context, opts docopt.Opts, table string, out io.Writer) error {
	target, err := relayFor(ctx, opts, table)
	if err != nil {
		return err
	}
	defer target.Close()
	p, err := target.client.Snapshot(ctx, table)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

// iRelay is the part of the relay API the forwarder needs.
type iRelay interface {
	Clear(ctx context.Context, table string) error
	Post(ctx context.Context, table string, u view.RowUpdate) error
}

// forwardLines resets the relay's view of table, since history before this
// tail is unknown, and posts every parsed line. Updates the relay rejects are
// logged and skipped; transport failures stop forwarding.
func forwardLines(ctx context.Context, relay iRelay, table string, in io.Reader) error {
	if err := relay.Clear(ctx, table); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}

	forwarded, rejected := 0, 0
	err := tail.Scan(ctx, in, func(u view.RowUpdate) error {
		err := relay.Post(ctx, table, u)
		switch {
		case err == nil:
			forwarded++
		case errors.Is(err, relayclient.ErrUnexpectedStatus):
			rejected++
			slog.Warn("relay rejected update", "table", table, "timestamp", u.Timestamp, "error", err)
		default:
			return err
		}
		return nil
	})
	slog.Info("forwarding finished", "table", table, "forwarded", forwarded, "rejected", rejected)
	return err
}

const ringReplicas = 100

type relayTarget struct {
	base       string
	client     *relayclient.Client
	membership *cluster.ZKMembership
}

func (t *relayTarget) Close() {
	if t.membership != nil {
		t.membership.Close()
	}
}

func relayFor(ctx context.Context, opts docopt.Opts, table string) (*relayTarget, error) {
	base, _ := opts.String("--relay")
	target := &relayTarget{base: base}

	if servers, err := opts.String("--zk"); err == nil && servers != "" {
		root, _ := opts.String("--zk_root")
		membership, err := cluster.NewZKMembership(strings.Split(servers, ","), root, "", 5*time.Second)
		if err != nil {
			return nil, err
		}
		target.membership = membership

		ring, err := membership.BuildRing(ctx, ringReplicas)
		if err != nil {
			target.Close()
			return nil, fmt.Errorf("read relays: %w", err)
		}
		target.base, err = cluster.NewResolver(ring).Owner(table)
		if err != nil {
			target.Close()
			return nil, err
		}
		slog.Info("relay resolved", "table", table, "relay", target.base)
	}

	target.client = relayclient.New(target.base, nil)
	return target, nil
}
