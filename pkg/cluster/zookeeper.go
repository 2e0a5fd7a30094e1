package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZKMembership registers relays as ephemeral nodes under <root>/relays and
// watches the set of live relays.
type ZKMembership struct {
	conn     *zk.Conn
	rootPath string
	local    string // advertised relay addr, empty for tailers
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath, localAddr string, sessionTimeout time.Duration) (*ZKMembership, error) {
	if sessionTimeout <= 0 {
		sessionTimeout = 5 * time.Second
	}
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zkLogger{}))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
		local:    localAddr,
	}, nil
}

// zkLogger routes client chatter to debug level.
type zkLogger struct{}

func (zkLogger) Printf(format string, args ...any) {
	slog.Debug(fmt.Sprintf(format, args...), "component", "zk")
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) relaysPath() string {
	return m.rootPath + "/relays"
}

func (m *ZKMembership) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf создаёт ephemeral-узел для текущего relay
func (m *ZKMembership) RegisterSelf(ctx context.Context) error {
	if m.local == "" {
		return errors.New("zk: no advertise address to register")
	}
	if err := m.waitConnected(ctx, 10*time.Second); err != nil {
		return err
	}
	if err := m.ensurePath(m.relaysPath()); err != nil {
		return fmt.Errorf("ensure relays path: %w", err)
	}

	nodePath := m.relaysPath() + "/" + m.local
	_, err := m.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("relay registered", "path", nodePath)
	return nil
}

// Relays читает список живых relay
func (m *ZKMembership) Relays(ctx context.Context) ([]string, error) {
	if err := m.waitConnected(ctx, 10*time.Second); err != nil {
		return nil, err
	}
	children, _, err := m.conn.Children(m.relaysPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return children, nil
}

// BuildRing строит HashRing на основе текущего списка relay
func (m *ZKMembership) BuildRing(ctx context.Context, replicas int) (*HashRing, error) {
	relays, err := m.Relays(ctx)
	if err != nil {
		return nil, err
	}
	return ringOf(relays, replicas), nil
}

// RunWatch следит за изменениями <root>/relays и обновляет ring в Resolver
func (m *ZKMembership) RunWatch(ctx context.Context, r *Resolver, replicas int) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.relaysPath())
			if err != nil {
				slog.Warn("zk watch failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(2 * time.Second):
				}
				continue
			}

			r.UpdateRing(ringOf(children, replicas))

			select {
			case ev := <-ch:
				slog.Debug("zk event", "type", ev.Type.String(), "path", ev.Path)
			case <-ctx.Done():
				slog.Debug("zk watch stopped")
				return
			}
		}
	}()
}

func (m *ZKMembership) waitConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func ringOf(relays []string, replicas int) *HashRing {
	ring := NewHashRing(replicas)
	for _, n := range relays {
		ring.AddNode(n)
	}
	return ring
}
