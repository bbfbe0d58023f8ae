package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dbrheo/dbrheo/pkg/protocol"
)

const healthProbeTimeout = 2 * time.Second

// ActiveConnection is one named, open adapter.
type ActiveConnection struct {
	Alias      string
	Adapter    Adapter
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// ConnectionManager owns the alias to connection mapping plus the
// "current" alias tools act on by default. Concurrent opens of the same
// alias are coalesced.
type ConnectionManager struct {
	factory *Factory
	logger  *slog.Logger

	mu      sync.Mutex
	conns   map[string]*ActiveConnection
	current string
	opens   singleflight.Group
}

func NewConnectionManager(factory *Factory, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		factory: factory,
		logger:  logger,
		conns:   make(map[string]*ActiveConnection),
	}
}

// Open connects source under alias. The new alias becomes current when
// use is true. Opening an existing alias returns it untouched.
func (m *ConnectionManager) Open(ctx context.Context, alias string, source any, use bool) (*ActiveConnection, error) {
	if alias == "" {
		return nil, protocol.NewError(protocol.ErrConfig, "connection alias is required")
	}

	result, err, _ := m.opens.Do(alias, func() (any, error) {
		m.mu.Lock()
		if conn, ok := m.conns[alias]; ok {
			m.mu.Unlock()
			return conn, nil
		}
		m.mu.Unlock()

		adapter, err := m.factory.New(source)
		if err != nil {
			return nil, err
		}
		if err := adapter.Connect(ctx); err != nil {
			return nil, err
		}

		conn := &ActiveConnection{
			Alias:      alias,
			Adapter:    adapter,
			CreatedAt:  time.Now(),
			LastUsedAt: time.Now(),
		}
		m.mu.Lock()
		m.conns[alias] = conn
		m.mu.Unlock()

		m.logger.Info("database connection opened",
			"alias", alias, "dialect", adapter.Dialect())
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	conn := result.(*ActiveConnection)

	if use {
		m.mu.Lock()
		m.current = alias
		m.mu.Unlock()
	}
	return conn, nil
}

// Use switches the current alias.
func (m *ConnectionManager) Use(alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[alias]; !ok {
		return protocol.NewError(protocol.ErrConnect, fmt.Sprintf("no connection named %q", alias))
	}
	m.current = alias
	return nil
}

// Get returns the current connection after a health probe. A failing
// connection is re-opened at most once.
func (m *ConnectionManager) Get(ctx context.Context) (*ActiveConnection, error) {
	m.mu.Lock()
	alias := m.current
	m.mu.Unlock()
	if alias == "" {
		return nil, protocol.NewError(protocol.ErrConnect, "no database connection; open one first")
	}
	return m.GetByAlias(ctx, alias)
}

// GetByAlias returns a named connection after a health probe.
func (m *ConnectionManager) GetByAlias(ctx context.Context, alias string) (*ActiveConnection, error) {
	m.mu.Lock()
	conn, ok := m.conns[alias]
	m.mu.Unlock()
	if !ok {
		return nil, protocol.NewError(protocol.ErrConnect, fmt.Sprintf("no connection named %q", alias))
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	err := conn.Adapter.Ping(probeCtx)
	cancel()
	if err != nil {
		m.logger.Warn("connection failed health probe, reconnecting", "alias", alias, "error", err)
		if err := conn.Adapter.Connect(ctx); err != nil {
			m.mu.Lock()
			delete(m.conns, alias)
			if m.current == alias {
				m.current = ""
			}
			m.mu.Unlock()
			conn.Adapter.Close()
			return nil, err
		}
	}

	m.mu.Lock()
	conn.LastUsedAt = time.Now()
	m.mu.Unlock()
	return conn, nil
}

// Current reports the current alias, empty when none is selected.
func (m *ConnectionManager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// List returns all connections sorted by alias.
func (m *ConnectionManager) List() []*ActiveConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ActiveConnection, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// Close shuts one connection down. Closing the current alias clears the
// current pointer.
func (m *ConnectionManager) Close(alias string) error {
	m.mu.Lock()
	conn, ok := m.conns[alias]
	if ok {
		delete(m.conns, alias)
		if m.current == alias {
			m.current = ""
		}
	}
	m.mu.Unlock()
	if !ok {
		return protocol.NewError(protocol.ErrConnect, fmt.Sprintf("no connection named %q", alias))
	}
	return conn.Adapter.Close()
}

// CloseAll shuts every connection down.
func (m *ConnectionManager) CloseAll() error {
	m.mu.Lock()
	conns := make([]*ActiveConnection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*ActiveConnection)
	m.current = ""
	m.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Adapter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
