package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/dbrheo/dbrheo/pkg/config"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

// Factory builds and caches adapters. Cached adapters are handed out
// only while their health probe passes; a failing adapter is rebuilt.
// Builds for the same key are single-flighted.
type Factory struct {
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]Adapter
	group singleflight.Group
}

func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{logger: logger, cache: make(map[string]Adapter)}
}

// Get resolves source into a connected adapter. Source may be a
// *config.DatabaseConfig, a map, or a connection string.
func (f *Factory) Get(ctx context.Context, source any) (Adapter, error) {
	cfg, err := resolveSource(source)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	key := cacheKey(cfg)

	f.mu.Lock()
	cached, ok := f.cache[key]
	f.mu.Unlock()
	if ok {
		if err := cached.Ping(ctx); err == nil {
			return cached, nil
		}
		f.logger.Warn("cached adapter failed health check, rebuilding", "key", key)
		f.evict(key, cached)
	}

	result, err, _ := f.group.Do(key, func() (any, error) {
		// Another caller may have rebuilt while we waited.
		f.mu.Lock()
		if existing, ok := f.cache[key]; ok {
			f.mu.Unlock()
			return existing, nil
		}
		f.mu.Unlock()

		adapter, err := f.build(cfg)
		if err != nil {
			return nil, err
		}
		if err := adapter.Connect(ctx); err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.cache[key] = adapter
		f.mu.Unlock()
		return adapter, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(Adapter), nil
}

// New builds an uncached, unconnected adapter for callers that want to
// own the lifecycle themselves, like the connection manager.
func (f *Factory) New(source any) (Adapter, error) {
	cfg, err := resolveSource(source)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return f.build(cfg)
}

func (f *Factory) build(cfg *config.DatabaseConfig) (Adapter, error) {
	dialect := Dialect(cfg.Dialect())
	if err := probeDriver(dialect); err != nil {
		return nil, err
	}
	switch dialect {
	case DialectSQLite:
		return NewSQLiteAdapter(cfg, f.logger), nil
	case DialectPostgres:
		return NewPostgresAdapter(cfg, f.logger), nil
	case DialectMySQL:
		return NewMySQLAdapter(cfg, f.logger), nil
	default:
		return nil, protocol.NewError(protocol.ErrUnsupported,
			fmt.Sprintf("unsupported dialect %q", dialect))
	}
}

func (f *Factory) evict(key string, adapter Adapter) {
	f.mu.Lock()
	if f.cache[key] == adapter {
		delete(f.cache, key)
	}
	f.mu.Unlock()
	adapter.Close()
}

// Close closes every cached adapter.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for key, adapter := range f.cache {
		if err := adapter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.cache, key)
	}
	return firstErr
}

// cacheKey canonicalizes a config to (dialect, host, port, dbname, user).
func cacheKey(cfg *config.DatabaseConfig) string {
	return fmt.Sprintf("%s|%s|%d|%s|%s",
		cfg.Dialect(), cfg.Host, cfg.Port, cfg.Database, cfg.Username)
}

func resolveSource(source any) (*config.DatabaseConfig, error) {
	switch src := source.(type) {
	case *config.DatabaseConfig:
		return src, nil
	case config.DatabaseConfig:
		return &src, nil
	case string:
		cs, err := ParseConnString(src)
		if err != nil {
			return nil, err
		}
		return cs.DatabaseConfig(), nil
	case map[string]any:
		data, err := yaml.Marshal(src)
		if err != nil {
			return nil, protocol.WrapError(protocol.ErrConfig, "invalid connection map", err)
		}
		cfg := &config.DatabaseConfig{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, protocol.WrapError(protocol.ErrConfig, "invalid connection map", err)
		}
		cfg.SetDefaults()
		return cfg, nil
	default:
		return nil, protocol.NewError(protocol.ErrConfig,
			fmt.Sprintf("unsupported connection source %T", source))
	}
}

var (
	driverProbeOnce sync.Once
	driverSet       map[string]bool
)

var dialectDrivers = map[Dialect]string{
	DialectSQLite:   "sqlite3",
	DialectPostgres: "postgres",
	DialectMySQL:    "mysql",
}

// probeDriver checks once per process which drivers are registered.
func probeDriver(dialect Dialect) error {
	driverProbeOnce.Do(func() {
		driverSet = make(map[string]bool)
		for _, name := range sql.Drivers() {
			driverSet[name] = true
		}
	})
	name, ok := dialectDrivers[dialect]
	if !ok || !driverSet[name] {
		return protocol.NewError(protocol.ErrUnsupported,
			fmt.Sprintf("no driver registered for dialect %q", dialect))
	}
	return nil
}
