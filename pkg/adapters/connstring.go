package adapters

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/dbrheo/dbrheo/pkg/config"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

// ConnString is a parsed database URL. Parse and String round-trip on
// supported schemes.
type ConnString struct {
	Scheme   string
	Dialect  Dialect
	Host     string
	Port     int
	Database string
	User     string
	Password string
	Params   map[string]string
}

var schemeDialects = map[string]Dialect{
	"sqlite":     DialectSQLite,
	"postgresql": DialectPostgres,
	"postgres":   DialectPostgres,
	"mysql":      DialectMySQL,
	"mariadb":    DialectMySQL,
}

// ParseConnString parses a database URL. Recognized schemes: sqlite,
// postgresql, postgres, mysql, mariadb. For sqlite, three slashes mean a
// relative path and four an absolute one.
func ParseConnString(raw string) (*ConnString, error) {
	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		return nil, protocol.NewError(protocol.ErrUnsupported,
			fmt.Sprintf("not a connection string: %q", raw))
	}
	dialect, ok := schemeDialects[scheme]
	if !ok {
		return nil, protocol.NewError(protocol.ErrUnsupported,
			fmt.Sprintf("unsupported scheme %q (supported: sqlite, postgresql, postgres, mysql, mariadb)", scheme))
	}

	if dialect == DialectSQLite {
		// sqlite:///rel.db keeps "rel.db", sqlite:////var/a.db keeps "/var/a.db".
		path := strings.TrimPrefix(rest, "/")
		if path == "" {
			return nil, protocol.NewError(protocol.ErrConfig, "sqlite connection string has no path")
		}
		return &ConnString{Scheme: scheme, Dialect: dialect, Database: path}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrConfig,
			fmt.Sprintf("invalid connection string %q", raw), err)
	}

	cs := &ConnString{
		Scheme:   scheme,
		Dialect:  dialect,
		Host:     u.Hostname(),
		Database: strings.TrimPrefix(u.Path, "/"),
	}
	if portStr := u.Port(); portStr != "" {
		cs.Port, err = strconv.Atoi(portStr)
		if err != nil {
			return nil, protocol.WrapError(protocol.ErrConfig, "invalid port in connection string", err)
		}
	}
	if u.User != nil {
		cs.User = u.User.Username()
		cs.Password, _ = u.User.Password()
	}
	if query := u.Query(); len(query) > 0 {
		cs.Params = make(map[string]string, len(query))
		for k := range query {
			cs.Params[k] = query.Get(k)
		}
	}
	return cs, nil
}

// String serializes back to URL form. Query parameters are emitted in
// sorted key order.
func (cs *ConnString) String() string {
	if cs.Dialect == DialectSQLite {
		return cs.Scheme + ":///" + cs.Database
	}

	var b strings.Builder
	b.WriteString(cs.Scheme)
	b.WriteString("://")
	if cs.User != "" {
		b.WriteString(url.User(cs.User).String())
		if cs.Password != "" {
			b.WriteString(":")
			b.WriteString(url.QueryEscape(cs.Password))
		}
		b.WriteString("@")
	}
	b.WriteString(cs.Host)
	if cs.Port != 0 {
		fmt.Fprintf(&b, ":%d", cs.Port)
	}
	b.WriteString("/")
	b.WriteString(cs.Database)

	if len(cs.Params) > 0 {
		keys := make([]string, 0, len(cs.Params))
		for k := range cs.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sep := "?"
		for _, k := range keys {
			b.WriteString(sep)
			b.WriteString(url.QueryEscape(k))
			b.WriteString("=")
			b.WriteString(url.QueryEscape(cs.Params[k]))
			sep = "&"
		}
	}
	return b.String()
}

// DatabaseConfig converts the parsed URL into a structured config.
func (cs *ConnString) DatabaseConfig() *config.DatabaseConfig {
	cfg := &config.DatabaseConfig{
		Driver:   string(cs.Dialect),
		Host:     cs.Host,
		Port:     cs.Port,
		Database: cs.Database,
		Username: cs.User,
		Password: cs.Password,
	}
	if cs.Params != nil {
		if v, ok := cs.Params["sslmode"]; ok {
			cfg.SSLMode = v
		}
		if v, ok := cs.Params["charset"]; ok {
			cfg.Charset = v
		}
	}
	cfg.SetDefaults()
	return cfg
}
