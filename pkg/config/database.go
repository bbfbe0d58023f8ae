package config

import "fmt"

// DatabaseConfig holds configuration for one SQL database connection.
// Supports PostgreSQL, MySQL/MariaDB, and SQLite.
type DatabaseConfig struct {
	// Driver specifies the database driver: "postgres", "mysql", or "sqlite".
	Driver string `yaml:"driver" json:"driver"`

	// Host is the database server hostname (not used for SQLite).
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Port is the database server port (not used for SQLite).
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// Database is the database name (or file path for SQLite).
	Database string `yaml:"database" json:"database"`

	// Username for database authentication.
	Username string `yaml:"username,omitempty" json:"username,omitempty"`

	// Password for database authentication. Stored as-is when a connection
	// is saved; see the saved-connections notes in DESIGN.md.
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// SSLMode for PostgreSQL connections.
	SSLMode string `yaml:"ssl_mode,omitempty" json:"ssl_mode,omitempty"`

	// Charset for MySQL connections.
	Charset string `yaml:"charset,omitempty" json:"charset,omitempty"`

	// DefaultSchema scopes introspection when set.
	DefaultSchema string `yaml:"default_schema,omitempty" json:"default_schema,omitempty"`

	// ReadOnly adapters reject modifying and schema-changing execution.
	ReadOnly bool `yaml:"read_only,omitempty" json:"read_only,omitempty"`

	// Pool settings.
	MaxConns    int      `yaml:"max_conns,omitempty" json:"max_conns,omitempty"`
	MaxIdle     int      `yaml:"max_idle,omitempty" json:"max_idle,omitempty"`
	PoolTimeout Duration `yaml:"pool_timeout,omitempty" json:"pool_timeout,omitempty"`
}

// SetDefaults applies default values to the database config.
func (c *DatabaseConfig) SetDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 25
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}

	if c.Port == 0 {
		switch c.Driver {
		case "postgres":
			c.Port = 5432
		case "mysql":
			c.Port = 3306
		}
	}

	if c.Driver == "postgres" && c.SSLMode == "" {
		c.SSLMode = "disable"
	}
}

// Validate checks the database configuration.
func (c *DatabaseConfig) Validate() error {
	if c.Driver == "" {
		return NewConfigError("database driver is required")
	}

	validDrivers := map[string]bool{
		"postgres": true,
		"mysql":    true,
		"sqlite":   true,
		"sqlite3":  true,
	}
	if !validDrivers[c.Driver] {
		return NewConfigError(fmt.Sprintf("invalid driver %q (valid: postgres, mysql, sqlite)", c.Driver))
	}

	if c.Database == "" {
		return NewConfigError("database is required")
	}

	if c.Driver != "sqlite" && c.Driver != "sqlite3" {
		if c.Host == "" {
			return NewConfigError(fmt.Sprintf("host is required for %s", c.Driver))
		}
	}

	if c.MaxConns < 0 {
		return NewConfigError("max_conns must be non-negative")
	}
	if c.MaxIdle < 0 {
		return NewConfigError("max_idle must be non-negative")
	}

	return nil
}

// DSN returns the data source name for sql.Open.
func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s", c.Host, c.Port, c.Database)
		if c.Username != "" {
			dsn += fmt.Sprintf(" user=%s", c.Username)
		}
		if c.Password != "" {
			dsn += fmt.Sprintf(" password=%s", c.Password)
		}
		if c.SSLMode != "" {
			dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
		}
		return dsn
	case "mysql":
		dsn := ""
		if c.Username != "" {
			dsn = fmt.Sprintf("%s:%s@", c.Username, c.Password)
		}
		dsn += fmt.Sprintf("tcp(%s:%d)/%s", c.Host, c.Port, c.Database)
		if c.Charset != "" {
			dsn += "?charset=" + c.Charset
		}
		return dsn
	case "sqlite", "sqlite3":
		return c.Database
	default:
		return ""
	}
}

// DriverName returns the normalized driver name for sql.Open().
// Converts "sqlite" to "sqlite3" for the go-sqlite3 driver.
func (c *DatabaseConfig) DriverName() string {
	if c.Driver == "sqlite" {
		return "sqlite3"
	}
	return c.Driver
}

// Dialect returns the normalized SQL dialect name.
// Converts "sqlite3" to "sqlite" for consistent dialect handling.
func (c *DatabaseConfig) Dialect() string {
	if c.Driver == "sqlite3" {
		return "sqlite"
	}
	return c.Driver
}

// Redacted returns a copy safe for logging.
func (c *DatabaseConfig) Redacted() DatabaseConfig {
	out := *c
	if out.Password != "" {
		out.Password = "****"
	}
	return out
}
