package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbrheo/dbrheo/pkg/config"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

func TestResolveSourceVariants(t *testing.T) {
	fromString, err := resolveSource("postgresql://u:p@host:5432/db")
	require.NoError(t, err)
	assert.Equal(t, "postgres", fromString.Driver)
	assert.Equal(t, "db", fromString.Database)

	fromMap, err := resolveSource(map[string]any{
		"driver":   "mysql",
		"host":     "localhost",
		"database": "shop",
		"username": "root",
	})
	require.NoError(t, err)
	assert.Equal(t, "mysql", fromMap.Driver)
	assert.Equal(t, 3306, fromMap.Port, "defaults applied")

	structured := &config.DatabaseConfig{Driver: "sqlite", Database: "x.db"}
	fromStruct, err := resolveSource(structured)
	require.NoError(t, err)
	assert.Same(t, structured, fromStruct)

	_, err = resolveSource(42)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrConfig, protocol.KindOf(err))
}

func TestCacheKeyCanonical(t *testing.T) {
	a := &config.DatabaseConfig{Driver: "postgres", Host: "h", Port: 5432, Database: "d", Username: "u"}
	b := &config.DatabaseConfig{Driver: "postgres", Host: "h", Port: 5432, Database: "d", Username: "u", Password: "different"}
	c := &config.DatabaseConfig{Driver: "postgres", Host: "h", Port: 5432, Database: "d", Username: "other"}

	assert.Equal(t, cacheKey(a), cacheKey(b), "password is not part of the identity")
	assert.NotEqual(t, cacheKey(a), cacheKey(c))
}

func TestProbeDriverKnownDialects(t *testing.T) {
	// All three drivers are linked into this binary.
	assert.NoError(t, probeDriver(DialectSQLite))
	assert.NoError(t, probeDriver(DialectPostgres))
	assert.NoError(t, probeDriver(DialectMySQL))
	assert.Error(t, probeDriver(Dialect("oracle")))
}

func TestFactoryBuildUnsupportedDialect(t *testing.T) {
	f := NewFactory(nil)
	_, err := f.New(&config.DatabaseConfig{Driver: "oracle", Database: "d", Host: "h"})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrConfig, protocol.KindOf(err), "validation rejects unknown drivers first")
}
