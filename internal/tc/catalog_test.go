package tc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCatalogLookupTable(t *testing.T) {
	var c = NewCatalog(8)

	_, err := c.LookupTable(1, 1)
	require.ErrorIs(t, err, errUnknownTable)

	c.PutTable(TableEntry{TableId: 1, SchemaVersion: 1, Enabled: true})

	entry, err := c.LookupTable(1, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), entry.TableId)

	_, err = c.LookupTable(1, 2)
	require.ErrorIs(t, err, errWrongSchemaVersion)
}

func TestCatalogLookupTableDropping(t *testing.T) {
	var c = NewCatalog(8)
	c.PutTable(TableEntry{TableId: 1, SchemaVersion: 1, Dropping: true})

	_, err := c.LookupTable(1, 1)
	require.ErrorIs(t, err, errDropInProgress)
}

func TestCatalogPutTableInvalidatesCache(t *testing.T) {
	var c = NewCatalog(8)
	c.PutTable(TableEntry{TableId: 1, SchemaVersion: 1, Enabled: true})

	_, err := c.LookupTable(1, 1) // warms the cache
	require.NoError(t, err)

	// A schema bump without a matching PutTable call would otherwise keep
	// serving the cached, stale schema version.
	c.PutTable(TableEntry{TableId: 1, SchemaVersion: 2, Enabled: true})

	_, err = c.LookupTable(1, 1)
	require.ErrorIs(t, err, errWrongSchemaVersion, "stale cache entry must be evicted on update")

	entry, err := c.LookupTable(1, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(2), entry.SchemaVersion)
}

func TestCatalogLookupIndex(t *testing.T) {
	var c = NewCatalog(8)
	_, ok := c.LookupIndex(9)
	require.False(t, ok)

	c.PutIndex(IndexEntry{IndexId: 9, TableId: 1, State: IndexOnline})
	entry, ok := c.LookupIndex(9)
	require.True(t, ok)
	require.Equal(t, uint32(1), entry.TableId)
}
