package dataset

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = "name,country\nacme,GB\nglobex,US\n"

func TestRead_HeaderAndRows(t *testing.T) {
	table, err := Read(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	assert.Equal(t, 2, table.Len())
	assert.Equal(t, []string{"name", "country"}, table.Columns())
	assert.True(t, table.HasColumn("country"))
	assert.False(t, table.HasColumn("missing"))

	v, ok := table.Value(1, "name")
	require.True(t, ok)
	assert.Equal(t, "globex", v)

	_, ok = table.Value(0, "missing")
	assert.False(t, ok)
}

func TestRead_RejectsEmptyAndDuplicateHeader(t *testing.T) {
	_, err := Read(strings.NewReader(""))
	require.Error(t, err)

	_, err = Read(strings.NewReader("a,a\n1,2\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate column")
}

func TestSet_CreatesColumnsAndRendersValues(t *testing.T) {
	table, err := Read(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	require.NoError(t, table.Set(0, "employees", int64(120)))
	require.NoError(t, table.Set(0, "listed", true))
	require.NoError(t, table.Set(1, "tags", []any{"b2b", "eu"}))

	assert.Equal(t, []string{"name", "country", "employees", "listed", "tags"}, table.Columns())

	v, ok := table.Value(0, "employees")
	require.True(t, ok)
	assert.Equal(t, "120", v)

	v, ok = table.Value(1, "tags")
	require.True(t, ok)
	assert.Equal(t, `["b2b","eu"]`, v)

	// Row 1 never got the listed column; it pads to empty on output.
	v, ok = table.Value(1, "listed")
	require.True(t, ok)
	assert.Equal(t, "", v)
}

func TestSet_RowOutOfRange(t *testing.T) {
	table, err := Read(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Error(t, table.Set(5, "x", "y"))
}

func TestWriteTo_PadsShortRows(t *testing.T) {
	table, err := Read(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.NoError(t, table.Set(0, "summary", "hq in london"))

	var buf bytes.Buffer
	require.NoError(t, table.WriteTo(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "name,country,summary", lines[0])
	assert.Equal(t, "acme,GB,hq in london", lines[1])
	assert.Equal(t, "globex,US,", lines[2])
}

func TestRow_SnapshotsAllColumns(t *testing.T) {
	table, err := Read(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	row := table.Row(0)
	assert.Equal(t, map[string]string{"name": "acme", "country": "GB"}, row)
}
