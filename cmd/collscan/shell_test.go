package main

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
	"github.com/freeeve/collscan"
	"github.com/freeeve/collscan/segstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSelect(t *testing.T, sql string) *sqlparser.Select {
	t.Helper()
	stmt, err := sqlparser.Parse(sql)
	require.NoError(t, err, sql)
	sel, ok := stmt.(*sqlparser.Select)
	require.True(t, ok, "%T", stmt)
	return sel
}

func TestParseSelect(t *testing.T) {
	q, err := parseSelect(mustSelect(t, "SELECT * FROM events"))
	require.NoError(t, err)
	assert.Equal(t, "events", q.collection)
	assert.Nil(t, q.fields)
	assert.Equal(t, defaultLimit, q.opts.Count)
	assert.Equal(t, defaultLimit, q.opts.BatchSize)

	q, err = parseSelect(mustSelect(t, "SELECT name, _key FROM events LIMIT 5"))
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, q.fields)
	assert.Equal(t, []string{"name"}, q.opts.Fields)
	assert.Equal(t, 5, q.opts.Count)
	assert.Equal(t, 5, q.opts.BatchSize)
	assert.Equal(t, 5, q.opts.MaxNextRecords)
}

func TestParseSelectWhere(t *testing.T) {
	tests := []struct {
		name  string
		sql   string
		check func(t *testing.T, opts collscan.Options)
	}{
		{
			name: "key range",
			sql:  "SELECT * FROM events WHERE _key > 'AD010' AND _key < 'AD020'",
			check: func(t *testing.T, opts collscan.Options) {
				assert.Equal(t, "AD010", opts.StartAfter)
				assert.Equal(t, "AD020", opts.StopBefore)
			},
		},
		{
			name: "inclusive start",
			sql:  "SELECT * FROM events WHERE (k >= 'AD1')",
			check: func(t *testing.T, opts collscan.Options) {
				assert.Equal(t, "AD1", opts.Start)
			},
		},
		{
			name: "prefixes",
			sql:  "SELECT * FROM events WHERE _key LIKE 'AD%' AND _key NOT LIKE 'AD5%'",
			check: func(t *testing.T, opts collscan.Options) {
				assert.Equal(t, []string{"AD"}, opts.Prefixes)
				assert.Equal(t, []string{"AD5"}, opts.ExcludePrefixes)
			},
		},
		{
			name: "timestamps",
			sql:  "SELECT * FROM events WHERE _ts >= 1000 AND _ts <= 2000",
			check: func(t *testing.T, opts collscan.Options) {
				assert.Equal(t, collscan.Millis(1000), opts.StartTS)
				assert.Equal(t, collscan.Millis(2000), opts.EndTS)
			},
		},
		{
			name: "exclusive timestamps",
			sql:  "SELECT * FROM events WHERE ts > 1000 AND ts < '2015-09-11'",
			check: func(t *testing.T, opts collscan.Options) {
				assert.Equal(t, collscan.Millis(1001), opts.StartTS)
				assert.Equal(t, collscan.Millis(1441929599999), opts.EndTS)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := parseSelect(mustSelect(t, tt.sql))
			require.NoError(t, err)
			tt.check(t, q.opts)
		})
	}
}

func TestParseSelectErrors(t *testing.T) {
	for _, sql := range []string{
		"SELECT * FROM events LIMIT 0",
		"SELECT * FROM a, b",
		"SELECT * FROM events WHERE _key LIKE '%AD'",
		"SELECT * FROM events WHERE _key = 'AD1'",
		"SELECT * FROM events WHERE name = 'x'",
		"SELECT * FROM events WHERE _key > 'a' OR _key < 'b'",
		"SELECT * FROM events WHERE _ts != 5",
		"SELECT * FROM events WHERE _ts < 1",
	} {
		t.Run(sql, func(t *testing.T) {
			_, err := parseSelect(mustSelect(t, sql))
			assert.Error(t, err)
		})
	}
}

func newTestShell(t *testing.T, n int) (*Shell, *bytes.Buffer) {
	t.Helper()
	store, err := segstore.Open(t.TempDir(), segstore.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	entries := make([]collscan.Entry, n)
	for i := range n {
		entries[i] = collscan.Entry{
			Key:    fmt.Sprintf("AD%03d", i),
			TS:     baseTime + int64(i),
			Fields: collscan.Record{"name": fmt.Sprintf("item %d", i)},
		}
	}
	require.NoError(t, store.Put(t.Context(), "events", entries...))

	var out bytes.Buffer
	nop := zerolog.Nop()
	return NewShell(t.Context(), store, &nop, &out), &out
}

func TestShellCommands(t *testing.T) {
	s, out := newTestShell(t, 20)

	assert.True(t, s.execute(`\collections`))
	assert.Equal(t, "events\n", out.String())

	out.Reset()
	assert.True(t, s.execute(`\count events`))
	assert.Equal(t, "20\n", out.String())

	out.Reset()
	assert.True(t, s.execute(`\count`))
	assert.Contains(t, out.String(), "Usage:")

	out.Reset()
	assert.True(t, s.execute(`\bogus`))
	assert.Contains(t, out.String(), "Unknown command: \\bogus")

	out.Reset()
	assert.True(t, s.execute(`\help`))
	assert.Contains(t, out.String(), "Queries:")

	out.Reset()
	assert.False(t, s.execute(`\q`))
	assert.Equal(t, "Bye\n", out.String())
}

func TestShellSelect(t *testing.T) {
	s, out := newTestShell(t, 20)

	assert.True(t, s.execute("SELECT name FROM events WHERE _key LIKE 'AD01%' LIMIT 3;"))
	got := out.String()
	assert.Contains(t, got, "AD010")
	assert.Contains(t, got, "AD012")
	assert.NotContains(t, got, "AD013")
	assert.Contains(t, got, "item 11")
	assert.Contains(t, got, "(3 rows)")

	out.Reset()
	assert.True(t, s.execute("SELECT * FROM events WHERE _key >= 'AD018'"))
	got = out.String()
	assert.Contains(t, got, "│ name")
	assert.Contains(t, got, "(2 rows)")
}

func TestShellErrors(t *testing.T) {
	s, out := newTestShell(t, 5)

	assert.True(t, s.execute("SELEC * FRM"))
	assert.Contains(t, out.String(), "Parse error")

	out.Reset()
	assert.True(t, s.execute("DELETE FROM events"))
	assert.Contains(t, out.String(), "Unsupported statement type")

	out.Reset()
	assert.True(t, s.execute("SELECT * FROM events WHERE name = 'x'"))
	assert.Contains(t, out.String(), "Error:")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdefgh", 5))
	assert.Equal(t, "ab", truncate("abcdefgh", 2))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "x", formatValue("x"))
	assert.Equal(t, "42", formatValue(int64(42)))
	assert.Equal(t, `{"a":1}`, formatValue(map[string]any{"a": 1}))
	assert.Equal(t, `[{"b":"c"}]`, formatValue([]collscan.Record{{"b": "c"}}))
}
