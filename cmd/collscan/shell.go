package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
	"github.com/cockroachdb/errors"
	"github.com/freeeve/collscan"
	"github.com/peterh/liner"
	"github.com/rs/zerolog"
)

// defaultLimit caps SELECT results without a LIMIT clause.
const defaultLimit = 100

// Shell provides an interactive SQL-like query interface over collections.
type Shell struct {
	ctx         context.Context
	client      backend
	logger      *zerolog.Logger
	out         io.Writer
	prompt      string
	historyFile string
	line        *liner.State
}

// NewShell creates a new shell instance.
func NewShell(ctx context.Context, client backend, logger *zerolog.Logger, out io.Writer) *Shell {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".collscan_history")
	}
	return &Shell{
		ctx:         ctx,
		client:      client,
		logger:      logger,
		out:         out,
		prompt:      "collscan> ",
		historyFile: historyFile,
	}
}

func (c *CLI) cmdShell(ctx context.Context, args []string) int {
	fs := c.newFlagSet("shell")
	g := addGlobalFlags(fs)
	if code, ok := c.parseFlags(fs, args); !ok {
		return code
	}
	e, err := c.setup(ctx, g, true)
	if err != nil {
		fmt.Fprintf(c.Stderr, msgErrOpenStore, err)
		return 1
	}
	defer e.Close()

	NewShell(ctx, e.client, &e.logger, c.Stdout).Run()
	return 0
}

// Run starts the interactive shell.
func (s *Shell) Run() {
	s.line = liner.NewLiner()
	defer s.line.Close()

	s.line.SetCtrlCAborts(true)
	s.loadHistory()

	fmt.Fprintln(s.out, "collscan shell "+versionString())
	fmt.Fprintln(s.out, "Type \\help for help, \\q to quit")
	fmt.Fprintln(s.out)

	s.runLoop()
	s.saveHistory()
}

func (s *Shell) loadHistory() {
	if s.historyFile == "" {
		return
	}
	f, err := os.Open(s.historyFile)
	if err != nil {
		return
	}
	s.line.ReadHistory(f)
	f.Close()
}

func (s *Shell) saveHistory() {
	if s.historyFile == "" {
		return
	}
	f, err := os.Create(s.historyFile)
	if err != nil {
		return
	}
	s.line.WriteHistory(f)
	f.Close()
}

func (s *Shell) runLoop() {
	for {
		input, err := s.line.Prompt(s.prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				fmt.Fprintln(s.out, "^C")
				continue
			}
			fmt.Fprintln(s.out)
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		s.line.AppendHistory(input)
		if !s.execute(input) {
			return
		}
	}
}

// execute runs one line. Returns false to exit.
func (s *Shell) execute(line string) bool {
	if strings.HasPrefix(line, "\\") {
		return s.handleCommand(line)
	}
	line = strings.TrimSuffix(line, ";")

	stmt, err := sqlparser.Parse(line)
	if err != nil {
		fmt.Fprintf(s.out, "Parse error: %v\n", err)
		return true
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		fmt.Fprintf(s.out, "Unsupported statement type: %T\n", stmt)
		return true
	}
	q, err := parseSelect(sel)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return true
	}
	if err := s.runQuery(q); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return true
}

func (s *Shell) handleCommand(cmd string) bool {
	parts := strings.Fields(cmd)
	switch parts[0] {
	case "\\q", "\\quit", "\\exit":
		fmt.Fprintln(s.out, "Bye")
		return false
	case "\\help", "\\h", "\\?":
		s.printHelp()
	case "\\collections", "\\c":
		prefix := ""
		if len(parts) > 1 {
			prefix = parts[1]
		}
		names, err := s.client.ListCollections(s.ctx, prefix)
		if err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			return true
		}
		for _, name := range names {
			fmt.Fprintln(s.out, name)
		}
	case "\\count":
		if len(parts) < 2 {
			fmt.Fprintln(s.out, "Usage: \\count <collection>")
			return true
		}
		opts := collscan.DefaultCounterOptions()
		opts.Logger = s.logger
		counter, err := collscan.NewCounter(s.ctx, s.client, parts[1], opts)
		if err == nil {
			var n int64
			if n, err = counter.Count(s.ctx, collscan.ReadRequest{}); err == nil {
				fmt.Fprintln(s.out, n)
			}
		}
		if err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
	default:
		fmt.Fprintf(s.out, "Unknown command: %s\n", parts[0])
		fmt.Fprintln(s.out, "Type \\help for help")
	}
	return true
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `Queries:
  SELECT * FROM events LIMIT 10
  SELECT field1, field2 FROM events WHERE _key LIKE 'AD%'
  SELECT * FROM events WHERE _key > 'AD100' AND _key < 'AD200'
  SELECT * FROM events WHERE _key NOT LIKE 'AD5%'
  SELECT * FROM events WHERE _ts >= '2015-09-11' AND _ts < 1442000000000

  _key >= x starts at x, _key > x starts after x, _key < x stops before x.
  _ts bounds take epoch milliseconds or a date string.
  Partitioned collections (events_0, events_1, ...) are merged in key order.

Shell Commands:
  \help, \h, \?            Show this help
  \collections [prefix]    List physical collections
  \count <collection>      Count records
  \q, \quit                Exit shell`)
}

// query is a parsed SELECT.
type query struct {
	collection string
	fields     []string
	opts       collscan.Options
}

// parseSelect maps a SELECT statement onto scan options.
func parseSelect(stmt *sqlparser.Select) (query, error) {
	var q query
	if len(stmt.From) != 1 {
		return q, errors.New("exactly one collection is required in FROM")
	}
	aliased, ok := stmt.From[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return q, errors.New("joins are not supported")
	}
	table, ok := aliased.Expr.(sqlparser.TableName)
	if !ok {
		return q, errors.New("subqueries are not supported")
	}
	q.collection = table.Name.String()
	q.opts = collscan.DefaultOptions(q.collection)
	q.opts.Count = defaultLimit

	for _, expr := range stmt.SelectExprs {
		switch e := expr.(type) {
		case *sqlparser.StarExpr:
			q.fields = nil
		case *sqlparser.AliasedExpr:
			col, ok := e.Expr.(*sqlparser.ColName)
			if !ok {
				return q, errors.Newf("unsupported select expression %s", sqlparser.String(e))
			}
			name := col.Name.String()
			if name != collscan.MetaKey && name != collscan.MetaTS {
				q.fields = append(q.fields, name)
			}
		}
	}
	q.opts.Fields = q.fields

	if stmt.Limit != nil && stmt.Limit.Rowcount != nil {
		val, ok := stmt.Limit.Rowcount.(*sqlparser.SQLVal)
		if !ok || val.Type != sqlparser.IntVal {
			return q, errors.New("LIMIT must be an integer")
		}
		n, err := strconv.Atoi(string(val.Val))
		if err != nil || n <= 0 {
			return q, errors.Newf("LIMIT must be positive, got %s", val.Val)
		}
		q.opts.Count = n
	}
	if stmt.Where != nil {
		if err := applyWhere(stmt.Where.Expr, &q.opts); err != nil {
			return q, err
		}
	}
	q.opts.BatchSize = max(q.opts.Count, 1)
	q.opts.MaxNextRecords = min(q.opts.MaxNextRecords, q.opts.BatchSize)
	return q, q.opts.Validate()
}

// applyWhere folds conjunctions of key and timestamp conditions into opts.
func applyWhere(expr sqlparser.Expr, opts *collscan.Options) error {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		if err := applyWhere(e.Left, opts); err != nil {
			return err
		}
		return applyWhere(e.Right, opts)
	case *sqlparser.ParenExpr:
		return applyWhere(e.Expr, opts)
	case *sqlparser.ComparisonExpr:
		col, ok := e.Left.(*sqlparser.ColName)
		if !ok {
			return errors.Newf("unsupported condition %s", sqlparser.String(e))
		}
		val, ok := e.Right.(*sqlparser.SQLVal)
		if !ok {
			return errors.Newf("unsupported value in %s", sqlparser.String(e))
		}
		switch strings.ToLower(col.Name.String()) {
		case collscan.MetaKey, "k":
			return applyKeyCondition(e.Operator, string(val.Val), opts)
		case collscan.MetaTS, "ts":
			return applyTSCondition(e.Operator, string(val.Val), opts)
		}
		return errors.Newf("only %s and %s conditions are supported, got %s",
			collscan.MetaKey, collscan.MetaTS, col.Name.String())
	}
	return errors.Newf("unsupported condition %s", sqlparser.String(expr))
}

func applyKeyCondition(op, val string, opts *collscan.Options) error {
	switch op {
	case sqlparser.GreaterThanStr:
		opts.StartAfter = val
	case sqlparser.GreaterEqualStr:
		opts.Start = val
	case sqlparser.LessThanStr:
		opts.StopBefore = val
	case sqlparser.LikeStr, sqlparser.NotLikeStr:
		prefix, ok := strings.CutSuffix(val, "%")
		if !ok || strings.ContainsAny(prefix, "%_") {
			return errors.Newf("LIKE only supports prefix patterns such as 'AD%%', got %q", val)
		}
		if op == sqlparser.LikeStr {
			opts.Prefixes = append(opts.Prefixes, prefix)
		} else {
			opts.ExcludePrefixes = append(opts.ExcludePrefixes, prefix)
		}
	default:
		return errors.Newf("unsupported key operator %q", op)
	}
	return nil
}

func applyTSCondition(op, val string, opts *collscan.Options) error {
	ms, err := collscan.ParseMillis(val)
	if err != nil {
		return err
	}
	switch op {
	case sqlparser.GreaterEqualStr:
		opts.StartTS = collscan.Millis(ms)
	case sqlparser.GreaterThanStr:
		opts.StartTS = collscan.Millis(ms + 1)
	case sqlparser.LessThanStr:
		if ms <= 1 {
			return errors.Newf("_ts < %d matches nothing", ms)
		}
		opts.EndTS = collscan.Millis(ms - 1)
	case sqlparser.LessEqualStr:
		opts.EndTS = collscan.Millis(ms)
	default:
		return errors.Newf("unsupported timestamp operator %q", op)
	}
	return nil
}

func (s *Shell) runQuery(q query) error {
	q.opts.Logger = s.logger
	session, err := collscan.NewSession(s.ctx, s.client, q.opts)
	if err != nil {
		return err
	}
	defer session.Close()

	var records []collscan.Record
	for batch, err := range session.Batches(s.ctx) {
		if err != nil {
			return err
		}
		records = append(records, batch...)
	}

	headers := append([]string{collscan.MetaKey, collscan.MetaTS}, q.fields...)
	if q.fields == nil {
		headers = append(headers, fieldNames(records)...)
	}
	rows := make([][]string, len(records))
	for i, rec := range records {
		row := make([]string, len(headers))
		for j, h := range headers {
			if v, ok := rec[h]; ok {
				row[j] = formatValue(v)
			}
		}
		rows[i] = row
	}
	printTable(s.out, headers, rows)
	fmt.Fprintf(s.out, "(%d rows)\n", len(rows))
	return nil
}

// fieldNames returns the sorted union of non-meta field names.
func fieldNames(records []collscan.Record) []string {
	seen := make(map[string]bool)
	var names []string
	for _, rec := range records {
		for name := range rec {
			if name == collscan.MetaKey || name == collscan.MetaTS || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case map[string]any, []any, []collscan.Record:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return fmt.Sprint(v)
	}
}

// printTable prints rows in DuckDB-style box format
func printTable(w io.Writer, headers []string, rows [][]string) {
	if len(headers) == 0 {
		return
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	// Cap column widths at 50 chars for readability
	for i := range widths {
		widths[i] = min(widths[i], 50)
	}

	printBoxLine(w, widths, "┌", "┬", "┐")
	fmt.Fprint(w, "│")
	for i, h := range headers {
		fmt.Fprintf(w, " %-*s │", widths[i], truncate(h, widths[i]))
	}
	fmt.Fprintln(w)
	printBoxLine(w, widths, "├", "┼", "┤")
	for _, row := range rows {
		fmt.Fprint(w, "│")
		for i := range headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			fmt.Fprintf(w, " %-*s │", widths[i], truncate(cell, widths[i]))
		}
		fmt.Fprintln(w)
	}
	printBoxLine(w, widths, "└", "┴", "┘")
}

func printBoxLine(w io.Writer, widths []int, left, mid, right string) {
	fmt.Fprint(w, left)
	for i, width := range widths {
		fmt.Fprint(w, strings.Repeat("─", width+2))
		if i < len(widths)-1 {
			fmt.Fprint(w, mid)
		}
	}
	fmt.Fprintln(w, right)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
