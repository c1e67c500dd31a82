// Package action dispatches a task to its handler against one workspace.
// The rehearsal sandbox and the production executor share this code and
// differ only in the Root/Datastore they point it at and the Mode.
package action

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"mvdan.cc/sh/v3/syntax"

	"safeline/internal/db"
	"safeline/internal/domain"
)

type Mode int

const (
	Production Mode = iota
	Rehearsal
)

func (m Mode) String() string {
	if m == Rehearsal {
		return "rehearsal"
	}
	return "production"
}

// WorkdirName is the only directory file writes land in.
const WorkdirName = "workdir"

// Runner executes tasks against the workspace rooted at Root. Datastore is
// the vault file the database actions open.
type Runner struct {
	Root        string
	Datastore   string
	Mode        Mode
	BusyTimeout time.Duration
}

type handler func(r Runner, ctx context.Context, task domain.Task) domain.Outcome

var handlers = map[string]handler{
	"query_db":            Runner.queryDB,
	"update_db":           Runner.updateDB,
	"write_file":          Runner.writeFile,
	"read_file":           Runner.readFile,
	"execute_script":      Runner.script,
	"system_optimization": Runner.script,
}

// Supported reports whether actionType has a handler.
func Supported(actionType string) bool {
	_, ok := handlers[actionType]
	return ok
}

// Run executes task and never panics; every failure is an Outcome.
func (r Runner) Run(ctx context.Context, task domain.Task) (out domain.Outcome) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			out = domain.Failed(domain.KindInternal, fmt.Sprintf("internal error: %v", rec))
		}
		out.Duration = time.Since(start)
	}()
	h, ok := handlers[task.ActionType]
	if !ok {
		return domain.Failed(domain.KindUnsupported, fmt.Sprintf("unsupported action type: %s", task.ActionType))
	}
	if err := ctx.Err(); err != nil {
		return domain.Failed(domain.KindTimeout, fmt.Sprintf("cancelled before start: %v", err))
	}
	return h(r, ctx, task)
}

func (r Runner) open() (*sql.DB, error) {
	busy := r.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	return db.OpenVault(r.Datastore, busy)
}

var readPrefixes = []string{"SELECT", "WITH", "VALUES", "PRAGMA", "EXPLAIN"}

// IsRead reports whether query returns rows rather than modifying data.
func IsRead(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, p := range readPrefixes {
		if strings.HasPrefix(q, p) {
			return true
		}
	}
	return false
}

// ErrMultipleStatements is returned for queries that carry more than one
// statement. One trailing terminator is accepted.
var ErrMultipleStatements = errors.New(`syntax error near ";": only one statement at a time`)

func checkSingleStatement(query string) error {
	var quote rune
	for i, c := range query {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == ';':
			if strings.TrimSpace(query[i+1:]) != "" {
				return ErrMultipleStatements
			}
			return nil
		}
	}
	return nil
}

func (r Runner) queryDB(ctx context.Context, task domain.Task) domain.Outcome {
	query := strings.TrimSpace(task.String("query"))
	if query == "" {
		return domain.Failed(domain.KindPayload, "missing query in payload")
	}
	if err := checkSingleStatement(query); err != nil {
		return domain.Failed(domain.KindSyntax, "database error: "+err.Error())
	}
	conn, err := r.open()
	if err != nil {
		return dbFailure(err)
	}
	defer conn.Close()

	if !IsRead(query) {
		res, err := conn.ExecContext(ctx, query)
		if err != nil {
			return dbFailure(err)
		}
		n, _ := res.RowsAffected()
		return domain.Succeeded(map[string]any{"affected_rows": n})
	}
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return dbFailure(err)
	}
	defer rows.Close()
	result, err := collect(rows)
	if err != nil {
		return dbFailure(err)
	}
	return domain.Succeeded(result)
}

// collect reads every row as a []any; []byte cells become strings.
func collect(rows *sql.Rows) ([][]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := [][]any{}
	for rows.Next() {
		cells := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, c := range cells {
			if b, ok := c.([]byte); ok {
				cells[i] = string(b)
			}
		}
		result = append(result, cells)
	}
	return result, rows.Err()
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (r Runner) updateDB(ctx context.Context, task domain.Task) domain.Outcome {
	table := task.String("table")
	updates, _ := task.Payload["updates"].(map[string]any)
	if table == "" || len(updates) == 0 {
		return domain.Failed(domain.KindPayload, "missing table or updates in payload")
	}
	conditions, _ := task.Payload["conditions"].(map[string]any)
	if !identRe.MatchString(table) {
		return domain.Failed(domain.KindPayload, fmt.Sprintf("invalid table name %q", table))
	}

	var (
		sets  []string
		where []string
		args  []any
	)
	for _, k := range sortedKeys(updates) {
		if !identRe.MatchString(k) {
			return domain.Failed(domain.KindPayload, fmt.Sprintf("invalid column name %q", k))
		}
		sets = append(sets, k+" = ?")
		args = append(args, updates[k])
	}
	for _, k := range sortedKeys(conditions) {
		if !identRe.MatchString(k) {
			return domain.Failed(domain.KindPayload, fmt.Sprintf("invalid column name %q", k))
		}
		where = append(where, k+" = ?")
		args = append(args, conditions[k])
	}
	clause := "1=1"
	if len(where) > 0 {
		clause = strings.Join(where, " AND ")
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), clause)

	conn, err := r.open()
	if err != nil {
		return dbFailure(err)
	}
	defer conn.Close()
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return dbFailure(err)
	}
	n, _ := res.RowsAffected()
	return domain.Succeeded(map[string]any{"affected_rows": n})
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func filePath(task domain.Task) string {
	if p := task.String("file_path"); p != "" {
		return p
	}
	return task.String("path")
}

// WritePath is where a write_file task lands under root: the workdir,
// keeping only the base name of the requested path.
func WritePath(root string, task domain.Task) string {
	return filepath.Join(root, WorkdirName, filepath.Base(filePath(task)))
}

func (r Runner) writeFile(_ context.Context, task domain.Task) domain.Outcome {
	content, hasContent := task.Payload["content"].(string)
	if filePath(task) == "" || !hasContent {
		return domain.Failed(domain.KindPayload, "missing file_path or content in payload")
	}
	full := WritePath(r.Root, task)
	if create, _ := task.Payload["create_dirs"].(bool); create {
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return ioFailure("file write error", err)
		}
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return ioFailure("file write error", err)
	}
	return domain.Succeeded(map[string]any{"bytes_written": len(content), "path": full})
}

// ReadPath resolves a read_file task's path under root. Paths that escape
// root are rejected.
func ReadPath(root string, task domain.Task) (string, error) {
	p := filePath(task)
	if p == "" {
		return "", errors.New("missing file_path in payload")
	}
	rel := filepath.Clean(strings.TrimPrefix(p, string(filepath.Separator)))
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("permission denied: %s escapes the workspace", p)
	}
	return filepath.Join(root, rel), nil
}

func (r Runner) readFile(_ context.Context, task domain.Task) domain.Outcome {
	full, err := ReadPath(r.Root, task)
	if err != nil {
		if filePath(task) == "" {
			return domain.Failed(domain.KindPayload, err.Error())
		}
		return domain.Failed(domain.KindPermission, err.Error())
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return ioFailure("file read error", err)
	}
	return domain.Succeeded(map[string]any{"content": string(data)})
}

func commands(task domain.Task) []string {
	switch v := task.Payload["commands"].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, c := range v {
			if s, ok := c.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	if s := task.String("script"); s != "" {
		return []string{s}
	}
	return nil
}

// script validates shell syntax in rehearsal and never runs anything.
func (r Runner) script(_ context.Context, task domain.Task) domain.Outcome {
	if r.Mode != Rehearsal {
		return domain.Failed(domain.KindUnsupported, fmt.Sprintf("unsupported action type: %s (rehearsal only)", task.ActionType))
	}
	cmds := commands(task)
	if len(cmds) == 0 {
		return domain.Failed(domain.KindPayload, "missing commands in payload")
	}
	parser := syntax.NewParser()
	for i, c := range cmds {
		if _, err := parser.Parse(strings.NewReader(c), fmt.Sprintf("command[%d]", i)); err != nil {
			return domain.Failed(domain.KindSyntax, fmt.Sprintf("shell syntax error: %v", err))
		}
	}
	return domain.Succeeded(map[string]any{
		"dry_run":            true,
		"commands_validated": len(cmds),
		"commands":           cmds,
	})
}

// AffectedFiles lists the workspace files task may write when executed
// against root. Database actions touch only the datastore.
func AffectedFiles(root string, task domain.Task) []string {
	if task.ActionType == "write_file" && filePath(task) != "" {
		return []string{WritePath(root, task)}
	}
	return nil
}

func dbFailure(err error) domain.Outcome {
	msg := "database error: " + err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "syntax error") || strings.Contains(lower, "incomplete input"):
		return domain.Failed(domain.KindSyntax, msg)
	case strings.Contains(lower, "readonly database") || errors.Is(err, fs.ErrPermission):
		return domain.Failed(domain.KindPermission, "permission denied: "+msg)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return domain.Failed(domain.KindTimeout, msg)
	default:
		return domain.Failed(domain.KindDatastore, msg)
	}
}

func ioFailure(prefix string, err error) domain.Outcome {
	msg := prefix + ": " + err.Error()
	if errors.Is(err, fs.ErrPermission) {
		return domain.Failed(domain.KindPermission, msg)
	}
	return domain.Failed(domain.KindIO, msg)
}
