package probe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	// Database drivers — register with database/sql
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	maxTableRows    = 1000
	poolIdleTimeout = 5 * time.Minute
)

// SQLExecutor runs one SQL check per call against a pooled connection. Pools
// are keyed by target name and re-opened when the DSN changes on reload.
type SQLExecutor struct {
	mu     sync.Mutex
	pools  map[string]*connPool
	logger *zap.Logger
}

type connPool struct {
	db            *sql.DB
	dsn           string
	serverVersion string
	databaseName  string
}

// NewSQLExecutor creates an executor with an empty pool set.
func NewSQLExecutor(logger *zap.Logger) *SQLExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLExecutor{
		pools:  make(map[string]*connPool),
		logger: logger,
	}
}

// Close closes every open pool.
func (x *SQLExecutor) Close() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for name, p := range x.pools {
		_ = p.db.Close()
		delete(x.pools, name)
	}
}

// Execute runs query against target and returns the raw outcome. Connection
// open and command execution are both bounded by their own deadlines; the
// parent context carries shutdown.
func (x *SQLExecutor) Execute(ctx context.Context, target ConnectionTarget, query QueryDefinition) SQLOutcome {
	start := time.Now()

	pool, err := x.pool(ctx, target)
	if err != nil {
		return SQLOutcome{Elapsed: time.Since(start), Err: classifySQLError(ctx, err, ErrKindConnect)}
	}

	timeout := query.Timeout
	if timeout <= 0 {
		timeout = target.CommandTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := SQLOutcome{
		ServerVersion: pool.serverVersion,
		DatabaseName:  pool.databaseName,
	}

	kind := query.Kind
	if kind == "" {
		kind = ResultScalar
	}

	switch kind {
	case ResultScalar:
		value, err := queryScalar(execCtx, pool.db, query)
		if err != nil {
			out.Err = classifySQLError(ctx, err, ErrKindExecute)
		} else {
			out.Value = value
		}
	case ResultNonQuery:
		res, err := pool.db.ExecContext(execCtx, query.SQL, query.Params...)
		if err != nil {
			out.Err = classifySQLError(ctx, err, ErrKindExecute)
		} else {
			affected, _ := res.RowsAffected()
			out.RowsAffected = &affected
		}
	case ResultTable:
		cols, table, err := queryTable(execCtx, pool.db, query)
		if err != nil {
			out.Err = classifySQLError(ctx, err, ErrKindExecute)
		} else {
			out.Columns = cols
			out.Table = table
		}
	default:
		out.Err = &Error{Kind: ErrKindShapeMismatch, Err: fmt.Errorf("unknown result kind %q", kind)}
	}

	out.Elapsed = time.Since(start)
	return out
}

// pool returns the open pool for target, opening and probing it on first use.
func (x *SQLExecutor) pool(ctx context.Context, target ConnectionTarget) (*connPool, error) {
	x.mu.Lock()
	if p, ok := x.pools[target.Name]; ok && p.dsn == target.DSN {
		x.mu.Unlock()
		return p, nil
	}
	if p, ok := x.pools[target.Name]; ok {
		// DSN changed on reload — drop the stale pool.
		_ = p.db.Close()
		delete(x.pools, target.Name)
	}
	x.mu.Unlock()

	db, err := sql.Open(driverName(target.Driver), target.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", target.Name, err)
	}
	db.SetConnMaxIdleTime(poolIdleTimeout)
	db.SetMaxOpenConns(4)

	connectTimeout := target.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s: %w", target.Name, err)
	}

	p := &connPool{db: db, dsn: target.DSN}
	p.serverVersion, p.databaseName = serverInfo(pingCtx, db, target.Driver)

	x.mu.Lock()
	defer x.mu.Unlock()
	if existing, ok := x.pools[target.Name]; ok && existing.dsn == target.DSN {
		_ = db.Close()
		return existing, nil
	}
	x.pools[target.Name] = p
	return p, nil
}

func queryScalar(ctx context.Context, db *sql.DB, query QueryDefinition) (*string, error) {
	rows, err := db.QueryContext(ctx, query.SQL, query.Params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(cols) != 1 {
		return nil, &Error{Kind: ErrKindShapeMismatch, Err: fmt.Errorf("scalar query returned %d columns", len(cols))}
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, &Error{Kind: ErrKindShapeMismatch, Err: errors.New("scalar query returned no rows")}
	}

	var raw any
	if err := rows.Scan(&raw); err != nil {
		return nil, err
	}
	if rows.Next() {
		return nil, &Error{Kind: ErrKindShapeMismatch, Err: errors.New("scalar query returned multiple rows")}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	s := stringifySQLValue(raw)
	return &s, nil
}

func queryTable(ctx context.Context, db *sql.DB, query QueryDefinition) ([]string, [][]string, error) {
	rows, err := db.QueryContext(ctx, query.SQL, query.Params...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	var table [][]string
	for rows.Next() {
		if len(table) >= maxTableRows {
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return cols, table, err
		}
		row := make([]string, len(cols))
		for i, v := range values {
			if v == nil {
				row[i] = "NULL"
				continue
			}
			row[i] = stringifySQLValue(v)
		}
		table = append(table, row)
	}
	return cols, table, rows.Err()
}

func stringifySQLValue(v any) string {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func serverInfo(ctx context.Context, db *sql.DB, driver string) (version, database string) {
	var versionSQL, dbSQL string
	switch driver {
	case "postgres", "postgresql":
		versionSQL, dbSQL = "SELECT version()", "SELECT current_database()"
	case "mysql":
		versionSQL, dbSQL = "SELECT VERSION()", "SELECT DATABASE()"
	case "sqlite":
		versionSQL, dbSQL = "SELECT sqlite_version()", "SELECT 'main'"
	default:
		return "", ""
	}
	var v, d sql.NullString
	_ = db.QueryRowContext(ctx, versionSQL).Scan(&v)
	_ = db.QueryRowContext(ctx, dbSQL).Scan(&d)
	return v.String, d.String
}

// driverName maps a provider tag to the registered database/sql driver name.
func driverName(provider string) string {
	switch provider {
	case "postgres", "postgresql":
		return "pgx" // pgx/v5/stdlib registers as "pgx"
	default:
		return provider
	}
}

func classifySQLError(parent context.Context, err error, fallback ErrorKind) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case parent.Err() != nil:
		return &Error{Kind: ErrKindCancelled, Err: parent.Err()}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: ErrKindTimeout, Err: err}
	default:
		return &Error{Kind: fallback, Err: err}
	}
}
