package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/throw-if-null/catalyst/internal/fault"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseURL picks the driver for a DATABASE_URL value. postgres:// and
// postgresql:// URLs use pgx; sqlite:, file: and bare paths use SQLite.
func ParseURL(url string) (Dialect, string, error) {
	url = strings.TrimSpace(url)
	switch {
	case url == "":
		return "", "", errors.New("empty database url")
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DialectPostgres, url, nil
	case strings.HasPrefix(url, "sqlite://"):
		return DialectSQLite, strings.TrimPrefix(url, "sqlite://"), nil
	case strings.HasPrefix(url, "sqlite:"):
		return DialectSQLite, strings.TrimPrefix(url, "sqlite:"), nil
	case strings.Contains(url, "://"):
		return "", "", fmt.Errorf("unsupported database url scheme in %q", redact(url))
	default:
		return DialectSQLite, url, nil
	}
}

// Open connects to url, applies SQLite pragmas where relevant and checks the
// connection. A refused connection is reported as the database being
// unavailable.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	dialect, dsn, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	driver := "pgx"
	if dialect == DialectSQLite {
		driver = "sqlite"
		dsn = withSQLitePragmas(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// one writer at a time
		db.SetMaxOpenConns(1)
	}
	s := New(db, dialect, opts...)
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// withSQLitePragmas applies per-connection pragmas through the DSN so every
// pooled connection gets them.
func withSQLitePragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// tagErr marks connection failures as the database being unavailable.
func tagErr(err error) error {
	if err == nil {
		return nil
	}
	var f *fault.Error
	if errors.As(err, &f) {
		return err
	}
	if errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(err.Error(), fault.MarkerConnRefused) {
		return fault.Unavailable("database", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fault.Unavailable("database", err)
	}
	return err
}

func redact(url string) string {
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return url
	}
	return url[:scheme+3] + "***" + url[at:]
}
