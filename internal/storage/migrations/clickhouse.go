package migrations

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	chstore "credit-ledger-indexer/internal/storage/clickhouse"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// RunClickhouseMigrations creates the DSN's database if needed, applies the
// embedded ClickHouse files and returns a connection to that database.
func RunClickhouseMigrations(ctx context.Context, dsn string, logger *zap.Logger) (conn *chstore.Conn, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dbName, err := databaseFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := ensureDatabase(ctx, dsn, dbName); err != nil {
		return nil, err
	}

	files, err := load(ClickhouseFS, "clickhouse")
	if err != nil {
		return nil, err
	}

	conn, err = chstore.NewConnWithDatabase(ctx, dsn, dbName)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse database %s: %w", dbName, err)
	}
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	for _, m := range files {
		stmts, err := splitStatements(m.sql)
		if err != nil {
			return nil, fmt.Errorf("parse migration %s: %w", m.name, err)
		}
		// The native protocol runs one statement per Exec.
		for _, stmt := range stmts {
			if err := conn.Exec(ctx, stmt); err != nil {
				return nil, fmt.Errorf("apply migration %s: %w", m.name, err)
			}
		}
		logger.Info("applied clickhouse migration",
			zap.String("file", m.name), zap.String("database", dbName), zap.Int("statements", len(stmts)))
	}

	return conn, nil
}

func ensureDatabase(ctx context.Context, dsn, dbName string) error {
	admin, err := chstore.NewConnWithDatabase(ctx, dsn, "")
	if err != nil {
		return fmt.Errorf("connect clickhouse admin: %w", err)
	}
	defer admin.Close()

	if err := admin.Exec(ctx, "CREATE DATABASE IF NOT EXISTS `"+dbName+"`"); err != nil {
		return fmt.Errorf("create database %s: %w", dbName, err)
	}
	return nil
}

// splitStatements cuts a script at top-level semicolons. Single-quoted
// literals (with '' escapes) and -- comments are honoured.
func splitStatements(script string) ([]string, error) {
	var (
		stmts []string
		cur   strings.Builder
		quote bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(script); i++ {
		ch := script[i]
		switch {
		case quote:
			cur.WriteByte(ch)
			if ch == '\'' {
				if i+1 < len(script) && script[i+1] == '\'' {
					cur.WriteByte('\'')
					i++
					continue
				}
				quote = false
			}
		case ch == '\'':
			quote = true
			cur.WriteByte(ch)
		case ch == '-' && i+1 < len(script) && script[i+1] == '-':
			for i < len(script) && script[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case ch == ';':
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	if quote {
		return nil, errors.New("unterminated string literal")
	}
	flush()
	return stmts, nil
}

func databaseFromDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	db := strings.TrimPrefix(u.Path, "/")
	if db == "" {
		return "", errors.New("clickhouse dsn missing database")
	}
	if !identRe.MatchString(db) {
		return "", fmt.Errorf("clickhouse database name %q is not a plain identifier", db)
	}
	return db, nil
}
