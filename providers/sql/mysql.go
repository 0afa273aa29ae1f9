package sql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/go-sql-driver/mysql"
)

func init() {
	Register("mysql", MySQLDriver{})
}

// MySQL error numbers for integrity constraint violations.
const (
	mysqlDuplicateEntry     = 1062
	mysqlRowIsReferenced    = 1451
	mysqlNoReferencedRow    = 1452
	mysqlColumnCannotBeNull = 1048
)

type MySQLDriver struct{}

var _ Driver = (*MySQLDriver)(nil)

func (MySQLDriver) Name() string { return "mysql" }

func (MySQLDriver) TranslateError(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlDuplicateEntry, mysqlRowIsReferenced, mysqlNoReferencedRow, mysqlColumnCannotBeNull:
			return errors.Errorf("%w: %w", ErrConstraint, err)
		}
	}
	return err
}

func (MySQLDriver) Denormalise(query string) string { return query }

func (MySQLDriver) Open(dsn string) (*sql.DB, error) {
	config, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return errors.WithStack2(sql.Open("mysql", config.FormatDSN()))
}

func (MySQLDriver) RecreateDatabase(ctx context.Context, dsn string) error {
	config, err := parseMySQLDSN(dsn)
	if err != nil {
		return errors.WithStack(err)
	}
	dbName := config.DBName
	if dbName == "" {
		return errors.Errorf("MySQL DSN has no database name")
	}
	config.DBName = ""
	db, err := sql.Open("mysql", config.FormatDSN())
	if err != nil {
		return errors.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", dbName)) //nolint
	if err != nil {
		return errors.Errorf("failed to drop database: %w", err)
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE `%s`", dbName)) //nolint
	if err != nil {
		return errors.Errorf("failed to create database: %w", err)
	}
	return nil
}

func parseMySQLDSN(dsn string) (*mysql.Config, error) {
	config, err := mysql.ParseDSN(strings.TrimPrefix(dsn, "mysql://"))
	if err != nil {
		return nil, errors.Errorf("failed to parse MySQL DSN: %w", err)
	}
	config.ParseTime = true
	return config, nil
}
