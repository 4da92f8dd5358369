// Copyright 2026 The piod Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cfgdb holds types to describe the configuration database for
// piod deployments: which peripheral modules a daemon preloads and the
// resource defaults applied after each module comes up.
package cfgdb // import "github.com/fpio/piod/cfgdb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const (
	host = "localhost"
)

var (
	usr = "piod"
	pwd = "s3cr3t"

	drvName = "mysql"
)

// Default is one resource default: value is written to the named
// resource right after its module is loaded.
type Default struct {
	Resource string
	Value    string
}

// DB exposes convenience methods to retrieve the piod configuration
// data from the deployment database.
type DB struct {
	db   *sql.DB
	name string // name of the piod database
}

// Open opens a connection to the piod database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("cfgdb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		return nil, fmt.Errorf("cfgdb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("cfgdb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// Preload returns the module load names of the current deployment, in
// load order.
func (db *DB) Preload(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var names []string
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT module FROM preload ORDER BY position ASC",
	)
	if err != nil {
		return names, fmt.Errorf("cfgdb: could not query preload list: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		err = rows.Scan(&name)
		if err != nil {
			return names, fmt.Errorf("cfgdb: could not get preload value: %w", err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return names, fmt.Errorf("cfgdb: could not scan db for preload list: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return names, fmt.Errorf("cfgdb: context error while retrieving preload list: %w", err)
	}

	return names, nil
}

// Defaults returns the resource defaults recorded for the named module.
func (db *DB) Defaults(ctx context.Context, module string) ([]Default, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var cfg []Default
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT resource, value FROM defaults WHERE module=?",
		module,
	)
	if err != nil {
		return cfg, fmt.Errorf("cfgdb: could not run defaults query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var def Default
		err = rows.Scan(&def.Resource, &def.Value)
		if err != nil {
			return cfg, fmt.Errorf("cfgdb: could not scan defaults: %w", err)
		}
		cfg = append(cfg, def)
	}

	if err := rows.Err(); err != nil {
		return cfg, fmt.Errorf("cfgdb: could not scan db for defaults: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return cfg, fmt.Errorf("cfgdb: context error while retrieving defaults: %w", err)
	}

	return cfg, nil
}
