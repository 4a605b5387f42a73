/*
Copyright (c) 2021 Andreas T Jonsson

This software is provided 'as-is', without any express or implied
warranty. In no event will the authors be held liable for any damages
arising from the use of this software.

Permission is granted to anyone to use this software for any purpose,
including commercial applications, and to alter it and redistribute it
freely, subject to the following restrictions:

1. The origin of this software must not be misrepresented; you must not
   claim that you wrote the original software. If you use this software
   in a product, an acknowledgment in the product documentation would be
   appreciated but is not required.
2. Altered source versions must be plainly marked as such, and must not be
   misrepresented as being the original software.
3. This notice may not be removed or altered from any source distribution.
*/

// Package history keeps a record of finished runs in a SQLite database.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp   DATETIME NOT NULL,
	arch        TEXT NOT NULL,
	role        TEXT NOT NULL,
	checkpoints INTEGER NOT NULL,
	verdict     TEXT NOT NULL,
	mismatch    TEXT,           -- packet, regs, memory or empty
	feed        TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON runs(timestamp);`

type Run struct {
	Timestamp   time.Time
	Arch        string
	Role        string
	Checkpoints int
	Verdict     string
	Mismatch    string
	Feed        string
}

type DB struct {
	db *sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Record(r Run) error {
	_, err := d.db.Exec(`
		INSERT INTO runs (timestamp, arch, role, checkpoints, verdict, mismatch, feed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp, r.Arch, r.Role, r.Checkpoints, r.Verdict, r.Mismatch, r.Feed)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// Recent returns the n newest runs, newest first.
func (d *DB) Recent(n int) ([]Run, error) {
	rows, err := d.db.Query(`
		SELECT timestamp, arch, role, checkpoints, verdict, mismatch, feed
		FROM runs ORDER BY timestamp DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r              Run
			mismatch, feed sql.NullString
		)
		if err := rows.Scan(&r.Timestamp, &r.Arch, &r.Role, &r.Checkpoints, &r.Verdict, &mismatch, &feed); err != nil {
			return nil, err
		}
		r.Mismatch, r.Feed = mismatch.String, feed.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (d *DB) Close() error {
	return d.db.Close()
}
