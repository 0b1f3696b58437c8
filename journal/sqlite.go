package journal

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) RecordEvent(e Event) error {
	e = Fill(e)
	_, err := j.db.Exec(`
		INSERT INTO events
		(id, time, provider, kind, token, ticket, symbol, reason, profit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time, e.Provider, string(e.Kind), e.Token,
		e.Ticket, e.Symbol, e.Reason, e.Profit,
	)
	return err
}

// RecentEvents returns the newest events first.
func (j *SQLiteJournal) RecentEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(`
		SELECT id, time, provider, kind, token, ticket, symbol, reason, profit
		FROM events ORDER BY time DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var kind string
		if err := rows.Scan(&e.ID, &e.Time, &e.Provider, &kind,
			&e.Token, &e.Ticket, &e.Symbol, &e.Reason, &e.Profit); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
