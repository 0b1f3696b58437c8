// journal/schema.go
package journal

const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	time DATETIME NOT NULL,
	provider TEXT NOT NULL,
	kind TEXT NOT NULL,
	token TEXT NOT NULL,
	ticket TEXT NOT NULL,
	symbol TEXT NOT NULL,
	reason TEXT NOT NULL,
	profit REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_time ON events(time);
CREATE INDEX IF NOT EXISTS idx_events_token ON events(token);
`
