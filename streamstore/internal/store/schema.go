package store

// Schema is the DDL of the stream store. A stream's chain is the commits
// rows ordered by seq; streams.tip_cid always names the highest seq.
const Schema = `
CREATE TABLE IF NOT EXISTS streams (
	stream_id   TEXT PRIMARY KEY,
	genesis_cid TEXT NOT NULL UNIQUE,
	controllers TEXT NOT NULL DEFAULT '[]',
	tip_cid     TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS commits (
	cid        TEXT PRIMARY KEY,
	stream_id  TEXT NOT NULL REFERENCES streams(stream_id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	prev_cid   TEXT,
	envelope   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (stream_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_commits_stream ON commits(stream_id, seq);

CREATE TABLE IF NOT EXISTS pins (
	stream_id TEXT PRIMARY KEY REFERENCES streams(stream_id) ON DELETE CASCADE,
	pinned_at INTEGER NOT NULL
);
`
