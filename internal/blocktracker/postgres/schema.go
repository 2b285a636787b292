package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS block_trackers (
	key                  TEXT PRIMARY KEY,
	last_processed_block BIGINT NOT NULL CHECK (last_processed_block >= 0),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
