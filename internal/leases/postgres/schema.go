package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS builder_leases (
	name TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS builder_leases_expires_at_idx ON builder_leases (expires_at);
`
