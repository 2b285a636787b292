package postgres

// schemaSQL mirrors the store invariants as database constraints: inclusion
// implies leaf_index/proof/root, leaf indexes are unique per kind among
// included rows, and (kind, owner_key, nonce) is unique.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS commitments (
	id              BIGSERIAL PRIMARY KEY,
	kind            TEXT NOT NULL CHECK (kind IN ('deposit', 'withdrawal')),
	owner_key       BYTEA NOT NULL CHECK (octet_length(owner_key) = 32),
	amount          BIGINT NOT NULL CHECK (amount >= 0),
	nonce           BIGINT NOT NULL CHECK (nonce >= 0),
	commitment_hash TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'PENDING_TREE_INCLUSION',
	leaf_index      BIGINT CHECK (leaf_index IS NULL OR leaf_index >= 0),
	proof           JSONB,
	merkle_root     BYTEA CHECK (merkle_root IS NULL OR octet_length(merkle_root) = 32),
	included        BOOLEAN NOT NULL DEFAULT FALSE,
	retry_count     INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
	failure_reason  TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (NOT included OR (leaf_index IS NOT NULL AND proof IS NOT NULL AND merkle_root IS NOT NULL))
);

CREATE UNIQUE INDEX IF NOT EXISTS commitments_leaf_index_unique
	ON commitments (kind, leaf_index)
	WHERE included;

CREATE UNIQUE INDEX IF NOT EXISTS commitments_owner_nonce_unique
	ON commitments (kind, owner_key, nonce);

CREATE INDEX IF NOT EXISTS commitments_pending_idx
	ON commitments (kind, status, included, id);

CREATE INDEX IF NOT EXISTS commitments_included_leaf_idx
	ON commitments (kind, leaf_index)
	WHERE included;

CREATE TABLE IF NOT EXISTS nonces (
	kind          TEXT NOT NULL,
	owner_key     BYTEA NOT NULL CHECK (octet_length(owner_key) = 32),
	current_nonce BIGINT NOT NULL CHECK (current_nonce >= 0),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, owner_key)
);
`
