package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS commitments (
	value       BYTEA PRIMARY KEY,
	leaf_index  BIGINT NOT NULL UNIQUE,
	batch_id    BIGINT NOT NULL,
	tier        SMALLINT NOT NULL,
	depositor   BYTEA NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS zk_commitments (
	zk_value   BYTEA PRIMARY KEY,
	value      BYTEA NOT NULL REFERENCES commitments(value)
);

CREATE TABLE IF NOT EXISTS spent_nullifiers (
	domain     SMALLINT NOT NULL,
	nullifier  BYTEA NOT NULL,
	spent_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (domain, nullifier)
);

CREATE TABLE IF NOT EXISTS merkle_roots (
	root       BYTEA PRIMARY KEY,
	added_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tier_counters (
	tier   SMALLINT PRIMARY KEY,
	count  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS view_keys (
	value       BYTEA PRIMARY KEY REFERENCES commitments(value),
	disclosure  BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS identity_hashes (
	value     BYTEA PRIMARY KEY REFERENCES commitments(value),
	identity  BYTEA NOT NULL
);
`
