package storage

// Schema is the relational schema the adapter assumes exists (spec.md
// §4.4). There are no migrations: cmd/clearing-engine and the test harness
// execute it at startup, and every table and index is created IF NOT
// EXISTS, so running it again is harmless.
const Schema = `
CREATE TABLE IF NOT EXISTS epochs (
	id              UUID PRIMARY KEY,
	epoch_number    BIGINT UNIQUE NOT NULL,
	start_time      TIMESTAMPTZ NOT NULL,
	end_time        TIMESTAMPTZ NOT NULL,
	status          TEXT NOT NULL,
	clearing_price  NUMERIC(28,8),
	total_volume    NUMERIC(28,8) NOT NULL DEFAULT 0,
	total_orders    INTEGER NOT NULL DEFAULT 0,
	matched_orders  INTEGER NOT NULL DEFAULT 0,
	version         INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id              UUID PRIMARY KEY,
	user_id         UUID NOT NULL,
	epoch_id        UUID NOT NULL REFERENCES epochs(id),
	side            TEXT NOT NULL,
	price           NUMERIC(28,8) NOT NULL,
	energy_amount   NUMERIC(28,8) NOT NULL,
	filled_amount   NUMERIC(28,8) NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	version         INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_epoch_status ON orders(epoch_id, status);
CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS matches (
	id              UUID PRIMARY KEY,
	epoch_id        UUID NOT NULL REFERENCES epochs(id),
	buy_order_id    UUID NOT NULL REFERENCES orders(id),
	sell_order_id   UUID NOT NULL REFERENCES orders(id),
	matched_amount  NUMERIC(28,8) NOT NULL,
	match_price     NUMERIC(28,8) NOT NULL,
	match_time      TIMESTAMPTZ NOT NULL,
	status          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_matches_epoch ON matches(epoch_id);
CREATE INDEX IF NOT EXISTS idx_matches_buy_order ON matches(buy_order_id);
CREATE INDEX IF NOT EXISTS idx_matches_sell_order ON matches(sell_order_id);

CREATE TABLE IF NOT EXISTS settlements (
	id              UUID PRIMARY KEY,
	epoch_id        UUID NOT NULL REFERENCES epochs(id),
	buyer_id        UUID NOT NULL,
	seller_id       UUID NOT NULL,
	energy_amount   NUMERIC(28,8) NOT NULL,
	price_per_kwh   NUMERIC(28,8) NOT NULL,
	total_amount    NUMERIC(28,8) NOT NULL,
	fee_amount      NUMERIC(28,8) NOT NULL,
	net_amount      NUMERIC(28,8) NOT NULL,
	status          TEXT NOT NULL,
	UNIQUE (epoch_id, buyer_id, seller_id)
);
`
