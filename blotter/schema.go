// blotter/schema.go
package blotter

const schema = `
CREATE TABLE IF NOT EXISTS blotter (
	local_time DATETIME NOT NULL,
	sys_time DATETIME NOT NULL,
	last_fill_time DATETIME,
	contract TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	order_type TEXT NOT NULL,
	order_price REAL NOT NULL,
	amount REAL NOT NULL,
	price REAL NOT NULL,
	order_id INTEGER NOT NULL,
	perm_id INTEGER NOT NULL,
	commission REAL NOT NULL,
	realized_pnl REAL NOT NULL,
	fills TEXT NOT NULL,
	strategy TEXT NOT NULL,
	action TEXT NOT NULL,
	position_id TEXT NOT NULL,
	price_time DATETIME,
	bid REAL NOT NULL,
	ask REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blotter_symbol ON blotter(symbol);
CREATE INDEX IF NOT EXISTS idx_blotter_strategy ON blotter(strategy);
`
