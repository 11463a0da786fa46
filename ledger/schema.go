// ledger/schema.go
package ledger

const schema = `
CREATE TABLE IF NOT EXISTS strategies (
	key TEXT PRIMARY KEY,
	position REAL NOT NULL,
	lock INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	local_symbol TEXT NOT NULL,
	exchange TEXT NOT NULL,
	currency TEXT NOT NULL,
	position_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	order_id INTEGER PRIMARY KEY,
	perm_id INTEGER NOT NULL,
	strategy TEXT NOT NULL,
	action TEXT NOT NULL,
	active INTEGER NOT NULL,
	status TEXT NOT NULL,
	position_id TEXT NOT NULL,
	arrival_time DATETIME,
	arrival_bid REAL NOT NULL,
	arrival_ask REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS execs (
	exec_id TEXT PRIMARY KEY
);

CREATE INDEX IF NOT EXISTS idx_orders_strategy ON orders(strategy);
`
