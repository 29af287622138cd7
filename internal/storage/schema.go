package storage

// urlIndexSchema maps every admitted address to a sequential ID starting at 0.
// Rows are never updated or deleted outside Reset.
const urlIndexSchema = `
CREATE TABLE IF NOT EXISTS urls (
    url TEXT PRIMARY KEY NOT NULL,
    id INTEGER UNIQUE NOT NULL,
    added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// workQueueSchema holds pending entries in insertion order plus counters
// that must survive restarts.
const workQueueSchema = `
CREATE TABLE IF NOT EXISTS work_queue (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT NOT NULL,
    depth INTEGER NOT NULL DEFAULT 0,
    added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS queue_meta (
    key TEXT PRIMARY KEY NOT NULL,
    value INTEGER NOT NULL
);
`

const metaTotalInserted = "total_inserted"
