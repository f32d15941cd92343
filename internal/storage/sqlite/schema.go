package sqlite

const schema = `
-- Vertices: one row per resolved person
CREATE TABLE IF NOT EXISTS VERTEX (
    id TEXT NOT NULL PRIMARY KEY,
    color INTEGER NOT NULL DEFAULT 0,
    surname TEXT NOT NULL DEFAULT '',
    given_name TEXT NOT NULL DEFAULT '',
    iteration INTEGER NOT NULL DEFAULT 0,
    lifespan TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_vertex_iteration ON VERTEX(iteration);

-- Edges: directed parent -> child, keyed by endpoints plus relationship id
CREATE TABLE IF NOT EXISTS EDGE (
    source TEXT NOT NULL,
    destination TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'UnspecifiedParentType',
    id TEXT NOT NULL,
    PRIMARY KEY (source, destination, id)
);

-- Downstream graph readers filter on biological-ish types
CREATE INDEX IF NOT EXISTS idx_edge_type_source ON EDGE(type, source);
CREATE INDEX IF NOT EXISTS idx_edge_type_destination ON EDGE(type, destination);
CREATE INDEX IF NOT EXISTS idx_edge_id ON EDGE(id);

-- FIFO frontier: seq preserves first-insertion order
CREATE TABLE IF NOT EXISTS FRONTIER_QUEUE (
    id TEXT NOT NULL PRIMARY KEY,
    seq INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_frontier_seq ON FRONTIER_QUEUE(seq);

-- Pids in flight for the active iteration
CREATE TABLE IF NOT EXISTS PROCESSING_QUEUE (
    id TEXT NOT NULL PRIMARY KEY
);

-- Append-only iteration log; one row per completed iteration
CREATE TABLE IF NOT EXISTS LOG (
    iteration INTEGER NOT NULL PRIMARY KEY,
    duration REAL NOT NULL,
    vertices INTEGER NOT NULL,
    frontier INTEGER NOT NULL,
    edges INTEGER NOT NULL,
    spanning_edges INTEGER NOT NULL,
    frontier_edges INTEGER NOT NULL
);

-- Job metadata key/value store (schema version, seeds, throttle, status)
CREATE TABLE IF NOT EXISTS JOB_METADATA (
    key TEXT NOT NULL PRIMARY KEY,
    value TEXT NOT NULL
);
`
