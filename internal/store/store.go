// Package store is the broker's durable transactional state.
//
// It owns the SQLite schema (WAL journal mode, busy_timeout, BEGIN IMMEDIATE
// for serializable writers) and is the only package permitted to touch the
// database directly. Every other package routes mutations through the
// exported methods here, and task status in particular only ever changes
// through UpdateTaskState (see state_writer.go) — the single authorized
// writer that tools/statecheck enforces at build time.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Lane is one of the five canonical work streams.
type Lane string

const (
	LaneBackend  Lane = "backend"
	LaneFrontend Lane = "frontend"
	LaneQA       Lane = "qa"
	LaneOps      Lane = "ops"
	LaneDocs     Lane = "docs"
)

// CanonicalLaneOrder is the default scheduling order, used when no lane
// order is configured.
var CanonicalLaneOrder = []Lane{LaneBackend, LaneFrontend, LaneQA, LaneOps, LaneDocs}

// TaskStatus is one of the six states in the task lifecycle.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusReviewing  TaskStatus = "reviewing"
	StatusCompleted  TaskStatus = "completed"
	StatusBlocked    TaskStatus = "blocked"
	StatusDeadLetter TaskStatus = "dead_letter"
)

// ExecClass controls whether a task may run alongside others.
type ExecClass string

const (
	ExecExclusive ExecClass = "exclusive"
	ExecParallel  ExecClass = "parallel"
)

// Archetype drives risk-pairing rules in the Gavel.
type Archetype string

const (
	ArchetypePlumbing Archetype = "PLUMBING"
	ArchetypeLogic    Archetype = "LOGIC"
	ArchetypeSec      Archetype = "SEC"
	ArchetypeAPI      Archetype = "API"
	ArchetypeDB       Archetype = "DB"
	ArchetypeUI       Archetype = "UI"
	ArchetypeTest     Archetype = "TEST"
	ArchetypeGeneric  Archetype = "GENERIC"
)

// Risk is the task's review-gate severity.
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// RiskyArchetypes require a sibling TEST task before the Gavel approves.
var RiskyArchetypes = map[Archetype]bool{
	ArchetypeLogic: true,
	ArchetypeSec:   true,
	ArchetypeAPI:   true,
	ArchetypeDB:    true,
}

// Task is the broker's unit of work.
type Task struct {
	ID                 int64
	Lane               Lane
	LaneRank           int
	Type               Lane // legacy alias of Lane; must equal Lane
	Description        string
	Dependencies        []string // task ids or opaque UNKNOWN_DEPS tokens
	Status             TaskStatus
	Priority           int
	ExecClass          ExecClass
	Archetype          Archetype
	Risk               Risk
	DoD                string // definition-of-done note carried from the plan line, informational only
	SourceIDs          []string
	SourcePlanHash     string
	TaskSignature      string
	WorkerID           string
	LeaseID            string
	LeaseExpiresAt     time.Time
	HeartbeatAt        time.Time
	UpdatedAt          time.Time
	CreatedAt          time.Time
	RetryCount         int
	ReviewDecision     string
	ReviewNotes        string
	OverrideJustification string
}

// Store wraps the broker's SQLite connection.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	lane TEXT NOT NULL,
	lane_rank INTEGER NOT NULL,
	type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	dependencies TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 10,
	exec_class TEXT NOT NULL DEFAULT 'parallel',
	archetype TEXT NOT NULL DEFAULT 'GENERIC',
	risk TEXT NOT NULL DEFAULT 'LOW',
	dod TEXT NOT NULL DEFAULT '',
	source_ids TEXT NOT NULL DEFAULT '[]',
	source_plan_hash TEXT NOT NULL DEFAULT '',
	task_signature TEXT NOT NULL DEFAULT '',
	worker_id TEXT NOT NULL DEFAULT '',
	lease_id TEXT NOT NULL DEFAULT '',
	lease_expires_at DATETIME,
	heartbeat_at DATETIME,
	updated_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	review_decision TEXT NOT NULL DEFAULT '',
	review_notes TEXT NOT NULL DEFAULT '',
	override_justification TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_scheduler ON tasks(status, lane_rank, priority, created_at, id);
CREATE INDEX IF NOT EXISTS idx_tasks_review ON tasks(status, archetype);
CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_signature ON tasks(source_plan_hash, task_signature) WHERE task_signature != '';
CREATE INDEX IF NOT EXISTS idx_tasks_plan_hash ON tasks(source_plan_hash);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	kind TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_task ON messages(task_id, created_at);

CREATE TABLE IF NOT EXISTS review_packets (
	task_id INTEGER PRIMARY KEY,
	claims TEXT NOT NULL DEFAULT '',
	evidence TEXT NOT NULL DEFAULT '[]',
	gatekeeper_summary TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	decision TEXT NOT NULL,
	actor TEXT NOT NULL,
	snapshot_hash TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_task ON ledger_entries(task_id, created_at);

CREATE TABLE IF NOT EXISTS worker_registrations (
	worker_id TEXT PRIMARY KEY,
	worker_type TEXT NOT NULL DEFAULT '',
	allowed_lanes TEXT NOT NULL DEFAULT '[]',
	last_seen DATETIME NOT NULL,
	current_task_ids TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS provenance (
	source_id TEXT NOT NULL,
	location TEXT NOT NULL,
	PRIMARY KEY (source_id, location)
);
`

// Open opens (creating if necessary) the SQLite database at path in WAL mode
// with a bounded busy timeout, and applies the schema.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
		path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; SQLite serializes anyway

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying *sql.DB. No package in this module calls it:
// lease, scheduler and gavel go through the Store's methods and
// RunSerializable. Schema mutation outside this file is still disallowed by
// convention; transactional reads/writes of existing columns are not.
func (s *Store) DB() *sql.DB {
	return s.db
}

