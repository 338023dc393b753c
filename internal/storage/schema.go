package storage

// Schema is applied with CREATE TABLE IF NOT EXISTS on every open, the way
// the teacher's internal/timeline/schema.go bootstraps its SQLite database.
// Table and column names follow spec.md §6.5.
const Schema = `
CREATE TABLE IF NOT EXISTS posthog_team (
	id INTEGER PRIMARY KEY,
	anonymize_ips BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS posthog_person (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL,
	team_id INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	properties TEXT NOT NULL DEFAULT '{}',
	is_identified BOOLEAN NOT NULL DEFAULT 0,
	is_user_id INTEGER,
	UNIQUE(team_id, uuid)
);
CREATE INDEX IF NOT EXISTS idx_person_team ON posthog_person(team_id);

CREATE TABLE IF NOT EXISTS posthog_persondistinctid (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	person_id INTEGER NOT NULL REFERENCES posthog_person(id),
	distinct_id TEXT NOT NULL,
	team_id INTEGER NOT NULL,
	UNIQUE(team_id, distinct_id)
);
CREATE INDEX IF NOT EXISTS idx_distinct_person ON posthog_persondistinctid(person_id);

CREATE TABLE IF NOT EXISTS posthog_cohortpeople (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cohort_id INTEGER NOT NULL,
	person_id INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cohortpeople_person ON posthog_cohortpeople(person_id);

CREATE TABLE IF NOT EXISTS posthog_elementgroup (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hash TEXT NOT NULL,
	team_id INTEGER NOT NULL,
	UNIQUE(team_id, hash)
);

CREATE TABLE IF NOT EXISTS posthog_element (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id INTEGER NOT NULL REFERENCES posthog_elementgroup(id),
	tag_name TEXT,
	text TEXT,
	href TEXT,
	attr_id TEXT,
	attr_class TEXT,
	nth_child INTEGER,
	nth_of_type INTEGER,
	attributes TEXT,
	"order" INTEGER
);
CREATE INDEX IF NOT EXISTS idx_element_group ON posthog_element(group_id);

CREATE TABLE IF NOT EXISTS posthog_event (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL,
	event TEXT NOT NULL,
	properties TEXT NOT NULL DEFAULT '{}',
	timestamp DATETIME NOT NULL,
	team_id INTEGER NOT NULL,
	distinct_id TEXT NOT NULL,
	elements_chain TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_team_ts ON posthog_event(team_id, timestamp);

CREATE TABLE IF NOT EXISTS posthog_sessionrecordingevent (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL,
	team_id INTEGER NOT NULL,
	distinct_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	snapshot_data TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessionrecording_session ON posthog_sessionrecordingevent(session_id);

CREATE TABLE IF NOT EXISTS posthog_eventdefinition (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	team_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	last_seen_at DATETIME,
	UNIQUE(team_id, name)
);

CREATE TABLE IF NOT EXISTS posthog_propertydefinition (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	team_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	property_type TEXT,
	UNIQUE(team_id, name)
);

CREATE TABLE IF NOT EXISTS posthog_pluginlogentry (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	team_id INTEGER NOT NULL,
	source TEXT NOT NULL,
	type TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_pluginlog_team ON posthog_pluginlogentry(team_id);

CREATE TABLE IF NOT EXISTS posthog_organization (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);
`
