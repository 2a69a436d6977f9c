package rbac

// sqliteSchema mirrors the Postgres migration set in migrations.go, with
// SQLite-compatible types (INTEGER PRIMARY KEY AUTOINCREMENT in place of
// BIGSERIAL, TEXT in place of UUID, no partial-index WHERE support so the
// global-assignment uniqueness rule is enforced at the application layer
// instead of a partial unique index).
const sqliteSchema = `
CREATE TABLE content_type (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	app_label TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL,
	pk_kind INTEGER NOT NULL DEFAULT 0,
	UNIQUE(app_label, model)
);

CREATE TABLE permission (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	codename TEXT NOT NULL,
	content_type_id INTEGER NOT NULL REFERENCES content_type(id) ON DELETE CASCADE,
	UNIQUE(codename, content_type_id)
);

CREATE TABLE role_definition (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	content_type_id INTEGER REFERENCES content_type(id) ON DELETE CASCADE,
	managed BOOLEAN NOT NULL DEFAULT 0,
	permissions_cache TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_by INTEGER
);

CREATE TABLE role_definition_permission (
	role_definition_id INTEGER NOT NULL REFERENCES role_definition(id) ON DELETE CASCADE,
	permission_id INTEGER,
	codename TEXT NOT NULL,
	content_type_id INTEGER NOT NULL,
	PRIMARY KEY (role_definition_id, codename, content_type_id)
);

CREATE TABLE object_role (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	role_definition_id INTEGER NOT NULL REFERENCES role_definition(id) ON DELETE CASCADE,
	content_type_id INTEGER NOT NULL REFERENCES content_type(id) ON DELETE CASCADE,
	object_id TEXT NOT NULL,
	UNIQUE(role_definition_id, content_type_id, object_id)
);
CREATE INDEX idx_object_role_content_object ON object_role(content_type_id, object_id);

CREATE TABLE object_role_user (
	object_role_id INTEGER NOT NULL REFERENCES object_role(id) ON DELETE CASCADE,
	user_id INTEGER NOT NULL,
	PRIMARY KEY (object_role_id, user_id)
);
CREATE INDEX idx_object_role_user_user_id ON object_role_user(user_id);

CREATE TABLE object_role_team (
	object_role_id INTEGER NOT NULL REFERENCES object_role(id) ON DELETE CASCADE,
	team_id TEXT NOT NULL,
	PRIMARY KEY (object_role_id, team_id)
);
CREATE INDEX idx_object_role_team_team_id ON object_role_team(team_id);

CREATE TABLE object_role_provides_team (
	object_role_id INTEGER NOT NULL REFERENCES object_role(id) ON DELETE CASCADE,
	team_id TEXT NOT NULL,
	PRIMARY KEY (object_role_id, team_id)
);
CREATE INDEX idx_object_role_provides_team_team_id ON object_role_provides_team(team_id);

CREATE TABLE role_user_assignment (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	role_definition_id INTEGER NOT NULL REFERENCES role_definition(id) ON DELETE CASCADE,
	user_id INTEGER NOT NULL,
	object_role_id INTEGER REFERENCES object_role(id) ON DELETE CASCADE,
	created_by INTEGER,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(user_id, object_role_id)
);
CREATE INDEX idx_role_user_assignment_role_definition_id ON role_user_assignment(role_definition_id);

CREATE TABLE role_team_assignment (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	role_definition_id INTEGER NOT NULL REFERENCES role_definition(id) ON DELETE CASCADE,
	team_id TEXT NOT NULL,
	object_role_id INTEGER REFERENCES object_role(id) ON DELETE CASCADE,
	created_by INTEGER,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(team_id, object_role_id)
);
CREATE INDEX idx_role_team_assignment_role_definition_id ON role_team_assignment(role_definition_id);

CREATE TABLE role_evaluation_int (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	role_id INTEGER NOT NULL REFERENCES object_role(id) ON DELETE CASCADE,
	content_type_id INTEGER NOT NULL REFERENCES content_type(id) ON DELETE CASCADE,
	object_id INTEGER NOT NULL,
	codename TEXT NOT NULL,
	UNIQUE(role_id, content_type_id, object_id, codename)
);
CREATE INDEX idx_role_evaluation_int_lookup ON role_evaluation_int(role_id, content_type_id, object_id);
CREATE INDEX idx_role_evaluation_int_accessible ON role_evaluation_int(role_id, content_type_id, codename);

CREATE TABLE role_evaluation_uuid (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	role_id INTEGER NOT NULL REFERENCES object_role(id) ON DELETE CASCADE,
	content_type_id INTEGER NOT NULL REFERENCES content_type(id) ON DELETE CASCADE,
	object_id TEXT NOT NULL,
	codename TEXT NOT NULL,
	UNIQUE(role_id, content_type_id, object_id, codename)
);
CREATE INDEX idx_role_evaluation_uuid_lookup ON role_evaluation_uuid(role_id, content_type_id, object_id);
CREATE INDEX idx_role_evaluation_uuid_accessible ON role_evaluation_uuid(role_id, content_type_id, codename);
`
