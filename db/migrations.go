package db

// commonMigrations lists DDL statements shared between SQLite and
// PostgreSQL. Ids are snowflakes minted by the application, timestamps are
// epoch milliseconds, JSON payloads are TEXT. Every stateful table carries
// the five workflow columns the stator runner operates on.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS domains (
		domain         TEXT PRIMARY KEY,
		service_domain TEXT NOT NULL DEFAULT '',
		local          BOOLEAN NOT NULL DEFAULT FALSE,
		blocked        BOOLEAN NOT NULL DEFAULT FALSE,
		public         BOOLEAN NOT NULL DEFAULT FALSE,
		nodeinfo       TEXT NOT NULL DEFAULT '',
		created_at     BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS domains_service ON domains(service_domain) WHERE service_domain <> ''`,

	`CREATE TABLE IF NOT EXISTS identities (
		id                 BIGINT PRIMARY KEY,
		state              TEXT NOT NULL,
		state_changed      BIGINT NOT NULL,
		state_attempted    BIGINT,
		state_locked_until BIGINT,
		state_ready        BOOLEAN NOT NULL DEFAULT FALSE,
		actor_uri          TEXT NOT NULL UNIQUE,
		username           TEXT NOT NULL,
		domain_id          TEXT NOT NULL,
		local              BOOLEAN NOT NULL,
		display_name       TEXT NOT NULL DEFAULT '',
		summary            TEXT NOT NULL DEFAULT '',
		icon_uri           TEXT NOT NULL DEFAULT '',
		image_uri          TEXT NOT NULL DEFAULT '',
		inbox_uri          TEXT NOT NULL DEFAULT '',
		shared_inbox_uri   TEXT NOT NULL DEFAULT '',
		outbox_uri         TEXT NOT NULL DEFAULT '',
		followers_uri      TEXT NOT NULL DEFAULT '',
		following_uri      TEXT NOT NULL DEFAULT '',
		featured_uri       TEXT NOT NULL DEFAULT '',
		public_key_pem     TEXT NOT NULL DEFAULT '',
		private_key_pem    TEXT NOT NULL DEFAULT '',
		public_key_id      TEXT NOT NULL DEFAULT '',
		restriction        INTEGER NOT NULL DEFAULT 0,
		discoverable       BOOLEAN NOT NULL DEFAULT TRUE,
		manually_approves  BOOLEAN NOT NULL DEFAULT FALSE,
		pinned_uris        TEXT NOT NULL DEFAULT '[]',
		metadata           TEXT NOT NULL DEFAULT '[]',
		fetched            BIGINT,
		deleted            BIGINT,
		UNIQUE(username, domain_id)
	)`,
	`CREATE INDEX IF NOT EXISTS identities_sweep ON identities(state, state_locked_until, state_ready)`,

	`CREATE TABLE IF NOT EXISTS posts (
		id                 BIGINT PRIMARY KEY,
		state              TEXT NOT NULL,
		state_changed      BIGINT NOT NULL,
		state_attempted    BIGINT,
		state_locked_until BIGINT,
		state_ready        BOOLEAN NOT NULL DEFAULT FALSE,
		author_id          BIGINT NOT NULL,
		local              BOOLEAN NOT NULL,
		object_uri         TEXT NOT NULL UNIQUE,
		visibility         TEXT NOT NULL,
		content            TEXT NOT NULL DEFAULT '',
		summary            TEXT NOT NULL DEFAULT '',
		sensitive          BOOLEAN NOT NULL DEFAULT FALSE,
		url                TEXT NOT NULL DEFAULT '',
		in_reply_to        TEXT NOT NULL DEFAULT '',
		type               TEXT NOT NULL DEFAULT 'note',
		type_data          TEXT NOT NULL DEFAULT '',
		published          BIGINT NOT NULL,
		edited             BIGINT,
		reply_count        INTEGER NOT NULL DEFAULT 0,
		like_count         INTEGER NOT NULL DEFAULT 0,
		boost_count        INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS posts_author ON posts(author_id, published)`,
	`CREATE INDEX IF NOT EXISTS posts_sweep ON posts(state, state_locked_until, state_ready)`,

	`CREATE TABLE IF NOT EXISTS post_targets (
		post_id     BIGINT NOT NULL,
		identity_id BIGINT NOT NULL,
		mention     BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE(post_id, identity_id, mention)
	)`,
	`CREATE INDEX IF NOT EXISTS post_targets_post ON post_targets(post_id)`,

	`CREATE TABLE IF NOT EXISTS post_interactions (
		id                 BIGINT PRIMARY KEY,
		state              TEXT NOT NULL,
		state_changed      BIGINT NOT NULL,
		state_attempted    BIGINT,
		state_locked_until BIGINT,
		state_ready        BOOLEAN NOT NULL DEFAULT FALSE,
		type               TEXT NOT NULL,
		identity_id        BIGINT NOT NULL,
		post_id            BIGINT NOT NULL,
		value              TEXT NOT NULL DEFAULT '',
		object_uri         TEXT NOT NULL UNIQUE,
		published          BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS interactions_post ON post_interactions(post_id, type, state)`,
	`CREATE INDEX IF NOT EXISTS interactions_sweep ON post_interactions(state, state_locked_until, state_ready)`,

	`CREATE TABLE IF NOT EXISTS follows (
		id                 BIGINT PRIMARY KEY,
		state              TEXT NOT NULL,
		state_changed      BIGINT NOT NULL,
		state_attempted    BIGINT,
		state_locked_until BIGINT,
		state_ready        BOOLEAN NOT NULL DEFAULT FALSE,
		source_id          BIGINT NOT NULL,
		target_id          BIGINT NOT NULL,
		uri                TEXT NOT NULL DEFAULT '',
		boosts             BOOLEAN NOT NULL DEFAULT TRUE,
		created_at         BIGINT NOT NULL,
		UNIQUE(source_id, target_id)
	)`,
	`CREATE INDEX IF NOT EXISTS follows_target ON follows(target_id, state)`,
	`CREATE INDEX IF NOT EXISTS follows_sweep ON follows(state, state_locked_until, state_ready)`,

	`CREATE TABLE IF NOT EXISTS blocks (
		id                    BIGINT PRIMARY KEY,
		state                 TEXT NOT NULL,
		state_changed         BIGINT NOT NULL,
		state_attempted       BIGINT,
		state_locked_until    BIGINT,
		state_ready           BOOLEAN NOT NULL DEFAULT FALSE,
		source_id             BIGINT NOT NULL,
		target_id             BIGINT NOT NULL,
		uri                   TEXT NOT NULL DEFAULT '',
		mute                  BOOLEAN NOT NULL DEFAULT FALSE,
		include_notifications BOOLEAN NOT NULL DEFAULT FALSE,
		expires               BIGINT,
		created_at            BIGINT NOT NULL,
		UNIQUE(source_id, target_id, mute)
	)`,
	`CREATE INDEX IF NOT EXISTS blocks_target ON blocks(target_id, state)`,
	`CREATE INDEX IF NOT EXISTS blocks_sweep ON blocks(state, state_locked_until, state_ready)`,

	`CREATE TABLE IF NOT EXISTS timeline_events (
		id                     BIGINT PRIMARY KEY,
		identity_id            BIGINT NOT NULL,
		type                   TEXT NOT NULL,
		subject_post_id        BIGINT,
		subject_interaction_id BIGINT,
		subject_identity_id    BIGINT,
		published              BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS timeline_identity ON timeline_events(identity_id, published)`,
	`CREATE INDEX IF NOT EXISTS timeline_post ON timeline_events(subject_post_id)`,
	`CREATE INDEX IF NOT EXISTS timeline_interaction ON timeline_events(subject_interaction_id)`,

	`CREATE TABLE IF NOT EXISTS fan_outs (
		id                     BIGINT PRIMARY KEY,
		state                  TEXT NOT NULL,
		state_changed          BIGINT NOT NULL,
		state_attempted        BIGINT,
		state_locked_until     BIGINT,
		state_ready            BOOLEAN NOT NULL DEFAULT FALSE,
		identity_id            BIGINT NOT NULL,
		type                   TEXT NOT NULL,
		subject_post_id        BIGINT,
		subject_interaction_id BIGINT,
		subject_identity_id    BIGINT,
		created_at             BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS fan_outs_sweep ON fan_outs(state, state_locked_until, state_ready)`,
	`CREATE INDEX IF NOT EXISTS fan_outs_subject ON fan_outs(subject_post_id)`,

	`CREATE TABLE IF NOT EXISTS inbox_messages (
		id                 BIGINT PRIMARY KEY,
		state              TEXT NOT NULL,
		state_changed      BIGINT NOT NULL,
		state_attempted    BIGINT,
		state_locked_until BIGINT,
		state_ready        BOOLEAN NOT NULL DEFAULT FALSE,
		message            TEXT NOT NULL,
		created_at         BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS inbox_sweep ON inbox_messages(state, state_locked_until, state_ready)`,

	`CREATE TABLE IF NOT EXISTS post_attachments (
		id                 BIGINT PRIMARY KEY,
		state              TEXT NOT NULL,
		state_changed      BIGINT NOT NULL,
		state_attempted    BIGINT,
		state_locked_until BIGINT,
		state_ready        BOOLEAN NOT NULL DEFAULT FALSE,
		post_id            BIGINT NOT NULL,
		mimetype           TEXT NOT NULL DEFAULT '',
		remote_url         TEXT NOT NULL DEFAULT '',
		local_path         TEXT NOT NULL DEFAULT '',
		name               TEXT NOT NULL DEFAULT '',
		width              INTEGER NOT NULL DEFAULT 0,
		height             INTEGER NOT NULL DEFAULT 0,
		blurhash           TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS attachments_post ON post_attachments(post_id)`,

	`CREATE TABLE IF NOT EXISTS emojis (
		id                 BIGINT PRIMARY KEY,
		state              TEXT NOT NULL,
		state_changed      BIGINT NOT NULL,
		state_attempted    BIGINT,
		state_locked_until BIGINT,
		state_ready        BOOLEAN NOT NULL DEFAULT FALSE,
		shortcode          TEXT NOT NULL,
		domain_id          TEXT NOT NULL DEFAULT '',
		local              BOOLEAN NOT NULL DEFAULT FALSE,
		public             BOOLEAN NOT NULL DEFAULT FALSE,
		mimetype           TEXT NOT NULL DEFAULT '',
		remote_url         TEXT NOT NULL DEFAULT '',
		local_path         TEXT NOT NULL DEFAULT '',
		object_uri         TEXT NOT NULL DEFAULT '',
		created_at         BIGINT NOT NULL,
		UNIQUE(shortcode, domain_id)
	)`,

	`CREATE TABLE IF NOT EXISTS hashtags (
		id                 BIGINT PRIMARY KEY,
		state              TEXT NOT NULL,
		state_changed      BIGINT NOT NULL,
		state_attempted    BIGINT,
		state_locked_until BIGINT,
		state_ready        BOOLEAN NOT NULL DEFAULT FALSE,
		name               TEXT NOT NULL UNIQUE,
		post_count         INTEGER NOT NULL DEFAULT 0,
		created_at         BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS reports (
		id              BIGINT PRIMARY KEY,
		source_id       BIGINT,
		source_domain   TEXT NOT NULL DEFAULT '',
		subject_id      BIGINT NOT NULL,
		subject_post_id BIGINT,
		complaint       TEXT NOT NULL DEFAULT '',
		forward         BOOLEAN NOT NULL DEFAULT FALSE,
		resolved        BIGINT,
		created_at      BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS settings (
		scope      TEXT NOT NULL,
		subject_id BIGINT NOT NULL DEFAULT 0,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		UNIQUE(scope, subject_id, key)
	)`,

	`CREATE TABLE IF NOT EXISTS model_stats (
		model   TEXT PRIMARY KEY,
		payload TEXT NOT NULL DEFAULT '{}',
		updated BIGINT NOT NULL
	)`,
}
