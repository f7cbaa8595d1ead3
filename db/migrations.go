package db

import (
	"database/sql"

	"github.com/charmbracelet/log"
)

const (
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS federation_actor (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT UNIQUE NOT NULL,
		local INTEGER DEFAULT 0,
		type TEXT NOT NULL DEFAULT 'Person',
		preferred_username TEXT NOT NULL,
		domain TEXT NOT NULL,
		name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		outbox_uri TEXT,
		shared_inbox_uri TEXT,
		followers_uri TEXT,
		following_uri TEXT,
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(preferred_username, domain)
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actor_fid ON federation_actor(fid);
		CREATE INDEX IF NOT EXISTS idx_actor_domain ON federation_actor(domain);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS federation_follow (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		library_id TEXT NOT NULL DEFAULT '',
		fid TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_id, target_id, library_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follow_actor ON federation_follow(actor_id);
		CREATE INDEX IF NOT EXISTS idx_follow_target ON federation_follow(target_id);
		CREATE INDEX IF NOT EXISTS idx_follow_fid ON federation_follow(fid);
	`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS federation_activity (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT UNIQUE NOT NULL,
		type TEXT NOT NULL,
		actor_fid TEXT NOT NULL,
		object_fid TEXT,
		payload TEXT NOT NULL,
		local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activity_fid ON federation_activity(fid);
		CREATE INDEX IF NOT EXISTS idx_activity_object ON federation_activity(object_fid);
		CREATE INDEX IF NOT EXISTS idx_activity_type ON federation_activity(type);
	`

	sqlCreateInboxItemsTable = `CREATE TABLE IF NOT EXISTS federation_inboxitem (
		id TEXT NOT NULL PRIMARY KEY,
		activity_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		shared INTEGER DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER DEFAULT 0,
		last_attempt_at TIMESTAMP,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateInboxItemsIndices = `
		CREATE INDEX IF NOT EXISTS idx_inboxitem_due ON federation_inboxitem(state, next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_inboxitem_activity ON federation_inboxitem(activity_id);
	`

	sqlCreateDomainsTable = `CREATE TABLE IF NOT EXISTS federation_domain (
		name TEXT NOT NULL PRIMARY KEY,
		allowed INTEGER DEFAULT 1,
		blocked INTEGER DEFAULT 0,
		nodeinfo_json TEXT,
		nodeinfo_fetched_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateLibrariesTable = `CREATE TABLE IF NOT EXISTS federation_library (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT UNIQUE NOT NULL,
		actor_id TEXT NOT NULL,
		name TEXT NOT NULL,
		summary TEXT,
		privacy TEXT NOT NULL DEFAULT 'me',
		followers_uri TEXT,
		uploads_uri TEXT,
		local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateLibrariesIndices = `
		CREATE INDEX IF NOT EXISTS idx_library_actor ON federation_library(actor_id);
	`

	sqlCreateLibraryCrawlTable = `CREATE TABLE IF NOT EXISTS federation_library_crawl (
		library_id TEXT NOT NULL PRIMARY KEY,
		cursor TEXT NOT NULL DEFAULT '',
		lease_expires_at TIMESTAMP,
		last_published TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateArtistsTable = `CREATE TABLE IF NOT EXISTS music_artist (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		musicbrainz_id TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateAlbumsTable = `CREATE TABLE IF NOT EXISTS music_album (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT UNIQUE NOT NULL,
		title TEXT NOT NULL,
		artist_id TEXT NOT NULL,
		release_date TEXT,
		cover_url TEXT,
		musicbrainz_id TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateTracksTable = `CREATE TABLE IF NOT EXISTS music_track (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT UNIQUE NOT NULL,
		title TEXT NOT NULL,
		artist_id TEXT NOT NULL,
		album_id TEXT,
		position INTEGER DEFAULT 0,
		disc INTEGER DEFAULT 0,
		license TEXT,
		musicbrainz_id TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateTracksIndices = `
		CREATE INDEX IF NOT EXISTS idx_track_dedup ON music_track(title, artist_id, album_id);
	`

	sqlCreateUploadsTable = `CREATE TABLE IF NOT EXISTS music_upload (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT NOT NULL,
		library_id TEXT NOT NULL,
		track_id TEXT NOT NULL,
		audio_url TEXT NOT NULL,
		mime_type TEXT,
		size INTEGER DEFAULT 0,
		duration INTEGER DEFAULT 0,
		bitrate INTEGER DEFAULT 0,
		checksum TEXT,
		published TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(library_id, fid)
	)`

	sqlCreateUploadsIndices = `
		CREATE INDEX IF NOT EXISTS idx_upload_library ON music_upload(library_id);
		CREATE INDEX IF NOT EXISTS idx_upload_track ON music_upload(track_id);
	`
)

// RunMigrations creates all tables and indices.
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			stmt string
		}{
			{"federation_actor", sqlCreateActorsTable},
			{"federation_follow", sqlCreateFollowsTable},
			{"federation_activity", sqlCreateActivitiesTable},
			{"federation_inboxitem", sqlCreateInboxItemsTable},
			{"federation_domain", sqlCreateDomainsTable},
			{"federation_library", sqlCreateLibrariesTable},
			{"federation_library_crawl", sqlCreateLibraryCrawlTable},
			{"music_artist", sqlCreateArtistsTable},
			{"music_album", sqlCreateAlbumsTable},
			{"music_track", sqlCreateTracksTable},
			{"music_upload", sqlCreateUploadsTable},
		}
		for _, t := range tables {
			if _, err := tx.Exec(t.stmt); err != nil {
				log.Error("Error creating table", "table", t.name, "err", err)
				return err
			}
		}

		indices := []string{
			sqlCreateActorsIndices,
			sqlCreateFollowsIndices,
			sqlCreateActivitiesIndices,
			sqlCreateInboxItemsIndices,
			sqlCreateLibrariesIndices,
			sqlCreateTracksIndices,
			sqlCreateUploadsIndices,
		}
		for _, stmt := range indices {
			if _, err := tx.Exec(stmt); err != nil {
				log.Warn("Failed to create indices", "err", err)
			}
		}
		return nil
	})
}
