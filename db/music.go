package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/tonearm/tonearm/domain"
)

// Library queries
const (
	sqlInsertLibrary = `INSERT INTO federation_library(id, fid, actor_id, name, summary, privacy, followers_uri, uploads_uri, local, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateLibrary = `UPDATE federation_library SET name = ?, summary = ?, privacy = ?, followers_uri = ?, uploads_uri = ? WHERE fid = ?`
	sqlLibraryColumns = `id, fid, actor_id, name, summary, privacy, followers_uri, uploads_uri, local, created_at`
)

func (db *DB) CreateLibrary(l *domain.Library) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertLibrary,
			l.Id.String(), l.Fid, l.ActorId.String(), l.Name, l.Summary,
			l.Privacy, l.FollowersURI, l.UploadsURI, l.Local, l.CreatedAt)
		return err
	})
}

// UpsertLibrary inserts the library or refreshes its mutable fields when the
// fid already exists.
func (db *DB) UpsertLibrary(l *domain.Library) (*domain.Library, error) {
	err := db.CreateLibrary(l)
	if err == nil {
		return l, nil
	}
	if !isUniqueViolation(err) {
		return nil, err
	}
	err = db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateLibrary, l.Name, l.Summary, l.Privacy,
			l.FollowersURI, l.UploadsURI, l.Fid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.ReadLibraryByFid(l.Fid)
}

func (db *DB) ReadLibraryByFid(fid string) (*domain.Library, error) {
	row := db.db.QueryRow(`SELECT `+sqlLibraryColumns+` FROM federation_library WHERE fid = ?`, fid)
	return scanLibrary(row)
}

func (db *DB) ReadLibraryById(id uuid.UUID) (*domain.Library, error) {
	row := db.db.QueryRow(`SELECT `+sqlLibraryColumns+` FROM federation_library WHERE id = ?`, id.String())
	return scanLibrary(row)
}

func (db *DB) ReadLibrariesByActorId(actorId uuid.UUID) ([]domain.Library, error) {
	rows, err := db.db.Query(`SELECT `+sqlLibraryColumns+` FROM federation_library WHERE actor_id = ? ORDER BY created_at ASC`, actorId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var libs []domain.Library
	for rows.Next() {
		l, err := scanLibraryFrom(rows)
		if err != nil {
			return libs, err
		}
		libs = append(libs, *l)
	}
	return libs, rows.Err()
}

func (db *DB) ReadRemoteLibraries() ([]domain.Library, error) {
	rows, err := db.db.Query(`SELECT ` + sqlLibraryColumns + ` FROM federation_library WHERE local = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var libs []domain.Library
	for rows.Next() {
		l, err := scanLibraryFrom(rows)
		if err != nil {
			return libs, err
		}
		libs = append(libs, *l)
	}
	return libs, rows.Err()
}

// DeleteLibrary removes the library, its uploads and its crawl state.
func (db *DB) DeleteLibrary(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM music_upload WHERE library_id = ?`, id.String()); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM federation_library_crawl WHERE library_id = ?`, id.String()); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM federation_library WHERE id = ?`, id.String())
		return err
	})
}

func scanLibrary(row *sql.Row) (*domain.Library, error) {
	return scanLibraryFrom(row)
}

func scanLibraryFrom(s rowScanner) (*domain.Library, error) {
	var l domain.Library
	var idStr, actorStr string
	var summary, followers, uploads sql.NullString
	var created sql.NullTime
	err := s.Scan(&idStr, &l.Fid, &actorStr, &l.Name, &summary, &l.Privacy,
		&followers, &uploads, &l.Local, &created)
	if err != nil {
		return nil, err
	}
	l.Id, _ = uuid.Parse(idStr)
	l.ActorId, _ = uuid.Parse(actorStr)
	l.Summary = summary.String
	l.FollowersURI = followers.String
	l.UploadsURI = uploads.String
	l.CreatedAt = created.Time
	return &l, nil
}

// Crawl lease queries. A crawl row exists from the first crawl attempt on; the
// lease serializes concurrent crawlers and expires so a crashed one cannot
// block the library forever.

// AcquireCrawlLease takes the crawl lease for a library. It returns false when
// another crawler holds an unexpired lease.
func (db *DB) AcquireCrawlLease(libraryId uuid.UUID, ttl time.Duration) (bool, error) {
	now := time.Now()
	acquired := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		acquired = false
		res, err := tx.Exec(`UPDATE federation_library_crawl
			SET lease_expires_at = ?, updated_at = ?
			WHERE library_id = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)`,
			now.Add(ttl), now, libraryId.String(), now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			acquired = true
			return nil
		}
		// No row yet, or the lease is held. Try to create the row.
		_, err = tx.Exec(`INSERT INTO federation_library_crawl(library_id, cursor, lease_expires_at, updated_at)
			VALUES (?, '', ?, ?) ON CONFLICT(library_id) DO NOTHING`,
			libraryId.String(), now.Add(ttl), now)
		if err != nil {
			return err
		}
		var expires sql.NullTime
		row := tx.QueryRow(`SELECT lease_expires_at FROM federation_library_crawl WHERE library_id = ?`, libraryId.String())
		if err := row.Scan(&expires); err != nil {
			return err
		}
		// The insert won iff the stored lease is the one we just wrote.
		// Compare with a tolerance: the driver round-trip can truncate.
		acquired = expires.Valid && expires.Time.After(now.Add(ttl).Add(-time.Second))
		return nil
	})
	return acquired, err
}

// ReleaseCrawlLease drops the lease, leaving cursor state intact.
func (db *DB) ReleaseCrawlLease(libraryId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE federation_library_crawl SET lease_expires_at = NULL, updated_at = ? WHERE library_id = ?`,
			time.Now(), libraryId.String())
		return err
	})
}

// SaveCrawlCursor persists the resume point after a completed page.
func (db *DB) SaveCrawlCursor(libraryId uuid.UUID, cursor string, lastPublished time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE federation_library_crawl SET cursor = ?, last_published = ?, updated_at = ? WHERE library_id = ?`,
			cursor, nullableTime(lastPublished), time.Now(), libraryId.String())
		return err
	})
}

func (db *DB) ReadCrawlState(libraryId uuid.UUID) (*domain.LibraryCrawl, error) {
	row := db.db.QueryRow(`SELECT library_id, cursor, lease_expires_at, last_published, updated_at
		FROM federation_library_crawl WHERE library_id = ?`, libraryId.String())
	var c domain.LibraryCrawl
	var idStr string
	var lease, published, updated sql.NullTime
	err := row.Scan(&idStr, &c.Cursor, &lease, &published, &updated)
	if err != nil {
		return nil, err
	}
	c.LibraryId, _ = uuid.Parse(idStr)
	c.LeaseExpiresAt = lease.Time
	c.LastPublished = published.Time
	c.UpdatedAt = updated.Time
	return &c, nil
}

// Artist / Album / Track queries

func (db *DB) UpsertArtist(a *domain.Artist) (*domain.Artist, error) {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO music_artist(id, fid, name, musicbrainz_id, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(fid) DO UPDATE SET name = excluded.name, musicbrainz_id = excluded.musicbrainz_id`,
			a.Id.String(), a.Fid, a.Name, a.MusicbrainzId, a.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.ReadArtistByFid(a.Fid)
}

func (db *DB) ReadArtistByFid(fid string) (*domain.Artist, error) {
	row := db.db.QueryRow(`SELECT id, fid, name, musicbrainz_id, created_at FROM music_artist WHERE fid = ?`, fid)
	return scanArtist(row)
}

func (db *DB) ReadArtistById(id uuid.UUID) (*domain.Artist, error) {
	row := db.db.QueryRow(`SELECT id, fid, name, musicbrainz_id, created_at FROM music_artist WHERE id = ?`, id.String())
	return scanArtist(row)
}

func (db *DB) FindArtistByName(name string) (*domain.Artist, error) {
	row := db.db.QueryRow(`SELECT id, fid, name, musicbrainz_id, created_at FROM music_artist WHERE name = ? ORDER BY created_at ASC LIMIT 1`, name)
	return scanArtist(row)
}

func scanArtist(s rowScanner) (*domain.Artist, error) {
	var a domain.Artist
	var idStr string
	var mbid sql.NullString
	var created sql.NullTime
	if err := s.Scan(&idStr, &a.Fid, &a.Name, &mbid, &created); err != nil {
		return nil, err
	}
	a.Id, _ = uuid.Parse(idStr)
	a.MusicbrainzId = mbid.String
	a.CreatedAt = created.Time
	return &a, nil
}

func (db *DB) UpsertAlbum(a *domain.Album) (*domain.Album, error) {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO music_album(id, fid, title, artist_id, release_date, cover_url, musicbrainz_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(fid) DO UPDATE SET title = excluded.title, release_date = excluded.release_date, cover_url = excluded.cover_url`,
			a.Id.String(), a.Fid, a.Title, a.ArtistId.String(), a.ReleaseDate, a.CoverURL, a.MusicbrainzId, a.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.ReadAlbumByFid(a.Fid)
}

func (db *DB) ReadAlbumByFid(fid string) (*domain.Album, error) {
	row := db.db.QueryRow(`SELECT id, fid, title, artist_id, release_date, cover_url, musicbrainz_id, created_at FROM music_album WHERE fid = ?`, fid)
	return scanAlbum(row)
}

func (db *DB) ReadAlbumById(id uuid.UUID) (*domain.Album, error) {
	row := db.db.QueryRow(`SELECT id, fid, title, artist_id, release_date, cover_url, musicbrainz_id, created_at FROM music_album WHERE id = ?`, id.String())
	return scanAlbum(row)
}

func (db *DB) FindAlbumByTitle(title string, artistId uuid.UUID) (*domain.Album, error) {
	row := db.db.QueryRow(`SELECT id, fid, title, artist_id, release_date, cover_url, musicbrainz_id, created_at
		FROM music_album WHERE title = ? AND artist_id = ? ORDER BY created_at ASC LIMIT 1`, title, artistId.String())
	return scanAlbum(row)
}

func scanAlbum(s rowScanner) (*domain.Album, error) {
	var a domain.Album
	var idStr, artistStr string
	var release, cover, mbid sql.NullString
	var created sql.NullTime
	if err := s.Scan(&idStr, &a.Fid, &a.Title, &artistStr, &release, &cover, &mbid, &created); err != nil {
		return nil, err
	}
	a.Id, _ = uuid.Parse(idStr)
	a.ArtistId, _ = uuid.Parse(artistStr)
	a.ReleaseDate = release.String
	a.CoverURL = cover.String
	a.MusicbrainzId = mbid.String
	a.CreatedAt = created.Time
	return &a, nil
}

func (db *DB) UpsertTrack(t *domain.Track) (*domain.Track, error) {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		albumId := ""
		if t.AlbumId != uuid.Nil {
			albumId = t.AlbumId.String()
		}
		_, err := tx.Exec(`INSERT INTO music_track(id, fid, title, artist_id, album_id, position, disc, license, musicbrainz_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(fid) DO UPDATE SET title = excluded.title, position = excluded.position, disc = excluded.disc, license = excluded.license`,
			t.Id.String(), t.Fid, t.Title, t.ArtistId.String(), albumId,
			t.Position, t.Disc, t.License, t.MusicbrainzId, t.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.ReadTrackByFid(t.Fid)
}

func (db *DB) ReadTrackByFid(fid string) (*domain.Track, error) {
	row := db.db.QueryRow(`SELECT `+sqlTrackColumns+` FROM music_track WHERE fid = ?`, fid)
	return scanTrack(row)
}

func (db *DB) ReadTrackById(id uuid.UUID) (*domain.Track, error) {
	row := db.db.QueryRow(`SELECT `+sqlTrackColumns+` FROM music_track WHERE id = ?`, id.String())
	return scanTrack(row)
}

const sqlTrackColumns = `id, fid, title, artist_id, album_id, position, disc, license, musicbrainz_id, created_at`

// FindTrackByDedup locates an existing track by the dedup key
// (artist, title, album, musicbrainz id). A non-empty mbid matches on its own.
func (db *DB) FindTrackByDedup(title string, artistId, albumId uuid.UUID, mbid string) (*domain.Track, error) {
	if mbid != "" {
		row := db.db.QueryRow(`SELECT `+sqlTrackColumns+` FROM music_track WHERE musicbrainz_id = ?`, mbid)
		t, err := scanTrack(row)
		if err == nil {
			return t, nil
		}
		if err != sql.ErrNoRows {
			return nil, err
		}
	}
	albumStr := ""
	if albumId != uuid.Nil {
		albumStr = albumId.String()
	}
	row := db.db.QueryRow(`SELECT `+sqlTrackColumns+` FROM music_track WHERE title = ? AND artist_id = ? AND album_id = ?`,
		title, artistId.String(), albumStr)
	return scanTrack(row)
}

func scanTrack(s rowScanner) (*domain.Track, error) {
	var t domain.Track
	var idStr, artistStr string
	var albumStr, license, mbid sql.NullString
	var created sql.NullTime
	err := s.Scan(&idStr, &t.Fid, &t.Title, &artistStr, &albumStr, &t.Position, &t.Disc, &license, &mbid, &created)
	if err != nil {
		return nil, err
	}
	t.Id, _ = uuid.Parse(idStr)
	t.ArtistId, _ = uuid.Parse(artistStr)
	if albumStr.String != "" {
		t.AlbumId, _ = uuid.Parse(albumStr.String)
	}
	t.License = license.String
	t.MusicbrainzId = mbid.String
	t.CreatedAt = created.Time
	return &t, nil
}

// Upload queries
const sqlUploadColumns = `id, fid, library_id, track_id, audio_url, mime_type, size, duration, bitrate, checksum, published, created_at`

// UpsertUpload inserts the upload; a replay of the same (library, fid) keeps
// the stored row untouched except for the track link, which may move when the
// track was deduplicated.
func (db *DB) UpsertUpload(u *domain.Upload) (*domain.Upload, error) {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO music_upload(id, fid, library_id, track_id, audio_url, mime_type, size, duration, bitrate, checksum, published, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(library_id, fid) DO UPDATE SET track_id = excluded.track_id`,
			u.Id.String(), u.Fid, u.LibraryId.String(), u.TrackId.String(),
			u.AudioURL, u.MimeType, u.Size, u.Duration, u.Bitrate, u.Checksum,
			nullableTime(u.Published), u.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.ReadUploadByLibraryAndFid(u.LibraryId, u.Fid)
}

func (db *DB) ReadUploadByLibraryAndFid(libraryId uuid.UUID, fid string) (*domain.Upload, error) {
	row := db.db.QueryRow(`SELECT `+sqlUploadColumns+` FROM music_upload WHERE library_id = ? AND fid = ?`,
		libraryId.String(), fid)
	return scanUpload(row)
}

func (db *DB) ReadUploadsByLibrary(libraryId uuid.UUID, limit, offset int) ([]domain.Upload, error) {
	rows, err := db.db.Query(`SELECT `+sqlUploadColumns+` FROM music_upload WHERE library_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, libraryId.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uploads []domain.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return uploads, err
		}
		uploads = append(uploads, *u)
	}
	return uploads, rows.Err()
}

func (db *DB) FindUploadByTrack(libraryId, trackId uuid.UUID) (*domain.Upload, error) {
	row := db.db.QueryRow(`SELECT `+sqlUploadColumns+` FROM music_upload WHERE library_id = ? AND track_id = ? LIMIT 1`,
		libraryId.String(), trackId.String())
	return scanUpload(row)
}

func (db *DB) CountUploadsByLibrary(libraryId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM music_upload WHERE library_id = ?`, libraryId.String()).Scan(&n)
	return n, err
}

func (db *DB) DeleteUploadByFid(fid string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM music_upload WHERE fid = ?`, fid)
		return err
	})
}

// DeleteUploadByFidForActor removes an upload by fid, but only when it sits
// in a library owned by the given actor. Anything else is left untouched.
func (db *DB) DeleteUploadByFidForActor(fid string, actorId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM music_upload WHERE fid = ?
			AND library_id IN (SELECT id FROM federation_library WHERE actor_id = ?)`,
			fid, actorId.String())
		return err
	})
}

func scanUpload(s rowScanner) (*domain.Upload, error) {
	var u domain.Upload
	var idStr, libStr, trackStr string
	var mime, checksum sql.NullString
	var published, created sql.NullTime
	err := s.Scan(&idStr, &u.Fid, &libStr, &trackStr, &u.AudioURL, &mime,
		&u.Size, &u.Duration, &u.Bitrate, &checksum, &published, &created)
	if err != nil {
		return nil, err
	}
	u.Id, _ = uuid.Parse(idStr)
	u.LibraryId, _ = uuid.Parse(libStr)
	u.TrackId, _ = uuid.Parse(trackStr)
	u.MimeType = mime.String
	u.Checksum = checksum.String
	u.Published = published.Time
	u.CreatedAt = created.Time
	return &u, nil
}
