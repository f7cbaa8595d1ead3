package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/tonearm/tonearm/domain"
)

const (
	sqlInsertActor = `INSERT INTO federation_actor(
		id, fid, local, type, preferred_username, domain, name, summary,
		inbox_uri, outbox_uri, shared_inbox_uri, followers_uri, following_uri,
		public_key_pem, private_key_pem, last_fetched_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlUpdateActor = `UPDATE federation_actor SET
		type = ?, name = ?, summary = ?, inbox_uri = ?, outbox_uri = ?,
		shared_inbox_uri = ?, followers_uri = ?, following_uri = ?,
		public_key_pem = ?, last_fetched_at = ? WHERE fid = ?`

	sqlUpdateActorKeys = `UPDATE federation_actor SET public_key_pem = ?, private_key_pem = ? WHERE id = ?`

	sqlActorColumns = `id, fid, local, type, preferred_username, domain, name, summary,
		inbox_uri, outbox_uri, shared_inbox_uri, followers_uri, following_uri,
		public_key_pem, private_key_pem, last_fetched_at, created_at`

	sqlDeleteActor = `DELETE FROM federation_actor WHERE id = ?`
)

func (db *DB) CreateActor(a *domain.Actor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return insertActor(tx, a)
	})
}

func insertActor(tx *sql.Tx, a *domain.Actor) error {
	_, err := tx.Exec(sqlInsertActor,
		a.Id.String(), a.Fid, a.Local, a.Type, a.PreferredUsername, a.Domain,
		a.Name, a.Summary, a.InboxURI, a.OutboxURI, a.SharedInboxURI,
		a.FollowersURI, a.FollowingURI, a.PublicKeyPem, a.PrivateKeyPem,
		a.LastFetchedAt, a.CreatedAt)
	return err
}

// UpsertActor inserts the actor or, when its fid is already known, refreshes
// the mutable fields. The stored row keeps its original id.
func (db *DB) UpsertActor(a *domain.Actor) (*domain.Actor, error) {
	err := db.CreateActor(a)
	if err == nil {
		return a, nil
	}
	if !isUniqueViolation(err) {
		return nil, err
	}
	err = db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActor,
			a.Type, a.Name, a.Summary, a.InboxURI, a.OutboxURI,
			a.SharedInboxURI, a.FollowersURI, a.FollowingURI,
			a.PublicKeyPem, a.LastFetchedAt, a.Fid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.ReadActorByFid(a.Fid)
}

// UpdateActorKeys replaces an actor's keypair, used for local key rotation.
func (db *DB) UpdateActorKeys(id uuid.UUID, publicPem, privatePem string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActorKeys, publicPem, privatePem, id.String())
		return err
	})
}

func (db *DB) ReadActorByFid(fid string) (*domain.Actor, error) {
	row := db.db.QueryRow(`SELECT `+sqlActorColumns+` FROM federation_actor WHERE fid = ?`, fid)
	return scanActor(row)
}

func (db *DB) ReadActorById(id uuid.UUID) (*domain.Actor, error) {
	row := db.db.QueryRow(`SELECT `+sqlActorColumns+` FROM federation_actor WHERE id = ?`, id.String())
	return scanActor(row)
}

// ReadLocalActorByUsername returns the local actor with the given username.
func (db *DB) ReadLocalActorByUsername(username string) (*domain.Actor, error) {
	row := db.db.QueryRow(`SELECT `+sqlActorColumns+` FROM federation_actor WHERE preferred_username = ? AND local = 1`, username)
	return scanActor(row)
}

func (db *DB) ReadLocalActors() ([]domain.Actor, error) {
	rows, err := db.db.Query(`SELECT ` + sqlActorColumns + ` FROM federation_actor WHERE local = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		a, err := scanActorRows(rows)
		if err != nil {
			return actors, err
		}
		actors = append(actors, *a)
	}
	return actors, rows.Err()
}

// CountLocalActors returns the number of local actors, used by nodeinfo.
func (db *DB) CountLocalActors() (int, error) {
	var n int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM federation_actor WHERE local = 1`).Scan(&n)
	return n, err
}

// DeleteActor removes the actor row. Cascading to libraries, uploads and
// follows is the caller's job so it happens in a deliberate order.
func (db *DB) DeleteActor(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActor, id.String())
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row *sql.Row) (*domain.Actor, error) {
	return scanActorFrom(row)
}

func scanActorRows(rows *sql.Rows) (*domain.Actor, error) {
	return scanActorFrom(rows)
}

func scanActorFrom(s rowScanner) (*domain.Actor, error) {
	var a domain.Actor
	var idStr string
	var name, summary, outbox, shared, followers, following, private sql.NullString
	var lastFetched, created sql.NullTime
	err := s.Scan(&idStr, &a.Fid, &a.Local, &a.Type, &a.PreferredUsername,
		&a.Domain, &name, &summary, &a.InboxURI, &outbox, &shared,
		&followers, &following, &a.PublicKeyPem, &private, &lastFetched, &created)
	if err != nil {
		return nil, err
	}
	a.Id, _ = uuid.Parse(idStr)
	a.Name = name.String
	a.Summary = summary.String
	a.OutboxURI = outbox.String
	a.SharedInboxURI = shared.String
	a.FollowersURI = followers.String
	a.FollowingURI = following.String
	a.PrivateKeyPem = private.String
	a.LastFetchedAt = lastFetched.Time
	a.CreatedAt = created.Time
	return &a, nil
}

// nullableTime converts zero times to NULL for storage.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
