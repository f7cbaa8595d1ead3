package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/tonearm/tonearm/domain"
)

// Follow queries
const (
	sqlInsertFollow = `INSERT INTO federation_follow(id, actor_id, target_id, library_id, fid, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlFollowColumns      = `id, actor_id, target_id, library_id, fid, state, created_at, updated_at`
	sqlUpdateFollowState  = `UPDATE federation_follow SET state = ?, updated_at = ? WHERE id = ?`
	sqlDeleteFollowByFid  = `DELETE FROM federation_follow WHERE fid = ?`
	sqlDeleteFollowsActor = `DELETE FROM federation_follow WHERE actor_id = ? OR target_id = ?`
)

func (db *DB) CreateFollow(f *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		libId := ""
		if f.LibraryId != uuid.Nil {
			libId = f.LibraryId.String()
		}
		_, err := tx.Exec(sqlInsertFollow,
			f.Id.String(), f.ActorId.String(), f.TargetId.String(), libId,
			f.Fid, f.State, f.CreatedAt, f.UpdatedAt)
		return err
	})
}

// IsDuplicateFollow reports whether err is the unique (actor, target, library)
// violation raised on a repeated Follow.
func IsDuplicateFollow(err error) bool {
	return isUniqueViolation(err)
}

func (db *DB) ReadFollowByFid(fid string) (*domain.Follow, error) {
	row := db.db.QueryRow(`SELECT `+sqlFollowColumns+` FROM federation_follow WHERE fid = ?`, fid)
	return scanFollow(row)
}

// ReadFollowByPair returns the follow from actor to target, scoped to a
// library when libraryId is non-nil.
func (db *DB) ReadFollowByPair(actorId, targetId, libraryId uuid.UUID) (*domain.Follow, error) {
	libId := ""
	if libraryId != uuid.Nil {
		libId = libraryId.String()
	}
	row := db.db.QueryRow(`SELECT `+sqlFollowColumns+` FROM federation_follow
		WHERE actor_id = ? AND target_id = ? AND library_id = ?`,
		actorId.String(), targetId.String(), libId)
	return scanFollow(row)
}

func (db *DB) UpdateFollowState(id uuid.UUID, state string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateFollowState, state, time.Now(), id.String())
		return err
	})
}

func (db *DB) DeleteFollowByFid(fid string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByFid, fid)
		return err
	})
}

// DeleteFollowsByActorId revokes every follow the actor participates in,
// either side. Used when a remote actor is deleted.
func (db *DB) DeleteFollowsByActorId(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowsActor, id.String(), id.String())
		return err
	})
}

// ReadAcceptedFollowers returns the accepted follows targeting the given
// actor, optionally scoped to a library.
func (db *DB) ReadAcceptedFollowers(targetId, libraryId uuid.UUID) ([]domain.Follow, error) {
	libId := ""
	if libraryId != uuid.Nil {
		libId = libraryId.String()
	}
	rows, err := db.db.Query(`SELECT `+sqlFollowColumns+` FROM federation_follow
		WHERE target_id = ? AND library_id = ? AND state = 'accepted' ORDER BY created_at ASC`,
		targetId.String(), libId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFollows(rows)
}

// ReadPendingFollows returns every follow still waiting for a decision,
// oldest first.
func (db *DB) ReadPendingFollows() ([]domain.Follow, error) {
	rows, err := db.db.Query(`SELECT ` + sqlFollowColumns + ` FROM federation_follow
		WHERE state = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFollows(rows)
}

// ReadFollowing returns the accepted follows originated by the given actor.
func (db *DB) ReadFollowing(actorId uuid.UUID) ([]domain.Follow, error) {
	rows, err := db.db.Query(`SELECT `+sqlFollowColumns+` FROM federation_follow
		WHERE actor_id = ? AND state = 'accepted' ORDER BY created_at ASC`, actorId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFollows(rows)
}

func collectFollows(rows *sql.Rows) ([]domain.Follow, error) {
	var follows []domain.Follow
	for rows.Next() {
		f, err := scanFollowFrom(rows)
		if err != nil {
			return follows, err
		}
		follows = append(follows, *f)
	}
	return follows, rows.Err()
}

func scanFollow(row *sql.Row) (*domain.Follow, error) {
	return scanFollowFrom(row)
}

func scanFollowFrom(s rowScanner) (*domain.Follow, error) {
	var f domain.Follow
	var idStr, actorStr, targetStr, libStr string
	var created, updated sql.NullTime
	err := s.Scan(&idStr, &actorStr, &targetStr, &libStr, &f.Fid, &f.State, &created, &updated)
	if err != nil {
		return nil, err
	}
	f.Id, _ = uuid.Parse(idStr)
	f.ActorId, _ = uuid.Parse(actorStr)
	f.TargetId, _ = uuid.Parse(targetStr)
	if libStr != "" {
		f.LibraryId, _ = uuid.Parse(libStr)
	}
	f.CreatedAt = created.Time
	f.UpdatedAt = updated.Time
	return &f, nil
}

// Activity queries
const (
	sqlInsertActivity = `INSERT INTO federation_activity(id, fid, type, actor_fid, object_fid, payload, local, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlActivityColumns = `id, fid, type, actor_fid, object_fid, payload, local, created_at`
)

func (db *DB) CreateActivity(a *domain.Activity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return insertActivity(tx, a)
	})
}

func insertActivity(tx *sql.Tx, a *domain.Activity) error {
	_, err := tx.Exec(sqlInsertActivity,
		a.Id.String(), a.Fid, a.Type, a.ActorFid, a.ObjectFid, a.Payload,
		a.Local, a.CreatedAt)
	return err
}

// IsDuplicateActivity reports whether err is the unique fid violation raised
// when an activity is replayed.
func IsDuplicateActivity(err error) bool {
	return isUniqueViolation(err)
}

func (db *DB) ReadActivityByFid(fid string) (*domain.Activity, error) {
	row := db.db.QueryRow(`SELECT `+sqlActivityColumns+` FROM federation_activity WHERE fid = ?`, fid)
	return scanActivity(row)
}

func (db *DB) ReadActivityById(id uuid.UUID) (*domain.Activity, error) {
	row := db.db.QueryRow(`SELECT `+sqlActivityColumns+` FROM federation_activity WHERE id = ?`, id.String())
	return scanActivity(row)
}

func scanActivity(s rowScanner) (*domain.Activity, error) {
	var a domain.Activity
	var idStr string
	var objectFid sql.NullString
	var created sql.NullTime
	err := s.Scan(&idStr, &a.Fid, &a.Type, &a.ActorFid, &objectFid, &a.Payload, &a.Local, &created)
	if err != nil {
		return nil, err
	}
	a.Id, _ = uuid.Parse(idStr)
	a.ObjectFid = objectFid.String
	a.CreatedAt = created.Time
	return &a, nil
}

// InboxItem queries
const (
	sqlInsertInboxItem = `INSERT INTO federation_inboxitem(id, activity_id, recipient_id, inbox_uri, shared, state, attempts, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlInboxItemColumns = `id, activity_id, recipient_id, inbox_uri, shared, state, attempts, last_attempt_at, next_retry_at, created_at`

	sqlSelectDueInboxItems = `SELECT ` + sqlInboxItemColumns + ` FROM federation_inboxitem
		WHERE state = 'pending' AND next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`

	sqlUpdateInboxItemState   = `UPDATE federation_inboxitem SET state = ?, last_attempt_at = ? WHERE id = ?`
	sqlUpdateInboxItemAttempt = `UPDATE federation_inboxitem SET attempts = ?, last_attempt_at = ?, next_retry_at = ? WHERE id = ?`
)

func (db *DB) EnqueueInboxItem(item *domain.InboxItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return insertInboxItem(tx, item)
	})
}

func insertInboxItem(tx *sql.Tx, item *domain.InboxItem) error {
	_, err := tx.Exec(sqlInsertInboxItem,
		item.Id.String(), item.ActivityId.String(), item.RecipientId.String(),
		item.InboxURI, item.Shared, item.State, item.Attempts,
		item.NextRetryAt, item.CreatedAt)
	return err
}

// CreateActivityWithInboxItems persists an activity and its fan-out rows in a
// single transaction, so a crash cannot orphan either side.
func (db *DB) CreateActivityWithInboxItems(a *domain.Activity, items []domain.InboxItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if err := insertActivity(tx, a); err != nil {
			return err
		}
		for i := range items {
			if err := insertInboxItem(tx, &items[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) ReadDueInboxItems(limit int) ([]domain.InboxItem, error) {
	rows, err := db.db.Query(sqlSelectDueInboxItems, time.Now(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.InboxItem
	for rows.Next() {
		item, err := scanInboxItem(rows)
		if err != nil {
			return items, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (db *DB) MarkInboxItemState(id uuid.UUID, state string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateInboxItemState, state, time.Now(), id.String())
		return err
	})
}

func (db *DB) UpdateInboxItemAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateInboxItemAttempt, attempts, time.Now(), nextRetry, id.String())
		return err
	})
}

// CountInboxItemsByState returns delivery queue counts keyed by state.
func (db *DB) CountInboxItemsByState() (map[string]int, error) {
	rows, err := db.db.Query(`SELECT state, COUNT(*) FROM federation_inboxitem GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return counts, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func scanInboxItem(s rowScanner) (*domain.InboxItem, error) {
	var item domain.InboxItem
	var idStr, activityStr, recipientStr string
	var lastAttempt, nextRetry, created sql.NullTime
	err := s.Scan(&idStr, &activityStr, &recipientStr, &item.InboxURI,
		&item.Shared, &item.State, &item.Attempts, &lastAttempt, &nextRetry, &created)
	if err != nil {
		return nil, err
	}
	item.Id, _ = uuid.Parse(idStr)
	item.ActivityId, _ = uuid.Parse(activityStr)
	item.RecipientId, _ = uuid.Parse(recipientStr)
	item.LastAttemptAt = lastAttempt.Time
	item.NextRetryAt = nextRetry.Time
	item.CreatedAt = created.Time
	return &item, nil
}

// Domain queries
const (
	sqlUpsertDomain = `INSERT INTO federation_domain(name, allowed, blocked, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET allowed = excluded.allowed, blocked = excluded.blocked`
	sqlDomainColumns        = `name, allowed, blocked, nodeinfo_json, nodeinfo_fetched_at, created_at`
	sqlUpdateDomainNodeinfo = `UPDATE federation_domain SET nodeinfo_json = ?, nodeinfo_fetched_at = ? WHERE name = ?`
)

func (db *DB) UpsertDomain(d *domain.Domain) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		created := d.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		_, err := tx.Exec(sqlUpsertDomain, d.Name, d.Allowed, d.Blocked, created)
		return err
	})
}

func (db *DB) ReadDomain(name string) (*domain.Domain, error) {
	row := db.db.QueryRow(`SELECT `+sqlDomainColumns+` FROM federation_domain WHERE name = ?`, name)
	return scanDomain(row)
}

func (db *DB) ReadAllDomains() ([]domain.Domain, error) {
	rows, err := db.db.Query(`SELECT ` + sqlDomainColumns + ` FROM federation_domain ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []domain.Domain
	for rows.Next() {
		d, err := scanDomainFrom(rows)
		if err != nil {
			return domains, err
		}
		domains = append(domains, *d)
	}
	return domains, rows.Err()
}

func (db *DB) UpdateDomainNodeinfo(name, nodeinfoJSON string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDomainNodeinfo, nodeinfoJSON, time.Now(), name)
		return err
	})
}

func scanDomain(row *sql.Row) (*domain.Domain, error) {
	return scanDomainFrom(row)
}

func scanDomainFrom(s rowScanner) (*domain.Domain, error) {
	var d domain.Domain
	var nodeinfo sql.NullString
	var fetched, created sql.NullTime
	err := s.Scan(&d.Name, &d.Allowed, &d.Blocked, &nodeinfo, &fetched, &created)
	if err != nil {
		return nil, err
	}
	d.NodeinfoJSON = nodeinfo.String
	d.NodeinfoFetchedAt = fetched.Time
	d.CreatedAt = created.Time
	return &d, nil
}
