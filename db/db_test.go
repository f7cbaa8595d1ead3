package db

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tonearm/tonearm/domain"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func testActor(t *testing.T, d *DB, username string, local bool) *domain.Actor {
	t.Helper()
	host := "remote.test"
	if local {
		host = "local.test"
	}
	fid := fmt.Sprintf("https://%s/users/%s", host, username)
	actor := &domain.Actor{
		Id:                uuid.New(),
		Fid:               fid,
		Local:             local,
		Type:              domain.ActorTypePerson,
		PreferredUsername: username,
		Domain:            host,
		InboxURI:          fid + "/inbox",
		PublicKeyPem:      "pem",
		CreatedAt:         time.Now(),
	}
	if err := d.CreateActor(actor); err != nil {
		t.Fatalf("create actor %s: %v", username, err)
	}
	return actor
}

func testLibrary(t *testing.T, d *DB, owner *domain.Actor, local bool) *domain.Library {
	t.Helper()
	library := &domain.Library{
		Id:        uuid.New(),
		Fid:       fmt.Sprintf("https://%s/libraries/%s", owner.Domain, uuid.New().String()),
		ActorId:   owner.Id,
		Name:      "Records",
		Privacy:   domain.LibraryPublic,
		Local:     local,
		CreatedAt: time.Now(),
	}
	if err := d.CreateLibrary(library); err != nil {
		t.Fatalf("create library: %v", err)
	}
	return library
}
