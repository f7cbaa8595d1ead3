package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestUpsertActorRefreshesMutableFields(t *testing.T) {
	d := testDB(t)
	bob := testActor(t, d, "bob", false)

	changed := *bob
	changed.Id = uuid.New() // upsert matches on fid, not id
	changed.Name = "Bob Prime"
	changed.Summary = "new bio"
	changed.InboxURI = "https://remote.test/shared"
	changed.PublicKeyPem = "rotated"
	changed.LastFetchedAt = time.Now()

	stored, err := d.UpsertActor(&changed)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Id != bob.Id {
		t.Error("upsert replaced the row instead of updating it")
	}

	got, err := d.ReadActorByFid(bob.Fid)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Bob Prime" || got.InboxURI != "https://remote.test/shared" || got.PublicKeyPem != "rotated" {
		t.Errorf("mutable fields not updated: %+v", got)
	}
	if got.PreferredUsername != "bob" {
		t.Errorf("username changed: %q", got.PreferredUsername)
	}
}

func TestLocalActorQueries(t *testing.T) {
	d := testDB(t)
	alice := testActor(t, d, "alice", true)
	testActor(t, d, "bob", false)

	got, err := d.ReadLocalActorByUsername("alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Id != alice.Id {
		t.Error("wrong actor for username")
	}
	// Remote usernames never resolve locally.
	if a, _ := d.ReadLocalActorByUsername("bob"); a != nil {
		t.Error("remote actor returned as local")
	}

	locals, err := d.ReadLocalActors()
	if err != nil {
		t.Fatal(err)
	}
	if len(locals) != 1 {
		t.Errorf("local actors = %+v", locals)
	}
	n, err := d.CountLocalActors()
	if err != nil || n != 1 {
		t.Errorf("count = %d, err = %v", n, err)
	}
}

func TestUpdateActorKeys(t *testing.T) {
	d := testDB(t)
	alice := testActor(t, d, "alice", true)

	if err := d.UpdateActorKeys(alice.Id, "new-public", "new-private"); err != nil {
		t.Fatal(err)
	}
	got, _ := d.ReadActorById(alice.Id)
	if got.PublicKeyPem != "new-public" || got.PrivateKeyPem != "new-private" {
		t.Errorf("keys not rotated: %+v", got)
	}
}

func TestDeleteActor(t *testing.T) {
	d := testDB(t)
	bob := testActor(t, d, "bob", false)

	if err := d.DeleteActor(bob.Id); err != nil {
		t.Fatal(err)
	}
	if a, _ := d.ReadActorByFid(bob.Fid); a != nil {
		t.Error("actor survived delete")
	}
}

func TestCreateActorRejectsDuplicateFid(t *testing.T) {
	d := testDB(t)
	bob := testActor(t, d, "bob", false)

	dup := *bob
	dup.Id = uuid.New()
	if err := d.CreateActor(&dup); err == nil {
		t.Error("duplicate fid accepted")
	}
}
