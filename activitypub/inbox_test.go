package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tonearm/tonearm/db"
	"github.com/tonearm/tonearm/domain"
	"github.com/tonearm/tonearm/util"
)

func testService(t *testing.T) *Service {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conf := &util.AppConfig{}
	conf.Conf.Host = "127.0.0.1"
	conf.Conf.Url = "https://local.test"
	conf.Conf.Federation.Enabled = true
	conf.Conf.Federation.PageSize = 10
	conf.Conf.Federation.ActorFetchDelay = 48 * 60

	return NewService(database, conf)
}

// seedRemoteActor stores a remote actor with a fresh keypair and returns the
// signing key PEM, so inbound requests can be produced without any network I/O.
func seedRemoteActor(t *testing.T, s *Service, username, host string) (*domain.Actor, string) {
	t.Helper()
	keys, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	fid := fmt.Sprintf("https://%s/users/%s", host, username)
	actor := &domain.Actor{
		Id:                uuid.New(),
		Fid:               fid,
		Type:              domain.ActorTypePerson,
		PreferredUsername: username,
		Domain:            host,
		InboxURI:          fid + "/inbox",
		PublicKeyPem:      keys.Public,
		LastFetchedAt:     time.Now(),
		CreatedAt:         time.Now(),
	}
	if err := s.DB.CreateActor(actor); err != nil {
		t.Fatalf("create actor: %v", err)
	}
	return actor, keys.Private
}

func seedRemoteLibrary(t *testing.T, s *Service, owner *domain.Actor) *domain.Library {
	t.Helper()
	library := &domain.Library{
		Id:        uuid.New(),
		Fid:       fmt.Sprintf("https://%s/libraries/%s", owner.Domain, uuid.New().String()),
		ActorId:   owner.Id,
		Name:      "Records",
		Privacy:   domain.LibraryPublic,
		Local:     false,
		CreatedAt: time.Now(),
	}
	if err := s.DB.CreateLibrary(library); err != nil {
		t.Fatalf("create library: %v", err)
	}
	return library
}

func deliverInbound(t *testing.T, s *Service, recipient *domain.Actor, body []byte, privPem, keyId string) error {
	t.Helper()
	req := signedTestRequest(t, http.MethodPost, "https://local.test/federation/inbox", body, privPem, keyId)
	return s.ProcessInbound(context.Background(), req, body, recipient)
}

func audioBody(activityId, actorFid, libraryFid, suffix string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "Create",
		"actor": %q,
		"object": {
			"type": "Audio",
			"id": "https://remote.test/uploads/%s",
			"library": %q,
			"published": "2026-08-30T10:00:00Z",
			"track": {
				"type": "Track",
				"id": "https://remote.test/tracks/%s",
				"name": "Song %s",
				"artists": [{"type":"Artist","id":"https://remote.test/artists/1","name":"Band"}]
			},
			"url": [{"href":"https://remote.test/files/%s.ogg","mediaType":"audio/ogg","size":100}]
		}
	}`, activityId, actorFid, suffix, libraryFid, suffix, suffix, suffix))
}

func TestInboundFollowAutoAccepted(t *testing.T) {
	s := testService(t)
	alice, err := s.EnsureLocalActor("alice", domain.ActorTypePerson)
	if err != nil {
		t.Fatal(err)
	}
	bob, bobKey := seedRemoteActor(t, s, "bob", "remote.test")

	body := []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/f1","type":"Follow","actor":%q,"object":%q}`, bob.Fid, alice.Fid))
	if err := deliverInbound(t, s, alice, body, bobKey, bob.KeyId()); err != nil {
		t.Fatalf("process: %v", err)
	}

	follow, err := s.DB.ReadFollowByPair(bob.Id, alice.Id, uuid.Nil)
	if err != nil || follow == nil {
		t.Fatalf("follow row missing: %v", err)
	}
	if follow.State != domain.FollowAccepted {
		t.Errorf("follow state = %q, want accepted", follow.State)
	}

	// The Accept must be queued for bob's inbox.
	due, err := s.DB.ReadDueInboxItems(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].InboxURI != bob.InboxURI {
		t.Fatalf("due items = %+v", due)
	}
}

func TestInboundReplayHasNoSideEffects(t *testing.T) {
	s := testService(t)
	alice, _ := s.EnsureLocalActor("alice", domain.ActorTypePerson)
	bob, bobKey := seedRemoteActor(t, s, "bob", "remote.test")

	body := []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/f1","type":"Follow","actor":%q,"object":%q}`, bob.Fid, alice.Fid))
	if err := deliverInbound(t, s, alice, body, bobKey, bob.KeyId()); err != nil {
		t.Fatal(err)
	}
	if err := deliverInbound(t, s, alice, body, bobKey, bob.KeyId()); err != nil {
		t.Fatalf("replay returned error: %v", err)
	}

	due, _ := s.DB.ReadDueInboxItems(10)
	if len(due) != 1 {
		t.Errorf("replay enqueued another Accept: %d items", len(due))
	}
}

func TestInboundRejectsForgedSignature(t *testing.T) {
	s := testService(t)
	alice, _ := s.EnsureLocalActor("alice", domain.ActorTypePerson)
	bob, _ := seedRemoteActor(t, s, "bob", "remote.test")
	_, mallorysKey := seedRemoteActor(t, s, "mallory", "remote.test")

	body := []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/f2","type":"Follow","actor":%q,"object":%q}`, bob.Fid, alice.Fid))
	err := deliverInbound(t, s, alice, body, mallorysKey, bob.KeyId())
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("expected ErrSignatureInvalid, got %v", err)
	}
	if due, _ := s.DB.ReadDueInboxItems(10); len(due) != 0 {
		t.Error("forged request produced side effects")
	}
}

func TestInboundRejectsBlockedDomain(t *testing.T) {
	s := testService(t)
	alice, _ := s.EnsureLocalActor("alice", domain.ActorTypePerson)
	bob, bobKey := seedRemoteActor(t, s, "bob", "remote.test")

	if err := s.DB.UpsertDomain(&domain.Domain{Name: "remote.test", Blocked: true}); err != nil {
		t.Fatal(err)
	}

	body := []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/f3","type":"Follow","actor":%q,"object":%q}`, bob.Fid, alice.Fid))
	err := deliverInbound(t, s, alice, body, bobKey, bob.KeyId())
	if !errors.Is(err, ErrPolicyBlocked) {
		t.Errorf("expected ErrPolicyBlocked, got %v", err)
	}
}

func TestInboundRejectsActorSignerMismatch(t *testing.T) {
	s := testService(t)
	alice, _ := s.EnsureLocalActor("alice", domain.ActorTypePerson)
	bob, bobKey := seedRemoteActor(t, s, "bob", "remote.test")

	// Signed by bob but claiming to be mallory.
	body := []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/f4","type":"Follow","actor":"https://remote.test/users/mallory","object":%q}`, alice.Fid))
	err := deliverInbound(t, s, alice, body, bobKey, bob.KeyId())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestInboundUnknownTypeIsStored(t *testing.T) {
	s := testService(t)
	alice, _ := s.EnsureLocalActor("alice", domain.ActorTypePerson)
	bob, bobKey := seedRemoteActor(t, s, "bob", "remote.test")

	body := []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/flag1","type":"Flag","actor":%q,"object":%q}`, bob.Fid, alice.Fid))
	if err := deliverInbound(t, s, alice, body, bobKey, bob.KeyId()); err != nil {
		t.Fatalf("unknown type errored: %v", err)
	}

	stored, err := s.DB.ReadActivityByFid("https://remote.test/activities/flag1")
	if err != nil || stored == nil {
		t.Fatalf("activity not remembered: %v", err)
	}
	if stored.Type != "Flag" {
		t.Errorf("stored type = %q", stored.Type)
	}
}

func TestInboundUndoRemovesFollow(t *testing.T) {
	s := testService(t)
	alice, _ := s.EnsureLocalActor("alice", domain.ActorTypePerson)
	bob, bobKey := seedRemoteActor(t, s, "bob", "remote.test")

	follow := []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/f1","type":"Follow","actor":%q,"object":%q}`, bob.Fid, alice.Fid))
	if err := deliverInbound(t, s, alice, follow, bobKey, bob.KeyId()); err != nil {
		t.Fatal(err)
	}

	undo := []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/u1","type":"Undo","actor":%q,
		"object":{"id":"https://remote.test/activities/f1","type":"Follow","actor":%q,"object":%q}}`,
		bob.Fid, bob.Fid, alice.Fid))
	if err := deliverInbound(t, s, alice, undo, bobKey, bob.KeyId()); err != nil {
		t.Fatalf("undo: %v", err)
	}

	if f, _ := s.DB.ReadFollowByFid("https://remote.test/activities/f1"); f != nil {
		t.Error("follow still present after Undo")
	}
}

func TestInboundCreateAudioImports(t *testing.T) {
	s := testService(t)
	alice, _ := s.EnsureLocalActor("alice", domain.ActorTypePerson)
	bob, bobKey := seedRemoteActor(t, s, "bob", "remote.test")
	library := seedRemoteLibrary(t, s, bob)

	body := audioBody("https://remote.test/activities/c1", bob.Fid, library.Fid, "one")
	if err := deliverInbound(t, s, alice, body, bobKey, bob.KeyId()); err != nil {
		t.Fatalf("create: %v", err)
	}

	upload, err := s.DB.ReadUploadByLibraryAndFid(library.Id, "https://remote.test/uploads/one")
	if err != nil || upload == nil {
		t.Fatalf("upload missing: %v", err)
	}
	track, err := s.DB.ReadTrackById(upload.TrackId)
	if err != nil || track == nil {
		t.Fatalf("track missing: %v", err)
	}
	if track.Title != "Song one" {
		t.Errorf("track title = %q", track.Title)
	}
}

func TestInboundCreateAudioRejectsForeignLibrary(t *testing.T) {
	s := testService(t)
	alice, _ := s.EnsureLocalActor("alice", domain.ActorTypePerson)
	bob, bobKey := seedRemoteActor(t, s, "bob", "remote.test")
	carol, _ := seedRemoteActor(t, s, "carol", "remote.test")
	carolsLibrary := seedRemoteLibrary(t, s, carol)

	body := audioBody("https://remote.test/activities/c2", bob.Fid, carolsLibrary.Fid, "two")
	err := deliverInbound(t, s, alice, body, bobKey, bob.KeyId())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestInboundDeleteForeignUploadIgnored(t *testing.T) {
	s := testService(t)
	alice, _ := s.EnsureLocalActor("alice", domain.ActorTypePerson)
	carol, carolKey := seedRemoteActor(t, s, "carol", "remote.test")
	library := seedRemoteLibrary(t, s, carol)

	create := audioBody("https://remote.test/activities/c5", carol.Fid, library.Fid, "five")
	if err := deliverInbound(t, s, alice, create, carolKey, carol.KeyId()); err != nil {
		t.Fatal(err)
	}

	// bob names carol's upload; nothing of his own matches, so nothing may
	// be deleted.
	bob, bobKey := seedRemoteActor(t, s, "bob", "remote.test")
	del := []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/d2","type":"Delete","actor":%q,"object":"https://remote.test/uploads/five"}`, bob.Fid))
	if err := deliverInbound(t, s, alice, del, bobKey, bob.KeyId()); err != nil {
		t.Fatalf("delete: %v", err)
	}

	upload, err := s.DB.ReadUploadByLibraryAndFid(library.Id, "https://remote.test/uploads/five")
	if err != nil || upload == nil {
		t.Fatalf("upload gone after foreign Delete: %v", err)
	}

	// The owner's own Delete still works.
	del = []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/d3","type":"Delete","actor":%q,"object":"https://remote.test/uploads/five"}`, carol.Fid))
	if err := deliverInbound(t, s, alice, del, carolKey, carol.KeyId()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if u, _ := s.DB.ReadUploadByLibraryAndFid(library.Id, "https://remote.test/uploads/five"); u != nil {
		t.Error("upload survived its owner's Delete")
	}
}

func TestInboundRetryAfterHandlerFailure(t *testing.T) {
	s := testService(t)
	alice, _ := s.EnsureLocalActor("alice", domain.ActorTypePerson)
	bob, bobKey := seedRemoteActor(t, s, "bob", "remote.test")

	libraryFid := "https://remote.test/libraries/latecomer"
	body := audioBody("https://remote.test/activities/c6", bob.Fid, libraryFid, "six")
	if err := deliverInbound(t, s, alice, body, bobKey, bob.KeyId()); err == nil {
		t.Fatal("Create into an unknown library succeeded")
	}
	if a, _ := s.DB.ReadActivityByFid("https://remote.test/activities/c6"); a != nil {
		t.Fatal("failed activity was recorded")
	}

	// The library turns up later; the remote retry of the same id must run
	// the import instead of being swallowed as a replay.
	library := &domain.Library{
		Id:        uuid.New(),
		Fid:       libraryFid,
		ActorId:   bob.Id,
		Name:      "Latecomer",
		Privacy:   domain.LibraryPublic,
		CreatedAt: time.Now(),
	}
	if err := s.DB.CreateLibrary(library); err != nil {
		t.Fatal(err)
	}
	if err := deliverInbound(t, s, alice, body, bobKey, bob.KeyId()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if u, err := s.DB.ReadUploadByLibraryAndFid(library.Id, "https://remote.test/uploads/six"); err != nil || u == nil {
		t.Fatalf("upload missing after retry: %v", err)
	}
}

func TestAcceptOfUnknownFollowIgnored(t *testing.T) {
	s := testService(t)
	alice, _ := s.EnsureLocalActor("alice", domain.ActorTypePerson)
	bob, bobKey := seedRemoteActor(t, s, "bob", "remote.test")

	accept := []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/a9","type":"Accept","actor":%q,"object":"https://local.test/federation/activities/never-sent"}`, bob.Fid))
	if err := deliverInbound(t, s, alice, accept, bobKey, bob.KeyId()); err != nil {
		t.Fatalf("unknown Accept errored: %v", err)
	}

	reject := []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/r9","type":"Reject","actor":%q,"object":"https://local.test/federation/activities/never-sent"}`, bob.Fid))
	if err := deliverInbound(t, s, alice, reject, bobKey, bob.KeyId()); err != nil {
		t.Fatalf("unknown Reject errored: %v", err)
	}
}

func TestInboundDeleteActorCascades(t *testing.T) {
	s := testService(t)
	alice, _ := s.EnsureLocalActor("alice", domain.ActorTypePerson)
	bob, bobKey := seedRemoteActor(t, s, "bob", "remote.test")
	library := seedRemoteLibrary(t, s, bob)

	create := audioBody("https://remote.test/activities/c3", bob.Fid, library.Fid, "three")
	if err := deliverInbound(t, s, alice, create, bobKey, bob.KeyId()); err != nil {
		t.Fatal(err)
	}

	del := []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/d1","type":"Delete","actor":%q,"object":%q}`, bob.Fid, bob.Fid))
	if err := deliverInbound(t, s, alice, del, bobKey, bob.KeyId()); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if a, _ := s.DB.ReadActorByFid(bob.Fid); a != nil {
		t.Error("actor still present after Delete")
	}
	if lib, _ := s.DB.ReadLibraryByFid(library.Fid); lib != nil {
		t.Error("library still present after Delete")
	}
}

func TestAcceptSettlesOutboundFollow(t *testing.T) {
	s := testService(t)
	alice, _ := s.EnsureLocalActor("alice", domain.ActorTypePerson)
	bob, bobKey := seedRemoteActor(t, s, "bob", "remote.test")

	follow, err := s.SendFollow(alice, bob, nil)
	if err != nil {
		t.Fatal(err)
	}
	if follow.State != domain.FollowPending {
		t.Fatalf("fresh follow state = %q", follow.State)
	}

	accept := []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/a1","type":"Accept","actor":%q,"object":%q}`, bob.Fid, follow.Fid))
	if err := deliverInbound(t, s, alice, accept, bobKey, bob.KeyId()); err != nil {
		t.Fatalf("accept: %v", err)
	}

	settled, _ := s.DB.ReadFollowByFid(follow.Fid)
	if settled.State != domain.FollowAccepted {
		t.Errorf("follow state = %q, want accepted", settled.State)
	}
}

func TestRejectedFollowNeverBecomesAccepted(t *testing.T) {
	s := testService(t)
	alice, _ := s.EnsureLocalActor("alice", domain.ActorTypePerson)
	bob, bobKey := seedRemoteActor(t, s, "bob", "remote.test")

	follow, err := s.SendFollow(alice, bob, nil)
	if err != nil {
		t.Fatal(err)
	}

	reject := []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/r1","type":"Reject","actor":%q,"object":%q}`, bob.Fid, follow.Fid))
	if err := deliverInbound(t, s, alice, reject, bobKey, bob.KeyId()); err != nil {
		t.Fatal(err)
	}

	lateAccept := []byte(fmt.Sprintf(`{"id":"https://remote.test/activities/a2","type":"Accept","actor":%q,"object":%q}`, bob.Fid, follow.Fid))
	if err := deliverInbound(t, s, alice, lateAccept, bobKey, bob.KeyId()); err != nil {
		t.Fatalf("late accept errored: %v", err)
	}

	settled, _ := s.DB.ReadFollowByFid(follow.Fid)
	if settled.State != domain.FollowRejected {
		t.Errorf("follow state = %q, want rejected", settled.State)
	}
}
