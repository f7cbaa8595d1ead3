package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tonearm/tonearm/activitypub"
	"github.com/tonearm/tonearm/db"
	"github.com/tonearm/tonearm/domain"
	"github.com/tonearm/tonearm/util"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testEnv(t *testing.T) (*activitypub.Service, *gin.Engine) {
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
	conf.Conf.Federation.PageSize = 2

	svc := activitypub.NewService(database, conf)
	return svc, NewRouter(svc)
}

func doRequest(router *gin.Engine, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func seedFollower(t *testing.T, svc *activitypub.Service, target *domain.Actor, username string) *domain.Actor {
	t.Helper()
	fid := "https://remote.test/users/" + username
	follower := &domain.Actor{
		Id:                uuid.New(),
		Fid:               fid,
		Type:              domain.ActorTypePerson,
		PreferredUsername: username,
		Domain:            "remote.test",
		InboxURI:          fid + "/inbox",
		PublicKeyPem:      "pem",
		CreatedAt:         time.Now(),
	}
	if err := svc.DB.CreateActor(follower); err != nil {
		t.Fatal(err)
	}
	follow := &domain.Follow{
		Id:        uuid.New(),
		ActorId:   follower.Id,
		TargetId:  target.Id,
		Fid:       fid + "/follows/1",
		State:     domain.FollowAccepted,
		CreatedAt: time.Now(),
	}
	if err := svc.DB.CreateFollow(follow); err != nil {
		t.Fatal(err)
	}
	return follower
}

func TestWebfinger(t *testing.T) {
	svc, router := testEnv(t)
	if _, err := svc.EnsureLocalActor("alice", domain.ActorTypePerson); err != nil {
		t.Fatal(err)
	}

	w := doRequest(router, http.MethodGet, "/.well-known/webfinger?resource=acct:alice@local.test", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var doc struct {
		Subject string `json:"subject"`
		Links   []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Subject != "acct:alice@local.test" {
		t.Errorf("subject = %q", doc.Subject)
	}
	if len(doc.Links) != 1 || doc.Links[0].Href != "https://local.test/federation/actors/alice" {
		t.Errorf("links = %+v", doc.Links)
	}

	if w := doRequest(router, http.MethodGet, "/.well-known/webfinger?resource=acct:nobody@local.test", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown actor status = %d", w.Code)
	}
	if w := doRequest(router, http.MethodGet, "/.well-known/webfinger?resource=acct:alice@elsewhere.test", nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign domain status = %d", w.Code)
	}
	if w := doRequest(router, http.MethodGet, "/.well-known/webfinger", nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing resource status = %d", w.Code)
	}
}

func TestActorContentNegotiation(t *testing.T) {
	svc, router := testEnv(t)
	if _, err := svc.EnsureLocalActor("alice", domain.ActorTypePerson); err != nil {
		t.Fatal(err)
	}

	w := doRequest(router, http.MethodGet, "/federation/actors/alice",
		map[string]string{"Accept": "application/activity+json"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/activity+json") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "publicKey") {
		t.Error("actor document carries no public key")
	}

	w = doRequest(router, http.MethodGet, "/federation/actors/alice",
		map[string]string{"Accept": "text/html"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("browser request did not get HTML")
	}

	if w := doRequest(router, http.MethodGet, "/federation/actors/nobody", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown actor status = %d", w.Code)
	}
}

func TestUnsignedInboxPostRejected(t *testing.T) {
	svc, router := testEnv(t)
	if _, err := svc.EnsureLocalActor("alice", domain.ActorTypePerson); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/federation/inbox",
		strings.NewReader(`{"id":"https://remote.test/activities/x","type":"Follow","actor":"https://remote.test/users/bob"}`))
	req.Header.Set("Content-Type", activitypub.ContentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body: %v", err)
	}
	if body.Error != "signature_invalid" || body.Detail == "" {
		t.Errorf("error body = %+v", body)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{activitypub.ErrSignatureInvalid, http.StatusUnauthorized, "signature_invalid"},
		{activitypub.ErrClockSkew, http.StatusUnauthorized, "clock_skew"},
		{activitypub.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
		{activitypub.ErrPolicyBlocked, http.StatusForbidden, "policy_blocked"},
		{activitypub.ErrInvalidPayload, http.StatusBadRequest, "invalid_payload"},
		{activitypub.ErrRemoteFetch, http.StatusBadGateway, "remote_fetch"},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("context: %w", tc.err)
		if got := statusFor(wrapped); got != tc.status {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.status)
		}
		if got := kindFor(wrapped); got != tc.kind {
			t.Errorf("kindFor(%v) = %q, want %q", tc.err, got, tc.kind)
		}
	}
}

func TestNodeinfoDiscovery(t *testing.T) {
	_, router := testEnv(t)

	w := doRequest(router, http.MethodGet, "/.well-known/nodeinfo", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pointer status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/api/v1/instance/nodeinfo/2.0") {
		t.Errorf("pointer body = %s", w.Body.String())
	}

	w = doRequest(router, http.MethodGet, "/api/v1/instance/nodeinfo/2.0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("document status = %d", w.Code)
	}
	var doc struct {
		Version  string `json:"version"`
		Software struct {
			Name string `json:"name"`
		} `json:"software"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Version != "2.0" || doc.Software.Name != "tonearm" {
		t.Errorf("document = %+v", doc)
	}
}

func TestFollowersPagination(t *testing.T) {
	svc, router := testEnv(t)
	alice, err := svc.EnsureLocalActor("alice", domain.ActorTypePerson)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"bob", "carol", "dave"} {
		seedFollower(t, svc, alice, name)
	}

	w := doRequest(router, http.MethodGet, "/federation/actors/alice/followers",
		map[string]string{"Accept": "application/activity+json"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var collection struct {
		Type       string `json:"type"`
		TotalItems int    `json:"totalItems"`
		First      string `json:"first"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &collection); err != nil {
		t.Fatal(err)
	}
	if collection.Type != "OrderedCollection" || collection.TotalItems != 3 || collection.First == "" {
		t.Errorf("collection = %+v", collection)
	}

	var page struct {
		Type         string   `json:"type"`
		Next         string   `json:"next"`
		OrderedItems []string `json:"orderedItems"`
	}
	w = doRequest(router, http.MethodGet, "/federation/actors/alice/followers?page=1", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page.OrderedItems) != 2 || page.Next == "" {
		t.Errorf("page 1 = %+v", page)
	}

	// json.Unmarshal leaves fields absent from the JSON untouched, so clear
	// the reused struct before decoding the next page.
	page.Next = ""
	page.OrderedItems = nil
	w = doRequest(router, http.MethodGet, "/federation/actors/alice/followers?page=2", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page.OrderedItems) != 1 || page.Next != "" {
		t.Errorf("page 2 = %+v", page)
	}

	if w := doRequest(router, http.MethodGet, "/federation/actors/alice/followers?page=9", nil); w.Code != http.StatusNotFound {
		t.Errorf("out of range page status = %d", w.Code)
	}
}

func TestLibraryFeed(t *testing.T) {
	svc, router := testEnv(t)
	alice, err := svc.EnsureLocalActor("alice", domain.ActorTypePerson)
	if err != nil {
		t.Fatal(err)
	}
	library, err := svc.CreateLocalLibrary(alice, "Music", "the good stuff", domain.LibraryPublic)
	if err != nil {
		t.Fatal(err)
	}

	artist, err := svc.DB.UpsertArtist(&domain.Artist{
		Id: uuid.New(), Fid: "https://local.test/federation/music/artists/1", Name: "Band", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	track, err := svc.DB.UpsertTrack(&domain.Track{
		Id: uuid.New(), Fid: "https://local.test/federation/music/tracks/1",
		Title: "Anthem", ArtistId: artist.Id, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.DB.UpsertUpload(&domain.Upload{
		Id: uuid.New(), Fid: "https://local.test/federation/music/uploads/1",
		LibraryId: library.Id, TrackId: track.Id,
		AudioURL: "https://local.test/files/1.ogg", MimeType: "audio/ogg", Size: 100,
		Published: time.Now(), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	w := doRequest(router, http.MethodGet, fmt.Sprintf("/feeds/libraries/%s", library.Id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "<rss") || !strings.Contains(body, "Band - Anthem") {
		t.Errorf("feed = %s", body)
	}
	if !strings.Contains(body, "enclosure") {
		t.Error("feed item carries no enclosure")
	}

	private, err := svc.CreateLocalLibrary(alice, "Stash", "", domain.LibraryPrivate)
	if err != nil {
		t.Fatal(err)
	}
	if w := doRequest(router, http.MethodGet, fmt.Sprintf("/feeds/libraries/%s", private.Id), nil); w.Code != http.StatusForbidden {
		t.Errorf("private feed status = %d", w.Code)
	}
}
