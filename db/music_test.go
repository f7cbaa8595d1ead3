package db

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tonearm/tonearm/domain"
)

func testTrack(t *testing.T, d *DB, fid, title string, artistId, albumId uuid.UUID, mbid string) *domain.Track {
	t.Helper()
	track, err := d.UpsertTrack(&domain.Track{
		Id: uuid.New(), Fid: fid, Title: title,
		ArtistId: artistId, AlbumId: albumId, MusicbrainzId: mbid,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return track
}

func TestFindTrackByDedup(t *testing.T) {
	d := testDB(t)
	artist, err := d.UpsertArtist(&domain.Artist{
		Id: uuid.New(), Fid: "https://remote.test/artists/band", Name: "Band", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	album, err := d.UpsertAlbum(&domain.Album{
		Id: uuid.New(), Fid: "https://remote.test/albums/lp", Title: "LP", ArtistId: artist.Id, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	track := testTrack(t, d, "https://remote.test/tracks/one", "Anthem", artist.Id, album.Id, "mbid-1")

	// Same title, artist and album resolves to the stored recording.
	got, err := d.FindTrackByDedup("Anthem", artist.Id, album.Id, "")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Id != track.Id {
		t.Errorf("dedup by title returned %+v", got)
	}

	// A musicbrainz id wins regardless of the other fields.
	got, err = d.FindTrackByDedup("Different Title", uuid.Nil, uuid.Nil, "mbid-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Id != track.Id {
		t.Errorf("dedup by mbid returned %+v", got)
	}

	// No match surfaces as a no-rows miss.
	got, err = d.FindTrackByDedup("Unknown", artist.Id, album.Id, "")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("miss returned %+v, %v", got, err)
	}
}

func TestUpsertUploadKeepsRow(t *testing.T) {
	d := testDB(t)
	owner := testActor(t, d, "bob", false)
	library := testLibrary(t, d, owner, false)
	track := testTrack(t, d, "https://remote.test/tracks/one", "Anthem", uuid.Nil, uuid.Nil, "")

	upload := &domain.Upload{
		Id: uuid.New(), Fid: "https://remote.test/uploads/one",
		LibraryId: library.Id, TrackId: track.Id,
		AudioURL: "https://remote.test/files/one.ogg", MimeType: "audio/ogg",
		Size: 100, CreatedAt: time.Now(),
	}
	if _, err := d.UpsertUpload(upload); err != nil {
		t.Fatal(err)
	}

	// A replayed upload keeps the stored row but may move the track link
	// when the recording was deduplicated elsewhere.
	canonical := testTrack(t, d, "https://remote.test/tracks/canonical", "Anthem", uuid.Nil, uuid.Nil, "mbid-1")
	update := *upload
	update.Id = uuid.New()
	update.TrackId = canonical.Id
	update.AudioURL = "https://remote.test/files/one.opus"
	stored, err := d.UpsertUpload(&update)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Id != upload.Id {
		t.Error("upsert replaced the upload row")
	}
	if stored.TrackId != canonical.Id {
		t.Errorf("track link not moved: %+v", stored)
	}
	if stored.AudioURL != upload.AudioURL {
		t.Errorf("replay rewrote immutable fields: %+v", stored)
	}
	if n, _ := d.CountUploadsByLibrary(library.Id); n != 1 {
		t.Errorf("library has %d uploads, want 1", n)
	}
}

func TestCrawlLease(t *testing.T) {
	d := testDB(t)
	owner := testActor(t, d, "bob", false)
	library := testLibrary(t, d, owner, false)

	acquired, err := d.AcquireCrawlLease(library.Id, time.Hour)
	if err != nil || !acquired {
		t.Fatalf("first acquire: %v %v", acquired, err)
	}

	// A held lease cannot be taken.
	acquired, err = d.AcquireCrawlLease(library.Id, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if acquired {
		t.Error("held lease was acquired twice")
	}

	if err := d.ReleaseCrawlLease(library.Id); err != nil {
		t.Fatal(err)
	}
	acquired, err = d.AcquireCrawlLease(library.Id, time.Hour)
	if err != nil || !acquired {
		t.Fatalf("acquire after release: %v %v", acquired, err)
	}
}

func TestExpiredCrawlLeaseIsTakenOver(t *testing.T) {
	d := testDB(t)
	owner := testActor(t, d, "bob", false)
	library := testLibrary(t, d, owner, false)

	if acquired, _ := d.AcquireCrawlLease(library.Id, -time.Minute); !acquired {
		t.Fatal("setup acquire failed")
	}
	acquired, err := d.AcquireCrawlLease(library.Id, time.Hour)
	if err != nil || !acquired {
		t.Fatalf("expired lease not taken over: %v %v", acquired, err)
	}
}

func TestCrawlCursorSurvivesLeaseRelease(t *testing.T) {
	d := testDB(t)
	owner := testActor(t, d, "bob", false)
	library := testLibrary(t, d, owner, false)

	if acquired, _ := d.AcquireCrawlLease(library.Id, time.Hour); !acquired {
		t.Fatal("acquire failed")
	}
	published := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if err := d.SaveCrawlCursor(library.Id, "https://remote.test/page2", published); err != nil {
		t.Fatal(err)
	}
	if err := d.ReleaseCrawlLease(library.Id); err != nil {
		t.Fatal(err)
	}

	state, err := d.ReadCrawlState(library.Id)
	if err != nil {
		t.Fatal(err)
	}
	if state.Cursor != "https://remote.test/page2" {
		t.Errorf("cursor = %q", state.Cursor)
	}
	if !state.LastPublished.Equal(published) {
		t.Errorf("last published = %v", state.LastPublished)
	}
	if !state.LeaseExpiresAt.IsZero() {
		t.Errorf("lease still held: %v", state.LeaseExpiresAt)
	}
}

func TestDeleteLibraryCascades(t *testing.T) {
	d := testDB(t)
	owner := testActor(t, d, "bob", false)
	library := testLibrary(t, d, owner, false)
	track := testTrack(t, d, "https://remote.test/tracks/one", "Anthem", uuid.Nil, uuid.Nil, "")

	upload := &domain.Upload{
		Id: uuid.New(), Fid: "https://remote.test/uploads/one",
		LibraryId: library.Id, TrackId: track.Id, CreatedAt: time.Now(),
	}
	if _, err := d.UpsertUpload(upload); err != nil {
		t.Fatal(err)
	}
	if acquired, _ := d.AcquireCrawlLease(library.Id, time.Hour); !acquired {
		t.Fatal("acquire failed")
	}

	if err := d.DeleteLibrary(library.Id); err != nil {
		t.Fatal(err)
	}

	if lib, _ := d.ReadLibraryById(library.Id); lib != nil {
		t.Error("library survived delete")
	}
	if n, _ := d.CountUploadsByLibrary(library.Id); n != 0 {
		t.Errorf("%d uploads survived delete", n)
	}
	// The canonical track outlives the library; other uploads may share it.
	if tr, _ := d.ReadTrackByFid(track.Fid); tr == nil {
		t.Error("track deleted with the library")
	}
}

func TestFindArtistAndAlbumByName(t *testing.T) {
	d := testDB(t)
	artist, _ := d.UpsertArtist(&domain.Artist{
		Id: uuid.New(), Fid: "https://local.test/federation/music/artists/1", Name: "Band", CreatedAt: time.Now(),
	})
	album, _ := d.UpsertAlbum(&domain.Album{
		Id: uuid.New(), Fid: "https://local.test/federation/music/albums/1", Title: "LP", ArtistId: artist.Id, CreatedAt: time.Now(),
	})

	gotArtist, err := d.FindArtistByName("Band")
	if err != nil || gotArtist == nil || gotArtist.Id != artist.Id {
		t.Errorf("FindArtistByName = %+v, %v", gotArtist, err)
	}
	gotAlbum, err := d.FindAlbumByTitle("LP", artist.Id)
	if err != nil || gotAlbum == nil || gotAlbum.Id != album.Id {
		t.Errorf("FindAlbumByTitle = %+v, %v", gotAlbum, err)
	}
	if missing, _ := d.FindArtistByName("Nobody"); missing != nil {
		t.Errorf("phantom artist %+v", missing)
	}
}
