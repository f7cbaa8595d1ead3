package domain

import (
	"time"

	"github.com/google/uuid"
)

// Library privacy levels.
const (
	LibraryPublic   = "public"
	LibraryInstance = "instance"
	LibraryPrivate  = "me"
)

// Library is a publishable, subscribable collection of uploads owned by an
// actor. Remote libraries are crawled; local libraries are published.
type Library struct {
	Id           uuid.UUID
	Fid          string
	ActorId      uuid.UUID
	Name         string
	Summary      string
	Privacy      string
	FollowersURI string
	UploadsURI   string
	Local        bool
	CreatedAt    time.Time
}

// LibraryCrawl carries the resumable crawl state of one remote library. The
// lease serializes crawls; a crawler holding an expired lease has crashed and
// the next scheduler tick may take over.
type LibraryCrawl struct {
	LibraryId      uuid.UUID
	Cursor         string // next page URL, empty when the walk is done
	LeaseExpiresAt time.Time
	LastPublished  time.Time
	UpdatedAt      time.Time
}

type Artist struct {
	Id            uuid.UUID
	Fid           string
	Name          string
	MusicbrainzId string
	CreatedAt     time.Time
}

type Album struct {
	Id            uuid.UUID
	Fid           string
	Title         string
	ArtistId      uuid.UUID
	ReleaseDate   string
	CoverURL      string
	MusicbrainzId string
	CreatedAt     time.Time
}

type Track struct {
	Id            uuid.UUID
	Fid           string
	Title         string
	ArtistId      uuid.UUID
	AlbumId       uuid.UUID
	Position      int
	Disc          int
	License       string
	MusicbrainzId string
	CreatedAt     time.Time
}

// Upload is a single audio file record. (LibraryId, Fid) is unique; a remote
// upload is immutable once fetched but may be re-linked when its track is
// deduplicated.
type Upload struct {
	Id        uuid.UUID
	Fid       string
	LibraryId uuid.UUID
	TrackId   uuid.UUID
	AudioURL  string
	MimeType  string
	Size      int64
	Duration  int
	Bitrate   int
	Checksum  string
	Published time.Time
	CreatedAt time.Time
}
