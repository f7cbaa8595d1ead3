package activitypub

import (
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/tonearm/tonearm/domain"
)

// CreateLocalLibrary creates a library owned by a local actor, with its
// federation URIs laid out under /federation/libraries.
func (s *Service) CreateLocalLibrary(owner *domain.Actor, name, summary, privacy string) (*domain.Library, error) {
	if !owner.Local {
		return nil, fmt.Errorf("%w: %s is not a local actor", ErrUnauthorized, owner.Fid)
	}
	switch privacy {
	case domain.LibraryPublic, domain.LibraryInstance, domain.LibraryPrivate:
	default:
		return nil, fmt.Errorf("%w: unknown privacy level %q", ErrInvalidPayload, privacy)
	}

	id := uuid.New()
	fid := fmt.Sprintf("%s/federation/libraries/%s", s.Conf.BaseURL(), id.String())
	library := &domain.Library{
		Id:           id,
		Fid:          fid,
		ActorId:      owner.Id,
		Name:         name,
		Summary:      summary,
		Privacy:      privacy,
		FollowersURI: fid + "/followers",
		UploadsURI:   fid + "/uploads",
		Local:        true,
		CreatedAt:    time.Now(),
	}
	if err := s.DB.CreateLibrary(library); err != nil {
		return nil, fmt.Errorf("failed to create library: %w", err)
	}
	log.Info("Created local library", "name", name, "privacy", privacy, "owner", owner.Fid)
	return library, nil
}

// EnsureDefaultLibrary returns the owner's first library, creating a public
// one when none exists yet.
func (s *Service) EnsureDefaultLibrary(owner *domain.Actor) (*domain.Library, error) {
	libraries, err := s.DB.ReadLibrariesByActorId(owner.Id)
	if err != nil {
		return nil, err
	}
	for i := range libraries {
		if libraries[i].Local {
			return &libraries[i], nil
		}
	}
	return s.CreateLocalLibrary(owner, "Music", "", domain.LibraryPublic)
}

// LocalUploadInput is the metadata of a file added to a local library.
type LocalUploadInput struct {
	Title      string
	ArtistName string
	AlbumTitle string
	AudioURL   string
	MimeType   string
	Size       int64
	Duration   int
	Checksum   string
}

// AddLocalUpload stores a new upload with its artist, album and track rows,
// then announces it to the library's followers.
func (s *Service) AddLocalUpload(owner *domain.Actor, library *domain.Library, in LocalUploadInput) (*domain.Upload, error) {
	if library.ActorId != owner.Id {
		return nil, fmt.Errorf("%w: library %s does not belong to %s", ErrUnauthorized, library.Fid, owner.Fid)
	}
	if in.Title == "" || in.ArtistName == "" {
		return nil, fmt.Errorf("%w: upload needs a title and an artist", ErrInvalidPayload)
	}

	base := s.Conf.BaseURL()

	// Reuse existing artist and album rows by name; the fid-keyed upserts in
	// the import would otherwise mint duplicates on every call.
	artistFid := fmt.Sprintf("%s/federation/music/artists/%s", base, uuid.New().String())
	var artistId uuid.UUID
	if a, err := s.DB.FindArtistByName(in.ArtistName); err == nil && a != nil {
		artistFid = a.Fid
		artistId = a.Id
	}

	audio := &AudioObject{
		Type:    "Audio",
		ID:      fmt.Sprintf("%s/federation/music/uploads/%s", base, uuid.New().String()),
		Library: library.Fid,
		Track: &TrackObject{
			Type: "Track",
			ID:   fmt.Sprintf("%s/federation/music/tracks/%s", base, uuid.New().String()),
			Name: in.Title,
			Artists: []ArtistObject{{
				Type: "Artist",
				ID:   artistFid,
				Name: in.ArtistName,
			}},
		},
		Duration:  in.Duration,
		Checksum:  in.Checksum,
		Published: time.Now().UTC().Format(time.RFC3339),
	}
	if in.AlbumTitle != "" {
		albumFid := fmt.Sprintf("%s/federation/music/albums/%s", base, uuid.New().String())
		if artistId != uuid.Nil {
			if album, err := s.DB.FindAlbumByTitle(in.AlbumTitle, artistId); err == nil && album != nil {
				albumFid = album.Fid
			}
		}
		audio.Track.Album = &AlbumObject{
			Type: "Album",
			ID:   albumFid,
			Name: in.AlbumTitle,
		}
	}
	if in.AudioURL != "" {
		audio.URL = []LinkObject{{Href: in.AudioURL, MediaType: in.MimeType, Size: in.Size}}
	}

	upload, err := s.importAudio(library, audio)
	if err != nil {
		return nil, err
	}

	if err := s.SendCreateAudio(owner, library, audio); err != nil {
		log.Warn("Failed to announce upload", "fid", upload.Fid, "err", err)
	}
	return upload, nil
}

// RemoveLocalUpload deletes an upload from a local library and announces the
// removal to the library's followers.
func (s *Service) RemoveLocalUpload(owner *domain.Actor, library *domain.Library, upload *domain.Upload) error {
	if library.ActorId != owner.Id {
		return fmt.Errorf("%w: library %s does not belong to %s", ErrUnauthorized, library.Fid, owner.Fid)
	}
	if err := s.SendDeleteAudio(owner, library, upload.Fid); err != nil {
		log.Warn("Failed to announce removal", "fid", upload.Fid, "err", err)
	}
	return s.DB.DeleteUploadByFid(upload.Fid)
}

var audioExtensions = map[string]bool{
	".mp3":  true,
	".ogg":  true,
	".opus": true,
	".flac": true,
	".m4a":  true,
	".aac":  true,
}

// ScanMusicDirectory walks the configured music directory and imports files
// laid out as artist/album/title.ext into the owner's default library. Files
// already imported, matched by path-derived metadata, are skipped.
func (s *Service) ScanMusicDirectory(owner *domain.Actor) error {
	root := s.Conf.Conf.MusicDirectory
	if root == "" {
		return nil
	}
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("music directory unavailable: %w", err)
	}

	library, err := s.EnsureDefaultLibrary(owner)
	if err != nil {
		return err
	}

	imported := 0
	seen := make(map[uuid.UUID]bool)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !audioExtensions[ext] {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		in := uploadInputFromPath(rel, ext)

		info, err := d.Info()
		if err == nil {
			in.Size = info.Size()
		}
		if existing := s.findLocalUpload(library, in); existing != nil {
			seen[existing.Id] = true
			return nil
		}
		upload, err := s.AddLocalUpload(owner, library, in)
		if err != nil {
			log.Warn("Failed to import file", "path", rel, "err", err)
			return nil
		}
		seen[upload.Id] = true
		imported++
		return nil
	})
	if err != nil {
		return err
	}

	// Uploads whose file disappeared since the last scan get retired and the
	// removal announced.
	removed, err := s.retireMissingUploads(owner, library, seen)
	if err != nil {
		log.Warn("Failed to retire missing uploads", "err", err)
	}
	if imported > 0 || removed > 0 {
		log.Info("Synced music directory", "imported", imported, "removed", removed)
	}
	return nil
}

func (s *Service) retireMissingUploads(owner *domain.Actor, library *domain.Library, seen map[uuid.UUID]bool) (int, error) {
	total, err := s.DB.CountUploadsByLibrary(library.Id)
	if err != nil {
		return 0, err
	}
	uploads, err := s.DB.ReadUploadsByLibrary(library.Id, total, 0)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := range uploads {
		if seen[uploads[i].Id] {
			continue
		}
		if err := s.RemoveLocalUpload(owner, library, &uploads[i]); err != nil {
			log.Warn("Failed to remove upload", "fid", uploads[i].Fid, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// uploadInputFromPath derives metadata from a relative path. One segment is a
// bare title, two are artist/title, three or more artist/album/title.
func uploadInputFromPath(rel, ext string) LocalUploadInput {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	title := strings.TrimSuffix(parts[len(parts)-1], ext)

	in := LocalUploadInput{
		Title:      title,
		ArtistName: "Unknown Artist",
		MimeType:   mime.TypeByExtension(ext),
	}
	if len(parts) >= 2 {
		in.ArtistName = parts[0]
	}
	if len(parts) >= 3 {
		in.AlbumTitle = parts[1]
	}
	return in
}

// findLocalUpload checks whether a scanned file already has an upload row,
// matching on the deduplicated track.
func (s *Service) findLocalUpload(library *domain.Library, in LocalUploadInput) *domain.Upload {
	artist, err := s.DB.FindArtistByName(in.ArtistName)
	if err != nil || artist == nil {
		return nil
	}
	albumId := uuid.Nil
	if in.AlbumTitle != "" {
		album, err := s.DB.FindAlbumByTitle(in.AlbumTitle, artist.Id)
		if err != nil || album == nil {
			return nil
		}
		albumId = album.Id
	}
	track, err := s.DB.FindTrackByDedup(in.Title, artist.Id, albumId, "")
	if err != nil || track == nil {
		return nil
	}
	upload, err := s.DB.FindUploadByTrack(library.Id, track.Id)
	if err != nil {
		return nil
	}
	return upload
}
