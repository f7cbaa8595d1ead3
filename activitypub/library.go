package activitypub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/tonearm/tonearm/domain"
	"github.com/tonearm/tonearm/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	// CrawlTick is the scheduler's interval between crawl passes.
	CrawlTick = 10 * time.Minute

	// CrawlLeaseTTL bounds how long a crawler may sit on a library before a
	// crashed run stops blocking it.
	CrawlLeaseTTL = time.Hour

	// crawlMaxPages caps the pages fetched in a single pass. A huge library
	// finishes over several passes via the saved cursor.
	crawlMaxPages = 50

	crawlConcurrency = 4
)

// FetchRemoteLibrary dereferences a library document, resolves its owner and
// mirrors the library row. It does not crawl the contents; the scheduler or
// an explicit CrawlLibrary call does that.
func (s *Service) FetchRemoteLibrary(ctx context.Context, fid string) (*domain.Library, error) {
	body, err := s.SignedGet(ctx, fid)
	if err != nil {
		return nil, err
	}
	doc, err := ParseLibraryObject(body)
	if err != nil {
		return nil, err
	}
	if hostOf(doc.ID) != hostOf(fid) {
		return nil, fmt.Errorf("%w: library document id %q does not match %q", ErrInvalidPayload, doc.ID, fid)
	}

	owner, err := s.GetOrFetchActor(ctx, doc.Actor)
	if err != nil {
		return nil, err
	}

	library := &domain.Library{
		Id:           uuid.New(),
		Fid:          doc.ID,
		ActorId:      owner.Id,
		Name:         doc.Name,
		Summary:      doc.Summary,
		Privacy:      doc.Privacy,
		FollowersURI: doc.Followers,
		UploadsURI:   doc.First,
		Local:        false,
		CreatedAt:    time.Now(),
	}
	if library.Privacy == "" {
		library.Privacy = domain.LibraryPrivate
	}
	return s.DB.UpsertLibrary(library)
}

// RunCrawlScheduler periodically sweeps every mirrored remote library. Each
// pass crawls libraries concurrently, bounded so a large mirror set does not
// open one connection per library.
func (s *Service) RunCrawlScheduler(ctx context.Context) {
	ticker := time.NewTicker(CrawlTick)
	defer ticker.Stop()
	log.Info("Crawl scheduler started", "tick", CrawlTick)
	for {
		select {
		case <-ctx.Done():
			log.Info("Crawl scheduler stopped")
			return
		case <-ticker.C:
			if err := s.CrawlAll(ctx); err != nil {
				log.Error("Crawl pass failed", "err", err)
			}
			s.RefreshNodeinfo(ctx)
		}
	}
}

// CrawlAll crawls every remote library once. Libraries whose lease is held
// elsewhere are skipped silently.
func (s *Service) CrawlAll(ctx context.Context) error {
	libraries, err := s.DB.ReadRemoteLibraries()
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(crawlConcurrency)
	for i := range libraries {
		lib := libraries[i]
		g.Go(func() error {
			if err := s.CrawlLibrary(ctx, &lib); err != nil {
				log.Warn("Library crawl failed", "library", lib.Fid, "err", err)
			}
			// One failing library must not cancel the others.
			return nil
		})
	}
	return g.Wait()
}

// CrawlLibrary walks a remote library's upload collection, importing what it
// finds. The walk resumes from the saved cursor, stops early once it reaches
// material older than the last completed crawl, and survives crashes through
// the lease.
func (s *Service) CrawlLibrary(ctx context.Context, library *domain.Library) error {
	if library.Local {
		return fmt.Errorf("refusing to crawl local library %s", library.Fid)
	}

	acquired, err := s.DB.AcquireCrawlLease(library.Id, CrawlLeaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		log.Debug("Crawl lease held elsewhere", "library", library.Fid)
		return nil
	}
	defer func() {
		if err := s.DB.ReleaseCrawlLease(library.Id); err != nil {
			log.Warn("Failed to release crawl lease", "library", library.Fid, "err", err)
		}
	}()

	state, err := s.DB.ReadCrawlState(library.Id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	pageURL := ""
	lastPublished := time.Time{}
	if state != nil {
		pageURL = state.Cursor
		lastPublished = state.LastPublished
	}
	resuming := pageURL != ""
	if !resuming {
		pageURL, err = s.collectionEntry(ctx, library)
		if err != nil {
			return err
		}
	}

	newest := lastPublished
	imported := 0
	for page := 0; pageURL != "" && page < crawlMaxPages; page++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		body, err := s.SignedGet(ctx, pageURL)
		if err != nil {
			metrics.CrawlPages.WithLabelValues("error").Inc()
			// The cursor still points at this page; the next pass retries it.
			return err
		}
		doc, err := ParseCollectionPage(body)
		if err != nil {
			metrics.CrawlPages.WithLabelValues("invalid").Inc()
			return err
		}
		metrics.CrawlPages.WithLabelValues("ok").Inc()

		sawOld := false
		for _, raw := range doc.OrderedItems {
			audio, err := ParseAudioObject(raw)
			if err != nil {
				// One malformed entry must not abort the page.
				log.Warn("Skipping invalid collection item", "library", library.Fid, "err", err)
				continue
			}
			published := audio.PublishedTime()
			if !resuming && !lastPublished.IsZero() && !published.IsZero() && !published.After(lastPublished) {
				sawOld = true
				continue
			}
			if _, err := s.importAudio(library, audio); err != nil {
				log.Warn("Failed to import upload", "fid", audio.ID, "err", err)
				continue
			}
			imported++
			metrics.CrawlUploads.Inc()
			if published.After(newest) {
				newest = published
			}
		}

		// A fresh incremental crawl stops once a page contained nothing new.
		if sawOld && !resuming {
			pageURL = ""
		} else {
			pageURL = doc.Next
		}
		if err := s.DB.SaveCrawlCursor(library.Id, pageURL, newest); err != nil {
			return err
		}
	}

	log.Info("Crawled library", "library", library.Fid, "imported", imported)
	return nil
}

// collectionEntry finds the first page of a library's upload collection,
// refreshing the library document when the stored entry point is missing.
func (s *Service) collectionEntry(ctx context.Context, library *domain.Library) (string, error) {
	if library.UploadsURI != "" {
		return library.UploadsURI, nil
	}
	refreshed, err := s.FetchRemoteLibrary(ctx, library.Fid)
	if err != nil {
		return "", err
	}
	if refreshed.UploadsURI == "" {
		return "", fmt.Errorf("%w: library %s exposes no collection", ErrInvalidPayload, library.Fid)
	}
	library.UploadsURI = refreshed.UploadsURI
	return refreshed.UploadsURI, nil
}

// importAudio maps one Audio document onto artist, album, track and upload
// rows. Tracks are deduplicated across libraries; two uploads of the same
// recording share the canonical track row.
func (s *Service) importAudio(library *domain.Library, audio *AudioObject) (*domain.Upload, error) {
	trackObj := audio.Track

	artistObj := trackObj.Artists[0]
	artist, err := s.DB.UpsertArtist(&domain.Artist{
		Id:            uuid.New(),
		Fid:           artistObj.ID,
		Name:          artistObj.Name,
		MusicbrainzId: artistObj.MusicbrainzId,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store artist %s: %w", artistObj.ID, err)
	}

	albumId := uuid.Nil
	if trackObj.Album != nil && trackObj.Album.ID != "" {
		album := &domain.Album{
			Id:          uuid.New(),
			Fid:         trackObj.Album.ID,
			Title:       trackObj.Album.Name,
			ArtistId:    artist.Id,
			ReleaseDate: trackObj.Album.Released,
			CreatedAt:   time.Now(),
		}
		if trackObj.Album.Cover != nil {
			album.CoverURL = trackObj.Album.Cover.Href
		}
		stored, err := s.DB.UpsertAlbum(album)
		if err != nil {
			return nil, fmt.Errorf("failed to store album %s: %w", album.Fid, err)
		}
		albumId = stored.Id
	}

	track, err := s.resolveTrack(trackObj, artist.Id, albumId)
	if err != nil {
		return nil, err
	}

	upload := &domain.Upload{
		Id:        uuid.New(),
		Fid:       audio.ID,
		LibraryId: library.Id,
		TrackId:   track.Id,
		Duration:  audio.Duration,
		Checksum:  audio.Checksum,
		Published: audio.PublishedTime(),
		CreatedAt: time.Now(),
	}
	if len(audio.URL) > 0 {
		link := audio.URL[0]
		upload.AudioURL = link.Href
		upload.MimeType = link.MediaType
		upload.Size = link.Size
		upload.Bitrate = link.Bitrate
	}
	return s.DB.UpsertUpload(upload)
}

// resolveTrack finds the canonical track for an inbound track object. The
// remote id wins; failing that the dedup key (artist, title, album, mbid)
// links the upload to an already known recording.
func (s *Service) resolveTrack(obj *TrackObject, artistId, albumId uuid.UUID) (*domain.Track, error) {
	if existing, err := s.DB.ReadTrackByFid(obj.ID); err == nil && existing != nil {
		return existing, nil
	}
	if existing, err := s.DB.FindTrackByDedup(obj.Name, artistId, albumId, obj.MusicbrainzId); err == nil && existing != nil {
		return existing, nil
	}
	track, err := s.DB.UpsertTrack(&domain.Track{
		Id:            uuid.New(),
		Fid:           obj.ID,
		Title:         obj.Name,
		ArtistId:      artistId,
		AlbumId:       albumId,
		Position:      obj.Position,
		Disc:          obj.Disc,
		License:       obj.License,
		MusicbrainzId: obj.MusicbrainzId,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store track %s: %w", obj.ID, err)
	}
	return track, nil
}

// SubscribeLibrary follows a remote library and primes its first crawl. The
// crawl itself waits for the Accept unless the library is public.
func (s *Service) SubscribeLibrary(ctx context.Context, libraryFid string) (*domain.Library, *domain.Follow, error) {
	library, err := s.FetchRemoteLibrary(ctx, libraryFid)
	if err != nil {
		return nil, nil, err
	}
	owner, err := s.DB.ReadActorById(library.ActorId)
	if err != nil || owner == nil {
		return nil, nil, fmt.Errorf("library owner missing: %w", err)
	}
	instance, err := s.InstanceActor()
	if err != nil {
		return nil, nil, err
	}
	follow, err := s.SendFollow(instance, owner, library)
	if err != nil {
		return nil, nil, err
	}
	return library, follow, nil
}
