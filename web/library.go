package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tonearm/tonearm/activitypub"
	"github.com/tonearm/tonearm/domain"
)

// libraryAccess checks whether the requester may see a library's contents.
// Public libraries are open; anything else needs a signed GET from an actor
// whose follow of the library was accepted.
func libraryAccess(svc *activitypub.Service, c *gin.Context, library *domain.Library) error {
	if library.Privacy == domain.LibraryPublic {
		return nil
	}

	keyId, err := activitypub.ExtractKeyId(c.Request)
	if err != nil {
		return err
	}
	requester, err := svc.GetOrFetchActor(c.Request.Context(), activitypub.ActorFromKeyId(keyId))
	if err != nil {
		return err
	}
	if _, err := activitypub.VerifyRequest(c.Request, nil, requester.PublicKeyPem); err != nil {
		return err
	}

	follow, err := svc.DB.ReadFollowByPair(requester.Id, library.ActorId, library.Id)
	if err != nil || follow == nil || follow.State != domain.FollowAccepted {
		return fmt.Errorf("%w: %s does not follow library %s",
			activitypub.ErrUnauthorized, requester.Fid, library.Fid)
	}
	return nil
}

// HandleLibrary serves a local library document.
func HandleLibrary(svc *activitypub.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		library, ok := localLibrary(svc, c)
		if !ok {
			return
		}

		total, err := svc.DB.CountUploadsByLibrary(library.Id)
		if err != nil {
			abortWith(c, err)
			return
		}

		first := ""
		if total > 0 {
			first = library.UploadsURI + "?page=1"
		}
		c.Header("Content-Type", activitypub.ContentType)
		c.JSON(http.StatusOK, activitypub.LibraryObject{
			Context:    activitypub.DocumentContext(),
			Type:       "Library",
			ID:         library.Fid,
			Actor:      actorFid(svc, library.ActorId),
			Name:       library.Name,
			Summary:    library.Summary,
			Privacy:    library.Privacy,
			Followers:  library.FollowersURI,
			TotalItems: total,
			First:      first,
		})
	}
}

// HandleLibraryUploads serves one page of a library's upload collection.
// Non-public libraries require an accepted follow.
func HandleLibraryUploads(svc *activitypub.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		library, ok := localLibrary(svc, c)
		if !ok {
			return
		}
		if err := libraryAccess(svc, c, library); err != nil {
			abortWith(c, err)
			return
		}

		pageSize := svc.Conf.Conf.Federation.PageSize
		if pageSize <= 0 {
			pageSize = 100
		}
		page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
		if err != nil || page < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
			return
		}

		uploads, err := svc.DB.ReadUploadsByLibrary(library.Id, pageSize, (page-1)*pageSize)
		if err != nil {
			abortWith(c, err)
			return
		}

		items := make([]interface{}, 0, len(uploads))
		for i := range uploads {
			audio := serializeUploadFull(svc, &uploads[i], library.Fid)
			if audio != nil {
				items = append(items, audio)
			}
		}

		next := ""
		if len(uploads) == pageSize {
			next = fmt.Sprintf("%s?page=%d", library.UploadsURI, page+1)
		}
		c.Header("Content-Type", activitypub.ContentType)
		c.JSON(http.StatusOK, activitypub.OutboundPage{
			Context:      activitypub.DocumentContext(),
			Type:         "OrderedCollectionPage",
			ID:           fmt.Sprintf("%s?page=%d", library.UploadsURI, page),
			PartOf:       library.UploadsURI,
			Next:         next,
			OrderedItems: items,
		})
	}
}

func localLibrary(svc *activitypub.Service, c *gin.Context) (*domain.Library, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "library not found"})
		return nil, false
	}
	library, err := svc.DB.ReadLibraryById(id)
	if err != nil || library == nil || !library.Local {
		c.JSON(http.StatusNotFound, gin.H{"error": "library not found"})
		return nil, false
	}
	return library, true
}

func actorFid(svc *activitypub.Service, id uuid.UUID) string {
	if a, err := svc.DB.ReadActorById(id); err == nil && a != nil {
		return a.Fid
	}
	return ""
}

// serializeUploadFull loads an upload's track, album and artist rows and
// renders the Audio document. A dangling track link yields nil.
func serializeUploadFull(svc *activitypub.Service, u *domain.Upload, libraryFid string) *activitypub.AudioObject {
	track, err := svc.DB.ReadTrackById(u.TrackId)
	if err != nil || track == nil {
		return nil
	}
	var album *domain.Album
	if track.AlbumId != uuid.Nil {
		album, _ = svc.DB.ReadAlbumById(track.AlbumId)
	}
	var artist *domain.Artist
	if track.ArtistId != uuid.Nil {
		artist, _ = svc.DB.ReadArtistById(track.ArtistId)
	}
	return activitypub.SerializeUpload(u, track, album, artist, libraryFid)
}
