package web

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
	"github.com/tonearm/tonearm/activitypub"
	"github.com/tonearm/tonearm/domain"
)

const feedItemLimit = 50

// HandleLibraryFeed serves the newest uploads of a public local library as an
// RSS feed, so a library is followable from a plain feed reader too.
func HandleLibraryFeed(svc *activitypub.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		library, ok := localLibrary(svc, c)
		if !ok {
			return
		}
		if library.Privacy != domain.LibraryPublic {
			c.JSON(http.StatusForbidden, gin.H{"error": "library is not public"})
			return
		}

		uploads, err := svc.DB.ReadUploadsByLibrary(library.Id, feedItemLimit, 0)
		if err != nil {
			abortWith(c, err)
			return
		}

		feed := &feeds.Feed{
			Title:       library.Name,
			Link:        &feeds.Link{Href: library.Fid},
			Description: library.Summary,
		}

		for i := range uploads {
			u := &uploads[i]
			track, err := svc.DB.ReadTrackById(u.TrackId)
			if err != nil || track == nil {
				continue
			}
			title := track.Title
			if artist, err := svc.DB.ReadArtistById(track.ArtistId); err == nil && artist != nil {
				title = fmt.Sprintf("%s - %s", artist.Name, track.Title)
			}
			item := &feeds.Item{
				Id:      u.Fid,
				Title:   title,
				Link:    &feeds.Link{Href: u.Fid},
				Created: u.Published,
			}
			if u.AudioURL != "" {
				item.Enclosure = &feeds.Enclosure{
					Url:    u.AudioURL,
					Type:   u.MimeType,
					Length: fmt.Sprintf("%d", u.Size),
				}
			}
			feed.Items = append(feed.Items, item)
		}

		rss, err := feed.ToRss()
		if err != nil {
			abortWith(c, err)
			return
		}
		c.Header("Content-Type", "application/rss+xml; charset=utf-8")
		c.String(http.StatusOK, rss)
	}
}
