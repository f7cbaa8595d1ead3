package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tonearm/tonearm/activitypub"
	"github.com/tonearm/tonearm/domain"
)

// wantsActivityJSON reports whether the client negotiated the JSON-LD
// representation rather than HTML.
func wantsActivityJSON(c *gin.Context) bool {
	accept := c.GetHeader("Accept")
	return strings.Contains(accept, "application/activity+json") ||
		strings.Contains(accept, "application/ld+json") ||
		strings.Contains(accept, "application/json")
}

// HandleActor serves a local actor document.
func HandleActor(svc *activitypub.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := svc.DB.ReadLocalActorByUsername(c.Param("user"))
		if err != nil || actor == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "actor not found"})
			return
		}

		if !wantsActivityJSON(c) {
			c.Header("Content-Type", "text/html; charset=utf-8")
			c.String(http.StatusOK, "<html><body><h1>@%s@%s</h1><p>%s</p></body></html>",
				actor.PreferredUsername, actor.Domain, actor.Summary)
			return
		}

		doc := activitypub.SerializeActor(actor, actor.SharedInboxURI)
		c.Header("Content-Type", activitypub.ContentType)
		c.JSON(http.StatusOK, doc)
	}
}

// HandleFollowers serves an actor's followers as a paged OrderedCollection.
func HandleFollowers(svc *activitypub.Service) gin.HandlerFunc {
	return handleFollowCollection(svc, "followers")
}

// HandleFollowing serves the accepted follows an actor originated.
func HandleFollowing(svc *activitypub.Service) gin.HandlerFunc {
	return handleFollowCollection(svc, "following")
}

func handleFollowCollection(svc *activitypub.Service, kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := svc.DB.ReadLocalActorByUsername(c.Param("user"))
		if err != nil || actor == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "actor not found"})
			return
		}

		var fids []string
		if kind == "followers" {
			follows, err := svc.DB.ReadAcceptedFollowers(actor.Id, uuid.Nil)
			if err != nil {
				abortWith(c, err)
				return
			}
			fids = followFids(svc, follows, true)
		} else {
			follows, err := svc.DB.ReadFollowing(actor.Id)
			if err != nil {
				abortWith(c, err)
				return
			}
			fids = followFids(svc, follows, false)
		}

		collectionURI := actor.FollowersURI
		if kind == "following" {
			collectionURI = actor.FollowingURI
		}
		serveCollection(c, svc, collectionURI, fids)
	}
}

// followFids resolves follow rows to actor fids, follower side or target side.
func followFids(svc *activitypub.Service, follows []domain.Follow, followerSide bool) []string {
	fids := make([]string, 0, len(follows))
	for _, f := range follows {
		id := f.TargetId
		if followerSide {
			id = f.ActorId
		}
		if a, err := svc.DB.ReadActorById(id); err == nil && a != nil {
			fids = append(fids, a.Fid)
		}
	}
	return fids
}

// serveCollection renders either the collection envelope or one of its pages,
// depending on the page query parameter.
func serveCollection(c *gin.Context, svc *activitypub.Service, collectionURI string, fids []string) {
	c.Header("Content-Type", activitypub.ContentType)

	pageSize := svc.Conf.Conf.Federation.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	pageParam := c.Query("page")
	if pageParam == "" {
		first := ""
		if len(fids) > 0 {
			first = collectionURI + "?page=1"
		}
		c.JSON(http.StatusOK, activitypub.OrderedCollection{
			Context:    activitypub.DocumentContext(),
			Type:       "OrderedCollection",
			ID:         collectionURI,
			TotalItems: len(fids),
			First:      first,
		})
		return
	}

	page, err := strconv.Atoi(pageParam)
	if err != nil || page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}

	start := (page - 1) * pageSize
	if start >= len(fids) && start > 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "page out of range"})
		return
	}
	end := start + pageSize
	if end > len(fids) {
		end = len(fids)
	}

	items := make([]interface{}, 0, end-start)
	for _, fid := range fids[start:end] {
		items = append(items, fid)
	}

	next := ""
	if end < len(fids) {
		next = fmt.Sprintf("%s?page=%d", collectionURI, page+1)
	}
	c.JSON(http.StatusOK, activitypub.OutboundPage{
		Context:      activitypub.DocumentContext(),
		Type:         "OrderedCollectionPage",
		ID:           fmt.Sprintf("%s?page=%d", collectionURI, page),
		PartOf:       collectionURI,
		Next:         next,
		OrderedItems: items,
	})
}
