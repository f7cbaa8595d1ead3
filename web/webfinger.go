package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tonearm/tonearm/activitypub"
)

type jrdLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

type jrdDocument struct {
	Subject string    `json:"subject"`
	Aliases []string  `json:"aliases,omitempty"`
	Links   []jrdLink `json:"links"`
}

// HandleWebfinger resolves acct: resources for local actors.
func HandleWebfinger(svc *activitypub.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		resource := c.Query("resource")
		if resource == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing resource parameter"})
			return
		}

		acct := strings.TrimPrefix(resource, "acct:")
		parts := strings.Split(acct, "@")
		if len(parts) != 2 || parts[0] == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed resource"})
			return
		}
		username, host := parts[0], parts[1]

		if host != svc.Conf.Domain() {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown domain"})
			return
		}

		actor, err := svc.DB.ReadLocalActorByUsername(username)
		if err != nil || actor == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such actor"})
			return
		}

		c.Header("Content-Type", "application/jrd+json; charset=utf-8")
		c.JSON(http.StatusOK, jrdDocument{
			Subject: fmt.Sprintf("acct:%s@%s", actor.PreferredUsername, actor.Domain),
			Aliases: []string{actor.Fid},
			Links: []jrdLink{
				{
					Rel:  "self",
					Type: activitypub.ContentType,
					Href: actor.Fid,
				},
			},
		})
	}
}
