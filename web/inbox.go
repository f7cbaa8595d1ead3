package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tonearm/tonearm/activitypub"
)

// HandleSharedInbox accepts deliveries addressed to the whole instance.
func HandleSharedInbox(svc *activitypub.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}
		if err := svc.ProcessInbound(c.Request.Context(), c.Request, body, nil); err != nil {
			abortWith(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	}
}

// HandleActorInbox accepts deliveries addressed to one local actor.
func HandleActorInbox(svc *activitypub.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		recipient, err := svc.DB.ReadLocalActorByUsername(c.Param("user"))
		if err != nil || recipient == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "actor not found"})
			return
		}
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}
		if err := svc.ProcessInbound(c.Request.Context(), c.Request, body, recipient); err != nil {
			abortWith(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	}
}
