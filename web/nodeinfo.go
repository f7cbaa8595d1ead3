package web

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tonearm/tonearm/activitypub"
)

// HandleNodeinfoPointer serves the .well-known discovery document.
func HandleNodeinfoPointer(svc *activitypub.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"links": []gin.H{
				{
					"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
					"href": fmt.Sprintf("%s/api/v1/instance/nodeinfo/2.0", svc.Conf.BaseURL()),
				},
			},
		})
	}
}

// HandleNodeinfo serves the instance's nodeinfo 2.0 document.
func HandleNodeinfo(svc *activitypub.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, err := svc.LocalNodeinfo()
		if err != nil {
			abortWith(c, err)
			return
		}
		c.Header("Content-Type", `application/json; profile="http://nodeinfo.diaspora.software/ns/schema/2.0#"`)
		c.JSON(http.StatusOK, doc)
	}
}
