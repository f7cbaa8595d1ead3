package web

import (
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tonearm/tonearm/activitypub"
	"golang.org/x/time/rate"
)

// NewRouter assembles the HTTP surface: federation endpoints, discovery,
// feeds and metrics.
func NewRouter(svc *activitypub.Service) *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limit: 10 requests per second per IP, burst of 20.
	g.Use(RateLimitMiddleware(NewRateLimiter(rate.Limit(10), 20)))

	g.GET("/.well-known/webfinger", HandleWebfinger(svc))
	g.GET("/.well-known/nodeinfo", HandleNodeinfoPointer(svc))
	g.GET("/api/v1/instance/nodeinfo/2.0", HandleNodeinfo(svc))

	g.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g.GET("/feeds/libraries/:id", HandleLibraryFeed(svc))

	if svc.Conf.Conf.Federation.Enabled {
		// Federation endpoints get a tighter limit and a body cap: activity
		// documents are small, so anything past 1MB is garbage or abuse.
		apLimiter := RateLimitMiddleware(NewRateLimiter(rate.Limit(5), 10))
		maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

		fed := g.Group("/federation", apLimiter)
		fed.POST("/inbox", maxBodySize, HandleSharedInbox(svc))
		fed.POST("/actors/:user/inbox", maxBodySize, HandleActorInbox(svc))
		fed.GET("/actors/:user", HandleActor(svc))
		fed.GET("/actors/:user/followers", HandleFollowers(svc))
		fed.GET("/actors/:user/following", HandleFollowing(svc))
		fed.GET("/libraries/:id", HandleLibrary(svc))
		fed.GET("/libraries/:id/uploads", HandleLibraryUploads(svc))
	}

	return g
}

// Serve runs the router on the configured address.
func Serve(svc *activitypub.Service) error {
	addr := fmt.Sprintf("%s:%d", svc.Conf.Conf.Host, svc.Conf.Conf.HttpPort)
	log.Info("Starting HTTP server", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: NewRouter(svc)}
	return srv.ListenAndServe()
}
