// Package server exposes the attendance service over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"uniscan/internal/attendance"
	"uniscan/internal/auth"
	"uniscan/internal/clock"
	"uniscan/internal/httpmiddleware"
	"uniscan/internal/metrics"
	"uniscan/internal/tally"
)

// Banner is served on GET / so load balancers and humans can tell the
// process is up.
const Banner = "UniScan backend is running!"

// Probe reports whether a dependency is reachable.
type Probe func(ctx context.Context) bool

// Deps wires the router. Service, Tokens and Tally are required.
type Deps struct {
	Service     *attendance.Service
	Tokens      auth.Verifier
	Tally       tally.Store
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Limiter     httpmiddleware.Limiter
	Probes      map[string]Probe
	CORSOrigins []string
	Clock       clock.Clock
	Location    *time.Location
}

type handler struct {
	svc    *attendance.Service
	tally  tally.Store
	probes map[string]Probe
	clock  clock.Clock
	loc    *time.Location
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(d Deps) *gin.Engine {
	h := &handler{svc: d.Service, tally: d.Tally, probes: d.Probes, clock: d.Clock, loc: d.Location}
	if h.clock == nil {
		h.clock = clock.Real{}
	}
	if h.loc == nil {
		h.loc = time.Local
	}
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	if d.Metrics != nil {
		r.Use(d.Metrics.GinMiddleware())
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Content-Type"},
		MaxAge:        12 * time.Hour,
	}))
	r.Use(securityHeaders())

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, Banner) })
	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	public := r.Group("/auth")
	if d.Limiter != nil {
		public.Use(httpmiddleware.RateLimit(d.Limiter))
	}
	public.POST("/register", h.register)
	public.POST("/login", h.login)

	gate := auth.RequireIdentity(d.Tokens)
	r.GET("/auth/me", gate, h.me)

	att := r.Group("/attendance", gate)
	att.POST("", h.markAttendance)
	att.GET("/:id", h.history)

	admin := r.Group("/admin", gate, auth.RequireRole(auth.RoleAdmin))
	admin.GET("/tally", h.dailyTally)

	return r
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
