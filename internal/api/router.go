package api

import (
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"epd-frame-backend/config"
	"epd-frame-backend/internal/mw"
	"epd-frame-backend/internal/store"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(cfg *config.ServerConfig, s store.Store, frames FrameService, webpushOptions *webpush.Options, logger zerolog.Logger) *gin.Engine {
	r := gin.Default()
	r.HandleMethodNotAllowed = true
	// Devices do not follow redirects; /frame/ is routed explicitly instead.
	r.RedirectTrailingSlash = false
	if cfg.RequestIPHeader != "" {
		r.TrustedPlatform = cfg.RequestIPHeader
	}
	// Client addresses end up in telemetry and the rate limiter, so
	// X-Forwarded-For is only honored from configured proxies.
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		logger.Error().Err(err).Strs("trusted_proxies", cfg.TrustedProxies).Msg("invalid trusted proxies, trusting none")
		_ = r.SetTrustedProxies(nil)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})

	handler := NewHandler(s, frames, webpushOptions, logger)

	r.Use(mw.CORS())

	// Device endpoints
	device := r.Group("/", mw.APIKey(cfg.APIKey))
	{
		device.GET("/frame", handler.GetFrame)
		device.GET("/frame/", handler.GetFrame)
		device.POST("/telemetry", handler.PostTelemetry)
	}

	// Rate limit and cache settings come from the server config.
	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 2*ttl)
	caching := mw.Cache(cacheStore, ttl)

	// API group
	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/album", caching, GetAlbum(s))

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
