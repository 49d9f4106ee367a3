// Package api exposes subscription management and notification triggers
// over HTTP.
package api

import (
	"errors"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wafflemaker/webpush"
	"github.com/wafflemaker/webpush/storage"
)

// UserHeader carries the authenticated user. Sessions are handled by the
// fronting application.
const UserHeader = "X-User-ID"

// Deps are the collaborators the routes use. Dispatcher and PublicKey are
// left empty when push is disabled.
type Deps struct {
	Storage    storage.Storage
	Dispatcher *webpush.Dispatcher
	PublicKey  string
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

type handlers struct {
	Deps
}

// New builds the router.
func New(d Deps) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	h := &handlers{Deps: d}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	push := router.Group("/api/push")
	{
		push.GET("/vapid-public-key", h.vapidPublicKey)
		push.POST("/subscribe", h.requireUser, h.subscribe)
		push.DELETE("/subscribe", h.requireUser, h.unsubscribe)
		push.GET("/subscriptions/count", h.requireUser, h.count)
		push.POST("/notify", h.notify)
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := c.Request.Context()
		log := clog.FromContext(ctx).With("method", c.Request.Method, "path", c.Request.URL.Path)
		c.Request = c.Request.WithContext(clog.WithLogger(ctx, log))

		c.Next()

		status := c.Writer.Status()
		fields := []any{
			"status", status,
			"ip", c.ClientIP(),
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}
		if status >= 500 {
			log.Error("http request", fields...)
			return
		}
		log.Debug("http request", fields...)
	}
}

func (h *handlers) requireUser(c *gin.Context) {
	user := c.GetHeader(UserHeader)
	if user == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + UserHeader})
		return
	}
	c.Set("user_id", user)
	ctx := c.Request.Context()
	c.Request = c.Request.WithContext(clog.WithLogger(ctx, clog.FromContext(ctx).With("user", user)))
	c.Next()
}

func (h *handlers) vapidPublicKey(c *gin.Context) {
	if h.PublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push notifications are not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": h.PublicKey})
}

// subscribeRequest accepts the flat form and the PushSubscription.toJSON form.
type subscribeRequest struct {
	Endpoint string        `json:"endpoint" binding:"required"`
	P256dh   string        `json:"p256dh"`
	Auth     string        `json:"auth"`
	Keys     *webpush.Keys `json:"keys"`
}

func (r *subscribeRequest) subscription() *webpush.Subscription {
	keys := webpush.Keys{P256dh: r.P256dh, Auth: r.Auth}
	if r.Keys != nil {
		if keys.P256dh == "" {
			keys.P256dh = r.Keys.P256dh
		}
		if keys.Auth == "" {
			keys.Auth = r.Keys.Auth
		}
	}
	return &webpush.Subscription{Endpoint: r.Endpoint, Keys: keys}
}

func (h *handlers) subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub := req.subscription()
	if err := sub.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if u, err := url.Parse(sub.Endpoint); err != nil || u.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid endpoint"})
		return
	}
	if _, _, err := webpush.DecodeKeys(sub.Keys); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record := &storage.Record{UserID: c.GetString("user_id"), Subscription: sub}
	if err := h.Storage.Save(c.Request.Context(), record); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}
	clog.FromContext(c.Request.Context()).Info("push subscription saved", "id", record.ID)
	c.JSON(http.StatusCreated, gin.H{"id": record.ID})
}

func (h *handlers) unsubscribe(c *gin.Context) {
	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	record, err := h.Storage.GetByEndpoint(ctx, req.Endpoint)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusOK, gin.H{"removed": false})
		return
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up subscription"})
		return
	}
	// Another user's endpoint is reported as absent.
	if record.UserID != c.GetString("user_id") {
		c.JSON(http.StatusOK, gin.H{"removed": false})
		return
	}
	if err := h.Storage.Delete(ctx, record.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (h *handlers) count(c *gin.Context) {
	n, err := h.Storage.CountByUserID(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count subscriptions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

type notifyRequest struct {
	UserID string `json:"userId" binding:"required"`
	Title  string `json:"title" binding:"required"`
	Body   string `json:"body"`
	URL    string `json:"url"`
}

func (h *handlers) notify(c *gin.Context) {
	if h.Dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push notifications are not configured"})
		return
	}
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.Dispatcher.Go(c.Request.Context(), req.UserID, &webpush.Notification{
		Title: req.Title,
		Body:  req.Body,
		URL:   req.URL,
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
