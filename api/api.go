// Package api exposes the metering engine over HTTP with gin.
//
// Callers are identified by the X-User-ID header. Authentication happens
// in front of this service.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xraph/metering"
	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/device"
	"github.com/xraph/metering/id"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	"github.com/xraph/metering/subscription"
)

// UserHeader carries the caller's user id.
const UserHeader = "X-User-ID"

const userKey = "user_id"

// Engine is the subset of *metering.Engine the handlers use.
type Engine interface {
	RecordReading(ctx context.Context, userID, deviceID string, value float64, ts time.Time) (*metering.RecordResult, error)
	GetDeviceStatus(ctx context.Context, userID, deviceID string) (*device.Device, error)
	ListActiveAlerts(ctx context.Context, userID string) ([]*alert.Alert, error)
	ListAlerts(ctx context.Context, userID string, limit int) ([]*alert.Alert, error)
	GetSubscriptionUsage(ctx context.Context, userID string) (*subscription.Usage, error)
	GetActiveSubscription(ctx context.Context, userID string) (*subscription.Subscription, error)
	ListSubscriptions(ctx context.Context, userID string, opts subscription.ListOpts) ([]*subscription.Subscription, error)
	Subscribe(ctx context.Context, userID string, planID id.PlanID) (*subscription.Subscription, error)
	ListPlans(ctx context.Context) ([]*plan.Plan, error)
	ListReadings(ctx context.Context, userID string, opts meter.QueryOpts) ([]*meter.Reading, error)
	RegisterDevice(ctx context.Context, userID, deviceID, name string) (*device.Device, error)
	ListDevices(ctx context.Context, userID string) ([]*device.Device, error)
	DeleteDevice(ctx context.Context, userID, deviceID string) error
}

var _ Engine = (*metering.Engine)(nil)

// Handler serves the metering HTTP API.
type Handler struct {
	engine Engine
	logger *slog.Logger
}

// New creates a Handler over eng.
func New(eng Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: eng, logger: logger}
}

// Register mounts the routes under base on r.
func (h *Handler) Register(r gin.IRouter, base string) {
	g := r.Group(base)
	g.Use(h.requestLogger(), requireUser())

	g.POST("/readings", h.recordReading)
	g.GET("/readings", h.listReadings)

	g.GET("/devices", h.listDevices)
	g.POST("/devices", h.registerDevice)
	g.GET("/devices/:device_id/status", h.deviceStatus)
	g.DELETE("/devices/:device_id", h.deleteDevice)

	g.GET("/alerts", h.listAlerts)
	g.GET("/alerts/active", h.activeAlerts)

	g.GET("/plans", h.listPlans)
	g.GET("/subscription", h.activeSubscription)
	g.GET("/subscription/usage", h.usage)
	g.GET("/subscriptions", h.listSubscriptions)
	g.POST("/subscriptions", h.subscribe)
}

// Router builds a gin engine with recovery and the API mounted at /api.
func Router(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.Register(r, "/api")
	return r
}

// ──────────────────────────────────────────────────
// Readings
// ──────────────────────────────────────────────────

type recordReadingRequest struct {
	DeviceID  string     `json:"device_id"`
	Value     *float64   `json:"value"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type recordReadingResponse struct {
	Reading        *meter.Reading `json:"reading"`
	DeviceStatus   device.Status  `json:"device_status"`
	RemainingQuota *float64       `json:"remaining_quota,omitempty"`
	Alerts         []*alert.Alert `json:"alerts"`
	Warnings       []string       `json:"warnings,omitempty"`
}

// POST /readings
func (h *Handler) recordReading(c *gin.Context) {
	var req recordReadingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == nil {
		respondError(c, http.StatusBadRequest, "value is required")
		return
	}
	var ts time.Time
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}

	res, err := h.engine.RecordReading(c.Request.Context(), c.GetString(userKey), req.DeviceID, *req.Value, ts)
	if err != nil {
		h.respondErr(c, err)
		return
	}

	out := recordReadingResponse{
		Reading:      res.Reading,
		DeviceStatus: device.StatusOnline,
		Alerts:       res.Alerts,
	}
	if out.Alerts == nil {
		out.Alerts = []*alert.Alert{}
	}
	if res.Deduction != nil {
		rem := res.Deduction.Remaining()
		out.RemainingQuota = &rem
	}
	for _, w := range res.Warnings {
		out.Warnings = append(out.Warnings, w.Error())
	}
	c.JSON(http.StatusCreated, out)
}

// GET /readings?device_id=&start=&end=&limit=&offset=
func (h *Handler) listReadings(c *gin.Context) {
	opts := meter.QueryOpts{DeviceID: c.Query("device_id")}

	var ok bool
	if opts.Start, ok = queryTime(c, "start"); !ok {
		return
	}
	if opts.End, ok = queryTime(c, "end"); !ok {
		return
	}
	if opts.Limit, ok = queryInt(c, "limit"); !ok {
		return
	}
	if opts.Offset, ok = queryInt(c, "offset"); !ok {
		return
	}

	readings, err := h.engine.ListReadings(c.Request.Context(), c.GetString(userKey), opts)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"readings": readings})
}

// ──────────────────────────────────────────────────
// Devices
// ──────────────────────────────────────────────────

type registerDeviceRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"device_name"`
}

// GET /devices
func (h *Handler) listDevices(c *gin.Context) {
	devices, err := h.engine.ListDevices(c.Request.Context(), c.GetString(userKey))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// POST /devices
func (h *Handler) registerDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.engine.RegisterDevice(c.Request.Context(), c.GetString(userKey), req.DeviceID, req.Name)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"device": d})
}

// GET /devices/:device_id/status
func (h *Handler) deviceStatus(c *gin.Context) {
	d, err := h.engine.GetDeviceStatus(c.Request.Context(), c.GetString(userKey), c.Param("device_id"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device_id": d.DeviceID,
		"status":    d.Status(),
		"last_seen": d.LastSeen,
		"device":    d,
	})
}

// DELETE /devices/:device_id
func (h *Handler) deleteDevice(c *gin.Context) {
	if err := h.engine.DeleteDevice(c.Request.Context(), c.GetString(userKey), c.Param("device_id")); err != nil {
		h.respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ──────────────────────────────────────────────────
// Alerts
// ──────────────────────────────────────────────────

// GET /alerts?limit=
func (h *Handler) listAlerts(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	alerts, err := h.engine.ListAlerts(c.Request.Context(), c.GetString(userKey), limit)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// GET /alerts/active
func (h *Handler) activeAlerts(c *gin.Context) {
	alerts, err := h.engine.ListActiveAlerts(c.Request.Context(), c.GetString(userKey))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// ──────────────────────────────────────────────────
// Plans and subscriptions
// ──────────────────────────────────────────────────

type subscribeRequest struct {
	PlanID string `json:"plan_id"`
}

// GET /plans
func (h *Handler) listPlans(c *gin.Context) {
	plans, err := h.engine.ListPlans(c.Request.Context())
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// GET /subscription
func (h *Handler) activeSubscription(c *gin.Context) {
	sub, err := h.engine.GetActiveSubscription(c.Request.Context(), c.GetString(userKey))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// GET /subscription/usage
func (h *Handler) usage(c *gin.Context) {
	u, err := h.engine.GetSubscriptionUsage(c.Request.Context(), c.GetString(userKey))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// GET /subscriptions?active=&limit=&offset=
func (h *Handler) listSubscriptions(c *gin.Context) {
	opts := subscription.ListOpts{ActiveOnly: c.Query("active") == "true"}
	var ok bool
	if opts.Limit, ok = queryInt(c, "limit"); !ok {
		return
	}
	if opts.Offset, ok = queryInt(c, "offset"); !ok {
		return
	}
	subs, err := h.engine.ListSubscriptions(c.Request.Context(), c.GetString(userKey), opts)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// POST /subscriptions
func (h *Handler) subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	planID, err := id.ParsePlanID(req.PlanID)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid plan_id")
		return
	}
	sub, err := h.engine.Subscribe(c.Request.Context(), c.GetString(userKey), planID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// ──────────────────────────────────────────────────
// Middleware and helpers
// ──────────────────────────────────────────────────

// requestLogger logs method, path, status and latency.
func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserHeader)
		if userID == "" {
			respondError(c, http.StatusUnauthorized, UserHeader+" header is required")
			c.Abort()
			return
		}
		c.Set(userKey, userID)
		c.Next()
	}
}

func respondError(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"error": msg})
}

// respondErr maps engine errors to HTTP status codes.
func (h *Handler) respondErr(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	respondError(c, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, metering.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, metering.ErrDeviceExists), errors.Is(err, metering.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, metering.ErrNoActiveSubscription), metering.IsNotFound(err):
		return http.StatusNotFound
	case metering.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(c *gin.Context, name string) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		respondError(c, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func queryTime(c *gin.Context, name string) (time.Time, bool) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		respondError(c, http.StatusBadRequest, name+" must be an RFC 3339 timestamp")
		return time.Time{}, false
	}
	return t, true
}
