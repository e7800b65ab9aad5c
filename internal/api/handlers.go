package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LeventeLantos/automessage-pipeline/internal/model"
	"github.com/LeventeLantos/automessage-pipeline/internal/repo"
	"github.com/LeventeLantos/automessage-pipeline/internal/scheduler"
	"github.com/LeventeLantos/automessage-pipeline/internal/service"
)

// Switch is a startable background trigger such as *scheduler.Scheduler.
type Switch interface {
	Start() bool
	Stop() bool
	Status() scheduler.Status
}

type Planner interface {
	Plan(ctx context.Context) (service.PlanResult, error)
}

type Scanner interface {
	Scan(ctx context.Context) (service.ScanResult, error)
}

type StatsReader interface {
	Read(ctx context.Context) (service.Stats, error)
}

type Records interface {
	Get(ctx context.Context, id string) (*model.ScheduledMessage, error)
	List(ctx context.Context, status model.Status, limit, offset int) ([]model.ScheduledMessage, error)
	Cancel(ctx context.Context, id string) (*model.ScheduledMessage, error)
	Retry(ctx context.Context, id string) (*model.ScheduledMessage, error)
	CreateManual(ctx context.Context, req service.ManualRequest) (*model.ScheduledMessage, error)
}

type Handler struct {
	planner      Planner
	scanner      Scanner
	stats        StatsReader
	records      Records
	scanSchedule Switch
	planSchedule Switch
}

func NewHandler(planner Planner, scanner Scanner, stats StatsReader, records Records, scanSchedule, planSchedule Switch) *Handler {
	return &Handler{
		planner:      planner,
		scanner:      scanner,
		stats:        stats,
		records:      records,
		scanSchedule: scanSchedule,
		planSchedule: planSchedule,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) SystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status())
}

func (h *Handler) SchedulerStart(c *gin.Context) {
	h.scanSchedule.Start()
	h.planSchedule.Start()
	c.JSON(http.StatusOK, h.status())
}

func (h *Handler) SchedulerStop(c *gin.Context) {
	h.scanSchedule.Stop()
	h.planSchedule.Stop()
	c.JSON(http.StatusOK, h.status())
}

func (h *Handler) status() gin.H {
	scanner := h.scanSchedule.Status()
	planner := h.planSchedule.Status()
	return gin.H{
		"running": scanner.Running && planner.Running,
		"scanner": scanner,
		"planner": planner,
	}
}

func (h *Handler) Stats(c *gin.Context) {
	st, err := h.stats.Read(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) TriggerPlanning(c *gin.Context) {
	res, err := h.planner.Plan(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) TriggerQueue(c *gin.Context) {
	res, err := h.scanner.Scan(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ListScheduled(c *gin.Context) {
	limit := parseInt(c.Query("limit"), 50)
	offset := parseInt(c.Query("offset"), 0)
	status := model.Status(c.Query("status"))

	items, err := h.records.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []model.ScheduledMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

func (h *Handler) GetScheduled(c *gin.Context) {
	rec, err := h.records.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type createScheduledReq struct {
	Sender        string         `json:"sender" binding:"required"`
	Receiver      string         `json:"receiver" binding:"required"`
	Text          string         `json:"text"`
	Template      model.Template `json:"template"`
	Category      model.Category `json:"category"`
	Priority      int            `json:"priority"`
	SendInMinutes int            `json:"sendInMinutes"`
}

func (h *Handler) CreateScheduled(c *gin.Context) {
	var req createScheduledReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return
	}
	if req.SendInMinutes < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sendInMinutes must be >= 0"})
		return
	}

	rec, err := h.records.CreateManual(c.Request.Context(), service.ManualRequest{
		Sender:   req.Sender,
		Receiver: req.Receiver,
		Text:     req.Text,
		Template: req.Template,
		Category: req.Category,
		Priority: req.Priority,
		SendIn:   time.Duration(req.SendInMinutes) * time.Minute,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) CancelScheduled(c *gin.Context) {
	rec, err := h.records.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) RetryScheduled(c *gin.Context) {
	rec, err := h.records.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrRetryLimit),
		errors.Is(err, repo.ErrConflict):
		return http.StatusConflict
	case model.IsValidation(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
