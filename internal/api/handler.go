package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/researchview/internal/chat"
	"github.com/user/researchview/internal/delivery"
	"github.com/user/researchview/internal/ingest"
	"github.com/user/researchview/internal/state"
	"github.com/user/researchview/internal/timeline"
	"github.com/user/researchview/internal/types"
)

const (
	defaultEventLimit = 200
	excerptChars      = 160
)

// Sessions is the part of the session gateway the API drives.
type Sessions interface {
	Create(ctx context.Context, question string) (types.SessionID, error)
	HandleEvent(ctx context.Context, id types.SessionID, ev types.Event) error
	StopSession(id types.SessionID) error
	Save(ctx context.Context, id types.SessionID) error
	Timeline(ctx context.Context, id types.SessionID) (*timeline.Timeline, error)
	Live() []types.SessionID
	Delete(ctx context.Context, id types.SessionID) error
}

// HistoryReader lists and loads archived sessions.
type HistoryReader interface {
	Get(ctx context.Context, id types.SessionID) (*types.SessionRecord, error)
	List(ctx context.Context) ([]*types.SessionRecord, error)
}

type Handler struct {
	sessions Sessions
	history  HistoryReader
	events   *state.EventLog
	exports  *state.ExportStore
	inbox    *delivery.Inbox
	logger   *slog.Logger
}

func NewHandler(sessions Sessions, history HistoryReader, events *state.EventLog, exports *state.ExportStore, inbox *delivery.Inbox, logger *slog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		history:  history,
		events:   events,
		exports:  exports,
		inbox:    inbox,
		logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	sessions := r.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("", h.ListLive)
		sessions.POST("/:id/events", h.PostEvent)
		sessions.GET("/:id/events", h.ListEvents)
		sessions.POST("/:id/stream", h.PostEventStream)
		sessions.POST("/:id/stop", h.StopSession)
		sessions.POST("/:id/save", h.SaveSession)
		sessions.GET("/:id/timeline", h.GetTimeline)
		sessions.GET("/:id/sources", h.GetSources)
		sessions.GET("/:id/images", h.GetImages)
		sessions.GET("/:id/chat", h.GetChat)
		sessions.GET("/:id/report", h.GetReport)
	}

	history := r.Group("/history")
	{
		history.GET("", h.ListHistory)
		history.GET("/:id", h.GetHistory)
		history.GET("/:id/export", h.ExportHistory)
		history.DELETE("/:id", h.DeleteHistory)
	}

	notifications := r.Group("/notifications")
	{
		notifications.GET("", h.ListNotifications)
		notifications.DELETE("/:id", h.DismissNotification)
	}
}

type createSessionRequest struct {
	Question string `json:"question" binding:"required"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}

	id, err := h.sessions.Create(c.Request.Context(), req.Question)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *Handler) ListLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessions.Live()})
}

func (h *Handler) PostEvent(c *gin.Context) {
	var ev types.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event JSON"})
		return
	}

	if err := h.sessions.HandleEvent(c.Request.Context(), sessionID(c), ev); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// PostEventStream queues a body of newline-delimited events in order.
// Malformed lines are skipped.
func (h *Handler) PostEventStream(c *gin.Context) {
	ctx := c.Request.Context()
	id := sessionID(c)
	sub := ingest.NewReader("http:"+string(id), c.Request.Body, ingest.WithLogger(h.logger))
	defer sub.Close()

	accepted := 0
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil {
			err = h.sessions.HandleEvent(ctx, id, ev)
		}
		if err != nil {
			if accepted == 0 {
				h.fail(c, err)
				return
			}
			h.logger.Warn("event stream cut short", "session_id", string(id), "accepted", accepted, "error", err)
			break
		}
		accepted++
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

func (h *Handler) ListEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event log not configured"})
		return
	}

	limit := defaultEventLimit
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.events.Tail(c.Request.Context(), sessionID(c), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if events == nil {
		events = []state.LoggedEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) StopSession(c *gin.Context) {
	if err := h.sessions.StopSession(sessionID(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// SaveSession writes a live session's current timeline to history.
func (h *Handler) SaveSession(c *gin.Context) {
	if err := h.sessions.Save(c.Request.Context(), sessionID(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true})
}

type timelineResponse struct {
	ID      types.SessionID `json:"id"`
	State   timeline.State  `json:"state"`
	Records []types.Record  `json:"records"`
}

func (h *Handler) GetTimeline(c *gin.Context) {
	tl, ok := h.timeline(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, timelineResponse{ID: tl.ID(), State: tl.State(), Records: tl.All()})
}

func (h *Handler) GetSources(c *gin.Context) {
	tl, ok := h.timeline(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": tl.Sources()})
}

func (h *Handler) GetImages(c *gin.Context) {
	tl, ok := h.timeline(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": tl.Images()})
}

func (h *Handler) GetChat(c *gin.Context) {
	tl, ok := h.timeline(c)
	if !ok {
		return
	}
	thread := chat.DeriveThread(tl.All())
	resp := gin.H{"messages": thread}
	if last, ok := chat.LastAnswer(thread); ok {
		resp["last_answer"] = last
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetReport(c *gin.Context) {
	tl, ok := h.timeline(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": tl.Report()})
}

type historySummary struct {
	ID        types.SessionID `json:"id"`
	Question  string          `json:"question"`
	Excerpt   string          `json:"excerpt,omitempty"`
	Records   int             `json:"records"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ListHistory returns stored sessions, most recently updated first. The q
// parameter filters by question or report text.
func (h *Handler) ListHistory(c *gin.Context) {
	sessions, err := h.history.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	query := strings.TrimSpace(c.Query("q"))
	result := make([]historySummary, 0, len(sessions))
	for _, s := range sessions {
		summary := historySummary{
			ID:        s.ID,
			Question:  s.Question,
			Records:   len(s.Timeline),
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		}
		if query != "" {
			haystack := s.Question + "\n" + timeline.CollectReport(s.Timeline)
			if !strings.Contains(strings.ToLower(haystack), strings.ToLower(query)) {
				continue
			}
			summary.Excerpt = state.Excerpt(haystack, query, excerptChars)
		}
		result = append(result, summary)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": result})
}

func (h *Handler) GetHistory(c *gin.Context) {
	s, err := h.history.Get(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// ExportHistory returns a stored session as a markdown transcript. With an
// export store configured the transcript is also written to disk.
func (h *Handler) ExportHistory(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.history.Get(ctx, sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	transcript, err := chat.Transcript(s)
	if err != nil {
		h.fail(c, err)
		return
	}
	if h.exports != nil {
		if _, err := h.exports.Put(ctx, s.ID, transcript); err != nil {
			h.logger.Warn("write export", "session_id", string(s.ID), "error", err)
		}
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(transcript))
}

func (h *Handler) DeleteHistory(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), sessionID(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListNotifications(c *gin.Context) {
	if h.inbox == nil {
		c.JSON(http.StatusOK, gin.H{"notifications": []delivery.Entry{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": h.inbox.List()})
}

func (h *Handler) DismissNotification(c *gin.Context) {
	if h.inbox == nil || !h.inbox.Dismiss(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) timeline(c *gin.Context) (*timeline.Timeline, bool) {
	tl, err := h.sessions.Timeline(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return tl, true
}

// fail maps domain errors onto HTTP statuses.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, types.ErrArchived), errors.Is(err, types.ErrSessionExists), errors.Is(err, types.ErrSessionRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("api request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func sessionID(c *gin.Context) types.SessionID {
	return types.SessionID(c.Param("id"))
}
