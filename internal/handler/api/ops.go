package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"IBLink/internal/domain/models"
	domrepo "IBLink/internal/domain/repository"
	"IBLink/internal/facade"
	xhttp "IBLink/pkg/http"
	xlogger "IBLink/pkg/logger"

	"github.com/labstack/echo/v4"
)

// OpsHandler exposes the client session over HTTP: status, request
// submission, and the request audit log.
type OpsHandler struct {
	logger    *xlogger.Logger
	facade    *facade.Facade
	snapshots domrepo.SnapshotStore // may be nil
	audit     domrepo.AuditStore    // may be nil
}

func NewOpsHandler(logger *xlogger.Logger, f *facade.Facade, snapshots domrepo.SnapshotStore, audit domrepo.AuditStore) *OpsHandler {
	return &OpsHandler{logger: logger, facade: f, snapshots: snapshots, audit: audit}
}

func (h *OpsHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	g := e.Group("/api/v1")
	g.GET("/status", h.Status)
	g.GET("/accounts", h.Accounts)
	g.POST("/requests", h.Submit)
	g.GET("/audit", h.Audit)
}

// StatusResponse is the session view served on /status.
type StatusResponse struct {
	ClientID      int                 `json:"client_id"`
	State         string              `json:"state"`
	ConnectedAt   *time.Time          `json:"connected_at,omitempty"`
	LastHeartbeat *time.Time          `json:"last_heartbeat,omitempty"`
	ServerTime    *time.Time          `json:"server_time,omitempty"`
	Accounts      []string            `json:"accounts,omitempty"`
	QueueDepth    int                 `json:"queue_depth"`
	Buckets       []models.RateBucket `json:"buckets"`
}

func (h *OpsHandler) Status(c echo.Context) error {
	s := h.facade.Session()
	resp := &StatusResponse{
		ClientID:   s.ClientID,
		State:      s.State.String(),
		Accounts:   s.Accounts,
		QueueDepth: h.facade.QueueDepth(),
		Buckets:    h.facade.Buckets(),
	}
	if !s.ConnectedAt.IsZero() {
		resp.ConnectedAt = &s.ConnectedAt
	}
	if !s.LastHeartbeat.IsZero() {
		resp.LastHeartbeat = &s.LastHeartbeat
	}
	if !s.ServerTime.IsZero() {
		resp.ServerTime = &s.ServerTime
	}
	return xhttp.SuccessResponse(c, resp)
}

func (h *OpsHandler) Health(c echo.Context) error {
	s := h.facade.Session()
	if s.State == models.StateReady || s.State == models.StateDegraded {
		return xhttp.SuccessResponse(c, map[string]string{"status": "up", "session": s.State.String()})
	}
	return xhttp.DataResponse(c, http.StatusServiceUnavailable, map[string]string{"status": "down", "session": s.State.String()})
}

// Accounts serves the live account list, falling back to the last cached
// snapshot while the session is away.
func (h *OpsHandler) Accounts(c echo.Context) error {
	s := h.facade.Session()
	if s.State == models.StateReady && len(s.Accounts) > 0 {
		return xhttp.SuccessResponse(c, &models.AccountSnapshot{
			ClientID:   s.ClientID,
			ServerTime: s.ServerTime,
			Accounts:   s.Accounts,
			TakenAt:    s.ConnectedAt,
		})
	}
	if h.snapshots != nil {
		snap, err := h.snapshots.Get(c.Request().Context())
		if err != nil {
			h.logger.Error("snapshot read error", xlogger.Error(err))
			return xhttp.AppErrorResponse(c, xhttp.InternalError("snapshot read failed").WithError(err))
		}
		if snap != nil {
			return xhttp.SuccessResponse(c, snap)
		}
	}
	return xhttp.NotFoundResponse(c, "no account snapshot available")
}

// SubmitBody is the request submission payload.
type SubmitBody struct {
	Category   string         `json:"category" validate:"required,oneof=marketdata orders account"`
	Method     string         `json:"method" validate:"required,min=1,max=64"`
	Params     map[string]any `json:"params"`
	DeadlineMS int            `json:"deadline_ms" validate:"gte=0,lte=300000"`
}

func (h *OpsHandler) Submit(c echo.Context) error {
	body := &SubmitBody{}
	if verr := xhttp.ReadAndValidateRequest(c, body); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	req := &models.Request{
		Category: models.Category(body.Category),
		Method:   body.Method,
		Params:   body.Params,
	}
	if body.DeadlineMS > 0 {
		req.Deadline = time.Now().Add(time.Duration(body.DeadlineMS) * time.Millisecond)
	}

	res, err := h.facade.Submit(c.Request().Context(), req)
	if err != nil {
		return h.clientErrResponse(c, err)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *OpsHandler) Audit(c echo.Context) error {
	if h.audit == nil {
		return xhttp.NotFoundResponse(c, "audit log disabled")
	}
	cat := models.Category(c.QueryParam("category"))
	if cat != "" && !cat.Valid() {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("unknown category %q", cat))
	}
	now := time.Now()
	from := xhttp.ParseTimeDefault(c.QueryParam("from"), now.Add(-time.Hour))
	to := xhttp.ParseTimeDefault(c.QueryParam("to"), now)
	limit := xhttp.ParseIntDefault(c.QueryParam("limit"), 100)

	recs, err := h.audit.Query(c.Request().Context(), cat, from, to, limit)
	if err != nil {
		h.logger.Error("audit query error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("audit query failed").WithError(err))
	}
	return xhttp.ListResponse(c, recs, int64(len(recs)))
}

// clientErrResponse maps the error taxonomy onto HTTP statuses.
func (h *OpsHandler) clientErrResponse(c echo.Context, err error) error {
	var ce *models.ClientError
	if !errors.As(err, &ce) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return xhttp.DataResponse(c, http.StatusRequestTimeout, err.Error())
		}
		return xhttp.AppErrorResponse(c, err)
	}
	switch ce.Kind {
	case models.KindThrottled:
		c.Response().Header().Set("Retry-After", ce.RetryAfter.Round(time.Second).String())
		return xhttp.DataResponse(c, http.StatusTooManyRequests, ce.Error())
	case models.KindTimeout:
		return xhttp.DataResponse(c, http.StatusGatewayTimeout, ce.Error())
	case models.KindNotConnected, models.KindConnectionLost:
		return xhttp.DataResponse(c, http.StatusServiceUnavailable, ce.Error())
	case models.KindAuthenticationFailure, models.KindFatal:
		return xhttp.DataResponse(c, http.StatusBadGateway, ce.Error())
	default:
		h.logger.Error("unmapped client error", xlogger.Error(ce))
		return xhttp.InternalServerErrorResponse(c)
	}
}
