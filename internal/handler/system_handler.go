package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/response"
)

const healthTimeout = 2 * time.Second

// QueueStats reports the depth of the persistence queues.
type QueueStats interface {
	QueueDepths(ctx context.Context) (map[string]int64, error)
}

// SystemHandler reports liveness of the server and its dependencies.
type SystemHandler struct {
	deps      map[string]database.Pinger
	queues    QueueStats
	startTime time.Time
	log       zerolog.Logger
}

// NewSystemHandler creates a new SystemHandler. queues may be nil.
func NewSystemHandler(deps map[string]database.Pinger, queues QueueStats, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		deps:      deps,
		queues:    queues,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type healthStatus struct {
	Status     string           `json:"status"`
	Uptime     string           `json:"uptime"`
	Goroutines int              `json:"goroutines"`
	Queues     map[string]int64 `json:"queues,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Health godoc
// GET /health
// 200 when every dependency answers a ping, 503 otherwise.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	st := healthStatus{
		Status:     "ok",
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
	}

	if h.queues != nil {
		depths, err := h.queues.QueueDepths(ctx)
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to read queue depths")
		}
		st.Queues = depths
	}

	status := http.StatusOK
	if err := database.Health(ctx, h.deps); err != nil {
		h.log.Error().Err(err).Msg("Health check failed")
		st.Status = "degraded"
		st.Error = err.Error()
		status = http.StatusServiceUnavailable
	}

	response.Success(c, status, st)
}
