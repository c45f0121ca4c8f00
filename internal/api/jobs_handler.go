package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/core"
)

type jobRunner interface {
	Run(ctx context.Context, name string) (*core.SweepReport, error)
}

// JobsHandler lets an external scheduler trigger sweeps.
type JobsHandler struct {
	jobs   jobRunner
	logger *zap.Logger
}

// NewJobsHandler creates a JobsHandler.
func NewJobsHandler(jobs jobRunner, logger *zap.Logger) *JobsHandler {
	return &JobsHandler{jobs: jobs, logger: logger}
}

// Run handles POST /jobs/:name and returns the sweep report.
func (h *JobsHandler) Run(c *gin.Context) {
	name := c.Param("name")
	report, err := h.jobs.Run(c.Request.Context(), name)
	if err != nil {
		respondError(c, h.logger.With(zap.String("job", name)), err)
		return
	}
	c.JSON(http.StatusOK, report)
}
