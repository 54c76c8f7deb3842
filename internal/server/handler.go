package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qudata/browserd/internal/domain"
	"github.com/qudata/browserd/internal/usecase/provision"
)

// Provisioner is the provisioning service as seen by the HTTP layer.
type Provisioner interface {
	Create(ctx context.Context) (provision.CreateResult, error)
	Terminate(ctx context.Context, id string) (provision.TerminateResult, error)
	List() provision.Snapshot
	Health() provision.HealthReport
}

type Handler struct {
	svc    Provisioner
	logger *slog.Logger
}

func NewHandler(svc Provisioner, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.POST("/instance", h.CreateInstance)
	router.DELETE("/instance/:id", h.DeleteInstance)
	router.GET("/contexts", h.ListContexts)
	router.GET("/health", h.Health)
}

func (h *Handler) CreateInstance(c *gin.Context) {
	// An accepted create runs to completion even if the caller goes away,
	// otherwise the port and browser would leak.
	ctx := context.WithoutCancel(c.Request.Context())

	res, err := h.svc.Create(ctx)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.As(err, &domain.ErrShuttingDown{}) {
			code = http.StatusServiceUnavailable
		}
		h.logger.Error("create instance failed", "err", err)
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         res.ID,
		"wsEndpoint": res.Endpoint,
		"message":    "Browser context created successfully",
	})
}

func (h *Handler) DeleteInstance(c *gin.Context) {
	id := c.Param("id")

	res, err := h.svc.Terminate(c.Request.Context(), id)
	if err != nil {
		if errors.As(err, &domain.ErrInstanceNotFound{}) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Context not found"})
			return
		}
		h.logger.Error("delete instance failed", "id", id, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to close browser context"})
		return
	}

	body := gin.H{"message": "Browser context closed successfully"}
	if res.CloseErr != nil {
		body["warnings"] = []string{res.CloseErr.Error()}
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) ListContexts(c *gin.Context) {
	snap := h.svc.List()
	c.JSON(http.StatusOK, gin.H{
		"activeContexts": snap.IDs,
		"count":          len(snap.IDs),
		"usedPorts":      snap.Ports,
	})
}

func (h *Handler) Health(c *gin.Context) {
	report := h.svc.Health()
	c.JSON(http.StatusOK, gin.H{
		"status":         report.Status,
		"activeContexts": report.ActiveContexts,
		"usedPorts":      report.UsedPorts,
		"timestamp":      report.Timestamp,
	})
}
