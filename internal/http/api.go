package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bgtransfer/internal/domain"
	"bgtransfer/internal/service"
	"bgtransfer/internal/tracker"
)

// Handler wires HTTP routes to the tracker.
type Handler struct {
	tracker tracker.Tracker
	logger  *logrus.Logger
}

func NewHandler(tr tracker.Tracker, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		tracker: tr,
		logger:  logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.POST("/tasks", h.createTask)
		api.GET("/tasks", h.listTasks)
		api.GET("/tasks/:id", h.getTask)
		api.POST("/tasks/:id/begin", h.reportBegin)
		api.DELETE("/tasks/:id", h.deleteTask)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
	}
}

// TaskResponse is the API view of a descriptor.
type TaskResponse struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	TypeCode        int               `json:"typeCode"`
	URL             string            `json:"url"`
	Destination     string            `json:"destination"`
	Metadata        string            `json:"metadata"`
	Source          *string           `json:"source,omitempty"`
	HTTPMethod      *string           `json:"httpMethod,omitempty"`
	EffectiveMethod string            `json:"effectiveMethod"`
	Headers         map[string]string `json:"headers,omitempty"`
	ReportedBegin   bool              `json:"reportedBegin"`
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) createTask(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, err := requestConfig(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.tracker.Track(c.Request.Context(), cfg)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, taskToResponse(task))
}

func (h *Handler) listTasks(c *gin.Context) {
	tasks := h.tracker.List()
	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = taskToResponse(tasks[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTask(c *gin.Context) {
	task, ok := h.tracker.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": tracker.ErrUnknownTask.Error()})
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

func (h *Handler) reportBegin(c *gin.Context) {
	deliver, err := h.tracker.ReportBegin(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliver": deliver})
}

func (h *Handler) deleteTask(c *gin.Context) {
	id := c.Param("id")
	if err := h.tracker.Forget(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrMissingField),
		errors.Is(err, domain.ErrInvalidField),
		errors.Is(err, domain.ErrInvalidType):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrTaskExists):
		status = http.StatusConflict
	case errors.Is(err, tracker.ErrUnknownTask):
		status = http.StatusNotFound
	default:
		h.logger.WithField("path", c.FullPath()).Errorf("request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// requestConfig turns a JSON request body into descriptor configuration. The
// type may be given by name, metadata may be any JSON value, and a missing id
// is generated.
func requestConfig(body map[string]any) (domain.Config, error) {
	cfg := make(domain.Config, len(body)+1)
	for k, v := range body {
		cfg[k] = v
	}

	if cfg[domain.FieldID] == nil {
		cfg[domain.FieldID] = uuid.NewString()
	}

	if name, ok := cfg[domain.FieldType].(string); ok {
		typ, err := domain.ParseType(name)
		if err != nil {
			return nil, err
		}
		cfg[domain.FieldType] = int(typ)
	}

	switch v := cfg[domain.FieldMetadata].(type) {
	case nil, string:
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, &domain.FieldError{Field: domain.FieldMetadata, Err: domain.ErrInvalidField}
		}
		cfg[domain.FieldMetadata] = string(data)
	}

	delete(cfg, domain.FieldReportedBegin)
	return cfg, nil
}

func taskToResponse(task *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:              task.ID(),
		Type:            task.Type().String(),
		TypeCode:        int(task.Type()),
		URL:             task.URL(),
		Destination:     task.Destination(),
		Metadata:        task.Metadata(),
		EffectiveMethod: task.EffectiveMethod(),
		Headers:         task.Headers(),
		ReportedBegin:   task.ReportedBegin(),
	}
	if s, ok := task.Source(); ok {
		resp.Source = &s
	}
	if m, ok := task.HTTPMethod(); ok {
		resp.HTTPMethod = &m
	}
	return resp
}
