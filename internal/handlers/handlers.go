// Package handlers is the HTTP surface: prediction, training job submission
// and job status.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"mime/multipart"
	"net/http"

	"github.com/Brownie44l1/scanfood-api/internal/jobs"
	"github.com/Brownie44l1/scanfood-api/internal/model"
	"github.com/Brownie44l1/scanfood-api/internal/pipeline"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	_ "golang.org/x/image/webp"
)

type Predictor interface {
	Predict(img image.Image) (model.Prediction, error)
	Status() model.Status
	Load() error
}

type Submitter interface {
	SubmitTrain(ctx context.Context, req pipeline.TrainRequest) (pipeline.Accepted, error)
	SubmitAutoTrain(ctx context.Context, req pipeline.AutoTrainRequest) (pipeline.Accepted, error)
}

type JobReader interface {
	Get(ctx context.Context, id string) (jobs.Job, error)
	List(ctx context.Context) ([]jobs.Job, error)
	Subscribe(id string) (<-chan jobs.Job, func())
}

type Handler struct {
	predictor      Predictor
	submitter      Submitter
	jobs           JobReader
	maxUploadBytes int64
	logger         *log.Logger
}

type Option func(*Handler) *Handler

func WithMaxUploadBytes(n int64) Option {
	return func(h *Handler) *Handler {
		h.maxUploadBytes = n
		return h
	}
}

func WithLogger(l *log.Logger) Option {
	return func(h *Handler) *Handler {
		h.logger = l
		return h
	}
}

func NewHandler(predictor Predictor, submitter Submitter, jobs JobReader, opts ...Option) *Handler {
	h := &Handler{
		predictor:      predictor,
		submitter:      submitter,
		jobs:           jobs,
		maxUploadBytes: 10 << 20,
		logger:         log.New("http"),
	}
	for _, opt := range opts {
		h = opt(h)
	}
	return h
}

func (h *Handler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.POST("/predict", h.Predict)
	e.POST("/train", h.Train)
	e.POST("/auto-train", h.AutoTrain)
	e.GET("/jobs", h.ListJobs)
	e.GET("/jobs/:id", h.GetJob)
	e.GET("/jobs/:id/stream", h.StreamJob)
	e.GET("/model", h.ModelStatus)
	e.POST("/model/reload", h.ReloadModel)
}

type HealthResponse struct {
	Status string       `json:"status"`
	Model  model.Status `json:"model"`
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Model: h.predictor.Status()})
}

type PredictResponse struct {
	DishName   string  `json:"dish_name"`
	Confidence float32 `json:"confidence"`
}

// uploadFields are the multipart fields accepted for the photo, in order.
var uploadFields = []string{"file", "image"}

func (h *Handler) Predict(c echo.Context) error {
	var (
		header *multipart.FileHeader
		err    error
	)
	for _, field := range uploadFields {
		if header, err = c.FormFile(field); err == nil {
			break
		}
	}
	if header == nil {
		return badRequest(`send the photo as multipart form field "file"`, err)
	}
	if h.maxUploadBytes > 0 && header.Size > h.maxUploadBytes {
		return badRequest(fmt.Sprintf("images must be at most %d bytes", h.maxUploadBytes), nil)
	}

	file, err := header.Open()
	if err != nil {
		return badRequest("upload could not be read", err)
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		return badRequest("supported formats: JPEG, PNG, WebP", err)
	}
	h.logger.Debugf("predict %s (%s, %dx%d)", header.Filename, format, img.Bounds().Dx(), img.Bounds().Dy())

	p, err := h.predictor.Predict(img)
	if errors.Is(err, model.ErrNotReady) {
		return serviceUnavailable(err.Error(), err)
	}
	if err != nil {
		return internalError(err)
	}
	return c.JSON(http.StatusOK, PredictResponse{DishName: p.Class, Confidence: p.Confidence})
}

func (h *Handler) Train(c echo.Context) error {
	var req pipeline.TrainRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("request body must be a JSON object", err)
	}
	acc, err := h.submitter.SubmitTrain(c.Request().Context(), req)
	return h.accepted(c, acc, err)
}

func (h *Handler) AutoTrain(c echo.Context) error {
	var req pipeline.AutoTrainRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("request body must be a JSON object", err)
	}
	acc, err := h.submitter.SubmitAutoTrain(c.Request().Context(), req)
	return h.accepted(c, acc, err)
}

func (h *Handler) accepted(c echo.Context, acc pipeline.Accepted, err error) error {
	if errors.Is(err, pipeline.ErrInvalidRequest) {
		return badRequest(err.Error(), err)
	}
	if err != nil {
		return internalError(err)
	}
	h.logger.Infof("job %s queued for %s", acc.JobID, acc.DatasetDir)
	return c.JSON(http.StatusAccepted, acc)
}

func (h *Handler) ListJobs(c echo.Context) error {
	list, err := h.jobs.List(c.Request().Context())
	if err != nil {
		return internalError(err)
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) GetJob(c echo.Context) error {
	job, err := h.jobs.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		return notFound("no job with id " + c.Param("id"))
	}
	if err != nil {
		return internalError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) ModelStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.predictor.Status())
}

// ReloadModel reloads from disk. On failure the previous model keeps serving.
func (h *Handler) ReloadModel(c echo.Context) error {
	if err := h.predictor.Load(); err != nil {
		return serviceUnavailable(err.Error(), err)
	}
	return c.JSON(http.StatusOK, h.predictor.Status())
}
