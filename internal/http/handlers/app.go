package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"doctranslate/internal/domain"
	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/engine"
	"doctranslate/internal/events"
	"doctranslate/internal/infra"
)

// Jobs is the job service the handlers drive.
type Jobs interface {
	Upload(ctx context.Context, req engine.UploadRequest) (*domain.Job, error)
	Translate(ctx context.Context, jobID string, req engine.TranslateRequest) (*domain.Job, error)
	Status(ctx context.Context, jobID string) (domain.JobProgress, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	ListChunks(ctx context.Context, jobID string) ([]domain.Chunk, error)
	RetryFailed(ctx context.Context, jobID string, cfg *jsoncfg.ProviderConfig) (*domain.Job, error)
	RetryAll(ctx context.Context, jobID string, cfg *jsoncfg.ProviderConfig) (*domain.Job, error)
	Cancel(ctx context.Context, jobID string) (*domain.Job, error)
	Finalize(ctx context.Context, jobID string) (*domain.Job, error)
	Download(ctx context.Context, jobID string) ([]byte, string, error)
	UpdateChunk(ctx context.Context, chunkID, text string) (*domain.Chunk, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// App holds the dependencies shared by every handler.
type App struct {
	Jobs    Jobs
	Broker  *events.Broker
	Logger  *infra.Logger
	MaxBody int64

	schemas  *schemaSet
	upgrader websocket.Upgrader
	started  time.Time
}

// Options configures NewApp.
type Options struct {
	Jobs           Jobs
	Broker         *events.Broker
	Logger         *infra.Logger
	MaxBodyBytes   int64
	AllowedOrigins []string
}

const defaultMaxBody = 32 << 20

// NewApp compiles the request schemas and prepares the WebSocket upgrader.
func NewApp(opts Options) (*App, error) {
	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	broker := opts.Broker
	if broker == nil {
		broker = events.NewBroker(0, logger)
	}
	return &App{
		Jobs:     opts.Jobs,
		Broker:   broker,
		Logger:   logger,
		MaxBody:  maxBody,
		schemas:  schemas,
		upgrader: newUpgrader(opts.AllowedOrigins),
		started:  time.Now(),
	}, nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}

// errorStatus maps a service error onto an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrMissingCredentials):
		return http.StatusBadRequest, "missing_credentials"
	case errors.Is(err, domain.ErrUnsupportedProvider):
		return http.StatusBadRequest, "unsupported_provider"
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrEmptyDocument):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrJobBusy), errors.Is(err, domain.ErrStaleTransition):
		return http.StatusConflict, "job_busy"
	case errors.Is(err, domain.ErrNotChunked):
		return http.StatusConflict, "not_translated"
	case errors.Is(err, domain.ErrNotFinalized):
		return http.StatusConflict, "not_finalized"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		a.requestLogger(r).Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("http: request failed")
		message = "internal error"
	}
	a.error(w, status, code, message)
}

// requestLogger prefers the request-scoped logger installed by the access
// log middleware.
func (a *App) requestLogger(r *http.Request) *zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return a.Logger
}
