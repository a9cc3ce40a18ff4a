package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"doctranslate/internal/domain"
	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/engine"
)

type uploadRequest struct {
	Filename       string `json:"filename"`
	Text           string `json:"text"`
	Format         string `json:"format"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	OutputFormat   string `json:"output_format"`
	DeclaredLength int    `json:"declared_length"`
}

type translateRequest struct {
	Provider      jsoncfg.ProviderConfig    `json:"provider"`
	Enhancement   jsoncfg.EnhancementConfig `json:"enhancement"`
	MaxTokens     int                       `json:"max_tokens"`
	OverlapTokens *int                      `json:"overlap_tokens"`
}

type retryRequest struct {
	Provider *jsoncfg.ProviderConfig `json:"provider"`
}

type chunkUpdateRequest struct {
	TranslatedText string `json:"translated_text"`
}

// jobView is the API representation of a job. The provider snapshot is
// exposed with its secret masked.
type jobView struct {
	domain.Job
	Provider jsoncfg.ProviderConfig `json:"provider_config"`
}

func viewJob(j domain.Job) jobView {
	return jobView{Job: j, Provider: j.Provider.Redacted()}
}

type progressView struct {
	Job      jobView         `json:"job"`
	Progress domain.Progress `json:"progress"`
}

func viewProgress(p domain.JobProgress) progressView {
	return progressView{Job: viewJob(p.Job), Progress: p.Progress}
}

func (a *App) invalid(w http.ResponseWriter, err error) {
	a.error(w, http.StatusBadRequest, "invalid_input", err.Error())
}

func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := a.decode(w, r, schemaUpload, &req, false); err != nil {
		a.invalid(w, err)
		return
	}
	job, err := a.Jobs.Upload(r.Context(), engine.UploadRequest{
		Filename:       req.Filename,
		Text:           req.Text,
		Format:         req.Format,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		OutputFormat:   req.OutputFormat,
		DeclaredLength: req.DeclaredLength,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, viewJob(*job))
}

func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.Jobs.ListJobs(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, viewJob(j))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	status, err := a.Jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, viewProgress(status))
}

func (a *App) ListChunks(w http.ResponseWriter, r *http.Request) {
	chunks, err := a.Jobs.ListChunks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if chunks == nil {
		chunks = []domain.Chunk{}
	}
	a.json(w, http.StatusOK, map[string]any{"items": chunks})
}

func (a *App) TranslateJob(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if err := a.decode(w, r, schemaTranslate, &req, false); err != nil {
		a.invalid(w, err)
		return
	}
	job, err := a.Jobs.Translate(r.Context(), chi.URLParam(r, "id"), engine.TranslateRequest{
		Provider:      req.Provider,
		Enhancement:   req.Enhancement,
		MaxTokens:     req.MaxTokens,
		OverlapTokens: req.OverlapTokens,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, viewJob(*job))
}

func (a *App) RetryFailed(w http.ResponseWriter, r *http.Request) {
	a.retry(w, r, a.Jobs.RetryFailed)
}

func (a *App) RetryAll(w http.ResponseWriter, r *http.Request) {
	a.retry(w, r, a.Jobs.RetryAll)
}

func (a *App) retry(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, *jsoncfg.ProviderConfig) (*domain.Job, error)) {
	var req retryRequest
	if err := a.decode(w, r, schemaRetry, &req, true); err != nil {
		a.invalid(w, err)
		return
	}
	job, err := fn(r.Context(), chi.URLParam(r, "id"), req.Provider)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, viewJob(*job))
}

func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, viewJob(*job))
}

func (a *App) FinalizeJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.Finalize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, viewJob(*job))
}

func (a *App) DownloadJob(w http.ResponseWriter, r *http.Request) {
	archive, name, err := a.Jobs.Download(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(archive)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func (a *App) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := a.Jobs.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) UpdateChunk(w http.ResponseWriter, r *http.Request) {
	var req chunkUpdateRequest
	if err := a.decode(w, r, schemaChunkUpdate, &req, false); err != nil {
		a.invalid(w, err)
		return
	}
	chunk, err := a.Jobs.UpdateChunk(r.Context(), chi.URLParam(r, "id"), req.TranslatedText)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, chunk)
}
