// Package pipeline runs the optional LLM enhancement stages over a
// translated chunk.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"doctranslate/internal/domain"
	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/infra"
	"doctranslate/internal/providers/llm"
)

// Stage outcome labels stored in StageResult.Status.
const (
	StatusOK      = "ok"
	StatusIssues  = "issues"
	StatusRevised = "revised"
)

// Completer is the LLM call the stages depend on.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (string, error)
}

// StageError identifies the stage that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("enhancement stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Input is a translated chunk entering the pipeline.
type Input struct {
	Source     string
	Text       string
	HTML       bool
	SourceLang string
	TargetLang string
	Glossary   map[string]string
}

// Result is the pipeline outcome. Stages holds one entry per executed
// stage, in order.
type Result struct {
	Text      string
	Stages    []domain.StageResult
	LastStage string
	Model     string
	Duration  time.Duration
	Score     int
	Scope     Scope
}

// Pipeline runs validation, rewrite and technical check in that order.
type Pipeline struct {
	llm    Completer
	logger *infra.Logger
	now    func() time.Time
}

// New builds a pipeline over an LLM client.
func New(c Completer, logger *infra.Logger) *Pipeline {
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Pipeline{llm: c, logger: logger, now: time.Now}
}

// Run applies the enabled stages. Rewrite only runs when validation ran and
// reported issues, or when validation is disabled. On a stage failure the
// partial result is returned alongside a *StageError.
func (p *Pipeline) Run(ctx context.Context, cfg jsoncfg.EnhancementConfig, in Input) (Result, error) {
	begin := p.now()
	res, err := p.run(ctx, cfg, in)
	if len(res.Stages) > 0 {
		res.Duration = p.now().Sub(begin)
	}
	return res, err
}

func (p *Pipeline) run(ctx context.Context, cfg jsoncfg.EnhancementConfig, in Input) (Result, error) {
	res := Result{Text: in.Text, Score: -1, Scope: ScopeFull}
	if !cfg.Active() {
		return res, nil
	}
	if p.llm == nil {
		return res, &StageError{Stage: firstEnabled(cfg), Err: errors.New("no LLM client configured")}
	}
	if cfg.SmartGating {
		res.Score = QualityScore(in.Source, in.Text)
		res.Scope = ScopeFor(res.Score)
	}
	if res.Scope == ScopeNone {
		return res, nil
	}
	started := p.now()

	validated := false
	issues := ""
	if cfg.Validation.Enabled {
		reply, model, err := p.call(ctx, cfg, jsoncfg.StageValidation, cfg.Validation, validationPrompt(in, res.Text))
		if err != nil {
			return p.fail(res, started, jsoncfg.StageValidation, err)
		}
		validated = true
		status := StatusOK
		if !isOK(reply) {
			status = StatusIssues
			issues = reply
		}
		p.record(&res, jsoncfg.StageValidation, model, status, issues, started)
		started = p.now()
	}
	if res.Scope == ScopeValidationOnly {
		return res, nil
	}

	if cfg.Rewrite.Enabled && (issues != "" || !validated) {
		reply, model, err := p.call(ctx, cfg, jsoncfg.StageRewrite, cfg.Rewrite, rewritePrompt(in, res.Text, issues))
		if err != nil {
			return p.fail(res, started, jsoncfg.StageRewrite, err)
		}
		res.Text = reply
		p.record(&res, jsoncfg.StageRewrite, model, StatusRevised, "", started)
		started = p.now()
	}

	if cfg.TechnicalCheck.Enabled {
		reply, model, err := p.call(ctx, cfg, jsoncfg.StageTechnicalCheck, cfg.TechnicalCheck, technicalPrompt(in, res.Text))
		if err != nil {
			return p.fail(res, started, jsoncfg.StageTechnicalCheck, err)
		}
		status := StatusOK
		if !isOK(reply) {
			res.Text = reply
			status = StatusRevised
		}
		p.record(&res, jsoncfg.StageTechnicalCheck, model, status, "", started)
	}
	return res, nil
}

func (p *Pipeline) call(ctx context.Context, cfg jsoncfg.EnhancementConfig, stage string, sc jsoncfg.StageConfig, prompt stagePrompt) (string, string, error) {
	model := sc.ResolveModel(cfg.DefaultModel)
	if model == "" {
		return "", "", errors.New("no model configured")
	}
	reply, err := p.llm.Complete(ctx, llm.CompletionRequest{
		Model:  model,
		System: prompt.system,
		Prompt: prompt.user,
		Tuning: sc.Tuning.Merge(cfg.Tuning),
	})
	if err != nil {
		return "", model, err
	}
	p.logger.Debug().Str("stage", stage).Str("model", model).Msg("pipeline: stage finished")
	return strings.TrimSpace(reply), model, nil
}

func (p *Pipeline) record(res *Result, stage, model, status, detail string, started time.Time) {
	res.Stages = append(res.Stages, domain.StageResult{
		Stage:      stage,
		Status:     status,
		DurationMS: p.now().Sub(started).Milliseconds(),
		Detail:     truncate(detail, 500),
	})
	res.LastStage = stage
	res.Model = model
}

func (p *Pipeline) fail(res Result, started time.Time, stage string, err error) (Result, error) {
	res.Stages = append(res.Stages, domain.StageResult{
		Stage:      stage,
		Status:     "failed",
		DurationMS: p.now().Sub(started).Milliseconds(),
		Detail:     truncate(err.Error(), 500),
	})
	res.LastStage = stage
	return res, &StageError{Stage: stage, Err: err}
}

func firstEnabled(cfg jsoncfg.EnhancementConfig) string {
	switch {
	case cfg.Validation.Enabled:
		return jsoncfg.StageValidation
	case cfg.Rewrite.Enabled:
		return jsoncfg.StageRewrite
	default:
		return jsoncfg.StageTechnicalCheck
	}
}

func isOK(reply string) bool {
	r := strings.ToUpper(strings.TrimSpace(reply))
	r = strings.Trim(r, ".!\"' ")
	return r == "OK" || r == "NO ISSUES"
}

type stagePrompt struct {
	system string
	user   string
}

func glossaryBlock(glossary map[string]string) string {
	if len(glossary) == 0 {
		return ""
	}
	terms := make([]string, 0, len(glossary))
	for k := range glossary {
		terms = append(terms, k)
	}
	sort.Strings(terms)
	var b strings.Builder
	b.WriteString("\nRequired terminology:\n")
	for _, k := range terms {
		fmt.Fprintf(&b, "- %s => %s\n", k, glossary[k])
	}
	return b.String()
}

func formatNote(html bool) string {
	if html {
		return " The translation is HTML; tags and attributes must stay unchanged."
	}
	return ""
}

func validationPrompt(in Input, text string) stagePrompt {
	return stagePrompt{
		system: "You check translations from " + in.SourceLang + " to " + in.TargetLang + ". " +
			"Reply with exactly OK when the translation is faithful and fluent. Otherwise reply with a short list of concrete issues." +
			formatNote(in.HTML) + glossaryBlock(in.Glossary),
		user: "Source:\n" + in.Source + "\n\nTranslation:\n" + text,
	}
}

func rewritePrompt(in Input, text, issues string) stagePrompt {
	user := "Source:\n" + in.Source + "\n\nTranslation:\n" + text
	if issues != "" {
		user += "\n\nIssues to fix:\n" + issues
	}
	return stagePrompt{
		system: "You correct translations into " + in.TargetLang + ". Fix grammar and meaning errors and reply with the corrected translation only." +
			formatNote(in.HTML) + glossaryBlock(in.Glossary),
		user: user,
	}
}

func technicalPrompt(in Input, text string) stagePrompt {
	return stagePrompt{
		system: "You do a final technical review of a " + in.TargetLang + " translation: terminology, numbers, units, names and formatting. " +
			"Reply with exactly OK if nothing needs to change, otherwise reply with the corrected translation only." +
			formatNote(in.HTML) + glossaryBlock(in.Glossary),
		user: "Source:\n" + in.Source + "\n\nTranslation:\n" + text,
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
