package handlers

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://doctranslate.local/schemas/"

// Request bodies validated before decoding.
const (
	schemaUpload      = "upload.json"
	schemaTranslate   = "translate.json"
	schemaRetry       = "retry.json"
	schemaChunkUpdate = "chunk_update.json"
)

type schemaSet struct {
	byName map[string]*jsonschema.Schema
}

func loadSchemas() (*schemaSet, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	for _, e := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		if err := compiler.AddResource(schemaBase+e.Name(), bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", e.Name(), err)
		}
	}
	set := &schemaSet{byName: make(map[string]*jsonschema.Schema, len(entries))}
	for _, name := range []string{schemaUpload, schemaTranslate, schemaRetry, schemaChunkUpdate} {
		s, err := compiler.Compile(schemaBase + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		set.byName[name] = s
	}
	return set, nil
}

var errEmptyBody = errors.New("request body is required")

// decode reads the body, validates it against the named schema and
// unmarshals it into dst. An empty body is accepted when allowEmpty is set.
func (a *App) decode(w http.ResponseWriter, r *http.Request, schema string, dst any, allowEmpty bool) error {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.MaxBody))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		if allowEmpty {
			return nil
		}
		return errEmptyBody
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}
	if err := a.schemas.byName[schema].Validate(doc); err != nil {
		return errors.New(schemaMessage(err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}
	return nil
}

// schemaMessage reduces a validation error to its first leaf cause.
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	location := strings.TrimPrefix(ve.InstanceLocation, "/")
	if location == "" {
		return ve.Message
	}
	return strings.ReplaceAll(location, "/", ".") + ": " + ve.Message
}
