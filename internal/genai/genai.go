// Package genai defines the content-generation collaborator: an opaque,
// possibly-slow, possibly-failing text generator invoked for section
// rewrites and source-driven drafts.
package genai

import (
	"context"
	"errors"
)

// ErrEmptyGeneration is returned when the generator produced no usable body.
// Callers treat it like any other generation failure: no version is written.
var ErrEmptyGeneration = errors.New("generator returned empty body")

// Request carries either source text to draft from or instructions to
// rewrite the supplied text, plus free-form context for the prompt.
type Request struct {
	Instructions string
	SourceText   string
	Context      map[string]string
}

// Result is the generator's output. Title and Frontmatter are optional.
type Result struct {
	Title       string
	Body        string
	Frontmatter map[string]any
}

// Generator is implemented by LLM-backed providers.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}
