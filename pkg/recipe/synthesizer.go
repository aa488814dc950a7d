// Package recipe turns an analysis result into a container build
// recipe. Known (language, framework) pairs come from a fixed template
// catalog and are fully deterministic; everything else is drafted by
// the model with a generic per-language recipe as the last resort.
package recipe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/servergem/servergem/pkg/analyzer"
	"github.com/servergem/servergem/pkg/llm"
)

// Recipe is a synthesized container build description.
type Recipe struct {
	Dockerfile    string
	Optimizations []string
	SizeEstimate  string
	FromTemplate  bool
}

// LLM is the slice of the model broker the synthesizer needs.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Synthesizer produces recipes. Never fails outward.
type Synthesizer struct {
	llm LLM
}

// New creates a synthesizer backed by the given model.
func New(model LLM) *Synthesizer {
	return &Synthesizer{llm: model}
}

// Synthesize builds a recipe for the analysis. Template hits are
// deterministic; misses go to the model, and a model failure degrades
// to a minimal generic recipe for the language.
func (s *Synthesizer) Synthesize(ctx context.Context, a *analyzer.Result, note func(string)) *Recipe {
	if note == nil {
		note = func(string) {}
	}

	key := fmt.Sprintf("%s_%s", strings.ToLower(a.Language), strings.ToLower(a.Framework))
	if tmpl, ok := templates[key]; ok {
		note(fmt.Sprintf("Using optimized template for %s", key))
		return &Recipe{
			Dockerfile:    strings.ReplaceAll(tmpl, "{entry_point}", SanitizeEntryPoint(a.EntryPoint, a.Language)),
			Optimizations: append([]string(nil), templateOptimizations...),
			SizeEstimate:  sizeEstimate(key),
			FromTemplate:  true,
		}
	}

	note("Generating custom Dockerfile with AI")
	raw, err := s.llm.Complete(ctx, customPrompt(a))
	if err != nil || strings.TrimSpace(llm.StripCodeFences(raw)) == "" {
		slog.Warn("custom dockerfile generation failed, using generic recipe",
			"language", a.Language, "framework", a.Framework, "error", err)
		return genericRecipe(a)
	}
	return &Recipe{
		Dockerfile:    llm.StripCodeFences(raw),
		Optimizations: []string{"AI-generated for your specific stack"},
		SizeEstimate:  defaultSizeEstimate,
	}
}

// WriteToWorkingCopy persists the Dockerfile and a matching
// .dockerignore into the working copy.
func WriteToWorkingCopy(dir string, r *Recipe, language string) error {
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(r.Dockerfile), 0o644); err != nil {
		return fmt.Errorf("write Dockerfile: %w", err)
	}
	ignore := dockerignoreCommon + dockerignoreByLanguage[strings.ToLower(language)]
	if err := os.WriteFile(filepath.Join(dir, ".dockerignore"), []byte(ignore), 0o644); err != nil {
		return fmt.Errorf("write .dockerignore: %w", err)
	}
	return nil
}

// SanitizeEntryPoint strips source extensions and anything outside
// alphanumerics plus "_-.", falling back to a per-language default.
// Next.js keeps its extension because the CMD invokes the file itself.
func SanitizeEntryPoint(entry, language string) string {
	entry = strings.TrimSpace(entry)
	if entry == "" || entry == "unknown" {
		switch strings.ToLower(language) {
		case "python":
			return "app"
		case "nodejs":
			return "server.js"
		default:
			return "main"
		}
	}
	for _, ext := range []string{".py", ".ts"} {
		entry = strings.TrimSuffix(entry, ext)
	}
	if strings.ToLower(language) == "nodejs" && !strings.HasSuffix(entry, ".js") {
		entry += ".js"
	}
	if strings.ToLower(language) != "nodejs" {
		entry = strings.TrimSuffix(entry, ".js")
	}

	var b strings.Builder
	for _, c := range entry {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '_' || c == '-' || c == '.' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "app"
	}
	return b.String()
}

func sizeEstimate(key string) string {
	if s, ok := imageSizeEstimates[key]; ok {
		return s
	}
	return defaultSizeEstimate
}

func customPrompt(a *analyzer.Result) string {
	return fmt.Sprintf(`Generate a production-optimized Dockerfile for Google Cloud Run with these requirements:

**Project Details:**
- Language: %s
- Framework: %s
- Entry Point: %s
- Port: %d
- Build Tool: %s

**Requirements:**
1. Multi-stage build to minimize image size
2. Non-root user for security
3. Use PORT environment variable (Cloud Run requirement)
4. Layer caching optimization
5. Production-ready configuration

Return ONLY the Dockerfile content, no markdown formatting.`,
		a.Language, a.Framework, a.EntryPoint, a.Port, a.BuildTool)
}

// genericRecipe is the floor: a single-stage recipe good enough to
// attempt a build when both the catalog and the model came up empty.
func genericRecipe(a *analyzer.Result) *Recipe {
	var dockerfile string
	switch strings.ToLower(a.Language) {
	case "nodejs":
		dockerfile = fmt.Sprintf(`FROM node:18-alpine
WORKDIR /app
COPY package*.json ./
RUN npm install --omit=dev
COPY . .
ENV PORT=8080
EXPOSE 8080
CMD ["node", "%s"]
`, SanitizeEntryPoint(a.EntryPoint, "nodejs"))
	case "golang":
		dockerfile = `FROM golang:1.22-alpine AS builder
WORKDIR /app
COPY . .
RUN CGO_ENABLED=0 go build -o main .

FROM alpine:latest
COPY --from=builder /app/main /main
ENV PORT=8080
EXPOSE 8080
CMD ["/main"]
`
	default:
		dockerfile = fmt.Sprintf(`FROM python:3.11-slim
WORKDIR /app
COPY requirements.txt .
RUN pip install --no-cache-dir -r requirements.txt
COPY . .
ENV PORT=8080
EXPOSE 8080
CMD ["python", "%s.py"]
`, SanitizeEntryPoint(a.EntryPoint, "python"))
	}
	return &Recipe{
		Dockerfile:    dockerfile,
		Optimizations: []string{"Generic recipe - review before production use"},
		SizeEstimate:  defaultSizeEstimate,
	}
}
