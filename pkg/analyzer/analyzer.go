// Package analyzer inspects a working copy and produces a structured
// classification of the project: language, framework, entry point,
// dependencies, and deployment hints. The model does the clever part;
// a static fallback guarantees a well-formed result when it cannot.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/servergem/servergem/pkg/llm"
)

const (
	maxScanDepth      = 3
	maxConfigFileSize = 50 << 10 // 50 KiB
	maxConfigFiles    = 10
)

// Dependency is one declared package dependency.
type Dependency struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Result is the analysis outcome. Always well-formed: a failed
// classification yields Language "unknown" plus a warning, never an
// error to the caller.
type Result struct {
	Language         string       `json:"language"`
	Framework        string       `json:"framework"`
	EntryPoint       string       `json:"entry_point"`
	Port             int          `json:"port"`
	Dependencies     []Dependency `json:"dependencies"`
	Database         string       `json:"database"`
	BuildTool        string       `json:"build_tool"`
	StartCommand     string       `json:"start_command"`
	EnvVars          []string     `json:"env_vars"`
	DockerfileExists bool         `json:"dockerfile_exists"`
	Recommendations  []string     `json:"recommendations"`
	Warnings         []string     `json:"warnings"`
}

// LLM is the slice of the model broker the analyzer needs.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Analyzer classifies working copies.
type Analyzer struct {
	llm LLM
}

// New creates an analyzer backed by the given model.
func New(model LLM) *Analyzer {
	return &Analyzer{llm: model}
}

// NoteFunc receives user-visible progress notes during analysis.
type NoteFunc func(message string)

// Analyze classifies the project at path. It never returns an error:
// on any failure the static fallback produces a usable record.
func (a *Analyzer) Analyze(ctx context.Context, path string, note NoteFunc) *Result {
	if note == nil {
		note = func(string) {}
	}

	scan, err := scanTree(path)
	if err != nil {
		slog.Warn("project scan failed, using empty structure", "path", path, "error", err)
		scan = &treeScan{}
	}
	note(fmt.Sprintf("Scanned %d files", len(scan.files)))

	result := a.classify(ctx, path, scan, note)

	// Static facts are merged in regardless of how classification went.
	result.EnvVars = extractEnvVarNames(path)
	result.DockerfileExists = fileExists(filepath.Join(path, "Dockerfile"))
	if result.Port == 0 {
		result.Port = 8080
	}
	return result
}

func (a *Analyzer) classify(ctx context.Context, path string, scan *treeScan, note NoteFunc) *Result {
	note("Using AI to detect framework and dependencies")

	prompt := buildPrompt(path, scan)
	raw, err := a.llm.Complete(ctx, prompt)
	if err != nil {
		slog.Warn("model classification failed, using static fallback", "error", err)
		return staticFallback(path, scan)
	}

	var result Result
	if err := json.Unmarshal([]byte(llm.StripCodeFences(raw)), &result); err != nil {
		slog.Warn("unparseable classification, using static fallback", "error", err)
		return staticFallback(path, scan)
	}
	if result.Language == "" {
		return staticFallback(path, scan)
	}
	note(fmt.Sprintf("Detected %s framework", orUnknown(result.Framework)))
	return &result
}

type treeScan struct {
	files       []string
	directories []string
	configFiles []string
}

// configFileNames are manifests and lockfiles worth feeding to the
// model verbatim.
var configFileNames = map[string]bool{
	"package.json":       true,
	"package-lock.json":  true,
	"requirements.txt":   true,
	"Pipfile":            true,
	"pyproject.toml":     true,
	"go.mod":             true,
	"go.sum":             true,
	"pom.xml":            true,
	"build.gradle":       true,
	"Gemfile":            true,
	"composer.json":      true,
	".env":               true,
	".env.example":       true,
	".env.sample":        true,
	"Dockerfile":         true,
	"docker-compose.yml": true,
	"app.yaml":           true,
	"cloudbuild.yaml":    true,
	"Procfile":           true,
}

// noiseDirs are skipped entirely during the walk.
var noiseDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"venv":         true,
	".venv":        true,
	"__pycache__":  true,
	".cache":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"vendor":       true,
	".next":        true,
}

func scanTree(root string) (*treeScan, error) {
	scan := &treeScan{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		depth := strings.Count(rel, string(os.PathSeparator)) + 1

		if d.IsDir() {
			if noiseDirs[d.Name()] || depth > maxScanDepth {
				return filepath.SkipDir
			}
			scan.directories = append(scan.directories, filepath.ToSlash(rel))
			return nil
		}
		scan.files = append(scan.files, filepath.ToSlash(rel))
		if configFileNames[d.Name()] {
			scan.configFiles = append(scan.configFiles, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scan, nil
}

func buildPrompt(root string, scan *treeScan) string {
	contents := make(map[string]string)
	for i, rel := range scan.configFiles {
		if i >= maxConfigFiles {
			break
		}
		full := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil || info.Size() > maxConfigFileSize {
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		contents[rel] = string(data)
	}

	structure, _ := json.MarshalIndent(map[string]any{
		"files":        scan.files,
		"directories":  scan.directories,
		"config_files": scan.configFiles,
	}, "", "  ")
	configs, _ := json.MarshalIndent(contents, "", "  ")

	return fmt.Sprintf(`Analyze this software project and return a JSON object with deployment information.

**File Structure:**
%s

**Configuration Files:**
%s

**Return JSON in this exact format:**
{
  "language": "python|nodejs|golang|java|ruby|php",
  "framework": "express|flask|django|fastapi|nextjs|gin|springboot|rails",
  "entry_point": "main file (e.g., app.py, index.js, main.go)",
  "port": 8080,
  "dependencies": [
    {"name": "package-name", "version": "1.0.0"}
  ],
  "database": "postgresql|mysql|mongodb|redis|none",
  "build_tool": "npm|pip|go|maven|gradle|bundle",
  "start_command": "command to start the application",
  "recommendations": ["deployment recommendation"],
  "warnings": ["potential issue"]
}

Return ONLY valid JSON, no markdown or explanations.`, structure, configs)
}

// staticFallback detects the language by manifest presence and guesses
// the rest. Always records a warning so the user knows classification
// was degraded.
func staticFallback(root string, scan *treeScan) *Result {
	result := &Result{
		Language:        "unknown",
		Framework:       "unknown",
		Port:            8080,
		Dependencies:    []Dependency{},
		Recommendations: []string{"Unable to fully analyze project - manual configuration may be needed"},
		Warnings:        []string{"Automated analysis failed - using fallback detection"},
	}

	has := func(name string) bool {
		for _, f := range scan.configFiles {
			if filepath.Base(f) == name {
				return true
			}
		}
		return false
	}
	hasFile := func(name string) bool {
		for _, f := range scan.files {
			if f == name {
				return true
			}
		}
		return false
	}

	switch {
	case has("package.json"):
		result.Language = "nodejs"
		result.BuildTool = "npm"
		if data, err := os.ReadFile(filepath.Join(root, "package.json")); err == nil {
			var pkg struct {
				Dependencies map[string]string `json:"dependencies"`
			}
			if json.Unmarshal(data, &pkg) == nil {
				if _, ok := pkg.Dependencies["express"]; ok {
					result.Framework = "express"
				} else if _, ok := pkg.Dependencies["next"]; ok {
					result.Framework = "nextjs"
				}
			}
		}
	case has("requirements.txt"):
		result.Language = "python"
		result.BuildTool = "pip"
		for _, candidate := range []string{"app.py", "main.py", "manage.py"} {
			if hasFile(candidate) {
				result.EntryPoint = candidate
				break
			}
		}
	case has("go.mod"):
		result.Language = "golang"
		result.BuildTool = "go"
		result.EntryPoint = "main.go"
	case has("pom.xml"):
		result.Language = "java"
		result.BuildTool = "maven"
	case has("Gemfile"):
		result.Language = "ruby"
		result.BuildTool = "bundle"
	}
	return result
}

// extractEnvVarNames pulls variable names (not values) out of dotenv
// files. Values never leave this function.
func extractEnvVarNames(root string) []string {
	seen := make(map[string]bool)
	for _, name := range []string{".env", ".env.example", ".env.sample"} {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, _, found := strings.Cut(line, "=")
			if !found {
				continue
			}
			key = strings.TrimSpace(key)
			if key != "" {
				seen[key] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
