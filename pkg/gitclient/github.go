// Package gitclient talks to the GitHub API: credential validation,
// repository listing, and cloning via the codeload tarball endpoint.
// No git binary is required on the host.
package gitclient

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	apiBaseURL      = "https://api.github.com"
	codeloadBaseURL = "https://codeload.github.com"

	// Cap on a single extracted file. A working copy is build input, not
	// an artifact store; anything bigger is almost certainly junk.
	maxFileSize = 100 << 20
)

// ErrInvalidRepoURL marks a URL that does not name a GitHub repository.
var ErrInvalidRepoURL = errors.New("invalid repository URL")

// Repository is one entry of a repository listing.
type Repository struct {
	Name        string `json:"name"`
	FullName    string `json:"full_name"`
	Description string `json:"description"`
	Private     bool   `json:"private"`
	HTMLURL     string `json:"html_url"`
	CloneURL    string `json:"clone_url"`
	Language    string `json:"language"`
	UpdatedAt   string `json:"updated_at"`
}

// CloneResult reports what a clone produced.
type CloneResult struct {
	Path      string
	Branch    string
	FileCount int
	SizeBytes int64
}

// ProgressFunc receives incremental clone progress.
type ProgressFunc func(files int, bytes int64)

// Client is a GitHub API client bound to one token. The zero token is
// valid for public repositories only.
type Client struct {
	token      string
	apiBase    string
	codeload   string
	httpClient *http.Client
}

// NewClient creates a client for the given token (may be empty).
func NewClient(token string) *Client {
	return &Client{
		token:    token,
		apiBase:  apiBaseURL,
		codeload: codeloadBaseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // tarball downloads dominate
		},
	}
}

// SetToken replaces the credential, e.g. when the client selects a repo
// and sends a fresh token in message metadata.
func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// ValidateToken checks the credential against GET /user.
func (c *Client) ValidateToken(ctx context.Context) error {
	if c.token == "" {
		return errors.New("no GitHub token configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/user", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("validate token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validate token: GitHub API returned %d", resp.StatusCode)
	}
	return nil
}

// ListRepositories fetches the authenticated user's repositories, most
// recently updated first.
func (c *Client) ListRepositories(ctx context.Context) ([]Repository, error) {
	url := c.apiBase + "/user/repos?per_page=100&sort=updated"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("list repositories: GitHub API returned %d: %s", resp.StatusCode, body)
	}

	var repos []Repository
	if err := json.NewDecoder(resp.Body).Decode(&repos); err != nil {
		return nil, fmt.Errorf("decode repository list: %w", err)
	}
	return repos, nil
}

// ParseRepoURL extracts owner and repository name from an https or ssh
// GitHub URL, with or without a trailing .git.
func ParseRepoURL(repoURL string) (owner, repo string, err error) {
	s := strings.TrimSpace(repoURL)
	s = strings.TrimSuffix(s, "/")

	switch {
	case strings.HasPrefix(s, "git@"):
		// git@github.com:owner/repo.git
		_, after, found := strings.Cut(s, ":")
		if !found {
			return "", "", fmt.Errorf("%w: %s", ErrInvalidRepoURL, repoURL)
		}
		s = after
	case strings.Contains(s, "://"):
		_, after, _ := strings.Cut(s, "://")
		// drop the host
		if i := strings.Index(after, "/"); i >= 0 {
			s = after[i+1:]
		} else {
			return "", "", fmt.Errorf("%w: %s", ErrInvalidRepoURL, repoURL)
		}
	}

	s = strings.TrimSuffix(s, ".git")
	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidRepoURL, repoURL)
	}
	return parts[0], parts[1], nil
}

// Clone downloads the branch tarball into destDir and reports progress as
// files are extracted. The tarball's single top-level directory is
// stripped so destDir is the repository root.
func (c *Client) Clone(ctx context.Context, repoURL, branch, destDir string, progress ProgressFunc) (*CloneResult, error) {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = "main"
	}
	if progress == nil {
		progress = func(int, int64) {}
	}

	url := fmt.Sprintf("%s/%s/%s/tar.gz/refs/heads/%s", c.codeload, owner, repo, branch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download tarball: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("repository or branch not found: %s@%s", repoURL, branch)
	default:
		return nil, fmt.Errorf("download tarball: GitHub returned %d", resp.StatusCode)
	}

	result, err := extractTarball(resp.Body, destDir, progress)
	if err != nil {
		return nil, err
	}
	result.Branch = branch
	result.Path = destDir
	return result, nil
}

// extractTarball unpacks a gzipped tar stream, stripping the first path
// component of each entry.
func extractTarball(r io.Reader, destDir string, progress ProgressFunc) (*CloneResult, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	result := &CloneResult{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tarball: %w", err)
		}

		rel := stripFirstComponent(hdr.Name)
		if rel == "" {
			continue
		}
		target := filepath.Join(destDir, filepath.FromSlash(rel))
		// Keep extraction inside destDir.
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("create directory %s: %w", rel, err)
			}
		case tar.TypeReg:
			if hdr.Size > maxFileSize {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, fmt.Errorf("create directory for %s: %w", rel, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return nil, fmt.Errorf("create file %s: %w", rel, err)
			}
			n, err := io.Copy(f, io.LimitReader(tr, maxFileSize))
			closeErr := f.Close()
			if err != nil {
				return nil, fmt.Errorf("write file %s: %w", rel, err)
			}
			if closeErr != nil {
				return nil, fmt.Errorf("close file %s: %w", rel, closeErr)
			}
			result.FileCount++
			result.SizeBytes += n
			progress(result.FileCount, result.SizeBytes)
		}
	}
	return result, nil
}

func stripFirstComponent(name string) string {
	name = strings.TrimPrefix(name, "./")
	if i := strings.Index(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return ""
}
