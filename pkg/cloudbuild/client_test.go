package cloudbuild

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient points every API base at one httptest server.
func testClient(srv *httptest.Server) *Client {
	c := newClient("proj", "us-central1", "servergem", srv.Client())
	c.buildBase = srv.URL + "/build/v1"
	c.storageBase = srv.URL + "/storage/v1"
	c.uploadBase = srv.URL + "/upload/v1"
	c.artifactBase = srv.URL + "/artifacts/v1"
	c.usageBase = srv.URL + "/usage/v1"
	c.pollInterval = time.Millisecond
	return c
}

func TestImageTag(t *testing.T) {
	c := newClient("proj", "us-central1", "servergem", nil)
	assert.Equal(t, "us-central1-docker.pkg.dev/proj/servergem/flask-app:latest", c.ImageTag("flask-app"))
}

func TestEnsureBucket_CreatesWhenAbsent(t *testing.T) {
	var created atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost:
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "proj_servergem_sources", body["name"])
			created.Store(true)
			_ = json.NewEncoder(w).Encode(body)
		}
	}))
	defer srv.Close()

	didCreate, err := testClient(srv).EnsureBucket(context.Background())
	require.NoError(t, err)
	assert.True(t, didCreate)
	assert.True(t, created.Load())
}

func TestEnsureBucket_NoopWhenPresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "proj_servergem_sources"})
	}))
	defer srv.Close()

	didCreate, err := testClient(srv).EnsureBucket(context.Background())
	require.NoError(t, err)
	assert.False(t, didCreate)
}

func TestEnsureRepository_CreatesWhenAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Contains(t, r.URL.RawQuery, "repositoryId=servergem")
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "op"})
	}))
	defer srv.Close()

	didCreate, err := testClient(srv).EnsureRepository(context.Background())
	require.NoError(t, err)
	assert.True(t, didCreate)
}

func TestCheckAPIs_ReportsDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := "ENABLED"
		if filepath.Base(r.URL.Path) == "run.googleapis.com" {
			state = "DISABLED"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"state": state})
	}))
	defer srv.Close()

	disabled, err := testClient(srv).CheckAPIs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"run.googleapis.com"}, disabled)
}

func TestUploadSource_PacksAndUploads(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('hi')"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET=x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.example"), []byte("SECRET="), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules", "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "pkg", "x.js"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0o644))

	var names []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/gzip", r.Header.Get("Content-Type"))
		gz, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		tr := tar.NewReader(gz)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			names = append(names, hdr.Name)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "src.tgz"})
	}))
	defer srv.Close()

	count, err := testClient(srv).UploadSource(context.Background(), dir, "src.tgz")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.ElementsMatch(t, []string{"app.py", ".env.example"}, names)
}

func TestSubmitAndPollBuild_Success(t *testing.T) {
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var build map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&build))
			assert.Contains(t, build, "source")
			assert.Contains(t, build, "images")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"metadata": map[string]any{"build": map[string]string{"id": "b-123"}},
			})
			return
		}
		status := "WORKING"
		if polls.Add(1) >= 3 {
			status = "SUCCESS"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id": "b-123", "status": status, "logUrl": "https://logs/b-123",
		})
	}))
	defer srv.Close()

	c := testClient(srv)
	id, err := c.SubmitBuild(context.Background(), "src.tgz", c.ImageTag("app"), 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "b-123", id)

	var notes []string
	result, err := c.PollBuild(context.Background(), id, c.ImageTag("app"), func(m string) { notes = append(notes, m) })
	require.NoError(t, err)
	assert.Equal(t, c.ImageTag("app"), result.ImageTag)
	assert.Equal(t, "https://logs/b-123", result.LogURL)
	assert.Contains(t, notes, "Build status: WORKING")
	assert.Contains(t, notes, "Build status: SUCCESS")
}

func TestPollBuild_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id": "b-9", "status": "FAILURE", "statusDetail": "step 2 exited 1", "logUrl": "https://logs/b-9",
		})
	}))
	defer srv.Close()

	_, err := testClient(srv).PollBuild(context.Background(), "b-9", "tag", nil)
	require.ErrorIs(t, err, ErrBuildFailed)
	assert.Contains(t, err.Error(), "step 2 exited 1")
}

func TestPackSource_EmptyDir(t *testing.T) {
	var buf bytes.Buffer
	count, err := packSource(t.TempDir(), &buf)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Positive(t, buf.Len(), "valid empty archive")
}
