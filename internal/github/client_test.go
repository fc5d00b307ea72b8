package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowlens/internal/model"
	"flowlens/internal/store"
)

// setupTestClient creates a httptest server and a client pointing to it.
func setupTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	client := NewClient("", logger)
	require.NoError(t, client.SetBaseURL(server.URL))
	return client
}

func storedRepo() model.Repository {
	return model.Repository{
		GithubID: 123,
		Owner:    "acme",
		Name:     "widgets",
		FullName: "acme/widgets",
		Stars:    1,
		OpenPRs:  4,
		TotalPRs: 9,
	}
}

func TestRepositoryMetadata_MergesOntoStoredRecord(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/repos/acme/widgets"), "path %s", r.URL.Path)
		fmt.Fprintln(w, `{
			"id": 123, "name": "widgets", "owner": {"login": "acme"},
			"description": "widget factory", "default_branch": "main",
			"html_url": "https://github.com/acme/widgets", "language": "Go",
			"stargazers_count": 77, "forks_count": 5
		}`)
	})
	client := setupTestClient(t, handler)

	repo, err := client.RepositoryMetadata(context.Background(), storedRepo())

	require.NoError(t, err)
	require.NotNil(t, repo.Description)
	assert.Equal(t, "widget factory", *repo.Description)
	assert.Equal(t, 77, repo.Stars)
	assert.Equal(t, 5, repo.Forks)
	assert.Equal(t, "Go", *repo.Language)

	// Identity and PR counters stay as stored.
	assert.Equal(t, int64(123), repo.GithubID)
	assert.Equal(t, "acme/widgets", repo.FullName)
	assert.Equal(t, 4, repo.OpenPRs)
	assert.Equal(t, 9, repo.TotalPRs)
}

func TestRepositoryMetadata_PropagatesAPIError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	client := setupTestClient(t, handler)

	_, err := client.RepositoryMetadata(context.Background(), storedRepo())
	assert.Error(t, err)
}

// stubStore serves a fixed repository list and records metadata updates.
type stubStore struct {
	store.Store
	repos []model.Repository

	mu      sync.Mutex
	updated []model.Repository
}

func (s *stubStore) Repositories(ctx context.Context) ([]model.Repository, error) {
	return s.repos, nil
}

func (s *stubStore) UpdateRepositoryMetadata(ctx context.Context, repo model.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, repo)
	return nil
}

func (s *stubStore) updates() []model.Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Repository(nil), s.updated...)
}

func TestRefresher_RefreshesEveryRepository(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/repos/acme/widgets"):
			fmt.Fprintln(w, `{"id": 123, "stargazers_count": 10}`)
		case strings.HasSuffix(r.URL.Path, "/repos/acme/gadgets"):
			// One repo failing must not stop the others.
			w.WriteHeader(http.StatusInternalServerError)
		default:
			fmt.Fprintln(w, `{"id": 456, "stargazers_count": 20}`)
		}
	})
	client := setupTestClient(t, handler)

	db := &stubStore{repos: []model.Repository{
		{Owner: "acme", Name: "widgets", FullName: "acme/widgets"},
		{Owner: "acme", Name: "gadgets", FullName: "acme/gadgets"},
		{Owner: "acme", Name: "sprockets", FullName: "acme/sprockets"},
	}}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	r := NewRefresher(db, client, time.Hour, logger)
	r.refreshAll(context.Background())

	updates := db.updates()
	require.Len(t, updates, 2)
	names := []string{updates[0].FullName, updates[1].FullName}
	assert.ElementsMatch(t, []string{"acme/widgets", "acme/sprockets"}, names)
}
