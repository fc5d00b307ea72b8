// Package github refreshes repository metadata (stars, forks, description)
// for every repository the pipeline has seen. This runs well off the hot
// path; repositories appear through mutations, not through this client.
package github

import (
	"context"
	"log/slog"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"flowlens/internal/model"
)

// Client is a wrapper around the go-github client.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
}

// NewClient creates and configures a new Client instance authenticated
// with the given token.
func NewClient(token string, logger *slog.Logger) *Client {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		gh:     github.NewClient(tc),
		logger: logger,
	}
}

// SetBaseURL points the client at a different API host. Used by tests.
func (c *Client) SetBaseURL(url string) error {
	ghc, err := github.NewClient(nil).WithEnterpriseURLs(url, url)
	if err != nil {
		return err
	}
	c.gh = ghc
	return nil
}

// RepositoryMetadata fetches current metadata for a repository and merges
// it onto the stored record, leaving identity and PR counters untouched.
func (c *Client) RepositoryMetadata(ctx context.Context, repo model.Repository) (model.Repository, error) {
	ghRepo, _, err := c.gh.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err != nil {
		return model.Repository{}, err
	}

	repo.Description = ghRepo.Description
	repo.DefaultBranch = ghRepo.GetDefaultBranch()
	repo.HTMLURL = ghRepo.GetHTMLURL()
	repo.Language = ghRepo.Language
	repo.Stars = ghRepo.GetStargazersCount()
	repo.Forks = ghRepo.GetForksCount()
	return repo, nil
}
