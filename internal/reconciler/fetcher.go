package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	domainerrors "flowlens/internal/errors"
	"flowlens/internal/model"
)

// HTTPFetcher materializes entities through the service's query API.
type HTTPFetcher struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPFetcher creates a fetcher against the given API base URL.
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{baseURL: baseURL, httpClient: &http.Client{}}
}

// FetchChangeRequest fetches the full entity record.
func (f *HTTPFetcher) FetchChangeRequest(ctx context.Context, repoID uuid.UUID, number int) (model.ChangeRequest, error) {
	url := fmt.Sprintf("%s/v1/prs/%s/%d", f.baseURL, repoID, number)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.ChangeRequest{}, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return model.ChangeRequest{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return model.ChangeRequest{}, &domainerrors.ErrEntityNotFound{RepoID: repoID, Number: number}
	}
	if resp.StatusCode != http.StatusOK {
		return model.ChangeRequest{}, fmt.Errorf("entity fetch returned %s", resp.Status)
	}

	var full struct {
		ChangeRequest model.ChangeRequest `json:"change_request"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&full); err != nil {
		return model.ChangeRequest{}, fmt.Errorf("decode entity: %w", err)
	}
	return full.ChangeRequest, nil
}
