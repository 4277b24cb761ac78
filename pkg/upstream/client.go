// Package upstream talks to the court portal that is the source of truth
// for process metadata and document bytes. The real adapter authenticates
// with OAuth2 client credentials and marks timeouts, connection errors and
// 5xx responses as transient (see IsTransient). The worker does not consult
// this classification: it retries every download failure alike.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"gorm.io/datatypes"

	"github.com/pdpj/materializer/pkg/common/httpclient"
)

// RemoteDocument is one document entry as described by the upstream
// process listing, before it has been downloaded.
type RemoteDocument struct {
	DocumentID   string
	Name         string
	MimeType     string
	Size         int64
	SourceHandle string
	RawMetadata  datatypes.JSON
}

// RemoteProcess is the upstream's view of a process: enough to populate our
// Process row and seed the Document rows a new job will track.
type RemoteProcess struct {
	ProcessNumber string
	Court         string
	Subject       string
	Summary       datatypes.JSON
	Documents     []RemoteDocument
}

// TransientError wraps an upstream failure the caller should retry (timeouts,
// 5xx, connection resets). Anything not wrapped this way is treated as
// permanent.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

func newTransientError(err error) error {
	return &TransientError{err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Client fetches process metadata and document bytes from the upstream
// court portal.
type Client interface {
	FetchProcess(ctx context.Context, processNumber string) (*RemoteProcess, error)
	DownloadDocument(ctx context.Context, sourceHandle string) (io.ReadCloser, error)
}

// OAuthClient is the production Client: an HTTP client authenticated via
// OAuth2 client-credentials against the upstream token endpoint.
type OAuthClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewOAuthClient(baseURL, tokenURL, clientID, clientSecret string) *OAuthClient {
	config := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}

	return &OAuthClient{
		baseURL:    baseURL,
		httpClient: config.Client(context.Background()),
	}
}

func (c *OAuthClient) FetchProcess(ctx context.Context, processNumber string) (*RemoteProcess, error) {
	url := fmt.Sprintf("%s/processes/%s", c.baseURL, processNumber)

	var resp *http.Response
	sendErr := httpclient.Retry(ctx, 2, 200*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("building process request: %w", err)
		}
		r, err := c.httpClient.Do(req)
		if err != nil {
			if httpclient.IsRetriable(err) {
				return err
			}
			return fmt.Errorf("requesting process: %w", err)
		}
		resp = r
		return nil
	})
	if sendErr != nil {
		if httpclient.IsRetriable(sendErr) {
			return nil, newTransientError(sendErr)
		}
		return nil, sendErr
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, newTransientError(fmt.Errorf("upstream returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	var body struct {
		ProcessNumber string             `json:"processNumber"`
		Court         string             `json:"court"`
		Subject       string             `json:"subject"`
		Summary       json.RawMessage    `json:"summary"`
		Documents     []struct {
			DocumentID   string          `json:"documentId"`
			Name         string          `json:"name"`
			MimeType     string          `json:"mimeType"`
			Size         int64           `json:"size"`
			SourceHandle string          `json:"sourceHandle"`
			RawMetadata  json.RawMessage `json:"rawMetadata"`
		} `json:"documents"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding process response: %w", err)
	}

	remote := &RemoteProcess{
		ProcessNumber: body.ProcessNumber,
		Court:         body.Court,
		Subject:       body.Subject,
		Summary:       datatypes.JSON(body.Summary),
	}
	for _, d := range body.Documents {
		remote.Documents = append(remote.Documents, RemoteDocument{
			DocumentID:   d.DocumentID,
			Name:         d.Name,
			MimeType:     d.MimeType,
			Size:         d.Size,
			SourceHandle: d.SourceHandle,
			RawMetadata:  datatypes.JSON(d.RawMetadata),
		})
	}

	return remote, nil
}

func (c *OAuthClient) DownloadDocument(ctx context.Context, sourceHandle string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceHandle, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if httpclient.IsRetriable(err) {
			return nil, newTransientError(err)
		}
		return nil, fmt.Errorf("downloading document: %w", err)
	}

	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, newTransientError(fmt.Errorf("upstream returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	return resp.Body, nil
}
