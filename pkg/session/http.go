package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ridelink/sensor-hub/internal/log"
)

// maxResponseLength bounds how much of a session service response is read.
const maxResponseLength = 1 << 16

// ActiveSessionPath is requested relative to the service's base URL.
const ActiveSessionPath = "api/1/sessions/active"

// HTTPProvider asks a session service over HTTP. The service answers GET requests for
// ActiveSessionPath with {"sessionId": "..."} and 404 when no session is running.
type HTTPProvider struct {
	BaseURL   string
	UserAgent string
	client    http.Client
}

type activeSessionResponse struct {
	SessionID string `json:"sessionId"`
	Active    *bool  `json:"active,omitempty"`
}

// NewHTTPProvider returns a provider for the service at baseURL.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		UserAgent: "sensor-hub",
	}
}

func (p *HTTPProvider) ActiveSessionID(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/%s", p.BaseURL, ActiveSessionPath)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("error constructing request to %s: %w", url, err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", p.UserAgent)
	log.Debug("Requesting %s...", url)

	response, err := p.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("error fetching %s: %w", url, err)
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNoContent:
		return "", ErrNoActiveSession
	default:
		return "", fmt.Errorf("http error when fetching %s: %s", url, response.Status)
	}

	reader := io.LimitedReader{R: response.Body, N: maxResponseLength}
	body, err := io.ReadAll(&reader)
	if err != nil {
		return "", err
	}
	var payload activeSessionResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("session service returned malformed response: %w", err)
	}
	if payload.Active != nil && !*payload.Active {
		return "", ErrNoActiveSession
	}
	if payload.SessionID == "" {
		return "", ErrNoActiveSession
	}
	return payload.SessionID, nil
}
