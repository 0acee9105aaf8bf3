package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/riptide-io/riptide/internal/domain"
)

// ControlTimeout is the transport-level deadline for control calls.
// The callback event stream carries no deadline.
const ControlTimeout = 5 * time.Second

// Client posts JSON control requests to a tier's base address. It is
// stateless: one request per call, connection reuse is left to the
// transport's internal pool.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a control-plane client.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: ControlTimeout},
	}
}

// Call posts in to http://{addr}{path} and decodes the response into out.
// out may be nil for calls whose response body is ignored.
func (c *Client) Call(ctx context.Context, addr, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNodeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Error != "" {
			return statusError(resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps wire errors back onto the domain taxonomy so callers can
// branch with errors.Is across tier boundaries.
func statusError(code int, msg string) error {
	switch msg {
	case domain.ErrPublisherNotFound.Error():
		return domain.ErrPublisherNotFound
	case domain.ErrSubscriberNotFound.Error():
		return domain.ErrSubscriberNotFound
	case domain.ErrRoomNotFound.Error():
		return domain.ErrRoomNotFound
	case domain.ErrPeerNotFound.Error():
		return domain.ErrPeerNotFound
	case domain.ErrClientNotFound.Error():
		return domain.ErrClientNotFound
	case domain.ErrNodeUnavailable.Error():
		return domain.ErrNodeUnavailable
	case domain.ErrFailedToSetSDP.Error():
		return domain.ErrFailedToSetSDP
	case domain.ErrFailedToCreateOffer.Error():
		return domain.ErrFailedToCreateOffer
	case domain.ErrFailedToCreateAnswer.Error():
		return domain.ErrFailedToCreateAnswer
	case domain.ErrInvalidICECandidate.Error():
		return domain.ErrInvalidICECandidate
	default:
		return fmt.Errorf("remote error (%d): %s", code, msg)
	}
}

// WriteError encodes err as a control-plane error response.
func WriteError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
}

// WriteJSON encodes a successful control-plane response.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
