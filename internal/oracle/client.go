// Package oracle calls the external multimodal recognition service. The
// service is a black box: given a class photo and a roster description it
// returns candidate identifications with confidence scores, usually wrapped
// in explanatory prose that has to be stripped before decoding.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rollcall/internal/model"
)

// ErrRecognition marks a hard failure of one identify call: service
// unreachable or a fully unparseable response. Per-entry problems inside an
// otherwise valid response are skipped, not escalated.
var ErrRecognition = errors.New("recognition failed")

// Client calls the recognition oracle.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. skip enables a mock mode for dev and tests.
func New(baseURL, apiKey string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 60 * time.Second, // vision models are slow
		},
	}
}

// Identify sends the class photo and a roster description to the oracle and
// returns the raw detections. Detections are not yet bound to the roster;
// the identity resolver does that.
func (c *Client) Identify(ctx context.Context, imageURL string, roster []model.RosterEntry) ([]model.RecognitionCandidate, error) {
	if c.Skip {
		if len(roster) == 0 {
			return nil, nil
		}
		return []model.RecognitionCandidate{{
			RawID:      roster[0].SecondaryID,
			RawName:    roster[0].Name,
			Confidence: 0.92,
		}}, nil
	}
	if imageURL == "" {
		return nil, fmt.Errorf("%w: image url required", ErrRecognition)
	}

	body, _ := json.Marshal(map[string]string{
		"image_url": imageURL,
		"roster":    rosterDescription(roster),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/identify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecognition, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrRecognition, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: oracle returned %s: %s", ErrRecognition, resp.Status, truncate(string(raw), 200))
	}

	cands, err := ParseDetections(raw)
	if err != nil {
		return nil, err
	}
	return cands, nil
}

// rosterDescription serializes the roster the way the oracle prompt expects:
// one block per student with id, name and email.
func rosterDescription(roster []model.RosterEntry) string {
	var b strings.Builder
	for i, e := range roster {
		fmt.Fprintf(&b, "Student %d:\n", i+1)
		id := e.SecondaryID
		if id == "" {
			id = e.ID
		}
		fmt.Fprintf(&b, "- ID: %s\n", id)
		fmt.Fprintf(&b, "- Name: %s\n", e.Name)
		if e.Email != "" {
			fmt.Fprintf(&b, "- Email: %s\n", e.Email)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
