package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/binarydrop/internal/history"
)

const requestTimeout = 5 * time.Second

// Sink indexes one document per process run. The start event creates it at
// {base}/{index}/_doc/{run id}; the stop event overwrites it with the closed run.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: requestTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

func (s *Sink) docURL(e history.Event) string {
	u := s.baseURL + "/" + url.PathEscape(s.index) + "/_doc"
	if e.Run.ID != "" {
		u += "/" + url.PathEscape(e.Run.ID)
	}
	return u
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	method := http.MethodPut
	if e.Run.ID == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, s.docURL(e), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch %s %s: status %d: %s", method, s.index, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
