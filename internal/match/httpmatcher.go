// Package match 通过 HTTP 调用外部模板匹配服务。
package match

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/EmuAgent/internal/control"
)

var _ control.Matcher = (*HTTPMatcher)(nil)

// HTTPMatcher posts a captured frame plus a template id to a matcher service
// and returns its best hit.
type HTTPMatcher struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPMatcher builds a matcher for baseURL. A nil client gets a 10s timeout.
func NewHTTPMatcher(baseURL string, httpClient *http.Client) (*HTTPMatcher, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("matcher base url is empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPMatcher{baseURL: baseURL, httpClient: httpClient}, nil
}

type locateRequest struct {
	Image     string          `json:"image"`
	Template  string          `json:"template"`
	Threshold float64         `json:"threshold"`
	Region    *control.Region `json:"region,omitempty"`
}

type locateResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Found bool    `json:"found"`
		X     int     `json:"x"`
		Y     int     `json:"y"`
		Score float64 `json:"score"`
	} `json:"data"`
}

// Locate searches the whole frame.
func (m *HTTPMatcher) Locate(ctx context.Context, image []byte, template string, threshold float64) (control.Match, error) {
	return m.locate(ctx, image, template, nil, threshold)
}

// LocateInRegion restricts the search to region.
func (m *HTTPMatcher) LocateInRegion(ctx context.Context, image []byte, template string, region control.Region, threshold float64) (control.Match, error) {
	if region.Empty() {
		return m.locate(ctx, image, template, nil, threshold)
	}
	return m.locate(ctx, image, template, &region, threshold)
}

func (m *HTTPMatcher) locate(ctx context.Context, image []byte, template string, region *control.Region, threshold float64) (control.Match, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return control.Match{}, errors.New("match template is empty")
	}
	if len(image) == 0 {
		return control.Match{}, errors.New("match image is empty")
	}
	body, err := json.Marshal(locateRequest{
		Image:     base64.StdEncoding.EncodeToString(image),
		Template:  template,
		Threshold: threshold,
		Region:    region,
	})
	if err != nil {
		return control.Match{}, errors.Wrap(err, "encode locate payload")
	}
	endpoint := fmt.Sprintf("%s/locate", m.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return control.Match{}, errors.Wrap(err, "build locate request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return control.Match{}, errors.Wrap(err, "call matcher locate")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return control.Match{}, errors.Errorf("matcher locate http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var parsed locateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return control.Match{}, errors.Wrap(err, "decode locate response")
	}
	if parsed.Code != 0 {
		return control.Match{}, errors.Errorf("matcher locate failed: code=%d msg=%s", parsed.Code, strings.TrimSpace(parsed.Msg))
	}
	hit := control.Match{
		Found: parsed.Data.Found,
		X:     parsed.Data.X,
		Y:     parsed.Data.Y,
		Score: parsed.Data.Score,
	}
	// the service may report a hit below our threshold; the local rule wins
	if hit.Found && !control.Accepts(hit.Score, threshold) {
		hit.Found = false
	}
	log.Debug().Str("template", template).Float64("threshold", threshold).
		Bool("found", hit.Found).Float64("score", hit.Score).Msg("matcher response")
	return hit, nil
}
