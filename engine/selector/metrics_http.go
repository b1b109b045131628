package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPMetricsSource reads last-metric timestamps from the time-series
// store's HTTP API.
type HTTPMetricsSource struct {
	baseURL string
	httpc   *http.Client
}

func NewHTTPMetricsSource(baseURL string, timeout time.Duration) *HTTPMetricsSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPMetricsSource{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
	}
}

type lastMetricResponse struct {
	Found     bool  `json:"found"`
	Timestamp int64 `json:"timestamp"`
}

func (s *HTTPMetricsSource) LastMetric(ctx context.Context, uuid string) (time.Time, bool, error) {
	u := fmt.Sprintf("%s/metrics/last?uuid=%s", s.baseURL, url.QueryEscape(uuid))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return time.Time{}, false, err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return time.Time{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return time.Time{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, false, fmt.Errorf("metrics store: http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return time.Time{}, false, err
	}
	var lm lastMetricResponse
	if err := json.Unmarshal(body, &lm); err != nil {
		return time.Time{}, false, err
	}
	if !lm.Found {
		return time.Time{}, false, nil
	}
	return time.Unix(lm.Timestamp, 0), true, nil
}
