package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// exchange is one attempt's result. retryable marks transport faults, read
// failures and 5xx answers.
type exchange struct {
	status    int
	body      []byte
	retryable bool
	err       error
}

func attempt(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) exchange {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return exchange{err: err}
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return exchange{retryable: true, err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange{retryable: true, err: err}
	}
	return exchange{
		status:    resp.StatusCode,
		body:      respBody,
		retryable: resp.StatusCode >= 500,
	}
}

// RequestJSON performs one JSON exchange with bounded retries. Only transport
// faults, response-read failures and 5xx answers are retried; 4xx answers are
// final. A request that cannot even be built fails immediately.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	for left := retries; ; left-- {
		ex := attempt(ctx, client, method, url, body, headers)
		if ex.err != nil && !ex.retryable {
			return 0, nil, ex.err
		}
		if ex.retryable && left > 0 {
			time.Sleep(retryDelay)
			continue
		}
		if ex.err != nil {
			return 0, nil, ex.err
		}
		return ex.status, ex.body, nil
	}
}
