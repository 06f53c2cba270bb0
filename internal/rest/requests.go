package rest

import (
	"context"
	"net/http"
	"time"
)

// RequestClient reads the pending chat request count addressed to the session.
type RequestClient struct {
	c client
}

func NewRequestClient(baseURL, token string, timeout time.Duration) *RequestClient {
	return &RequestClient{c: newClient(baseURL, token, timeout)}
}

func (r *RequestClient) PendingCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := r.c.do(ctx, http.MethodGet, "/requests/pending/count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}
