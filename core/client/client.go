/*
Package client provides easy and fast in-process access to a REST api

Instead of marshalling HTTP, the client talks directly to the router. It is
perfectly suited for unit tests, and for the rare handler that needs to call
another handler to fulfill its task. The same client can also target a
remote service through a base URL.
*/
package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/goccy/go-json"
)

// Client provides easy access to the REST API.
type Client struct {
	router     http.Handler
	httpClient *http.Client
	url        string
	token      string

	defaultHeaders map[string]string
}

// NewWithRouter creates a client which makes pseudo-REST requests directly
// against the router, without a network.
func NewWithRouter(router http.Handler) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client which makes REST requests against a running
// service.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithToken returns a new client carrying the bearer token.
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithHeader returns a new client with a default header added.
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	c.defaultHeaders = headers
	return c
}

func (c Client) do(method, path string, body interface{}, result interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, ok := body.([]byte)
		if !ok {
			var err error
			data, err = json.Marshal(body)
			if err != nil {
				return 0, err
			}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.url+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range c.defaultHeaders {
		req.Header.Set(k, v)
	}

	var res *http.Response
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, req)
		res = rec.Result()
	} else {
		res, err = c.httpClient.Do(req)
		if err != nil {
			return 0, err
		}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, err
	}
	if res.StatusCode >= http.StatusBadRequest {
		return res.StatusCode, fmt.Errorf("%s %s: status %d: %s", method, path, res.StatusCode, string(data))
	}
	if result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = data
		} else if err := json.Unmarshal(data, result); err != nil {
			return res.StatusCode, fmt.Errorf("cannot unmarshal response of %s %s: %w", method, path, err)
		}
	}
	return res.StatusCode, nil
}

// Get reads the resource at path into result.
func (c Client) Get(path string, result interface{}) (int, error) {
	return c.do(http.MethodGet, path, nil, result)
}

// Post sends body to path. body can also be a []byte, result can also be a
// raw *[]byte; result can be nil.
func (c Client) Post(path string, body interface{}, result interface{}) (int, error) {
	return c.do(http.MethodPost, path, body, result)
}

// Put sends body to path.
func (c Client) Put(path string, body interface{}, result interface{}) (int, error) {
	return c.do(http.MethodPut, path, body, result)
}

// Delete deletes the resource at path. body can be nil.
func (c Client) Delete(path string, body interface{}, result interface{}) (int, error) {
	return c.do(http.MethodDelete, path, body, result)
}
