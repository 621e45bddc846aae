package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/ollama/cudartc/envconfig"
	"github.com/ollama/cudartc/utils/backoff"
)

const MediaTypeCBOR = "application/cbor"

// Client talks to an nvrtc compile server.
type Client struct {
	base *url.URL
	http *http.Client

	// CBOR requests CBOR responses so binary modules are not base64 encoded.
	CBOR bool

	// Attempts is how many times Compile tries while the server answers
	// 503 because its queue is full. Zero or one means no retries.
	Attempts int
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{base: base, http: http}
}

// ClientFromEnvironment returns a client for NVRTC_HOST.
func ClientFromEnvironment() *Client {
	c := NewClient(&url.URL{Scheme: "http", Host: envconfig.Host}, http.DefaultClient)
	c.Attempts = 5
	return c
}

func isBusy(err error) bool {
	var serr StatusError
	return errors.As(err, &serr) && serr.StatusCode == http.StatusServiceUnavailable
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var body io.Reader
	if reqData != nil {
		bts, err := json.Marshal(reqData)
		if err != nil {
			return err
		}
		body = bytes.NewReader(bts)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Request-Id", uuid.NewString())
	if c.CBOR {
		request.Header.Set("Accept", MediaTypeCBOR)
	} else {
		request.Header.Set("Accept", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	bts, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	unmarshal := json.Unmarshal
	if response.Header.Get("Content-Type") == MediaTypeCBOR {
		unmarshal = cbor.Unmarshal
	}

	if response.StatusCode >= http.StatusBadRequest {
		apiError := StatusError{StatusCode: response.StatusCode, Status: response.Status}
		// compile failures still carry a full response with the log
		if resp, ok := respData.(*CompileResponse); ok && response.StatusCode == http.StatusUnprocessableEntity {
			if err := unmarshal(bts, resp); err == nil {
				apiError.ErrorMessage, apiError.Kind = resp.Error, resp.Kind
				return apiError
			}
		}

		var body struct {
			Error string `json:"error" cbor:"error"`
			Kind  string `json:"kind" cbor:"kind"`
		}
		if err := unmarshal(bts, &body); err != nil {
			apiError.ErrorMessage = string(bts)
		} else {
			apiError.ErrorMessage, apiError.Kind = body.Error, body.Kind
		}
		return apiError
	}

	if respData == nil {
		return nil
	}

	if err := unmarshal(bts, respData); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Compile compiles req on the server. When compilation itself fails the
// returned response still holds the log and the error is a StatusError
// with status 422.
func (c *Client) Compile(ctx context.Context, req *CompileRequest) (*CompileResponse, error) {
	var resp CompileResponse
	err := backoff.Retry(ctx, c.Attempts, 2*time.Second, isBusy, func() error {
		resp = CompileResponse{}
		return c.do(ctx, http.MethodPost, "/api/compile", req, &resp)
	})
	if err != nil {
		return &resp, err
	}
	return &resp, nil
}

func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	var resp VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Archs(ctx context.Context) (*ArchsResponse, error) {
	var resp ArchsResponse
	if err := c.do(ctx, http.MethodGet, "/api/archs", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodHead, "/", nil, nil)
}
