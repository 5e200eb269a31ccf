package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"ms-payouts/internal/apperr"
)

// apiError is a 4xx answer from a provider API. Adapters classify it.
type apiError struct {
	Provider Name
	Status   int
	Message  string
	Body     []byte
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s api returned %d: %s", e.Provider, e.Status, e.Message)
}

func asAPIError(err error) (*apiError, bool) {
	var ae *apiError
	ok := errors.As(err, &ae)
	return ae, ok
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type jsonClient struct {
	name Name
	http *http.Client
}

// do sends body as JSON and decodes a 2xx answer into out. A timeout, or a
// 5xx answer to a mutating request, is flagged as unknown outcome.
func (c jsonClient) do(ctx context.Context, method, url string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, fmt.Sprintf("%s: encode request", c.name))
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, fmt.Sprintf("%s: build request", c.name))
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return c.send(req, out)
}

func (c jsonClient) send(req *http.Request, out any) error {
	mutating := req.Method != http.MethodGet
	op := fmt.Sprintf("%s %s %s", c.name, req.Method, req.URL.Path)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) && mutating {
			return apperr.Unknown(err, op)
		}
		return apperr.Wrap(apperr.ServiceUnavailable, err, op)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if mutating {
			return apperr.Unknown(err, op+": read response")
		}
		return apperr.Wrap(apperr.ServiceUnavailable, err, op+": read response")
	}

	switch {
	case resp.StatusCode >= 500:
		e := apperr.Newf(apperr.ServiceUnavailable, "%s: status %d", op, resp.StatusCode)
		e.UnknownOutcome = mutating
		return e
	case resp.StatusCode >= 400:
		return &apiError{Provider: c.name, Status: resp.StatusCode, Message: extractMessage(raw), Body: raw}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.ServiceUnavailable, err, op+": decode response")
	}
	return nil
}

// extractMessage pulls the human readable error out of the common provider
// error shapes.
func extractMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Name    string `json:"name"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		if len(raw) > 200 {
			raw = raw[:200]
		}
		return string(raw)
	}
	switch {
	case body.Message != "":
		return body.Message
	case body.Name != "":
		return body.Name
	}
	if s, ok := body.Error.(string); ok {
		return s
	}
	return http.StatusText(http.StatusBadRequest)
}
