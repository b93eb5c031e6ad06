// Package smoketest checks that an index server answers the index API
// correctly by running a short scenario against it.
package smoketest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/segmentio/encoding/json"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"

	DefaultTimeout = 10 * time.Second
)

type Options struct {
	// The endpoint of the server running the smoke test.
	Endpoint  string
	UserAgent string

	// The transport used to reach the tested server. http.DefaultTransport is
	// used when nil.
	Transport http.RoundTripper

	// Called with the result of each smoke test when set.
	SendResult func(context.Context, Results) error
}

type Request struct {
	// The endpoint of the tested server. Defaults to the running server.
	Endpoint string        `json:"endpoint"`
	Timeout  time.Duration `json:"timeout"`
}

type Results struct {
	FromEndpoint    string    `json:"from_endpoint"`
	ToEndpoint      string    `json:"to_endpoint"`
	Status          string    `json:"status"`
	LatencyMilliSec float64   `json:"latency_ms"`
	Steps           int       `json:"steps"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
}

func HandleSmokeTest(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			logs.Warn(errors.New("reading body failed").Wrap(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		var req Request
		if len(b) != 0 {
			if err := json.Unmarshal(b, &req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		if req.Endpoint == "" {
			req.Endpoint = opts.Endpoint
		}
		if req.Timeout <= 0 {
			req.Timeout = DefaultTimeout
		}

		res := Run(r.Context(), opts, req)

		entry := logs.WithTag("from_endpoint", res.FromEndpoint).
			WithTag("to_endpoint", res.ToEndpoint).
			WithTag("status", res.Status).
			WithTag("latency_ms", res.LatencyMilliSec)
		if res.Error != "" {
			entry = entry.WithTag("error", res.Error)
		}
		entry.Info("smoke test done")

		if opts.SendResult != nil {
			if err := opts.SendResult(r.Context(), res); err != nil {
				logs.WithTag("from_endpoint", res.FromEndpoint).
					WithTag("to_endpoint", res.ToEndpoint).
					Warn(errors.New("sending smoke test result failed").Wrap(err))
			}
		}

		body, err := json.Marshal(res)
		if err != nil {
			logs.Warn(errors.New("encoding smoke test result failed").Wrap(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}

// Run creates an index on the tested server, stores, searches and deletes
// items in it, then drops it.
func Run(ctx context.Context, opts Options, req Request) Results {
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	c := client{
		endpoint:  req.Endpoint,
		userAgent: opts.UserAgent,
		http:      &http.Client{Transport: opts.Transport},
	}

	res := Results{
		FromEndpoint: opts.Endpoint,
		ToEndpoint:   req.Endpoint,
		StartedAt:    time.Now(),
	}

	steps, err := c.runScenario(ctx)
	res.Steps = steps
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}

	res.Status = StatusSuccess
	res.LatencyMilliSec = float64(time.Since(res.StartedAt).Microseconds()) / 1000
	return res
}

type index struct {
	ID string `json:"id"`
}

type item struct {
	ID       string    `json:"id"`
	Position []float64 `json:"position"`
}

type searchResult struct {
	Count int    `json:"count"`
	Items []item `json:"items"`
}

type client struct {
	endpoint  string
	userAgent string
	http      *http.Client
}

func (c client) runScenario(ctx context.Context) (int, error) {
	var steps int
	step := func(name string, err error) error {
		if err != nil {
			return errors.Newf("smoke test step %q failed", name).
				WithTag("step", steps+1).
				Wrap(err)
		}
		steps++
		return nil
	}

	var idx index
	err := c.do(ctx, http.MethodPost, "/indexes", map[string]any{
		"name":      "smoke-test",
		"min":       []float64{-5, -5, -5},
		"max":       []float64{5, 5, 5},
		"capacity":  2,
		"max_depth": 3,
	}, http.StatusCreated, &idx)
	if err := step("create index", err); err != nil {
		return steps, err
	}
	defer c.do(context.Background(), http.MethodDelete, "/indexes/"+idx.ID, nil, http.StatusNoContent, nil)

	positions := map[string][]float64{
		"p1": {-4, -4, -4},
		"p2": {-3.5, -4.5, -4},
		"p3": {3, 3, 3},
		"p4": {4, -4, 2},
		"p5": {-2, 2, -2},
	}
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		err := c.do(ctx, http.MethodPut, "/indexes/"+idx.ID+"/items/"+id, map[string]any{
			"position": positions[id],
		}, http.StatusOK, nil)
		if err := step("put "+id, err); err != nil {
			return steps, err
		}
	}

	var found searchResult
	err = c.do(ctx, http.MethodPost, "/indexes/"+idx.ID+"/search", map[string]any{
		"min": []float64{-5, -5, -5},
		"max": []float64{-3.5, -3.5, -3.5},
	}, http.StatusOK, &found)
	if err == nil && found.Count != 2 {
		err = errors.Newf("expected 2 items, got %d", found.Count)
	}
	if err := step("search", err); err != nil {
		return steps, err
	}

	err = c.do(ctx, http.MethodDelete, "/indexes/"+idx.ID+"/items/p1", nil, http.StatusNoContent, nil)
	if err := step("delete", err); err != nil {
		return steps, err
	}

	var it item
	err = c.do(ctx, http.MethodGet, "/indexes/"+idx.ID+"/find?position=3,3,3", nil, http.StatusOK, &it)
	if err == nil && it.ID != "p3" {
		err = errors.Newf("expected p3, got %q", it.ID)
	}
	if err := step("find", err); err != nil {
		return steps, err
	}

	err = c.do(ctx, http.MethodPut, "/indexes/"+idx.ID+"/items/far", map[string]any{
		"position": []float64{6, 0, 0},
	}, http.StatusBadRequest, nil)
	if err := step("out of bounds put", err); err != nil {
		return steps, err
	}

	return steps, nil
}

func (c client) do(ctx context.Context, method, path string, in any, status int, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.New("encoding request failed").Wrap(err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return errors.New("creating request failed").Wrap(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return errors.New("request failed").
			WithTag("method", method).
			WithTag("path", path).
			Wrap(err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.New("reading response failed").Wrap(err)
	}

	if res.StatusCode != status {
		return errors.Newf("unexpected status %d", res.StatusCode).
			WithTag("method", method).
			WithTag("path", path).
			WithTag("body", string(b))
	}

	if out != nil {
		if err := json.Unmarshal(b, out); err != nil {
			return errors.New("decoding response failed").Wrap(err)
		}
	}
	return nil
}
