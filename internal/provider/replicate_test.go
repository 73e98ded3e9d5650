package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamphoto/trainer/internal/config"
	"github.com/dreamphoto/trainer/internal/errs"
)

func testClient(srv *httptest.Server) *Client {
	cfg := config.Default().Provider
	cfg.BaseURL = srv.URL
	cfg.APIToken = "r8_test"
	cfg.Owner = "acme"
	cfg.TrainerVersion = "v123"
	cfg.RetryBase = time.Millisecond
	cfg.MaxRetries = 2
	cfg.RatePerSecond = 0
	return NewClient(cfg, nil)
}

func TestDispatch_SendsDestinationAndHyperparameters(t *testing.T) {
	var got struct {
		Destination string         `json:"destination"`
		Input       map[string]any `json:"input"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models/ostris/flux-dev-lora-trainer/versions/v123/trainings", r.URL.Path)
		assert.Equal(t, "Bearer r8_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"tr_1","status":"starting"}`))
	}))
	defer srv.Close()

	tr, err := testClient(srv).Dispatch(context.Background(), DispatchRequest{
		ArchiveURL:  "https://bucket/alice_42.zip",
		ModelName:   "My Portrait!",
		TriggerWord: "TOK_USR",
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_1", tr.ID)
	assert.Equal(t, "acme/my-portrait", got.Destination)
	assert.Equal(t, "https://bucket/alice_42.zip", got.Input["input_images"])
	assert.Equal(t, "TOK_USR", got.Input["trigger_word"])
	assert.EqualValues(t, 1000, got.Input["steps"])
	assert.EqualValues(t, 16, got.Input["lora_rank"])
	assert.Equal(t, "512,768,1024", got.Input["resolution"])
}

func TestDispatch_ServerErrorNotRetried(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":"tr_dup","status":"starting"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv).Dispatch(context.Background(), DispatchRequest{ModelName: "m"})
	assert.ErrorIs(t, err, errs.ErrUpstream)
	assert.EqualValues(t, 1, posts.Load(), "a 5xx may hide a created job; the POST must not be repeated")
}

func TestDispatch_RetriesRateLimit(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) < 3 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"id":"tr_2","status":"starting"}`))
	}))
	defer srv.Close()

	tr, err := testClient(srv).Dispatch(context.Background(), DispatchRequest{ModelName: "m"})
	require.NoError(t, err)
	assert.Equal(t, "tr_2", tr.ID)
	assert.EqualValues(t, 3, posts.Load())
}

func TestGetStatus_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":"tr_2","status":"processing"}`))
	}))
	defer srv.Close()

	tr, err := testClient(srv).GetStatus(context.Background(), "tr_2")
	require.NoError(t, err)
	assert.Equal(t, "processing", tr.Status)
	assert.EqualValues(t, 3, calls.Load())
}

func TestNeverSent(t *testing.T) {
	dial := &url.Error{Op: "Post", URL: "http://x", Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}
	lost := &url.Error{Op: "Post", URL: "http://x", Err: io.ErrUnexpectedEOF}
	read := &url.Error{Op: "Post", URL: "http://x", Err: &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset")}}

	assert.True(t, neverSent(dial))
	assert.False(t, neverSent(lost))
	assert.False(t, neverSent(read))
}

func TestDispatch_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"detail":"invalid input"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := testClient(srv).Dispatch(context.Background(), DispatchRequest{ModelName: "m"})
	assert.ErrorIs(t, err, errs.ErrUpstream)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDispatch_MissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"starting"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv).Dispatch(context.Background(), DispatchRequest{ModelName: "m"})
	assert.ErrorIs(t, err, errs.ErrUpstream)
}

func TestGetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/trainings/done":
			w.Write([]byte(`{"id":"done","status":"succeeded","output":{"version":"acme/m:abc","weights":"https://cdn/weights.tar"}}`))
		case "/v1/trainings/versiononly":
			w.Write([]byte(`{"id":"versiononly","status":"succeeded","output":{"version":"acme/m:abc"}}`))
		case "/v1/trainings/broken":
			w.Write([]byte(`{"id":"broken","status":"failed","error":"CUDA out of memory"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := testClient(srv)
	ctx := context.Background()

	tr, err := c.GetStatus(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", tr.Status)
	assert.Equal(t, "https://cdn/weights.tar", tr.ResultURL())

	tr, err = c.GetStatus(ctx, "versiononly")
	require.NoError(t, err)
	assert.Equal(t, "acme/m:abc", tr.ResultURL())

	tr, err = c.GetStatus(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, "CUDA out of memory", tr.ErrorMessage())
	assert.Empty(t, tr.ResultURL())

	_, err = c.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCancel(t *testing.T) {
	var path, method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, method = r.URL.Path, r.Method
		w.Write([]byte(`{"id":"tr_9","status":"canceled"}`))
	}))
	defer srv.Close()

	require.NoError(t, testClient(srv).Cancel(context.Background(), "tr_9"))
	assert.Equal(t, "/v1/trainings/tr_9/cancel", path)
	assert.Equal(t, http.MethodPost, method)
}

func TestDestination_Slug(t *testing.T) {
	c := &Client{owner: "acme"}
	assert.Equal(t, "acme/summer-2024", c.Destination("  Summer 2024 "))
	assert.Equal(t, "acme/model", c.Destination("!!!"))
}
