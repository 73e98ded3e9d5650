package training

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/intake"
	"github.com/dreamphoto/trainer/internal/middleware"
	"github.com/dreamphoto/trainer/internal/validator"
)

type stubService struct {
	Service
	uploads  []intake.Upload
	username string
	start    StartRequest
	checked  string
	err      error
}

func (s *stubService) Upload(_ context.Context, _ int64, username string, uploads []intake.Upload) (*intake.Batch, error) {
	s.username, s.uploads = username, uploads
	if s.err != nil {
		return nil, s.err
	}
	return &intake.Batch{ID: uuid.MustParse("6f1c1e4e-59a7-4a51-9d43-fd0b0a5f6c11"), Count: len(uploads)}, nil
}

func (s *stubService) StartTraining(_ context.Context, req StartRequest) (*Dispatch, error) {
	s.start = req
	if s.err != nil {
		return nil, s.err
	}
	return &Dispatch{ModelID: uuid.New(), JobID: "tr_1", TokensSpent: 300}, nil
}

func (s *stubService) CheckStatus(_ context.Context, jobID string, _ int64) (*Status, error) {
	s.checked = jobID
	if s.err != nil {
		return nil, s.err
	}
	return &Status{ModelStatus: "ready", ProviderStatus: "succeeded", ResultURL: "https://cdn/w.tar"}, nil
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()
	v, err := validator.New()
	require.NoError(t, err)
	return NewHandler(svc, v, 10<<20, nil)
}

func authed(r *http.Request) *http.Request {
	return r.WithContext(middleware.WithUserID(r.Context(), 1))
}

func multipartBody(t *testing.T, username string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("username", username))
	for name, ctype := range files {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", `form-data; name="photos[]"; filename="`+name+`"`)
		hdr.Set("Content-Type", ctype)
		part, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		part.Write([]byte("bytes-of-" + name))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadPhotos(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body, ctype := multipartBody(t, "alice", map[string]string{"a.png": "image/png", "b.jpg": "image/jpeg"})
	req := authed(httptest.NewRequest(http.MethodPost, "/api/training/upload-photos", body))
	req.Header.Set("Content-Type", ctype)
	rr := httptest.NewRecorder()
	h.UploadPhotos(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp UploadResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, 2, resp.ImageCount)
	assert.Equal(t, "6f1c1e4e-59a7-4a51-9d43-fd0b0a5f6c11", resp.BatchID)
	assert.Equal(t, "alice", svc.username)
	require.Len(t, svc.uploads, 2)
	for _, u := range svc.uploads {
		assert.True(t, strings.HasPrefix(u.ContentType, "image/"))
		assert.Equal(t, "bytes-of-"+u.Filename, string(u.Data))
	}
}

func TestUploadPhotos_NotMultipart(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := authed(httptest.NewRequest(http.MethodPost, "/api/training/upload-photos", strings.NewReader(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.UploadPhotos(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUploadPhotos_ServiceValidationError(t *testing.T) {
	h := newTestHandler(t, &stubService{err: errs.Validation("images", "at least one image is required")})

	body, ctype := multipartBody(t, "alice", nil)
	req := authed(httptest.NewRequest(http.MethodPost, "/api/training/upload-photos", body))
	req.Header.Set("Content-Type", ctype)
	rr := httptest.NewRecorder()
	h.UploadPhotos(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), `"field":"images"`)
}

func TestStartTrainingHandler(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/training/start-training",
		strings.NewReader(`{"username":"alice","model_name":"Summer","trigger_word":"ALICE"}`)))
	rr := httptest.NewRecorder()
	h.StartTraining(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, StartRequest{UserID: 1, Username: "alice", ModelName: "Summer", TriggerWord: "ALICE"}, svc.start)
	var d Dispatch
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&d))
	assert.Equal(t, "tr_1", d.JobID)
	assert.EqualValues(t, 300, d.TokensSpent)
}

func TestStartTrainingHandler_ErrorCodes(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		code int
	}{
		{name: "schema violation", body: `{"model_name":""}`, code: http.StatusBadRequest},
		{name: "insufficient balance", body: `{"model_name":"m"}`, err: &errs.InsufficientBalanceError{Required: 300, Available: 10}, code: http.StatusForbidden},
		{name: "busy", body: `{"model_name":"m"}`, err: errs.ErrBusy, code: http.StatusConflict},
		{name: "upstream", body: `{"model_name":"m"}`, err: errs.Upstream("dispatch", errBoom), code: http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{err: tc.err})
			req := authed(httptest.NewRequest(http.MethodPost, "/api/training/start-training", strings.NewReader(tc.body)))
			rr := httptest.NewRecorder()
			h.StartTraining(rr, req)
			assert.Equal(t, tc.code, rr.Code, rr.Body.String())
		})
	}
}

func TestCheckStatusHandler(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/training/check-status", strings.NewReader(`{"training_id":"tr_1"}`)))
	rr := httptest.NewRecorder()
	h.CheckStatus(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "tr_1", svc.checked)
	var st Status
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&st))
	assert.Equal(t, "ready", st.ModelStatus)
	assert.Equal(t, "https://cdn/w.tar", st.ResultURL)
}

func TestHandlers_RequireUser(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	for _, fn := range []http.HandlerFunc{h.UploadPhotos, h.StartTraining, h.CheckStatus} {
		rr := httptest.NewRecorder()
		fn(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	}
}
