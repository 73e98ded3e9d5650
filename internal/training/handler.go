package training

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/intake"
	"github.com/dreamphoto/trainer/internal/middleware"
	"github.com/dreamphoto/trainer/internal/validator"
)

const maxJSONBody = 64 << 10

type Handler struct {
	svc            Service
	validator      *validator.Validator
	maxUploadBytes int64
	log            *slog.Logger
}

func NewHandler(svc Service, v *validator.Validator, maxUploadBytes int64, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: v, maxUploadBytes: maxUploadBytes, log: log}
}

type UploadResponse struct {
	ImageCount int    `json:"image_count"`
	BatchID    string `json:"batch_id"`
}

// UploadPhotos serves POST /api/training/upload-photos.
func (h *Handler) UploadPhotos(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errs.WriteHTTP(w, errs.Validation("photos", "upload too large"))
			return
		}
		errs.WriteHTTP(w, errs.Validation("", "expected multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["photos[]"]
	if len(files) == 0 {
		files = r.MultipartForm.File["photos"]
	}
	uploads, err := readUploads(files)
	if err != nil {
		h.log.Warn("read upload failed", "user_id", userID, "error", err)
		errs.WriteHTTP(w, errs.Validation("photos", "unreadable file"))
		return
	}

	batch, err := h.svc.Upload(r.Context(), userID, r.FormValue("username"), uploads)
	if err != nil {
		h.fail(w, "upload photos failed", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, UploadResponse{ImageCount: batch.Count, BatchID: batch.ID.String()})
}

func readUploads(files []*multipart.FileHeader) ([]intake.Upload, error) {
	uploads := make([]intake.Upload, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, intake.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return uploads, nil
}

type startTrainingRequest struct {
	Username    string `json:"username"`
	ModelName   string `json:"model_name"`
	TriggerWord string `json:"trigger_word"`
}

// StartTraining serves POST /api/training/start-training.
func (h *Handler) StartTraining(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req startTrainingRequest
	if !h.decode(w, r, validator.StartTraining, &req) {
		return
	}
	d, err := h.svc.StartTraining(r.Context(), StartRequest{
		UserID:      userID,
		Username:    req.Username,
		ModelName:   req.ModelName,
		TriggerWord: req.TriggerWord,
	})
	if err != nil {
		h.fail(w, "start training failed", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type checkStatusRequest struct {
	TrainingID string `json:"training_id"`
}

// CheckStatus serves POST /api/training/check-status.
func (h *Handler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req checkStatusRequest
	if !h.decode(w, r, validator.CheckStatus, &req) {
		return
	}
	st, err := h.svc.CheckStatus(r.Context(), req.TrainingID, userID)
	if err != nil {
		h.fail(w, "check status failed", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// decode validates the body against schema before unmarshalling into dst.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		errs.WriteHTTP(w, errs.Validation("", "request body too large"))
		return false
	}
	if err := h.validator.Validate(schema, body); err != nil {
		errs.WriteHTTP(w, err)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		errs.WriteHTTP(w, errs.Validation("", "invalid JSON body"))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, msg string, userID int64, err error) {
	if errs.HTTPStatus(err) >= http.StatusInternalServerError {
		h.log.Error(msg, "user_id", userID, "error", err)
	} else {
		h.log.Info(msg, "user_id", userID, "error", err)
	}
	errs.WriteHTTP(w, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
