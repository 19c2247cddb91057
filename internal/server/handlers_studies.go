package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"retinalab/internal/app"
	"retinalab/pkg/domain"
)

type createStudyRequest struct {
	Title     string `json:"title"`
	StudyType string `json:"studyType"`
}

type attachImageRequest struct {
	// ImageData is plain base64 or a data URL.
	ImageData string `json:"imageData"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType"`
}

type updateReportRequest struct {
	Title          *string    `json:"title"`
	AnalysisResult *string    `json:"analysisResult"`
	UpdatedAt      *time.Time `json:"updatedAt"`
}

type studyListResponse struct {
	Items []domain.Study `json:"items"`
	Count int            `json:"count"`
}

type analyzeResponse struct {
	Success        bool    `json:"success"`
	AnalysisResult *string `json:"analysisResult"`
}

type reportResponse struct {
	PDF      string `json:"pdf"`
	Filename string `json:"filename"`
}

func (s *Server) handleListStudies(w http.ResponseWriter, r *http.Request, user domain.User) {
	studies, err := s.app.ListStudies(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if studies == nil {
		studies = []domain.Study{}
	}
	writeJSON(w, http.StatusOK, studyListResponse{Items: studies, Count: len(studies)})
}

func (s *Server) handleGetStudy(w http.ResponseWriter, r *http.Request, user domain.User) {
	detail, err := s.app.GetStudy(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCreateStudy(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req createStudyRequest
	if err := decodeJSON(r, maxJSONBodyBytes, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	study, err := s.app.CreateStudy(r.Context(), user, req.Title, req.StudyType)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": study.ID})
}

func (s *Server) handleAttachImage(w http.ResponseWriter, r *http.Request, user domain.User) {
	// base64 inflates by 4/3; leave room for the other fields.
	limit := s.app.MaxImageBytes()/3*4 + 64<<10
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req attachImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	data, dataMime, err := decodeImageData(req.ImageData)
	if err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "STUDY_INVALID_ARGUMENT", "imageData must be base64 or a data URL")
		return
	}
	mimeType := strings.TrimSpace(req.MimeType)
	if mimeType == "" {
		mimeType = dataMime
	}
	img, err := s.app.AttachImage(r.Context(), user, chi.URLParam(r, "id"), app.ImageUpload{
		Filename: req.Filename,
		MimeType: mimeType,
		Data:     data,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": img.ID, "url": img.URL})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !s.allowRate(w, r, s.analyzeLimiter, "analyze|"+user.ID, "too many analysis requests") {
		s.audit(r, "study.analyze", "rate_limited")
		return
	}
	study, err := s.app.StartAnalysis(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analyzeResponse{Success: true, AnalysisResult: study.AnalysisResult})
}

func (s *Server) handleUpdateReport(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req updateReportRequest
	if err := decodeJSON(r, maxJSONBodyBytes, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UpdatedAt == nil {
		writeErrorCode(w, r, http.StatusBadRequest, "STUDY_INVALID_ARGUMENT", "updatedAt is required")
		return
	}
	study, err := s.app.UpdateReport(r.Context(), user, chi.URLParam(r, "id"), app.ReportUpdate{
		Title:             req.Title,
		AnalysisResult:    req.AnalysisResult,
		ExpectedUpdatedAt: *req.UpdatedAt,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "updatedAt": study.UpdatedAt})
}

func (s *Server) handleDeleteStudy(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := chi.URLParam(r, "id")
	if err := s.app.DeleteStudy(r.Context(), user, id); err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "study.delete", "success", "study_id", id)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleReportPDF(w http.ResponseWriter, r *http.Request, user domain.User) {
	file, err := s.app.RenderReport(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reportResponse{
		PDF:      base64.StdEncoding.EncodeToString(file.PDF),
		Filename: file.Filename,
	})
}

// decodeImageData accepts "data:image/png;base64,..." or bare base64 and
// returns the bytes with the data URL's media type, if any.
func decodeImageData(raw string) ([]byte, string, error) {
	raw = strings.TrimSpace(raw)
	var mimeType string
	if rest, ok := strings.CutPrefix(raw, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, "", errors.New("unsupported data URL")
		}
		mimeType = strings.TrimSuffix(meta, ";base64")
		raw = payload
	}
	raw = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, raw)
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(raw)
		if err != nil {
			return nil, "", err
		}
	}
	return data, mimeType, nil
}
