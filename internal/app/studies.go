package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"retinalab/internal/util"
	"retinalab/pkg/domain"
	"retinalab/pkg/queue"
	"retinalab/pkg/report"
	"retinalab/pkg/storage"
	"retinalab/pkg/store"
)

const (
	analysisFailedMessage  = "Не удалось выполнить анализ изображения"
	analysisTimeoutMessage = "Превышено время ожидания анализа изображения"
	blobCleanupParallelism = 4
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
	"image/tiff": true,
	"image/bmp":  true,
}

// ImageUpload is a decoded image payload.
type ImageUpload struct {
	Filename string
	MimeType string
	Data     []byte
}

// ReportUpdate edits report fields under the optimistic updatedAt token.
type ReportUpdate struct {
	Title             *string
	AnalysisResult    *string
	ExpectedUpdatedAt time.Time
}

// ReportFile is a rendered PDF report.
type ReportFile struct {
	Filename string
	PDF      []byte
	Pages    int
}

// CreateStudy opens a new draft study owned by user.
func (a *App) CreateStudy(ctx context.Context, user domain.User, title, studyType string) (domain.Study, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Study{}, fmt.Errorf("%w: title required", ErrInvalidArgument)
	}
	st, err := domain.ParseStudyType(studyType)
	if err != nil {
		return domain.Study{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	study, err := a.store.CreateStudy(ctx, domain.Study{
		ID:        util.NewID(),
		OwnerID:   user.ID,
		Title:     title,
		StudyType: st,
		Status:    domain.StudyDraft,
	})
	if err != nil {
		return domain.Study{}, fmt.Errorf("create study: %w", err)
	}
	util.LoggerFromContext(ctx).Info("study created", "study_id", study.ID, "study_type", string(st))
	return study, nil
}

// ListStudies returns the caller's studies newest first; admins see every study.
func (a *App) ListStudies(ctx context.Context, user domain.User) ([]domain.Study, error) {
	if user.Role == domain.RoleAdmin {
		return a.store.ListStudies(ctx)
	}
	return a.store.ListStudiesByOwner(ctx, user.ID)
}

// GetStudy returns the study with its images. Image URLs are resolved on read
// because presigned URLs expire.
func (a *App) GetStudy(ctx context.Context, user domain.User, id string) (domain.StudyDetail, error) {
	st, err := a.loadStudy(ctx, user, id)
	if err != nil {
		return domain.StudyDetail{}, err
	}
	images, err := a.store.ListStudyImages(ctx, st.ID)
	if err != nil {
		return domain.StudyDetail{}, fmt.Errorf("list images: %w", err)
	}
	for i := range images {
		if url, err := a.objects.URL(ctx, images[i].StorageKey); err == nil {
			images[i].URL = url
		}
	}
	if images == nil {
		images = []domain.StudyImage{}
	}
	return domain.StudyDetail{Study: st, Images: images}, nil
}

// AttachImage stores an image for a draft study.
func (a *App) AttachImage(ctx context.Context, user domain.User, studyID string, up ImageUpload) (domain.StudyImage, error) {
	mimeType, err := normalizeImageType(up.MimeType)
	if err != nil {
		return domain.StudyImage{}, err
	}
	if len(up.Data) == 0 {
		return domain.StudyImage{}, fmt.Errorf("%w: image data required", ErrInvalidArgument)
	}
	if int64(len(up.Data)) > a.maxImageBytes {
		return domain.StudyImage{}, fmt.Errorf("%w: image exceeds %d bytes", ErrInvalidArgument, a.maxImageBytes)
	}
	st, err := a.loadStudy(ctx, user, studyID)
	if err != nil {
		return domain.StudyImage{}, err
	}
	if !st.Status.AcceptsImages() {
		return domain.StudyImage{}, fmt.Errorf("%w: images can only be attached to a draft study (status %s)", ErrInvalidState, st.Status)
	}

	filename := storage.SafeFilename(up.Filename)
	key := storage.StudyImageKey(st.OwnerID, st.ID, filename)
	if err := a.objects.Put(ctx, key, bytes.NewReader(up.Data), int64(len(up.Data)), mimeType); err != nil {
		return domain.StudyImage{}, fmt.Errorf("store image: %w", err)
	}
	url, err := a.objects.URL(ctx, key)
	if err != nil {
		a.discardBlob(ctx, key)
		return domain.StudyImage{}, fmt.Errorf("resolve image url: %w", err)
	}
	img, err := a.store.AddStudyImage(ctx, domain.StudyImage{
		ID:         util.NewID(),
		StudyID:    st.ID,
		StorageKey: key,
		URL:        url,
		Filename:   filename,
		MimeType:   mimeType,
		SizeBytes:  int64(len(up.Data)),
	})
	if err != nil {
		a.discardBlob(ctx, key)
		switch {
		case errors.Is(err, store.ErrStatusMismatch):
			return domain.StudyImage{}, fmt.Errorf("%w: study left draft while uploading", ErrInvalidState)
		case errors.Is(err, store.ErrNotFound):
			return domain.StudyImage{}, ErrNotFound
		}
		return domain.StudyImage{}, fmt.Errorf("save image: %w", err)
	}
	util.LoggerFromContext(ctx).Info("study image attached", "study_id", st.ID, "image_id", img.ID, "bytes", img.SizeBytes)
	return img, nil
}

// StartAnalysis moves a draft or failed study to analyzing, runs the image
// analysis and records the outcome. The outcome is persisted even when ctx is
// cancelled mid-call, so a study never stays in analyzing. An analysisResult
// edited while the model ran wins over the model's text.
func (a *App) StartAnalysis(ctx context.Context, user domain.User, studyID string) (domain.Study, error) {
	st, err := a.loadStudy(ctx, user, studyID)
	if err != nil {
		return domain.Study{}, err
	}
	if !st.Status.CanStartAnalysis() {
		return domain.Study{}, fmt.Errorf("%w: cannot analyze a study in status %s", ErrInvalidState, st.Status)
	}
	images, err := a.store.ListStudyImages(ctx, st.ID)
	if err != nil {
		return domain.Study{}, fmt.Errorf("list images: %w", err)
	}
	if len(images) == 0 {
		return domain.Study{}, fmt.Errorf("%w: attach an image before analysis", ErrPreconditionFailed)
	}
	prompt, err := analysisPrompt(st.StudyType)
	if err != nil {
		return domain.Study{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	analyzing, err := a.transition(ctx, store.StudyTransition{
		ID:            st.ID,
		From:          st.Status,
		To:            domain.StudyAnalyzing,
		RequireImages: true,
	})
	if err != nil {
		return domain.Study{}, err
	}
	a.publish(ctx, queue.EventAnalysisStarted, analyzing, "")

	started := time.Now()
	result, cause := a.analyze(ctx, prompt, images[0].StorageKey)

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	logger := util.LoggerFromContext(ctx)

	if cause != nil {
		outcome, message := "failed", analysisFailedMessage
		if errors.Is(cause, ErrAnalysisTimeout) {
			outcome, message = "timeout", analysisTimeoutMessage
		}
		a.metrics.RecordAnalysis(string(st.StudyType), outcome, time.Since(started))
		logger.Warn("study analysis failed", "study_id", st.ID, "err", cause)
		failed, err := a.transition(finalCtx, store.StudyTransition{
			ID:                st.ID,
			From:              domain.StudyAnalyzing,
			To:                domain.StudyError,
			ErrorMessage:      message,
			ExpectedUpdatedAt: analyzing.UpdatedAt,
		})
		if err != nil {
			return domain.Study{}, fmt.Errorf("record analysis failure: %w", err)
		}
		a.publish(finalCtx, queue.EventAnalysisFailed, failed, message)
		return failed, cause
	}

	a.metrics.RecordAnalysis(string(st.StudyType), "completed", time.Since(started))
	completed, err := a.transition(finalCtx, store.StudyTransition{
		ID:                st.ID,
		From:              domain.StudyAnalyzing,
		To:                domain.StudyCompleted,
		AnalysisResult:    &result,
		ExpectedUpdatedAt: analyzing.UpdatedAt,
	})
	if err != nil {
		return domain.Study{}, fmt.Errorf("record analysis result: %w", err)
	}
	if completed.AnalysisResult == nil || *completed.AnalysisResult != result {
		logger.Info("kept report edit made during analysis", "study_id", st.ID)
	}
	a.publish(finalCtx, queue.EventAnalysisCompleted, completed, "")
	return completed, nil
}

// analyze returns the trimmed analysis text or an ErrCollaboratorFailure.
func (a *App) analyze(ctx context.Context, prompt, imageKey string) (string, error) {
	url, err := a.objects.URL(ctx, imageKey)
	if err != nil {
		return "", fmt.Errorf("%w: resolve image url: %v", ErrCollaboratorFailure, err)
	}
	actx, cancel := context.WithTimeout(ctx, a.analysisTimeout)
	defer cancel()
	result, err := a.analyzer.AnalyzeImage(actx, prompt, analysisInstruction, url)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("%w after %s: %v", ErrAnalysisTimeout, a.analysisTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrCollaboratorFailure, err)
	}
	result = strings.TrimSpace(result)
	if result == "" {
		return "", fmt.Errorf("%w: empty analysis result", ErrCollaboratorFailure)
	}
	return result, nil
}

// UpdateReport edits the title or analysis text without changing status.
func (a *App) UpdateReport(ctx context.Context, user domain.User, studyID string, upd ReportUpdate) (domain.Study, error) {
	patch := store.ReportPatch{AnalysisResult: upd.AnalysisResult}
	if upd.Title != nil {
		title := strings.TrimSpace(*upd.Title)
		if title == "" {
			return domain.Study{}, fmt.Errorf("%w: title must not be empty", ErrInvalidArgument)
		}
		patch.Title = &title
	}
	if patch.Empty() {
		return domain.Study{}, fmt.Errorf("%w: nothing to update", ErrInvalidArgument)
	}
	if upd.ExpectedUpdatedAt.IsZero() {
		return domain.Study{}, fmt.Errorf("%w: updatedAt required", ErrInvalidArgument)
	}
	if _, err := a.loadStudy(ctx, user, studyID); err != nil {
		return domain.Study{}, err
	}
	st, err := a.store.UpdateStudyReport(ctx, studyID, patch, upd.ExpectedUpdatedAt.UTC())
	switch {
	case errors.Is(err, store.ErrConflict):
		return domain.Study{}, fmt.Errorf("%w: reload the study and retry", ErrConflict)
	case errors.Is(err, store.ErrNotFound):
		return domain.Study{}, ErrNotFound
	case err != nil:
		return domain.Study{}, fmt.Errorf("update report: %w", err)
	}
	util.LoggerFromContext(ctx).Info("study report updated", "study_id", st.ID, "status", string(st.Status))
	return st, nil
}

// DeleteStudy removes the study with its images and messages. Blobs are
// removed afterwards on a best-effort basis.
func (a *App) DeleteStudy(ctx context.Context, user domain.User, studyID string) error {
	st, err := a.loadStudy(ctx, user, studyID)
	if err != nil {
		return err
	}
	images, err := a.store.ListStudyImages(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	if err := a.store.DeleteStudy(ctx, st.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete study: %w", err)
	}
	logger := util.LoggerFromContext(ctx)
	logger.Info("study deleted", "study_id", st.ID, "images", len(images))

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	var g errgroup.Group
	g.SetLimit(blobCleanupParallelism)
	for _, img := range images {
		g.Go(func() error {
			if err := a.objects.Delete(cleanupCtx, img.StorageKey); err != nil {
				logger.Warn("delete study image blob failed", "study_id", st.ID, "key", img.StorageKey, "err", err)
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// RenderReport renders the completed analysis as a PDF.
func (a *App) RenderReport(ctx context.Context, user domain.User, studyID string) (ReportFile, error) {
	st, err := a.loadStudy(ctx, user, studyID)
	if err != nil {
		return ReportFile{}, err
	}
	if !st.HasAnalysis() {
		return ReportFile{}, fmt.Errorf("%w: study has no analysis result", ErrPreconditionFailed)
	}
	if a.renderer == nil {
		return ReportFile{}, fmt.Errorf("%w: report rendering is not configured", ErrCollaboratorFailure)
	}
	in := report.Input{
		Title:          st.Title,
		StudyType:      st.StudyType,
		CreatedAt:      st.CreatedAt,
		AnalysisResult: *st.AnalysisResult,
	}
	images, err := a.store.ListStudyImages(ctx, st.ID)
	if err != nil {
		return ReportFile{}, fmt.Errorf("list images: %w", err)
	}
	if len(images) > 0 {
		if url, err := a.objects.URL(ctx, images[0].StorageKey); err == nil {
			in.ImageURL = url
		}
	}
	html, err := report.BuildHTML(in)
	if err != nil {
		return ReportFile{}, fmt.Errorf("build report: %w", err)
	}
	pdf, err := a.renderer.Render(ctx, html)
	if err != nil {
		return ReportFile{}, fmt.Errorf("%w: render report: %v", ErrCollaboratorFailure, err)
	}
	pages, err := report.ValidatePDF(pdf)
	if err != nil {
		return ReportFile{}, fmt.Errorf("%w: %v", ErrCollaboratorFailure, err)
	}
	return ReportFile{Filename: report.Filename(st.Title), PDF: pdf, Pages: pages}, nil
}

// loadStudy fetches a study the user may act on. Admins may act on any study.
func (a *App) loadStudy(ctx context.Context, user domain.User, id string) (domain.Study, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Study{}, fmt.Errorf("%w: study id required", ErrInvalidArgument)
	}
	st, ok, err := a.store.GetStudy(ctx, id)
	if err != nil {
		return domain.Study{}, fmt.Errorf("load study: %w", err)
	}
	if !ok {
		return domain.Study{}, ErrNotFound
	}
	if st.OwnerID != user.ID && user.Role != domain.RoleAdmin {
		return domain.Study{}, ErrForbidden
	}
	return st, nil
}

// transition applies a compare-and-set status change and maps store errors.
func (a *App) transition(ctx context.Context, t store.StudyTransition) (domain.Study, error) {
	st, err := a.store.TransitionStudy(ctx, t)
	switch {
	case errors.Is(err, store.ErrNoImages):
		return domain.Study{}, fmt.Errorf("%w: attach an image before analysis", ErrPreconditionFailed)
	case errors.Is(err, store.ErrStatusMismatch), errors.Is(err, domain.ErrIllegalTransition):
		return domain.Study{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	case errors.Is(err, store.ErrNotFound):
		return domain.Study{}, ErrNotFound
	case err != nil:
		return domain.Study{}, fmt.Errorf("transition study: %w", err)
	}
	a.metrics.RecordTransition(string(t.From), string(t.To))
	util.LoggerFromContext(ctx).Info("study transition", "study_id", t.ID, "from", string(t.From), "to", string(t.To))
	return st, nil
}

func (a *App) discardBlob(ctx context.Context, key string) {
	if err := a.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
		util.LoggerFromContext(ctx).Warn("discard orphaned image blob failed", "key", key, "err", err)
	}
}

func normalizeImageType(raw string) (string, error) {
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: invalid mime type %q", ErrInvalidArgument, raw)
	}
	mt = strings.ToLower(mt)
	if mt == "image/jpg" {
		mt = "image/jpeg"
	}
	if !allowedImageTypes[mt] {
		return "", fmt.Errorf("%w: unsupported image type %q", ErrInvalidArgument, mt)
	}
	return mt, nil
}
