package store

import (
	"context"
	"errors"
	"time"

	"retinalab/pkg/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the caller's updatedAt token is stale.
	ErrConflict = errors.New("stale update token")
	// ErrStatusMismatch means the stored status differs from the expected one.
	ErrStatusMismatch = errors.New("study status mismatch")
	ErrNoImages       = errors.New("study has no images")
	ErrEmailTaken     = errors.New("email already registered")
)

// Store defines persistence operations for users, studies, images and chat.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	TouchLastSignedIn(ctx context.Context, id string, at time.Time) error

	// studies
	CreateStudy(ctx context.Context, s domain.Study) (domain.Study, error)
	GetStudy(ctx context.Context, id string) (domain.Study, bool, error)
	ListStudies(ctx context.Context) ([]domain.Study, error)
	ListStudiesByOwner(ctx context.Context, ownerID string) ([]domain.Study, error)
	TransitionStudy(ctx context.Context, t StudyTransition) (domain.Study, error)
	UpdateStudyReport(ctx context.Context, id string, patch ReportPatch, expectedUpdatedAt time.Time) (domain.Study, error)
	DeleteStudy(ctx context.Context, id string) error

	// images
	AddStudyImage(ctx context.Context, img domain.StudyImage) (domain.StudyImage, error)
	ListStudyImages(ctx context.Context, studyID string) ([]domain.StudyImage, error)

	// chat
	AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)
	ListMessages(ctx context.Context, studyID string, limit int) ([]domain.ChatMessage, error)
}

// StudyTransition is a compare-and-set status change. It applies only when the
// stored status still equals From.
type StudyTransition struct {
	ID   string
	From domain.StudyStatus
	To   domain.StudyStatus
	// AnalysisResult is written when To is completed.
	AnalysisResult *string
	// ErrorMessage is written when To is error and cleared when To is analyzing.
	ErrorMessage string
	// RequireImages fails the transition with ErrNoImages when the study has none.
	RequireImages bool
	// ExpectedUpdatedAt is the token read when the transition began. If a report
	// edit moved it since, the completion keeps the edited analysisResult.
	ExpectedUpdatedAt time.Time
}

// ReportPatch carries the optional fields of a report edit.
type ReportPatch struct {
	Title          *string
	AnalysisResult *string
}

// Empty reports whether the patch changes nothing.
func (p ReportPatch) Empty() bool {
	return p.Title == nil && p.AnalysisResult == nil
}

// SessionStore issues and validates login sessions.
type SessionStore interface {
	NewSession(ctx context.Context, userID string) (token string, expiresAt time.Time, err error)
	UserIDFromToken(ctx context.Context, token string) (string, error)
	DeleteSession(ctx context.Context, token string) error
}

// nextTimestamp returns a microsecond-precision instant strictly after prev.
// Postgres timestamptz keeps microseconds, so truncating here keeps the value
// read back equal to the value written.
func nextTimestamp(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return now
}

// nextMessagePosition orders a new chat message after last. The timestamp never
// goes backwards even if the wall clock does; seq breaks timestamp ties.
func nextMessagePosition(lastSeq int64, lastAt, now time.Time) (int64, time.Time) {
	at := now.UTC().Truncate(time.Microsecond)
	if at.Before(lastAt) {
		at = lastAt.UTC()
	}
	return lastSeq + 1, at
}

func applyTransition(st *domain.Study, t StudyTransition, at time.Time) {
	edited := !t.ExpectedUpdatedAt.IsZero() && !st.UpdatedAt.Equal(t.ExpectedUpdatedAt)
	st.Status = t.To
	switch t.To {
	case domain.StudyAnalyzing:
		// A fresh run starts without a result; any result seen while analyzing
		// is a report edit.
		st.AnalysisResult = nil
		st.ErrorMessage = ""
	case domain.StudyCompleted:
		if !edited || st.AnalysisResult == nil {
			st.AnalysisResult = t.AnalysisResult
		}
		st.ErrorMessage = ""
	case domain.StudyError:
		st.ErrorMessage = t.ErrorMessage
	}
	st.UpdatedAt = at
}

func applyPatch(st *domain.Study, p ReportPatch, at time.Time) {
	if p.Title != nil {
		st.Title = *p.Title
	}
	if p.AnalysisResult != nil {
		v := *p.AnalysisResult
		st.AnalysisResult = &v
	}
	st.UpdatedAt = at
}

func checkTransition(current domain.StudyStatus, t StudyTransition) error {
	if err := domain.ValidateTransition(t.From, t.To); err != nil {
		return err
	}
	if current != t.From {
		return ErrStatusMismatch
	}
	return nil
}
