package domain

import (
	"fmt"
	"strings"
	"time"
)

type StudyStatus string

const (
	StudyDraft     StudyStatus = "draft"
	StudyAnalyzing StudyStatus = "analyzing"
	StudyCompleted StudyStatus = "completed"
	StudyError     StudyStatus = "error"
)

// ParseStudyStatus maps a wire value onto the closed status set.
func ParseStudyStatus(raw string) (StudyStatus, error) {
	switch StudyStatus(strings.TrimSpace(raw)) {
	case StudyDraft:
		return StudyDraft, nil
	case StudyAnalyzing:
		return StudyAnalyzing, nil
	case StudyCompleted:
		return StudyCompleted, nil
	case StudyError:
		return StudyError, nil
	default:
		return "", fmt.Errorf("unknown study status %q", raw)
	}
}

type StudyType string

const (
	StudyRetinalScan     StudyType = "retinal_scan"
	StudyOpticNerve      StudyType = "optic_nerve"
	StudyMacularAnalysis StudyType = "macular_analysis"
)

// ParseStudyType maps a wire value onto the closed study type set.
func ParseStudyType(raw string) (StudyType, error) {
	switch StudyType(strings.TrimSpace(raw)) {
	case StudyRetinalScan:
		return StudyRetinalScan, nil
	case StudyOpticNerve:
		return StudyOpticNerve, nil
	case StudyMacularAnalysis:
		return StudyMacularAnalysis, nil
	default:
		return "", fmt.Errorf("unknown study type %q", raw)
	}
}

// Label returns the human-readable name shown in reports and prompts.
func (t StudyType) Label() string {
	switch t {
	case StudyRetinalScan:
		return "Сканирование сетчатки"
	case StudyOpticNerve:
		return "Анализ зрительного нерва"
	case StudyMacularAnalysis:
		return "Анализ макулярной области"
	default:
		return string(t)
	}
}

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// ParseUserRole maps a wire value onto the closed role set.
func ParseUserRole(raw string) (UserRole, error) {
	switch UserRole(strings.TrimSpace(raw)) {
	case RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown user role %q", raw)
	}
}

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// ParseMessageRole maps a wire value onto the closed chat role set.
func ParseMessageRole(raw string) (MessageRole, error) {
	switch MessageRole(strings.TrimSpace(raw)) {
	case MessageRoleUser:
		return MessageRoleUser, nil
	case MessageRoleAssistant:
		return MessageRoleAssistant, nil
	default:
		return "", fmt.Errorf("unknown message role %q", raw)
	}
}

type User struct {
	ID           string    `json:"id"`
	OpenID       string    `json:"openId,omitempty"`
	Name         string    `json:"name,omitempty"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	LoginMethod  string    `json:"loginMethod,omitempty"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastSignedIn time.Time `json:"lastSignedIn"`
}

// Study is the aggregate root; images and chat messages live and die with it.
type Study struct {
	ID             string      `json:"id"`
	OwnerID        string      `json:"ownerId"`
	Title          string      `json:"title"`
	StudyType      StudyType   `json:"studyType"`
	Status         StudyStatus `json:"status"`
	AnalysisResult *string     `json:"analysisResult"`
	ErrorMessage   string      `json:"errorMessage,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// HasAnalysis reports whether a non-blank analysis result is present.
func (s Study) HasAnalysis() bool {
	return s.AnalysisResult != nil && strings.TrimSpace(*s.AnalysisResult) != ""
}

type StudyImage struct {
	ID         string    `json:"id"`
	StudyID    string    `json:"studyId"`
	StorageKey string    `json:"-"`
	URL        string    `json:"url"`
	Filename   string    `json:"filename"`
	MimeType   string    `json:"mimeType"`
	SizeBytes  int64     `json:"fileSize"`
	CreatedAt  time.Time `json:"createdAt"`
}

type StudyDetail struct {
	Study
	Images []StudyImage `json:"images"`
}

type ChatMessage struct {
	ID        string      `json:"id"`
	StudyID   string      `json:"studyId"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Seq       int64       `json:"seq"`
	CreatedAt time.Time   `json:"createdAt"`
}
