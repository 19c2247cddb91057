package store

import (
	"time"

	"retinalab/pkg/domain"
)

// GORM models used for persistence. Tables are created by the SQL migrations
// in migrations/, not by AutoMigrate.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	OpenID       *string
	Name         string
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string
	LoginMethod  string
	Role         string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
	LastSignedIn time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

type StudyModel struct {
	ID             string `gorm:"primaryKey"`
	OwnerID        string `gorm:"not null;index"`
	Title          string `gorm:"not null"`
	StudyType      string `gorm:"not null"`
	Status         string `gorm:"not null"`
	AnalysisResult *string
	ErrorMessage   string
	CreatedAt      time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (StudyModel) TableName() string { return "studies" }

type StudyImageModel struct {
	ID         string `gorm:"primaryKey"`
	StudyID    string `gorm:"not null;index"`
	StorageKey string `gorm:"not null"`
	URL        string `gorm:"column:url;not null"`
	Filename   string `gorm:"not null"`
	MimeType   string `gorm:"not null"`
	SizeBytes  int64  `gorm:"not null"`
	CreatedAt  time.Time
}

func (StudyImageModel) TableName() string { return "study_images" }

type ChatMessageModel struct {
	ID        string `gorm:"primaryKey"`
	StudyID   string `gorm:"not null"`
	Role      string `gorm:"not null"`
	Content   string `gorm:"not null"`
	Seq       int64  `gorm:"not null"`
	CreatedAt time.Time
}

func (ChatMessageModel) TableName() string { return "chat_messages" }

func userToModel(u domain.User) UserModel {
	var openID *string
	if u.OpenID != "" {
		v := u.OpenID
		openID = &v
	}
	return UserModel{
		ID:           u.ID,
		OpenID:       openID,
		Name:         u.Name,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		LoginMethod:  u.LoginMethod,
		Role:         string(u.Role),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
		LastSignedIn: u.LastSignedIn,
	}
}

func userFromModel(m UserModel) domain.User {
	u := domain.User{
		ID:           m.ID,
		Name:         m.Name,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		LoginMethod:  m.LoginMethod,
		Role:         domain.UserRole(m.Role),
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
		LastSignedIn: m.LastSignedIn.UTC(),
	}
	if m.OpenID != nil {
		u.OpenID = *m.OpenID
	}
	return u
}

func studyToModel(s domain.Study) StudyModel {
	return StudyModel{
		ID:             s.ID,
		OwnerID:        s.OwnerID,
		Title:          s.Title,
		StudyType:      string(s.StudyType),
		Status:         string(s.Status),
		AnalysisResult: s.AnalysisResult,
		ErrorMessage:   s.ErrorMessage,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func studyFromModel(m StudyModel) domain.Study {
	return domain.Study{
		ID:             m.ID,
		OwnerID:        m.OwnerID,
		Title:          m.Title,
		StudyType:      domain.StudyType(m.StudyType),
		Status:         domain.StudyStatus(m.Status),
		AnalysisResult: m.AnalysisResult,
		ErrorMessage:   m.ErrorMessage,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

func imageToModel(img domain.StudyImage) StudyImageModel {
	return StudyImageModel{
		ID:         img.ID,
		StudyID:    img.StudyID,
		StorageKey: img.StorageKey,
		URL:        img.URL,
		Filename:   img.Filename,
		MimeType:   img.MimeType,
		SizeBytes:  img.SizeBytes,
		CreatedAt:  img.CreatedAt,
	}
}

func imageFromModel(m StudyImageModel) domain.StudyImage {
	return domain.StudyImage{
		ID:         m.ID,
		StudyID:    m.StudyID,
		StorageKey: m.StorageKey,
		URL:        m.URL,
		Filename:   m.Filename,
		MimeType:   m.MimeType,
		SizeBytes:  m.SizeBytes,
		CreatedAt:  m.CreatedAt.UTC(),
	}
}

func messageToModel(msg domain.ChatMessage) ChatMessageModel {
	return ChatMessageModel{
		ID:        msg.ID,
		StudyID:   msg.StudyID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Seq:       msg.Seq,
		CreatedAt: msg.CreatedAt,
	}
}

func messageFromModel(m ChatMessageModel) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        m.ID,
		StudyID:   m.StudyID,
		Role:      domain.MessageRole(m.Role),
		Content:   m.Content,
		Seq:       m.Seq,
		CreatedAt: m.CreatedAt.UTC(),
	}
}
