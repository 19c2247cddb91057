package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"retinalab/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
// Status transitions and chat appends lock the study row (SELECT ... FOR UPDATE);
// report edits are guarded by the updated_at token instead.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore applies migrations and opens the DB.
func NewGormStore(dsn string) (*GormStore, error) {
	if err := RunMigrations(dsn); err != nil {
		return nil, err
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return &GormStore{db: db, now: time.Now}, nil
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	now := s.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.LastSignedIn.IsZero() {
		u.LastSignedIn = now
	}
	u.UpdatedAt = now
	model := userToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"open_id", "name", "email", "password_hash", "login_method", "role", "updated_at"}),
	}).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrEmailTaken
	}
	return err
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// TouchLastSignedIn refreshes the login timestamp.
func (s *GormStore) TouchLastSignedIn(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_signed_in": at.UTC(),
			"updated_at":     s.now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateStudy inserts a study and stamps its timestamps.
func (s *GormStore) CreateStudy(ctx context.Context, st domain.Study) (domain.Study, error) {
	ts := nextTimestamp(time.Time{}, s.now())
	st.CreatedAt = ts
	st.UpdatedAt = ts
	model := studyToModel(st)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Study{}, err
	}
	return studyFromModel(model), nil
}

// GetStudy retrieves a study.
func (s *GormStore) GetStudy(ctx context.Context, id string) (domain.Study, bool, error) {
	var model StudyModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Study{}, false, nil
		}
		return domain.Study{}, false, err
	}
	return studyFromModel(model), true, nil
}

// ListStudies returns all studies, newest first.
func (s *GormStore) ListStudies(ctx context.Context) ([]domain.Study, error) {
	return s.listStudies(ctx)
}

// ListStudiesByOwner returns one owner's studies, newest first.
func (s *GormStore) ListStudiesByOwner(ctx context.Context, ownerID string) ([]domain.Study, error) {
	return s.listStudies(ctx, "owner_id = ?", ownerID)
}

func (s *GormStore) listStudies(ctx context.Context, conds ...any) ([]domain.Study, error) {
	var models []StudyModel
	tx := s.db.WithContext(ctx).Order("created_at DESC")
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Study, 0, len(models))
	for _, m := range models {
		res = append(res, studyFromModel(m))
	}
	return res, nil
}

// TransitionStudy applies a compare-and-set status change under a row lock.
func (s *GormStore) TransitionStudy(ctx context.Context, t StudyTransition) (domain.Study, error) {
	var out domain.Study
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := lockStudy(tx, t.ID)
		if err != nil {
			return err
		}
		if err := checkTransition(domain.StudyStatus(model.Status), t); err != nil {
			return err
		}
		if t.RequireImages {
			var count int64
			if err := tx.Model(&StudyImageModel{}).Where("study_id = ?", t.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNoImages
			}
		}
		st := studyFromModel(model)
		applyTransition(&st, t, nextTimestamp(st.UpdatedAt, s.now()))
		if err := tx.Model(&StudyModel{}).Where("id = ?", t.ID).Updates(map[string]any{
			"status":          string(st.Status),
			"analysis_result": st.AnalysisResult,
			"error_message":   st.ErrorMessage,
			"updated_at":      st.UpdatedAt,
		}).Error; err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return domain.Study{}, err
	}
	return out, nil
}

// UpdateStudyReport edits title/analysisResult only if updated_at still equals
// expectedUpdatedAt. A lost race surfaces as ErrConflict.
func (s *GormStore) UpdateStudyReport(ctx context.Context, id string, patch ReportPatch, expectedUpdatedAt time.Time) (domain.Study, error) {
	expected := expectedUpdatedAt.UTC()
	next := nextTimestamp(expected, s.now())
	updates := map[string]any{"updated_at": next}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.AnalysisResult != nil {
		updates["analysis_result"] = *patch.AnalysisResult
	}
	db := s.db.WithContext(ctx)
	res := db.Model(&StudyModel{}).
		Where("id = ? AND updated_at = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return domain.Study{}, res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := db.Model(&StudyModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return domain.Study{}, err
		}
		if count == 0 {
			return domain.Study{}, ErrNotFound
		}
		return domain.Study{}, ErrConflict
	}
	st, ok, err := s.GetStudy(ctx, id)
	if err != nil {
		return domain.Study{}, err
	}
	if !ok {
		return domain.Study{}, ErrNotFound
	}
	return st, nil
}

// DeleteStudy removes a study with its images and messages.
func (s *GormStore) DeleteStudy(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChatMessageModel{}, "study_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&StudyImageModel{}, "study_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&StudyModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AddStudyImage records an image while the study is still a draft. The study
// row is locked so a concurrent transition cannot slip in between check and insert.
func (s *GormStore) AddStudyImage(ctx context.Context, img domain.StudyImage) (domain.StudyImage, error) {
	var out domain.StudyImage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := lockStudy(tx, img.StudyID)
		if err != nil {
			return err
		}
		if !domain.StudyStatus(model.Status).AcceptsImages() {
			return ErrStatusMismatch
		}
		img.CreatedAt = s.now().UTC().Truncate(time.Microsecond)
		row := imageToModel(img)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		out = imageFromModel(row)
		return nil
	})
	if err != nil {
		return domain.StudyImage{}, err
	}
	return out, nil
}

// ListStudyImages returns a study's images in upload order.
func (s *GormStore) ListStudyImages(ctx context.Context, studyID string) ([]domain.StudyImage, error) {
	var models []StudyImageModel
	if err := s.db.WithContext(ctx).Where("study_id = ?", studyID).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.StudyImage, 0, len(models))
	for _, m := range models {
		res = append(res, imageFromModel(m))
	}
	return res, nil
}

// AppendMessage assigns seq/createdAt and inserts the message. Appends for one
// study serialize on the study row lock.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	var out domain.ChatMessage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockStudy(tx, msg.StudyID); err != nil {
			return err
		}
		var last ChatMessageModel
		if err := tx.Where("study_id = ?", msg.StudyID).Order("seq DESC").Limit(1).Find(&last).Error; err != nil {
			return err
		}
		msg.Seq, msg.CreatedAt = nextMessagePosition(last.Seq, last.CreatedAt, s.now())
		row := messageToModel(msg)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		out = messageFromModel(row)
		return nil
	})
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return out, nil
}

// ListMessages returns messages ascending by (created_at, seq). With limit > 0
// only the latest limit messages are returned, still ascending.
func (s *GormStore) ListMessages(ctx context.Context, studyID string, limit int) ([]domain.ChatMessage, error) {
	var models []ChatMessageModel
	tx := s.db.WithContext(ctx).Where("study_id = ?", studyID)
	if limit > 0 {
		tx = tx.Order("created_at DESC, seq DESC").Limit(limit)
	} else {
		tx = tx.Order("created_at ASC, seq ASC")
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ChatMessage, 0, len(models))
	for _, m := range models {
		res = append(res, messageFromModel(m))
	}
	if limit > 0 {
		for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
			res[i], res[j] = res[j], res[i]
		}
	}
	return res, nil
}

func lockStudy(tx *gorm.DB, id string) (StudyModel, error) {
	var model StudyModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StudyModel{}, ErrNotFound
	}
	return model, err
}
