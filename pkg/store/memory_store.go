package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"retinalab/pkg/domain"
)

// MemoryStore keeps everything in-process (single instance, tests and local dev).
// One mutex serializes every mutation, which gives the same per-study guarantees
// as the row locks in GormStore.
type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	users    map[string]domain.User // key: user ID
	email    map[string]string      // lower(email) -> user ID
	studies  map[string]domain.Study
	images   map[string][]domain.StudyImage  // study ID -> images
	messages map[string][]domain.ChatMessage // study ID -> messages
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		users:    make(map[string]domain.User),
		email:    make(map[string]string),
		studies:  make(map[string]domain.Study),
		images:   make(map[string][]domain.StudyImage),
		messages: make(map[string][]domain.ChatMessage),
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(u.Email)
	if owner, ok := m.email[key]; ok && owner != u.ID {
		return ErrEmailTaken
	}
	now := m.now().UTC()
	if prev, ok := m.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
		u.LastSignedIn = prev.LastSignedIn
		delete(m.email, strings.ToLower(prev.Email))
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.LastSignedIn.IsZero() {
		u.LastSignedIn = now
	}
	u.UpdatedAt = now
	m.users[u.ID] = u
	m.email[key] = u.ID
	return nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[strings.ToLower(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) TouchLastSignedIn(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.LastSignedIn = at.UTC()
	u.UpdatedAt = m.now().UTC()
	m.users[id] = u
	return nil
}

func (m *MemoryStore) CreateStudy(_ context.Context, st domain.Study) (domain.Study, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := nextTimestamp(time.Time{}, m.now())
	st.CreatedAt = ts
	st.UpdatedAt = ts
	st = cloneStudy(st)
	m.studies[st.ID] = st
	return cloneStudy(st), nil
}

func (m *MemoryStore) GetStudy(_ context.Context, id string) (domain.Study, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.studies[id]
	if !ok {
		return domain.Study{}, false, nil
	}
	return cloneStudy(st), true, nil
}

func (m *MemoryStore) ListStudies(_ context.Context) ([]domain.Study, error) {
	return m.listStudies(func(domain.Study) bool { return true }), nil
}

func (m *MemoryStore) ListStudiesByOwner(_ context.Context, ownerID string) ([]domain.Study, error) {
	return m.listStudies(func(st domain.Study) bool { return st.OwnerID == ownerID }), nil
}

func (m *MemoryStore) listStudies(keep func(domain.Study) bool) []domain.Study {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Study, 0, len(m.studies))
	for _, st := range m.studies {
		if keep(st) {
			res = append(res, cloneStudy(st))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID > res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res
}

func (m *MemoryStore) TransitionStudy(_ context.Context, t StudyTransition) (domain.Study, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.studies[t.ID]
	if !ok {
		return domain.Study{}, ErrNotFound
	}
	if err := checkTransition(st.Status, t); err != nil {
		return domain.Study{}, err
	}
	if t.RequireImages && len(m.images[t.ID]) == 0 {
		return domain.Study{}, ErrNoImages
	}
	applyTransition(&st, t, nextTimestamp(st.UpdatedAt, m.now()))
	st = cloneStudy(st)
	m.studies[t.ID] = st
	return cloneStudy(st), nil
}

func (m *MemoryStore) UpdateStudyReport(_ context.Context, id string, patch ReportPatch, expectedUpdatedAt time.Time) (domain.Study, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.studies[id]
	if !ok {
		return domain.Study{}, ErrNotFound
	}
	if !st.UpdatedAt.Equal(expectedUpdatedAt) {
		return domain.Study{}, ErrConflict
	}
	applyPatch(&st, patch, nextTimestamp(st.UpdatedAt, m.now()))
	st = cloneStudy(st)
	m.studies[id] = st
	return cloneStudy(st), nil
}

func (m *MemoryStore) DeleteStudy(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.studies[id]; !ok {
		return ErrNotFound
	}
	delete(m.studies, id)
	delete(m.images, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) AddStudyImage(_ context.Context, img domain.StudyImage) (domain.StudyImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.studies[img.StudyID]
	if !ok {
		return domain.StudyImage{}, ErrNotFound
	}
	if !st.Status.AcceptsImages() {
		return domain.StudyImage{}, ErrStatusMismatch
	}
	img.CreatedAt = m.now().UTC().Truncate(time.Microsecond)
	m.images[img.StudyID] = append(m.images[img.StudyID], img)
	return img, nil
}

func (m *MemoryStore) ListStudyImages(_ context.Context, studyID string) ([]domain.StudyImage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.StudyImage(nil), m.images[studyID]...), nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.studies[msg.StudyID]; !ok {
		return domain.ChatMessage{}, ErrNotFound
	}
	var lastSeq int64
	var lastAt time.Time
	if msgs := m.messages[msg.StudyID]; len(msgs) > 0 {
		lastSeq = msgs[len(msgs)-1].Seq
		lastAt = msgs[len(msgs)-1].CreatedAt
	}
	msg.Seq, msg.CreatedAt = nextMessagePosition(lastSeq, lastAt, m.now())
	m.messages[msg.StudyID] = append(m.messages[msg.StudyID], msg)
	return msg, nil
}

func (m *MemoryStore) ListMessages(_ context.Context, studyID string, limit int) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[studyID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.ChatMessage(nil), msgs...), nil
}

func cloneStudy(st domain.Study) domain.Study {
	if st.AnalysisResult != nil {
		v := *st.AnalysisResult
		st.AnalysisResult = &v
	}
	return st
}
