package store

import (
	"fmt"
	"sort"
	"sync"

	"infinitytrain/pkg/domain"
)

// MemoryStore keeps all records in-process. It mirrors the relational
// cascade rules of GormStore and is used for local runs and handler tests.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User // key: user ID
	email    map[string]string      // email -> user ID
	topics   map[string]domain.Topic
	owner    map[string]string                          // subtopic ID -> topic ID
	progress map[string]map[string]domain.ProgressStatus // user ID -> subtopic ID -> status
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		email:    make(map[string]string),
		topics:   make(map[string]domain.Topic),
		owner:    make(map[string]string),
		progress: make(map[string]map[string]domain.ProgressStatus),
	}
}

// CreateUser registers a user.
func (m *MemoryStore) CreateUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.email[u.Email]; ok {
		return ErrEmailTaken
	}
	if _, ok := m.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// GetUser returns a user by ID.
func (m *MemoryStore) GetUser(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.email[email]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// UpdateUser applies the present fields of update.
func (m *MemoryStore) UpdateUser(id string, update domain.UserUpdate) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, false, nil
	}
	if update.Email != nil && *update.Email != u.Email {
		if _, taken := m.email[*update.Email]; taken {
			return domain.User{}, false, ErrEmailTaken
		}
		delete(m.email, u.Email)
		u.Email = *update.Email
		m.email[u.Email] = id
	}
	if update.Name != nil {
		u.Name = *update.Name
	}
	if update.Role != nil {
		u.Role = *update.Role
	}
	if update.Avatar != nil {
		u.Avatar = *update.Avatar
	}
	m.users[id] = u
	return u, true, nil
}

// ListUsers returns all users ordered by name.
func (m *MemoryStore) ListUsers() ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Name != res[j].Name {
			return res[i].Name < res[j].Name
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// UserCount returns number of users.
func (m *MemoryStore) UserCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

// ListTopics returns every topic ordered by title.
func (m *MemoryStore) ListTopics() ([]domain.Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Topic, 0, len(m.topics))
	for _, t := range m.topics {
		res = append(res, cloneTopic(t))
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Title != res[j].Title {
			return res[i].Title < res[j].Title
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// GetTopic returns one topic.
func (m *MemoryStore) GetTopic(id string) (domain.Topic, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[id]
	if !ok {
		return domain.Topic{}, false, nil
	}
	return cloneTopic(t), true, nil
}

// ReplaceTopic validates the whole new subtree before swapping it in, so a
// rejected call leaves the previous subtree untouched.
func (m *MemoryStore) ReplaceTopic(t domain.Topic) (domain.Topic, error) {
	t = withGeneratedIDs(t)
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(t.Subtopics))
	for _, st := range t.Subtopics {
		if _, dup := seen[st.ID]; dup {
			return domain.Topic{}, fmt.Errorf("duplicate subtopic id %s", st.ID)
		}
		seen[st.ID] = struct{}{}
		if owner, ok := m.owner[st.ID]; ok && owner != t.ID {
			return domain.Topic{}, fmt.Errorf("subtopic %s belongs to topic %s", st.ID, owner)
		}
		for _, c := range st.Comments {
			if _, ok := m.users[c.UserID]; !ok {
				return domain.Topic{}, fmt.Errorf("comment %s references unknown user %s", c.ID, c.UserID)
			}
		}
	}

	if prev, ok := m.topics[t.ID]; ok {
		for _, st := range prev.Subtopics {
			delete(m.owner, st.ID)
			if _, kept := seen[st.ID]; !kept {
				m.dropProgress(st.ID)
			}
		}
	}
	for _, st := range t.Subtopics {
		m.owner[st.ID] = t.ID
	}
	stored := cloneTopic(t)
	for i := range stored.Subtopics {
		sortComments(stored.Subtopics[i].Comments)
	}
	m.topics[t.ID] = stored
	return t, nil
}

// SoftDeleteTopic hides a topic.
func (m *MemoryStore) SoftDeleteTopic(id string) error {
	m.setDeleted(id, true)
	return nil
}

// RestoreTopic clears the soft-delete flag.
func (m *MemoryStore) RestoreTopic(id string) error {
	m.setDeleted(id, false)
	return nil
}

func (m *MemoryStore) setDeleted(id string, deleted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[id]
	if !ok {
		return
	}
	t.IsDeleted = deleted
	m.topics[id] = t
}

// AppendComment records a comment on a subtopic.
func (m *MemoryStore) AppendComment(subtopicID string, c domain.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	topicID, ok := m.owner[subtopicID]
	if !ok {
		return fmt.Errorf("unknown subtopic %s", subtopicID)
	}
	if _, ok := m.users[c.UserID]; !ok {
		return fmt.Errorf("unknown user %s", c.UserID)
	}
	t := cloneTopic(m.topics[topicID])
	for i := range t.Subtopics {
		if t.Subtopics[i].ID == subtopicID {
			t.Subtopics[i].Comments = append(t.Subtopics[i].Comments, c)
			sortComments(t.Subtopics[i].Comments)
		}
	}
	m.topics[topicID] = t
	return nil
}

// ListProgress returns a user's records ordered by subtopic ID.
func (m *MemoryStore) ListProgress(userID string) ([]domain.UserProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byUser := m.progress[userID]
	res := make([]domain.UserProgress, 0, len(byUser))
	for subtopicID, status := range byUser {
		res = append(res, domain.UserProgress{UserID: userID, SubtopicID: subtopicID, Status: status})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].SubtopicID < res[j].SubtopicID })
	return res, nil
}

// UpsertProgress inserts or overwrites the status for (userId, subtopicId).
func (m *MemoryStore) UpsertProgress(p domain.UserProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[p.UserID]; !ok {
		return fmt.Errorf("unknown user %s", p.UserID)
	}
	if _, ok := m.owner[p.SubtopicID]; !ok {
		return fmt.Errorf("unknown subtopic %s", p.SubtopicID)
	}
	byUser, ok := m.progress[p.UserID]
	if !ok {
		byUser = make(map[string]domain.ProgressStatus)
		m.progress[p.UserID] = byUser
	}
	byUser[p.SubtopicID] = p.Status
	return nil
}

func (m *MemoryStore) dropProgress(subtopicID string) {
	for _, byUser := range m.progress {
		delete(byUser, subtopicID)
	}
}

func sortComments(comments []domain.Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		if !comments[i].Timestamp.Equal(comments[j].Timestamp) {
			return comments[i].Timestamp.After(comments[j].Timestamp)
		}
		return comments[i].ID < comments[j].ID
	})
}

func cloneTopic(t domain.Topic) domain.Topic {
	out := t
	out.Subtopics = make([]domain.Subtopic, len(t.Subtopics))
	for i, st := range t.Subtopics {
		cp := st
		if st.ResourceLinks != nil {
			cp.ResourceLinks = append([]domain.Resource(nil), st.ResourceLinks...)
		}
		cp.Comments = append([]domain.Comment{}, st.Comments...)
		out.Subtopics[i] = cp
	}
	return out
}
