package trainingclient

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"infinitytrain/pkg/domain"
	"infinitytrain/pkg/progress"
)

var (
	ErrNotLoggedIn     = errors.New("not logged in")
	ErrNotAdmin        = errors.New("admin role required")
	ErrUnknownTopic    = errors.New("topic not loaded")
	ErrUnknownSubtopic = errors.New("subtopic not found")
	ErrBadPosition     = errors.New("subtopic position out of range")
)

// State is the session a front end works against: who is logged in, whom an
// admin is viewing as, and cached copies of the topics and of the displayed
// user's progress. Methods are safe for concurrent use. Network calls are
// made without holding the lock.
type State struct {
	client *Client

	mu       sync.RWMutex
	user     *domain.User
	viewAs   *domain.User
	topics   []domain.Topic
	progress []domain.UserProgress
}

// NewState wraps client in an empty, logged-out state.
func NewState(client *Client) *State {
	return &State{client: client}
}

// Login signs in by email and loads the caches.
func (s *State) Login(email string) (domain.User, error) {
	user, err := s.client.Login(email)
	if err != nil {
		return domain.User{}, err
	}
	s.setUser(user)
	return user, s.Refresh()
}

// Signup registers an employee, signs them in and loads the caches.
func (s *State) Signup(name, email string) (domain.User, error) {
	user, err := s.client.Signup(name, email, "")
	if err != nil {
		return domain.User{}, err
	}
	s.setUser(user)
	return user, s.Refresh()
}

func (s *State) setUser(user domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = &user
	s.viewAs = nil
	s.progress = nil
}

// Logout forgets the session and every cached record.
func (s *State) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
	s.viewAs = nil
	s.topics = nil
	s.progress = nil
}

// ViewAs lets an admin see the tracker as user. Progress is reloaded for
// that user.
func (s *State) ViewAs(user domain.User) error {
	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return ErrNotLoggedIn
	}
	if s.user.Role != domain.RoleAdmin {
		s.mu.Unlock()
		return ErrNotAdmin
	}
	if user.ID == s.user.ID {
		s.viewAs = nil
	} else {
		s.viewAs = &user
	}
	s.progress = nil
	s.mu.Unlock()
	return s.Refresh()
}

// ClearViewAs returns an admin to their own view.
func (s *State) ClearViewAs() error {
	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return ErrNotLoggedIn
	}
	s.viewAs = nil
	s.progress = nil
	s.mu.Unlock()
	return s.Refresh()
}

// CurrentUser returns the signed-in user.
func (s *State) CurrentUser() (domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return domain.User{}, false
	}
	return *s.user, true
}

// DisplayUser is the user whose progress is shown: the view-as target when
// set, else the signed-in user.
func (s *State) DisplayUser() (domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.displayUserLocked()
	if u == nil {
		return domain.User{}, false
	}
	return *u, true
}

func (s *State) displayUserLocked() *domain.User {
	if s.viewAs != nil {
		return s.viewAs
	}
	return s.user
}

// IsAdmin is true for an admin who is not viewing as someone else.
func (s *State) IsAdmin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil && s.user.Role == domain.RoleAdmin && s.viewAs == nil
}

// Refresh reloads the topics and the display user's progress.
func (s *State) Refresh() error {
	s.mu.RLock()
	display := s.displayUserLocked()
	var userID string
	if display != nil {
		userID = display.ID
	}
	s.mu.RUnlock()
	if userID == "" {
		return ErrNotLoggedIn
	}

	var (
		topics  []domain.Topic
		records []domain.UserProgress
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		topics, err = s.client.ListTopics()
		if err != nil {
			return fmt.Errorf("load topics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		records, err = s.client.ListProgress(userID)
		if err != nil {
			return fmt.Errorf("load progress: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The display user may have changed while loading.
	if current := s.displayUserLocked(); current == nil || current.ID != userID {
		return nil
	}
	s.topics = topics
	s.progress = records
	return nil
}

// Topics returns every cached topic, archived ones included.
func (s *State) Topics() []domain.Topic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Topic, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, cloneTopic(t))
	}
	return out
}

// ActiveTopics returns the cached topics that are not archived.
func (s *State) ActiveTopics() []domain.Topic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Topic, 0, len(s.topics))
	for _, t := range s.topics {
		if !t.IsDeleted {
			out = append(out, cloneTopic(t))
		}
	}
	return out
}

// Progress returns the cached progress records of the display user.
func (s *State) Progress() []domain.UserProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.UserProgress(nil), s.progress...)
}

// StatusOf returns the display user's cached status for a subtopic.
func (s *State) StatusOf(subtopicID string) domain.ProgressStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.displayUserLocked()
	if u == nil {
		return domain.StatusNotAddressed
	}
	return progress.StatusOf(progress.StatusIndex(s.progress, u.ID), subtopicID)
}

// Overview aggregates the cached progress over the active topics.
func (s *State) Overview() []progress.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.displayUserLocked()
	if u == nil {
		return nil
	}
	return progress.Overview(s.topics, s.progress, u.ID)
}

// SetStatus records a self-assessment for the display user and updates the
// cache.
func (s *State) SetStatus(subtopicID string, status domain.ProgressStatus) error {
	display, ok := s.DisplayUser()
	if !ok {
		return ErrNotLoggedIn
	}
	saved, err := s.client.SetProgress(domain.UserProgress{UserID: display.ID, SubtopicID: subtopicID, Status: status})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.displayUserLocked(); u == nil || u.ID != saved.UserID {
		return nil
	}
	for i := range s.progress {
		if s.progress[i].SubtopicID == saved.SubtopicID {
			s.progress[i].Status = saved.Status
			return nil
		}
	}
	s.progress = append(s.progress, saved)
	return nil
}

// AddComment posts a comment as the signed-in user and puts it first in the
// cached subtopic.
func (s *State) AddComment(subtopicID string, comment domain.Comment) (domain.Comment, error) {
	user, ok := s.CurrentUser()
	if !ok {
		return domain.Comment{}, ErrNotLoggedIn
	}
	comment.UserID = user.ID
	saved, err := s.client.AddComment(subtopicID, comment)
	if err != nil {
		return domain.Comment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ti := range s.topics {
		subs := s.topics[ti].Subtopics
		for si := range subs {
			if subs[si].ID == subtopicID {
				subs[si].Comments = append([]domain.Comment{saved}, subs[si].Comments...)
				return saved, nil
			}
		}
	}
	return saved, nil
}

// SaveTopic creates or replaces a topic and updates the cache.
func (s *State) SaveTopic(t domain.Topic) (domain.Topic, error) {
	if !s.IsAdmin() {
		return domain.Topic{}, ErrNotAdmin
	}
	saved, err := s.client.SaveTopic(t)
	if err != nil {
		return domain.Topic{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.topics {
		if s.topics[i].ID == saved.ID {
			s.topics[i] = saved
			return cloneTopic(saved), nil
		}
	}
	s.topics = append(s.topics, saved)
	return cloneTopic(saved), nil
}

// ReorderSubtopics moves the subtopic at position from to position to and
// saves the complete topic.
func (s *State) ReorderSubtopics(topicID string, from, to int) error {
	t, err := s.cachedTopic(topicID)
	if err != nil {
		return err
	}
	n := len(t.Subtopics)
	if from < 0 || from >= n || to < 0 || to >= n {
		return ErrBadPosition
	}
	if from == to {
		return nil
	}
	moved := t.Subtopics[from]
	rest := append(t.Subtopics[:from:from], t.Subtopics[from+1:]...)
	reordered := make([]domain.Subtopic, 0, n)
	reordered = append(reordered, rest[:to]...)
	reordered = append(reordered, moved)
	reordered = append(reordered, rest[to:]...)
	t.Subtopics = reordered
	_, err = s.SaveTopic(t)
	return err
}

// DeleteSubtopic removes one subtopic and saves the complete topic. The
// server drops its comments and progress.
func (s *State) DeleteSubtopic(topicID, subtopicID string) error {
	t, err := s.cachedTopic(topicID)
	if err != nil {
		return err
	}
	kept := make([]domain.Subtopic, 0, len(t.Subtopics))
	for _, st := range t.Subtopics {
		if st.ID != subtopicID {
			kept = append(kept, st)
		}
	}
	if len(kept) == len(t.Subtopics) {
		return ErrUnknownSubtopic
	}
	t.Subtopics = kept
	if _, err := s.SaveTopic(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := s.progress[:0]
	for _, p := range s.progress {
		if p.SubtopicID != subtopicID {
			filtered = append(filtered, p)
		}
	}
	s.progress = filtered
	return nil
}

// ArchiveTopic soft-deletes a topic.
func (s *State) ArchiveTopic(topicID string) error {
	return s.setArchived(topicID, true)
}

// RestoreTopic brings an archived topic back.
func (s *State) RestoreTopic(topicID string) error {
	return s.setArchived(topicID, false)
}

func (s *State) setArchived(topicID string, archived bool) error {
	if !s.IsAdmin() {
		return ErrNotAdmin
	}
	var err error
	if archived {
		err = s.client.DeleteTopic(topicID)
	} else {
		err = s.client.RestoreTopic(topicID)
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.topics {
		if s.topics[i].ID == topicID {
			s.topics[i].IsDeleted = archived
		}
	}
	return nil
}

func (s *State) cachedTopic(topicID string) (domain.Topic, error) {
	topicID = strings.TrimSpace(topicID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.topics {
		if t.ID == topicID {
			return cloneTopic(t), nil
		}
	}
	return domain.Topic{}, ErrUnknownTopic
}

func cloneTopic(t domain.Topic) domain.Topic {
	out := t
	out.Subtopics = make([]domain.Subtopic, len(t.Subtopics))
	for i, st := range t.Subtopics {
		st.ResourceLinks = append([]domain.Resource(nil), st.ResourceLinks...)
		st.Comments = append([]domain.Comment(nil), st.Comments...)
		out.Subtopics[i] = st
	}
	return out
}
