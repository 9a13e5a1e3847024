package store

import (
	"errors"

	"infinitytrain/pkg/domain"
)

// ErrEmailTaken is returned by CreateUser when the email is already registered.
var ErrEmailTaken = errors.New("email already registered")

// Store defines persistence operations for users, topics, comments, and progress.
type Store interface {
	// users
	CreateUser(domain.User) error
	GetUser(id string) (domain.User, bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	UpdateUser(id string, update domain.UserUpdate) (domain.User, bool, error)
	ListUsers() ([]domain.User, error)
	UserCount() (int, error)

	// topics
	ListTopics() ([]domain.Topic, error)
	GetTopic(id string) (domain.Topic, bool, error)
	ReplaceTopic(domain.Topic) (domain.Topic, error)
	SoftDeleteTopic(id string) error
	RestoreTopic(id string) error

	// comments
	AppendComment(subtopicID string, comment domain.Comment) error

	// progress
	ListProgress(userID string) ([]domain.UserProgress, error)
	UpsertProgress(domain.UserProgress) error
}
