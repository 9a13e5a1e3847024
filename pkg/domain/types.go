package domain

import "time"

type UserRole string

const (
	RoleAdmin    UserRole = "admin"
	RoleEmployee UserRole = "employee"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	return r == RoleAdmin || r == RoleEmployee
}

type ProgressStatus string

const (
	StatusNotAddressed    ProgressStatus = "not_addressed"
	StatusBasic           ProgressStatus = "basic"
	StatusGood            ProgressStatus = "good"
	StatusFullyUnderstood ProgressStatus = "fully_understood"
)

// Valid reports whether s is one of the four self-assessment levels.
func (s ProgressStatus) Valid() bool {
	switch s {
	case StatusNotAddressed, StatusBasic, StatusGood, StatusFullyUnderstood:
		return true
	default:
		return false
	}
}

type ResourceType string

const (
	ResourceVideo    ResourceType = "video"
	ResourceDocument ResourceType = "document"
	ResourceLink     ResourceType = "link"
)

type User struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Email  string   `json:"email"`
	Role   UserRole `json:"role"`
	Avatar string   `json:"avatar"`
}

// UserUpdate carries the fields of a sparse profile update. Nil fields are
// left untouched.
type UserUpdate struct {
	Name   *string   `json:"name,omitempty"`
	Email  *string   `json:"email,omitempty"`
	Role   *UserRole `json:"role,omitempty"`
	Avatar *string   `json:"avatar,omitempty"`
}

// Empty reports whether the update carries no fields.
func (u UserUpdate) Empty() bool {
	return u.Name == nil && u.Email == nil && u.Role == nil && u.Avatar == nil
}

type Resource struct {
	ID    string       `json:"id,omitempty"`
	Type  ResourceType `json:"type"`
	Title string       `json:"title"`
	URL   string       `json:"url"`
}

type Comment struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Text       string    `json:"text,omitempty"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	DrawingURL string    `json:"drawingUrl,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type Subtopic struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Resources     string     `json:"resources"`
	ResourceLinks []Resource `json:"resourceLinks,omitempty"`
	Comments      []Comment  `json:"comments"`
}

type Topic struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Icon      string     `json:"icon"`
	Subtopics []Subtopic `json:"subtopics"`
	IsDeleted bool       `json:"isDeleted"`
}

type UserProgress struct {
	UserID     string         `json:"userId"`
	SubtopicID string         `json:"subtopicId"`
	Status     ProgressStatus `json:"status"`
}
