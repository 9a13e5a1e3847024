package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"infinitytrain/internal/util"
	"infinitytrain/pkg/domain"
	"infinitytrain/pkg/progress"
	"infinitytrain/pkg/storage"
	"infinitytrain/pkg/store"
)

const (
	// UploadURLPrefix is the public path under which uploads are served.
	UploadURLPrefix = "/uploads/"

	defaultMaxUploadBytes = 5 << 20
	avatarURLBase         = "https://api.dicebear.com/7.x/avataaars/svg?seed="
)

// Config holds runtime configuration for the core application.
type Config struct {
	Store          store.Store
	Objects        storage.ObjectStore
	MaxUploadBytes int64
}

// App holds the training tracker rules on top of the store.
type App struct {
	store          store.Store
	objects        storage.ObjectStore
	maxUploadBytes int64
	now            func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	return &App{
		store:          cfg.Store,
		objects:        cfg.Objects,
		maxUploadBytes: maxUpload,
		now:            time.Now,
	}, nil
}

// MaxUploadBytes returns the per-file upload limit.
func (a *App) MaxUploadBytes() int64 {
	return a.maxUploadBytes
}

// ListTopics returns every topic, archived ones included.
func (a *App) ListTopics() ([]domain.Topic, error) {
	return a.store.ListTopics()
}

// GetTopic returns one topic by ID.
func (a *App) GetTopic(id string) (domain.Topic, error) {
	topic, ok, err := a.store.GetTopic(strings.TrimSpace(id))
	if err != nil {
		return domain.Topic{}, err
	}
	if !ok {
		return domain.Topic{}, ErrTopicNotFound
	}
	return topic, nil
}

// SaveTopic validates t and replaces the stored subtree with it.
func (a *App) SaveTopic(t domain.Topic) (domain.Topic, error) {
	t.ID = strings.TrimSpace(t.ID)
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return domain.Topic{}, invalidf("Title is required")
	}
	if t.Subtopics == nil {
		t.Subtopics = []domain.Subtopic{}
	}
	for i := range t.Subtopics {
		st := &t.Subtopics[i]
		st.ID = strings.TrimSpace(st.ID)
		for _, link := range st.ResourceLinks {
			switch link.Type {
			case domain.ResourceVideo, domain.ResourceDocument, domain.ResourceLink:
			default:
				return domain.Topic{}, invalidf("Invalid resource type %q", link.Type)
			}
			if strings.TrimSpace(link.URL) == "" {
				return domain.Topic{}, invalidf("Resource URL is required")
			}
		}
		if st.Comments == nil {
			st.Comments = []domain.Comment{}
		}
		for _, c := range st.Comments {
			if strings.TrimSpace(c.UserID) == "" {
				return domain.Topic{}, invalidf("Comment userId is required")
			}
		}
	}
	saved, err := a.store.ReplaceTopic(t)
	if err != nil {
		return domain.Topic{}, fmt.Errorf("replace topic: %w", err)
	}
	return saved, nil
}

// DeleteTopic soft-deletes a topic.
func (a *App) DeleteTopic(id string) error {
	return a.store.SoftDeleteTopic(strings.TrimSpace(id))
}

// RestoreTopic undoes DeleteTopic.
func (a *App) RestoreTopic(id string) error {
	return a.store.RestoreTopic(strings.TrimSpace(id))
}

// AddComment appends one comment to a subtopic. The ID and timestamp are
// assigned here when the caller leaves them empty.
func (a *App) AddComment(subtopicID string, c domain.Comment) (domain.Comment, error) {
	subtopicID = strings.TrimSpace(subtopicID)
	if subtopicID == "" {
		return domain.Comment{}, invalidf("subtopicId is required")
	}
	c.UserID = strings.TrimSpace(c.UserID)
	if c.UserID == "" {
		return domain.Comment{}, invalidf("Comment userId is required")
	}
	if strings.TrimSpace(c.Text) == "" && c.ImageURL == "" && c.DrawingURL == "" {
		return domain.Comment{}, invalidf("Comment must have text or an attachment")
	}
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = a.now().UTC()
	}
	if err := a.store.AppendComment(subtopicID, c); err != nil {
		return domain.Comment{}, fmt.Errorf("append comment: %w", err)
	}
	return c, nil
}

// ListProgress returns the stored progress records of a user.
func (a *App) ListProgress(userID string) ([]domain.UserProgress, error) {
	return a.store.ListProgress(strings.TrimSpace(userID))
}

// ProgressSummary aggregates a user's progress over all active topics.
func (a *App) ProgressSummary(userID string) ([]progress.Stats, error) {
	userID = strings.TrimSpace(userID)
	topics, err := a.store.ListTopics()
	if err != nil {
		return nil, err
	}
	records, err := a.store.ListProgress(userID)
	if err != nil {
		return nil, err
	}
	return progress.Overview(topics, records, userID), nil
}

// SetProgress records a self-assessment, overwriting any previous one.
func (a *App) SetProgress(p domain.UserProgress) (domain.UserProgress, error) {
	p.UserID = strings.TrimSpace(p.UserID)
	p.SubtopicID = strings.TrimSpace(p.SubtopicID)
	if p.UserID == "" || p.SubtopicID == "" {
		return domain.UserProgress{}, invalidf("userId and subtopicId are required")
	}
	if !p.Status.Valid() {
		return domain.UserProgress{}, invalidf("Invalid status %q", p.Status)
	}
	if err := a.store.UpsertProgress(p); err != nil {
		return domain.UserProgress{}, fmt.Errorf("upsert progress: %w", err)
	}
	return p, nil
}

// ListUsers returns every user.
func (a *App) ListUsers() ([]domain.User, error) {
	return a.store.ListUsers()
}

// GetUser returns one user by ID.
func (a *App) GetUser(id string) (domain.User, error) {
	u, ok, err := a.store.GetUser(strings.TrimSpace(id))
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return u, nil
}

// UpdateUser applies a sparse profile update.
func (a *App) UpdateUser(id string, update domain.UserUpdate) (domain.User, error) {
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return domain.User{}, invalidf("Name cannot be empty")
		}
		update.Name = &name
	}
	if update.Email != nil {
		email := strings.TrimSpace(*update.Email)
		if email == "" {
			return domain.User{}, invalidf("Email cannot be empty")
		}
		update.Email = &email
	}
	if update.Role != nil && !update.Role.Valid() {
		return domain.User{}, invalidf("Invalid role %q", *update.Role)
	}
	u, ok, err := a.store.UpdateUser(strings.TrimSpace(id), update)
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return domain.User{}, ErrUserExists
		}
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return u, nil
}

// Login resolves a user by email. There is no password.
func (a *App) Login(email string) (domain.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return domain.User{}, ErrEmailRequired
	}
	u, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return u, nil
}

// Signup creates an employee account. A DiceBear avatar seeded by the name
// is assigned unless avatar is given.
func (a *App) Signup(name, email, avatar string) (domain.User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || email == "" {
		return domain.User{}, ErrNameAndEmailRequired
	}
	if _, ok, err := a.store.GetUserByEmail(email); err != nil {
		return domain.User{}, err
	} else if ok {
		return domain.User{}, ErrUserExists
	}
	avatar = strings.TrimSpace(avatar)
	if avatar == "" {
		avatar = DefaultAvatar(name)
	}
	u := domain.User{
		ID:     uuid.NewString(),
		Name:   name,
		Email:  email,
		Role:   domain.RoleEmployee,
		Avatar: avatar,
	}
	if err := a.store.CreateUser(u); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return domain.User{}, ErrUserExists
		}
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// DefaultAvatar returns the generated avatar URL for name. The seed is
// percent-encoded with spaces as %20.
func DefaultAvatar(name string) string {
	return avatarURLBase + strings.ReplaceAll(url.QueryEscape(name), "+", "%20")
}

// Upload stores a file under a generated name and returns its public URL.
// size is the declared length of r and must not exceed the upload limit.
func (a *App) Upload(ctx context.Context, filename, contentType string, r io.Reader, size int64) (string, error) {
	if r == nil {
		return "", ErrNoFile
	}
	if size > a.maxUploadBytes {
		return "", ErrFileTooLarge
	}
	ext := strings.ToLower(filepath.Ext(sanitizeFilename(filepath.Base(filename))))
	name := fmt.Sprintf("%d-%s%s", a.now().UnixMilli(), util.RandomHex(6), ext)
	if strings.TrimSpace(contentType) == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			contentType = byExt
		} else {
			contentType = "application/octet-stream"
		}
	}
	limited := io.LimitReader(r, a.maxUploadBytes+1)
	if err := a.objects.Put(ctx, name, limited, size, contentType); err != nil {
		return "", fmt.Errorf("save file: %w", err)
	}
	return UploadURLPrefix + name, nil
}

// OpenUpload opens a previously uploaded file by its generated name.
func (a *App) OpenUpload(ctx context.Context, name string) (storage.Object, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return storage.Object{}, ErrUploadNotFound
	}
	obj, err := a.objects.Get(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return storage.Object{}, ErrUploadNotFound
		}
		return storage.Object{}, err
	}
	return obj, nil
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
