package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"infinitytrain/pkg/domain"
)

const migrateLockID int64 = 51203217

const defaultSlowThreshold = time.Second

// "timestamp" is a type keyword in Postgres, so the column is always quoted.
var newestFirst = clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}, Desc: true}

type GormStoreOptions struct {
	SlowThreshold time.Duration
}

type GormStoreOption func(*GormStoreOptions)

// WithSlowThreshold sets the duration above which queries are logged as slow.
func WithSlowThreshold(d time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.SlowThreshold = d
	}
}

// GormStore implements Store using GORM. Postgres is the production backend;
// SQLite DSNs ("file:" or "sqlite:" prefixed) are accepted for local runs.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{SlowThreshold: defaultSlowThreshold}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = defaultSlowThreshold
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             opts.SlowThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	dialector, sqliteDB := openDialector(dsn)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if sqliteDB {
		// A single connection keeps in-memory databases shared and makes
		// SQLite's writer lock explicit.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &TopicModel{}, &SubtopicModel{}, &CommentModel{}, &ProgressModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if sqliteDB {
		err = migrate(db)
	} else {
		err = withMigrationLock(db, migrate)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func openDialector(dsn string) (gorm.Dialector, bool) {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(trimmed, "sqlite:"):
		return sqlite.Open(strings.TrimPrefix(trimmed, "sqlite:")), true
	case strings.HasPrefix(trimmed, "file:"):
		return sqlite.Open(trimmed), true
	default:
		return postgres.Open(trimmed), false
	}
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateUser inserts a new user.
func (s *GormStore) CreateUser(u domain.User) error {
	model := userToModel(u)
	if err := s.db.Omit(clause.Associations).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrEmailTaken
		}
		return err
	}
	return nil
}

// GetUser returns a user by ID.
func (s *GormStore) GetUser(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// UpdateUser writes only the fields present in update.
func (s *GormStore) UpdateUser(id string, update domain.UserUpdate) (domain.User, bool, error) {
	updates := map[string]any{}
	if update.Name != nil {
		updates["name"] = *update.Name
	}
	if update.Email != nil {
		updates["email"] = *update.Email
	}
	if update.Role != nil {
		updates["role"] = string(*update.Role)
	}
	if update.Avatar != nil {
		updates["avatar"] = *update.Avatar
	}
	if len(updates) == 0 {
		return s.GetUser(id)
	}
	res := s.db.Model(&UserModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return domain.User{}, false, ErrEmailTaken
		}
		return domain.User{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.User{}, false, nil
	}
	return s.GetUser(id)
}

// ListUsers returns all users ordered by name.
func (s *GormStore) ListUsers() ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Order("name ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// UserCount returns number of users.
func (s *GormStore) UserCount() (int, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// ListTopics returns every topic, soft-deleted ones included, with subtopics
// in sort order and comments newest first.
func (s *GormStore) ListTopics() ([]domain.Topic, error) {
	var topics []TopicModel
	if err := s.db.Order("title ASC").Order("id ASC").Find(&topics).Error; err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return []domain.Topic{}, nil
	}
	var subtopics []SubtopicModel
	if err := s.db.Order("topicid ASC").Order("sortorder ASC").Find(&subtopics).Error; err != nil {
		return nil, err
	}
	var comments []CommentModel
	if err := s.db.Order(newestFirst).Order("id ASC").Find(&comments).Error; err != nil {
		return nil, err
	}
	return hydrateTopics(topics, subtopics, comments), nil
}

// GetTopic returns one hydrated topic, soft-deleted or not.
func (s *GormStore) GetTopic(id string) (domain.Topic, bool, error) {
	var topic TopicModel
	if err := s.db.First(&topic, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Topic{}, false, nil
		}
		return domain.Topic{}, false, err
	}
	var subtopics []SubtopicModel
	if err := s.db.Where("topicid = ?", id).Order("sortorder ASC").Find(&subtopics).Error; err != nil {
		return domain.Topic{}, false, err
	}
	var comments []CommentModel
	if len(subtopics) > 0 {
		ids := make([]string, 0, len(subtopics))
		for _, st := range subtopics {
			ids = append(ids, st.ID)
		}
		if err := s.db.Where("subtopicid IN ?", ids).
			Order(newestFirst).
			Order("id ASC").
			Find(&comments).Error; err != nil {
			return domain.Topic{}, false, err
		}
	}
	return hydrateTopics([]TopicModel{topic}, subtopics, comments)[0], true, nil
}

// ReplaceTopic upserts the topic row and replaces its whole subtree in one
// transaction. Missing topic, subtopic, and comment IDs are generated.
// Progress for subtopic IDs present both before and after the call is kept.
func (s *GormStore) ReplaceTopic(t domain.Topic) (domain.Topic, error) {
	t = withGeneratedIDs(t)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		topic := topicToModel(t)
		if err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "icon", "isdeleted"}),
		}).Create(&topic).Error; err != nil {
			return fmt.Errorf("upsert topic: %w", err)
		}

		keep := make([]string, 0, len(t.Subtopics))
		for _, st := range t.Subtopics {
			keep = append(keep, st.ID)
		}
		var kept []ProgressModel
		if len(keep) > 0 {
			if err := tx.Where("subtopicid IN (?)", tx.Model(&SubtopicModel{}).Select("id").Where("topicid = ?", t.ID)).
				Where("subtopicid IN ?", keep).
				Find(&kept).Error; err != nil {
				return fmt.Errorf("load progress: %w", err)
			}
		}

		if err := tx.Delete(&SubtopicModel{}, "topicid = ?", t.ID).Error; err != nil {
			return fmt.Errorf("delete subtopics: %w", err)
		}
		if len(t.Subtopics) == 0 {
			return nil
		}

		subtopics := make([]SubtopicModel, 0, len(t.Subtopics))
		var comments []CommentModel
		for i, st := range t.Subtopics {
			model, err := subtopicToModel(t.ID, i, st)
			if err != nil {
				return err
			}
			subtopics = append(subtopics, model)
			for _, c := range st.Comments {
				comments = append(comments, commentToModel(st.ID, c))
			}
		}
		if err := tx.Omit(clause.Associations).CreateInBatches(&subtopics, 200).Error; err != nil {
			return fmt.Errorf("insert subtopics: %w", err)
		}
		if len(comments) > 0 {
			if err := tx.CreateInBatches(&comments, 200).Error; err != nil {
				return fmt.Errorf("insert comments: %w", err)
			}
		}
		if len(kept) > 0 {
			if err := tx.CreateInBatches(&kept, 200).Error; err != nil {
				return fmt.Errorf("restore progress: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Topic{}, err
	}
	return t, nil
}

// SoftDeleteTopic hides a topic without touching its subtree.
func (s *GormStore) SoftDeleteTopic(id string) error {
	return s.setDeleted(id, true)
}

// RestoreTopic clears the soft-delete flag.
func (s *GormStore) RestoreTopic(id string) error {
	return s.setDeleted(id, false)
}

func (s *GormStore) setDeleted(id string, deleted bool) error {
	return s.db.Model(&TopicModel{}).Where("id = ?", id).Update("isdeleted", deleted).Error
}

// AppendComment inserts a single comment row.
func (s *GormStore) AppendComment(subtopicID string, c domain.Comment) error {
	model := commentToModel(subtopicID, c)
	return s.db.Create(&model).Error
}

// ListProgress returns all stored progress records of a user.
func (s *GormStore) ListProgress(userID string) ([]domain.UserProgress, error) {
	var models []ProgressModel
	if err := s.db.Where("userid = ?", userID).Order("subtopicid ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.UserProgress, 0, len(models))
	for _, m := range models {
		res = append(res, progressFromModel(m))
	}
	return res, nil
}

// UpsertProgress inserts or overwrites the status for (userId, subtopicId).
func (s *GormStore) UpsertProgress(p domain.UserProgress) error {
	model := progressToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "userid"}, {Name: "subtopicid"}},
		DoUpdates: clause.AssignmentColumns([]string{"status"}),
	}).Create(&model).Error
}

func withGeneratedIDs(t domain.Topic) domain.Topic {
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	subtopics := make([]domain.Subtopic, len(t.Subtopics))
	for i, st := range t.Subtopics {
		if strings.TrimSpace(st.ID) == "" {
			st.ID = uuid.NewString()
		}
		comments := make([]domain.Comment, len(st.Comments))
		for j, c := range st.Comments {
			if strings.TrimSpace(c.ID) == "" {
				c.ID = uuid.NewString()
			}
			if c.Timestamp.IsZero() {
				c.Timestamp = time.Now().UTC()
			}
			comments[j] = c
		}
		st.Comments = comments
		subtopics[i] = st
	}
	t.Subtopics = subtopics
	return t
}

func hydrateTopics(topics []TopicModel, subtopics []SubtopicModel, comments []CommentModel) []domain.Topic {
	bySubtopic := make(map[string][]domain.Comment, len(subtopics))
	for _, c := range comments {
		bySubtopic[c.SubtopicID] = append(bySubtopic[c.SubtopicID], commentFromModel(c))
	}
	byTopic := make(map[string][]domain.Subtopic, len(topics))
	for _, st := range subtopics {
		sub := subtopicFromModel(st)
		if cs, ok := bySubtopic[st.ID]; ok {
			sub.Comments = cs
		}
		byTopic[st.TopicID] = append(byTopic[st.TopicID], sub)
	}
	res := make([]domain.Topic, 0, len(topics))
	for _, m := range topics {
		t := topicFromModel(m)
		if subs, ok := byTopic[m.ID]; ok {
			t.Subtopics = subs
		}
		res = append(res, t)
	}
	return res
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:     u.ID,
		Name:   u.Name,
		Email:  u.Email,
		Role:   string(u.Role),
		Avatar: u.Avatar,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:     m.ID,
		Name:   m.Name,
		Email:  m.Email,
		Role:   domain.UserRole(m.Role),
		Avatar: m.Avatar,
	}
}

func topicToModel(t domain.Topic) TopicModel {
	return TopicModel{
		ID:        t.ID,
		Title:     t.Title,
		Icon:      t.Icon,
		IsDeleted: t.IsDeleted,
	}
}

func topicFromModel(m TopicModel) domain.Topic {
	return domain.Topic{
		ID:        m.ID,
		Title:     m.Title,
		Icon:      m.Icon,
		IsDeleted: m.IsDeleted,
		Subtopics: []domain.Subtopic{},
	}
}

func subtopicToModel(topicID string, index int, st domain.Subtopic) (SubtopicModel, error) {
	model := SubtopicModel{
		ID:        st.ID,
		TopicID:   topicID,
		Title:     st.Title,
		Resources: st.Resources,
		SortOrder: index,
	}
	if st.ResourceLinks != nil {
		raw, err := json.Marshal(st.ResourceLinks)
		if err != nil {
			return SubtopicModel{}, fmt.Errorf("encode resource links: %w", err)
		}
		model.ResourceLinks = raw
	}
	return model, nil
}

func subtopicFromModel(m SubtopicModel) domain.Subtopic {
	var links []domain.Resource
	if len(m.ResourceLinks) > 0 {
		_ = json.Unmarshal(m.ResourceLinks, &links)
	}
	return domain.Subtopic{
		ID:            m.ID,
		Title:         m.Title,
		Resources:     m.Resources,
		ResourceLinks: links,
		Comments:      []domain.Comment{},
	}
}

func commentToModel(subtopicID string, c domain.Comment) CommentModel {
	return CommentModel{
		ID:         c.ID,
		SubtopicID: subtopicID,
		UserID:     c.UserID,
		Text:       c.Text,
		ImageURL:   c.ImageURL,
		DrawingURL: c.DrawingURL,
		Timestamp:  c.Timestamp.UTC(),
	}
}

func commentFromModel(m CommentModel) domain.Comment {
	return domain.Comment{
		ID:         m.ID,
		UserID:     m.UserID,
		Text:       m.Text,
		ImageURL:   m.ImageURL,
		DrawingURL: m.DrawingURL,
		Timestamp:  m.Timestamp.UTC(),
	}
}

func progressToModel(p domain.UserProgress) ProgressModel {
	return ProgressModel{
		UserID:     p.UserID,
		SubtopicID: p.SubtopicID,
		Status:     string(p.Status),
	}
}

func progressFromModel(m ProgressModel) domain.UserProgress {
	return domain.UserProgress{
		UserID:     m.UserID,
		SubtopicID: m.SubtopicID,
		Status:     domain.ProgressStatus(m.Status),
	}
}
