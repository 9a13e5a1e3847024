package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Table and column names match the
// relational schema shared with existing deployments.
type UserModel struct {
	ID       string          `gorm:"primaryKey"`
	Name     string          `gorm:"not null"`
	Email    string          `gorm:"uniqueIndex;not null"`
	Role     string          `gorm:"not null"`
	Avatar   string          `gorm:"not null"`
	Comments []CommentModel  `gorm:"foreignKey:UserID"`
	Progress []ProgressModel `gorm:"foreignKey:UserID"`
}

func (UserModel) TableName() string { return "users" }

type TopicModel struct {
	ID        string          `gorm:"primaryKey"`
	Title     string          `gorm:"not null"`
	Icon      string          `gorm:"not null"`
	IsDeleted bool            `gorm:"column:isdeleted;not null"`
	Subtopics []SubtopicModel `gorm:"foreignKey:TopicID;constraint:OnDelete:CASCADE"`
}

func (TopicModel) TableName() string { return "topics" }

type SubtopicModel struct {
	ID            string          `gorm:"primaryKey"`
	TopicID       string          `gorm:"column:topicid;not null;index:idx_subtopics_topicid"`
	Title         string          `gorm:"not null"`
	Resources     string          `gorm:"type:text;not null"`
	ResourceLinks datatypes.JSON  `gorm:"column:resourcelinks;type:text"`
	SortOrder     int             `gorm:"column:sortorder;not null"`
	Comments      []CommentModel  `gorm:"foreignKey:SubtopicID;constraint:OnDelete:CASCADE"`
	Progress      []ProgressModel `gorm:"foreignKey:SubtopicID;constraint:OnDelete:CASCADE"`
}

func (SubtopicModel) TableName() string { return "subtopics" }

type CommentModel struct {
	ID         string    `gorm:"primaryKey"`
	SubtopicID string    `gorm:"column:subtopicid;not null;index:idx_comments_subtopicid"`
	UserID     string    `gorm:"column:userid;not null"`
	Text       string    `gorm:"type:text"`
	ImageURL   string    `gorm:"column:imageurl"`
	DrawingURL string    `gorm:"column:drawingurl"`
	Timestamp  time.Time `gorm:"column:timestamp;not null"`
}

func (CommentModel) TableName() string { return "comments" }

type ProgressModel struct {
	UserID     string `gorm:"column:userid;primaryKey;index:idx_progress_userid"`
	SubtopicID string `gorm:"column:subtopicid;primaryKey"`
	Status     string `gorm:"not null"`
}

func (ProgressModel) TableName() string { return "progress" }
