// Database models owned by the framework apps (auth, sessions,
// contenttypes, admin).
package db

import "time"

// User is an account that can sign in to the admin site.
type User struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	Username    string     `json:"username" gorm:"uniqueIndex;size:150;not null"`
	Email       string     `json:"email" gorm:"size:254"`
	Password    string     `json:"-" gorm:"size:128;not null"` // encoded hash, see pkg/auth
	FirstName   string     `json:"first_name" gorm:"size:150"`
	LastName    string     `json:"last_name" gorm:"size:150"`
	IsStaff     bool       `json:"is_staff" gorm:"default:false"`
	IsSuperuser bool       `json:"is_superuser" gorm:"default:false"`
	IsActive    bool       `json:"is_active" gorm:"not null"`
	DateJoined  time.Time  `json:"date_joined"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
}

func (User) TableName() string {
	return "auth_user"
}

// Session is a server-side session row. SessionData is signed and encoded
// by pkg/session.
type Session struct {
	SessionKey  string    `json:"session_key" gorm:"primaryKey;size:40"`
	SessionData string    `json:"session_data" gorm:"type:text;not null"`
	ExpireDate  time.Time `json:"expire_date" gorm:"index;not null"`
}

func (Session) TableName() string {
	return "session"
}

// ContentType identifies a model by app label and model name.
type ContentType struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	AppLabel string `json:"app_label" gorm:"size:100;not null;uniqueIndex:idx_content_type_app_model"`
	Model    string `json:"model" gorm:"size:100;not null;uniqueIndex:idx_content_type_app_model"`
}

func (ContentType) TableName() string {
	return "content_type"
}

// Admin log action flags
const (
	ActionAddition = 1
	ActionChange   = 2
	ActionDeletion = 3
)

// LogEntry records a change made through the admin site.
type LogEntry struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	ActionTime    time.Time `json:"action_time" gorm:"index;not null"`
	UserID        uint      `json:"user_id" gorm:"index;not null"`
	ContentTypeID *uint     `json:"content_type_id,omitempty" gorm:"index"`
	ObjectID      string    `json:"object_id" gorm:"type:text"`
	ObjectRepr    string    `json:"object_repr" gorm:"size:200"`
	ActionFlag    int       `json:"action_flag" gorm:"not null"`
	ChangeMessage string    `json:"change_message" gorm:"type:text"`
}

func (LogEntry) TableName() string {
	return "admin_log"
}
