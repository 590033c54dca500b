package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/psyho/psyho/pkg/auth"
	"github.com/psyho/psyho/pkg/db"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameRequired   = errors.New("the given username must be set")
	ErrUserExists         = errors.New("a user with that username already exists")
)

// UserService manages auth_user rows.
type UserService struct {
	db      *gorm.DB
	hashers *auth.Hashers
}

func NewUserService(gdb *gorm.DB, hashers *auth.Hashers) *UserService {
	if hashers == nil {
		hashers = auth.DefaultHashers()
	}
	return &UserService{db: gdb, hashers: hashers}
}

func (s *UserService) Hashers() *auth.Hashers { return s.hashers }

// CreateUser adds a regular user. An empty password stores an unusable one.
func (s *UserService) CreateUser(ctx context.Context, username, email, password string) (*db.User, error) {
	return s.create(ctx, &db.User{Username: username, Email: email, IsActive: true}, password)
}

// CreateSuperuser adds a user with staff and superuser rights.
func (s *UserService) CreateSuperuser(ctx context.Context, username, email, password string) (*db.User, error) {
	return s.create(ctx, &db.User{
		Username:    username,
		Email:       email,
		IsActive:    true,
		IsStaff:     true,
		IsSuperuser: true,
	}, password)
}

func (s *UserService) create(ctx context.Context, u *db.User, password string) (*db.User, error) {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" {
		return nil, ErrUsernameRequired
	}
	u.Email = normalizeEmail(u.Email)
	var n int64
	if err := s.db.WithContext(ctx).Model(&db.User{}).Where("username = ?", u.Username).Count(&n).Error; err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrUserExists
	}
	if err := s.setPassword(u, password); err != nil {
		return nil, err
	}
	u.DateJoined = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// normalizeEmail lower-cases the domain part.
func normalizeEmail(email string) string {
	local, domain, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok {
		return strings.TrimSpace(email)
	}
	return local + "@" + strings.ToLower(domain)
}

func (s *UserService) setPassword(u *db.User, password string) error {
	if password == "" {
		u.Password = auth.UnusablePassword()
		return nil
	}
	encoded, err := s.hashers.MakePassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.Password = encoded
	return nil
}

// SetPassword re-encodes and saves the user's password.
func (s *UserService) SetPassword(ctx context.Context, u *db.User, password string) error {
	if err := s.setPassword(u, password); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(u).Update("password", u.Password).Error
}

// Authenticate checks credentials for an active user. Unknown usernames
// still pay for one hash.
func (s *UserService) Authenticate(ctx context.Context, username, password string) (*db.User, error) {
	var u db.User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.hashers.RunDefault(password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	ok, upgrade := s.hashers.CheckPassword(password, u.Password)
	if !ok || !u.IsActive {
		return nil, ErrInvalidCredentials
	}
	if upgrade {
		if err := s.SetPassword(ctx, &u, password); err != nil {
			return nil, err
		}
	}
	return &u, nil
}

func (s *UserService) GetByID(ctx context.Context, id uint) (*db.User, error) {
	var u db.User
	err := s.db.WithContext(ctx).First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateLastLogin stamps the login time.
func (s *UserService) UpdateLastLogin(ctx context.Context, u *db.User) error {
	now := time.Now().UTC()
	u.LastLogin = &now
	return s.db.WithContext(ctx).Model(u).Update("last_login", now).Error
}
