package service

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/psyho/psyho/pkg/apps"
	"github.com/psyho/psyho/pkg/db"
)

// ContentTypeService maps (app_label, model) pairs to content_type rows.
// Rows are cached for the process lifetime.
type ContentTypeService struct {
	db    *gorm.DB
	mu    sync.RWMutex
	cache map[[2]string]*db.ContentType
}

func NewContentTypeService(gdb *gorm.DB) *ContentTypeService {
	return &ContentTypeService{db: gdb, cache: map[[2]string]*db.ContentType{}}
}

// Get returns the content type for appLabel.model, creating it if needed.
func (s *ContentTypeService) Get(ctx context.Context, appLabel, model string) (*db.ContentType, error) {
	k := [2]string{appLabel, model}
	s.mu.RLock()
	ct, ok := s.cache[k]
	s.mu.RUnlock()
	if ok {
		return ct, nil
	}

	ct = &db.ContentType{AppLabel: appLabel, Model: model}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(ct).Error
	if err != nil {
		return nil, fmt.Errorf("create content type %s.%s: %w", appLabel, model, err)
	}
	if ct.ID == 0 {
		if err := s.db.WithContext(ctx).
			Where("app_label = ? AND model = ?", appLabel, model).
			First(ct).Error; err != nil {
			return nil, fmt.Errorf("load content type %s.%s: %w", appLabel, model, err)
		}
	}
	s.mu.Lock()
	s.cache[k] = ct
	s.mu.Unlock()
	return ct, nil
}

// Sync makes sure every installed model has a content type row and
// returns how many rows were created.
func (s *ContentTypeService) Sync(ctx context.Context, installed []*apps.App) (int, error) {
	var existing []db.ContentType
	if err := s.db.WithContext(ctx).Find(&existing).Error; err != nil {
		return 0, fmt.Errorf("list content types: %w", err)
	}
	have := make(map[[2]string]bool, len(existing))
	for _, ct := range existing {
		have[[2]string{ct.AppLabel, ct.Model}] = true
	}
	created := 0
	for _, a := range installed {
		for _, model := range a.ModelNames() {
			if have[[2]string{a.Label, model}] {
				continue
			}
			if _, err := s.Get(ctx, a.Label, model); err != nil {
				return created, err
			}
			created++
		}
	}
	return created, nil
}
