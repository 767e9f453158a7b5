// Package projects is the minimal project store builds read from and save to.
package projects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound means no live project has the given id
var ErrNotFound = errors.New("project not found")

// Project is a user's workspace. Code holds the latest generated output.
type Project struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	OwnerID     uint   `json:"owner_id" gorm:"not null;index"`
	Name        string `json:"name" gorm:"size:200;not null"`
	Description string `json:"description"`
	Code        string `json:"code,omitempty" gorm:"type:text"`
}

// Store persists projects with gorm
type Store struct {
	db *gorm.DB
}

// NewStore creates a project store
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the projects table for drivers without SQL migrations
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Project{})
}

// Create inserts a project owned by ownerID
func (s *Store) Create(ctx context.Context, ownerID uint, name, description string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("project name is required")
	}
	p := &Project{OwnerID: ownerID, Name: name, Description: strings.TrimSpace(description)}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return p, nil
}

// Get loads a project by id
func (s *Store) Get(ctx context.Context, id uint) (*Project, error) {
	var p Project
	err := s.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return &p, nil
}

// ListByOwner returns the owner's projects, most recently updated first
func (s *Store) ListByOwner(ctx context.Context, ownerID uint) ([]Project, error) {
	var out []Project
	err := s.db.WithContext(ctx).
		Select("id", "created_at", "updated_at", "owner_id", "name", "description").
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return out, nil
}

// ProjectCode returns the code saved on a project
func (s *Store) ProjectCode(ctx context.Context, id uint) (string, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Code, nil
}

// SaveCode replaces the code saved on a project
func (s *Store) SaveCode(ctx context.Context, id uint, code string) error {
	res := s.db.WithContext(ctx).Model(&Project{}).Where("id = ?", id).
		Updates(map[string]interface{}{"code": code, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("failed to save project code: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a project
func (s *Store) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&Project{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete project: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
