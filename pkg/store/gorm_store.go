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
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"pingai/pkg/domain"
)

const (
	migrateLockID       int64 = 73217321
	firstCustomerLockID int64 = 73217322
)

// GormStore implements Store on Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock so
// concurrent replicas do not race on DDL.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&CustomerModel{}, &InvitationModel{}, &MagicLinkModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
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

// CreateCustomer inserts a customer. The first customer ever created is the
// admin; the count and insert share a transaction-scoped advisory lock.
func (s *GormStore) CreateCustomer(ctx context.Context, email string) (domain.User, error) {
	email = normalizeEmail(email)
	var created CustomerModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", firstCustomerLockID).Error; err != nil {
			return fmt.Errorf("lock customers: %w", err)
		}
		var existing int64
		if err := tx.Model(&CustomerModel{}).Where("email = ?", email).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrConflict
		}
		var total int64
		if err := tx.Model(&CustomerModel{}).Count(&total).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		created = CustomerModel{
			ID:        uuid.NewString(),
			Email:     email,
			Role:      string(roleForNth(total)),
			Status:    string(domain.StatusActive),
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return domain.User{}, err
	}
	return customerFromModel(created), nil
}

func (s *GormStore) GetCustomerByID(ctx context.Context, id string) (domain.User, bool, error) {
	return s.firstCustomer(ctx, "id = ?", id)
}

func (s *GormStore) GetCustomerByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	return s.firstCustomer(ctx, "email = ?", normalizeEmail(email))
}

func (s *GormStore) firstCustomer(ctx context.Context, query string, arg any) (domain.User, bool, error) {
	var model CustomerModel
	if err := s.db.WithContext(ctx).Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return customerFromModel(model), true, nil
}

func (s *GormStore) UpdateCustomer(ctx context.Context, id string, patch CustomerPatch) (domain.User, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Role != nil {
		updates["role"] = string(*patch.Role)
	}
	if patch.Status != nil {
		updates["status"] = string(*patch.Status)
	}
	var model CustomerModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&CustomerModel{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.First(&model, "id = ?", id).Error
	})
	if err != nil {
		return domain.User{}, err
	}
	return customerFromModel(model), nil
}

func (s *GormStore) CreateInvitation(ctx context.Context, email, invitedBy string) (domain.Invitation, error) {
	model := InvitationModel{
		ID:        uuid.NewString(),
		Email:     normalizeEmail(email),
		Status:    string(domain.InvitationPending),
		InvitedBy: invitedBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&model).Error; err != nil {
		return domain.Invitation{}, err
	}
	return invitationFromModel(model), nil
}

func (s *GormStore) GetInvitation(ctx context.Context, id string) (domain.Invitation, bool, error) {
	var model InvitationModel
	if err := s.db.WithContext(ctx).Preload("User").First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Invitation{}, false, nil
		}
		return domain.Invitation{}, false, err
	}
	return invitationFromModel(model), true, nil
}

// ListInvitations returns newest first with the joined customer.
func (s *GormStore) ListInvitations(ctx context.Context) ([]domain.Invitation, error) {
	var models []InvitationModel
	if err := s.db.WithContext(ctx).Preload("User").Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Invitation, 0, len(models))
	for _, m := range models {
		res = append(res, invitationFromModel(m))
	}
	return res, nil
}

// ActivateInvitations moves every pending invitation for email to active and
// links it to userID. Active invitations are never touched.
func (s *GormStore) ActivateInvitations(ctx context.Context, email, userID string) ([]domain.Invitation, error) {
	var models []InvitationModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("email = ? AND status = ?", normalizeEmail(email), string(domain.InvitationPending)).
			Find(&models).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		ids := make([]string, 0, len(models))
		for _, m := range models {
			ids = append(ids, m.ID)
		}
		if err := tx.Model(&InvitationModel{}).Where("id IN ?", ids).Updates(map[string]any{
			"status":  string(domain.InvitationActive),
			"user_id": userID,
		}).Error; err != nil {
			return err
		}
		return tx.Preload("User").Where("id IN ?", ids).Order("created_at DESC").Find(&models).Error
	})
	if err != nil {
		return nil, err
	}
	res := make([]domain.Invitation, 0, len(models))
	for _, m := range models {
		res = append(res, invitationFromModel(m))
	}
	return res, nil
}

func (s *GormStore) SaveMagicLink(ctx context.Context, link domain.MagicLink) error {
	model, err := magicLinkToModel(link)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "metadata", "expires_at"}),
	}).Create(&model).Error
}

func (s *GormStore) GetMagicLink(ctx context.Context, id string) (domain.MagicLink, bool, error) {
	var model MagicLinkModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.MagicLink{}, false, nil
		}
		return domain.MagicLink{}, false, err
	}
	return magicLinkFromModel(model), true, nil
}

func (s *GormStore) SetMagicLinkStatus(ctx context.Context, id string, status domain.MagicLinkStatus) error {
	res := s.db.WithContext(ctx).Model(&MagicLinkModel{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func roleForNth(existing int64) domain.UserRole {
	if existing == 0 {
		return domain.RoleAdmin
	}
	return domain.RoleUser
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func customerFromModel(m CustomerModel) domain.User {
	return domain.User{
		ID:        m.ID,
		Email:     m.Email,
		Role:      domain.UserRole(m.Role),
		Status:    domain.UserStatus(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func invitationFromModel(m InvitationModel) domain.Invitation {
	inv := domain.Invitation{
		ID:        m.ID,
		Email:     m.Email,
		Status:    domain.InvitationStatus(m.Status),
		InvitedBy: m.InvitedBy,
		UserID:    m.UserID,
		CreatedAt: m.CreatedAt,
	}
	if m.User != nil {
		inv.User = &domain.InvitedUser{Email: m.User.Email, Role: domain.UserRole(m.User.Role)}
	}
	return inv
}

func magicLinkToModel(link domain.MagicLink) (MagicLinkModel, error) {
	meta, err := json.Marshal(magicLinkMetadata{
		RedirectTo: link.RedirectTo,
		IssuedBy:   link.IssuedBy,
		Delivery:   link.Delivery,
	})
	if err != nil {
		return MagicLinkModel{}, fmt.Errorf("marshal magic link metadata: %w", err)
	}
	return MagicLinkModel{
		ID:        link.ID,
		Email:     normalizeEmail(link.Email),
		Status:    string(link.Status),
		Metadata:  datatypes.JSON(meta),
		CreatedAt: link.CreatedAt,
		ExpiresAt: link.ExpiresAt,
	}, nil
}

func magicLinkFromModel(m MagicLinkModel) domain.MagicLink {
	var meta magicLinkMetadata
	_ = json.Unmarshal(m.Metadata, &meta)
	return domain.MagicLink{
		ID:         m.ID,
		Email:      m.Email,
		Status:     domain.MagicLinkStatus(m.Status),
		RedirectTo: meta.RedirectTo,
		IssuedBy:   meta.IssuedBy,
		Delivery:   meta.Delivery,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.ExpiresAt,
	}
}
