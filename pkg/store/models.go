package store

import (
	"time"

	"gorm.io/datatypes"
	"pingai/pkg/domain"
)

// GORM models. Table names match the provider REST paths.
type CustomerModel struct {
	ID        string    `gorm:"primaryKey"`
	Email     string    `gorm:"uniqueIndex;not null"`
	Role      string    `gorm:"not null"`
	Status    string    `gorm:"not null;default:active"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (CustomerModel) TableName() string { return domain.TableCustomers }

type InvitationModel struct {
	ID        string    `gorm:"primaryKey"`
	Email     string    `gorm:"not null;index"`
	Status    string    `gorm:"not null;index"`
	InvitedBy string    `gorm:"index"`
	UserID    *string   `gorm:"index"`
	CreatedAt time.Time `gorm:"not null;index"`

	User *CustomerModel `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:SET NULL"`
}

func (InvitationModel) TableName() string { return domain.TableInvitations }

type MagicLinkModel struct {
	ID        string         `gorm:"primaryKey"`
	Email     string         `gorm:"not null;index"`
	Status    string         `gorm:"not null"`
	Metadata  datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index"`
	ExpiresAt time.Time      `gorm:"not null"`
}

func (MagicLinkModel) TableName() string { return "magic_links" }

// magicLinkMetadata is the shape stored in MagicLinkModel.Metadata.
type magicLinkMetadata struct {
	RedirectTo string `json:"redirect_to,omitempty"`
	IssuedBy   string `json:"issued_by,omitempty"`
	Delivery   string `json:"delivery,omitempty"`
}
