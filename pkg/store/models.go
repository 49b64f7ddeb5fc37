package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null"`
	Status       string
	Metadata     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time
}

type BookingModel struct {
	ID           string    `gorm:"primaryKey"`
	UserID       string    `gorm:"not null;index"`
	Name         string    `gorm:"not null"`
	Email        string    `gorm:"not null"`
	Phone        string    `gorm:"not null"`
	VehicleMake  string    `gorm:"not null"`
	VehicleModel string    `gorm:"not null"`
	VehicleYear  int       `gorm:"not null"`
	ServiceType  string    `gorm:"not null"`
	BookingDate  time.Time `gorm:"type:date;not null;index"`
	Address      string    `gorm:"not null"`
	Area         string    `gorm:"not null"`
	ServiceMode  string    `gorm:"not null"`
	Description  *string
	Status       string    `gorm:"not null;default:pending"`
	CreatedAt    time.Time `gorm:"not null"`
}

type ProfileModel struct {
	ID          string `gorm:"primaryKey"`
	FirstName   string
	LastName    string
	PhoneNumber string
	UpdatedAt   time.Time `gorm:"not null"`
}
