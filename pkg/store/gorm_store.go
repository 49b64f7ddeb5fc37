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
	"quickfix/pkg/domain"
)

const migrateLockID int64 = 51700531

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
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
		if err := tx.AutoMigrate(&UserModel{}, &BookingModel{}, &ProfileModel{}); err != nil {
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

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, p domain.Principal) error {
	model, err := userToModel(p)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "password_hash", "role", "status", "metadata", "updated_at"}),
	}).Create(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.Principal, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Principal{}, false, nil
		}
		return domain.Principal{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.Principal, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Principal{}, false, nil
		}
		return domain.Principal{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns every user, newest first.
func (s *GormStore) ListUsers(ctx context.Context) ([]domain.Principal, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("created_at desc").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Principal, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// UserCount returns the number of users.
func (s *GormStore) UserCount(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// InsertBooking stores a new booking with a generated id.
func (s *GormStore) InsertBooking(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	if strings.TrimSpace(b.OwnerID) == "" {
		return domain.Booking{}, ErrOwnerRequired
	}
	b.ID = uuid.NewString()
	b.CreatedAt = time.Now().UTC()
	model, err := bookingToModel(b)
	if err != nil {
		return domain.Booking{}, err
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Booking{}, err
	}
	return bookingFromModel(model), nil
}

// ListBookings lists bookings, optionally for one owner.
func (s *GormStore) ListBookings(ctx context.Context, q BookingQuery) ([]domain.Booking, error) {
	if q.OwnerID != "" {
		return s.listBookings(ctx, "booking_date desc, created_at desc", "user_id = ?", q.OwnerID)
	}
	return s.listBookings(ctx, "booking_date desc, created_at desc")
}

func (s *GormStore) listBookings(ctx context.Context, order string, conds ...any) ([]domain.Booking, error) {
	var models []BookingModel
	tx := s.db.WithContext(ctx).Order(order)
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Booking, 0, len(models))
	for _, m := range models {
		res = append(res, bookingFromModel(m))
	}
	return res, nil
}

// GetBooking returns a booking by ID.
func (s *GormStore) GetBooking(ctx context.Context, id string) (domain.Booking, bool, error) {
	var model BookingModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Booking{}, false, nil
		}
		return domain.Booking{}, false, err
	}
	return bookingFromModel(model), true, nil
}

// DeleteBooking removes a booking, scoped to ownerID when set.
func (s *GormStore) DeleteBooking(ctx context.Context, id, ownerID string) error {
	tx := s.db.WithContext(ctx).Where("id = ?", id)
	if ownerID != "" {
		tx = tx.Where("user_id = ?", ownerID)
	}
	res := tx.Delete(&BookingModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBookingNotFound
	}
	return nil
}

// SetBookingStatus overwrites the status of a booking.
func (s *GormStore) SetBookingStatus(ctx context.Context, id string, status domain.BookingStatus) (domain.Booking, error) {
	res := s.db.WithContext(ctx).Model(&BookingModel{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return domain.Booking{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Booking{}, ErrBookingNotFound
	}
	b, ok, err := s.GetBooking(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if !ok {
		return domain.Booking{}, ErrBookingNotFound
	}
	return b, nil
}

// UpsertProfile inserts the profile or overwrites the existing row.
func (s *GormStore) UpsertProfile(ctx context.Context, p domain.Profile) error {
	model := profileToModel(p)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"first_name", "last_name", "phone_number", "updated_at"}),
	}).Create(&model).Error
}

// GetProfile returns a profile by principal ID.
func (s *GormStore) GetProfile(ctx context.Context, id string) (domain.Profile, bool, error) {
	var model ProfileModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Profile{}, false, nil
		}
		return domain.Profile{}, false, err
	}
	return profileFromModel(model), true, nil
}

func userToModel(p domain.Principal) (UserModel, error) {
	var meta datatypes.JSON
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return UserModel{}, fmt.Errorf("marshal metadata: %w", err)
		}
		meta = datatypes.JSON(raw)
	}
	return UserModel{
		ID:           p.ID,
		Email:        p.Email,
		PasswordHash: p.PasswordHash,
		Role:         string(p.Role),
		Status:       string(p.Status),
		Metadata:     meta,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}, nil
}

func userFromModel(m UserModel) domain.Principal {
	status := domain.UserStatus(m.Status)
	if status == "" {
		status = domain.StatusActive
	}
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.Principal{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		Status:       status,
		Metadata:     meta,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func bookingToModel(b domain.Booking) (BookingModel, error) {
	date, err := time.Parse(domain.DateLayout, b.BookingDate)
	if err != nil {
		return BookingModel{}, fmt.Errorf("parse booking date: %w", err)
	}
	var desc *string
	if strings.TrimSpace(b.Description) != "" {
		d := b.Description
		desc = &d
	}
	status := b.Status
	if status == "" {
		status = domain.BookingPending
	}
	return BookingModel{
		ID:           b.ID,
		UserID:       b.OwnerID,
		Name:         b.Name,
		Email:        b.Email,
		Phone:        b.Phone,
		VehicleMake:  b.VehicleMake,
		VehicleModel: b.VehicleModel,
		VehicleYear:  b.VehicleYear,
		ServiceType:  b.ServiceType,
		BookingDate:  date,
		Address:      b.Address,
		Area:         b.Area,
		ServiceMode:  string(b.ServiceMode),
		Description:  desc,
		Status:       string(status),
		CreatedAt:    b.CreatedAt,
	}, nil
}

func bookingFromModel(m BookingModel) domain.Booking {
	var desc string
	if m.Description != nil {
		desc = *m.Description
	}
	return domain.Booking{
		ID:           m.ID,
		OwnerID:      m.UserID,
		Name:         m.Name,
		Email:        m.Email,
		Phone:        m.Phone,
		VehicleMake:  m.VehicleMake,
		VehicleModel: m.VehicleModel,
		VehicleYear:  m.VehicleYear,
		ServiceType:  m.ServiceType,
		BookingDate:  m.BookingDate.Format(domain.DateLayout),
		Address:      m.Address,
		Area:         m.Area,
		ServiceMode:  domain.ServiceMode(m.ServiceMode),
		Description:  desc,
		Status:       domain.BookingStatus(m.Status),
		CreatedAt:    m.CreatedAt,
	}
}

func profileToModel(p domain.Profile) ProfileModel {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return ProfileModel{
		ID:          p.ID,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		PhoneNumber: p.PhoneNumber,
		UpdatedAt:   updated,
	}
}

func profileFromModel(m ProfileModel) domain.Profile {
	return domain.Profile{
		ID:          m.ID,
		FirstName:   m.FirstName,
		LastName:    m.LastName,
		PhoneNumber: m.PhoneNumber,
		UpdatedAt:   m.UpdatedAt,
	}
}
