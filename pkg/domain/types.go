package domain

import "time"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

// Metadata keys carried on a principal.
const (
	MetaFirstName = "first_name"
	MetaLastName  = "last_name"
	MetaPhone     = "phone"
)

// Principal is an authenticated identity that can own bookings.
type Principal struct {
	ID           string            `json:"id"`
	Email        string            `json:"email"`
	PasswordHash string            `json:"-"`
	Role         UserRole          `json:"role"`
	Status       UserStatus        `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// DisplayName returns the first name from metadata, or "User".
func (p Principal) DisplayName() string {
	if name := p.Metadata[MetaFirstName]; name != "" {
		return name
	}
	return "User"
}

// IsOperator reports whether the principal may see every booking.
func (p Principal) IsOperator() bool {
	return p.Role == RoleAdmin
}

// SessionEventKind names an identity session transition.
type SessionEventKind string

const (
	SessionSignedIn         SessionEventKind = "SIGNED_IN"
	SessionSignedOut        SessionEventKind = "SIGNED_OUT"
	SessionTokenRefreshed   SessionEventKind = "TOKEN_REFRESHED"
	SessionUserUpdated      SessionEventKind = "USER_UPDATED"
	SessionPasswordRecovery SessionEventKind = "PASSWORD_RECOVERY"
)

// SessionChange is the payload of an identity session event.
type SessionChange struct {
	Kind      SessionEventKind `json:"kind"`
	Principal Principal        `json:"principal"`
	At        time.Time        `json:"at"`
}

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// Valid reports whether s is one of the known booking statuses.
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingPending, BookingCompleted, BookingCancelled:
		return true
	}
	return false
}

type ServiceMode string

const (
	ModeOnsite ServiceMode = "onsite"
	ModePickup ServiceMode = "pickup"
)

// DateLayout is the wire format of booking dates.
const DateLayout = "2006-01-02"

// Booking is a persisted request for a repair or maintenance visit.
type Booking struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"userId"`
	Name         string        `json:"name"`
	Email        string        `json:"email"`
	Phone        string        `json:"phone"`
	VehicleMake  string        `json:"vehicleMake"`
	VehicleModel string        `json:"vehicleModel"`
	VehicleYear  int           `json:"vehicleYear"`
	ServiceType  string        `json:"serviceType"`
	BookingDate  string        `json:"bookingDate"`
	Address      string        `json:"address"`
	Area         string        `json:"area"`
	ServiceMode  ServiceMode   `json:"serviceOption"`
	Description  string        `json:"description,omitempty"`
	Status       BookingStatus `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// BookingForm is the raw submission payload. Status is accepted on the wire
// but never trusted.
type BookingForm struct {
	Name         string `json:"name" validate:"required,min=2"`
	Email        string `json:"email" validate:"required,email"`
	Phone        string `json:"phone" validate:"required,phonedigits"`
	ServiceType  string `json:"serviceType" validate:"required"`
	VehicleMake  string `json:"vehicleMake" validate:"required"`
	VehicleModel string `json:"vehicleModel" validate:"required"`
	VehicleYear  int    `json:"vehicleYear" validate:"gte=1900,lte=2100"`
	Date         string `json:"date" validate:"required,bookingdate"`
	Address      string `json:"address" validate:"required,min=5"`
	Area         string `json:"area" validate:"required"`
	ServiceMode  string `json:"serviceOption" validate:"required,oneof=onsite pickup"`
	Description  string `json:"description" validate:"max=1000"`
	Status       string `json:"status,omitempty"`
}

// Profile is the denormalized contact cache keyed by principal id.
type Profile struct {
	ID          string    `json:"id"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	PhoneNumber string    `json:"phoneNumber"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type MessageRole string

const (
	RoleUserMessage      MessageRole = "user"
	RoleAssistantMessage MessageRole = "assistant"
	RoleSystemMessage    MessageRole = "system"
)

// Message is one chat turn.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// ChatReply is the typed result of one generative-text call.
type ChatReply struct {
	Text     string `json:"text"`
	Fallback bool   `json:"fallback"`
}

// ServiceTypes lists the advertised service catalog. Free text is also accepted.
var ServiceTypes = []string{
	"Battery Jump Start",
	"Oil Change",
	"Tire Replacement",
	"Brake Repair",
	"Engine Diagnostics",
	"General Maintenance",
	"Emergency Roadside Assistance",
	"Other",
}

// ServiceAreas lists the advertised service areas.
var ServiceAreas = []string{
	"Hitech City",
	"Gachibowli",
	"Kukatpally",
	"Madhapur",
	"Jubilee Hills",
	"Banjara Hills",
	"Secunderabad",
	"Begumpet",
	"Ameerpet",
	"KPHB",
	"Kondapur",
	"Other",
}
