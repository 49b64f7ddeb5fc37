// Package whatsapp builds click-to-chat booking links for the business
// WhatsApp number.
package whatsapp

import (
	"errors"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultNumber is used when no business number is configured.
const DefaultNumber = "917337243180"

// DefaultVehicleType is assumed when the request leaves it blank.
const DefaultVehicleType = "Car"

// ErrInvalidNumber reports a business number that is not all digits.
var ErrInvalidNumber = errors.New("whatsapp number must contain digits only")

// Request is the hand-off form.
type Request struct {
	Name         string `json:"name" validate:"required"`
	Phone        string `json:"phone" validate:"required"`
	VehicleType  string `json:"vehicleType"`
	Issue        string `json:"issue" validate:"required"`
	Location     string `json:"location" validate:"required"`
	ReferralCode string `json:"referralCode"`
}

// Builder renders links for one business number.
type Builder struct {
	number   string
	validate *validator.Validate
}

// NewBuilder validates number and returns a Builder. An empty number falls
// back to DefaultNumber.
func NewBuilder(number string) (*Builder, error) {
	number = strings.TrimPrefix(strings.TrimSpace(number), "+")
	if number == "" {
		number = DefaultNumber
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return nil, ErrInvalidNumber
		}
	}
	v := validator.New()
	v.RegisterTagNameFunc(jsonName)
	return &Builder{number: number, validate: v}, nil
}

// Link validates req and returns the wa.me URL carrying the prefilled message.
func (b *Builder) Link(req Request) (string, error) {
	req = trim(req)
	if err := b.validate.Struct(req); err != nil {
		return "", err
	}
	return "https://wa.me/" + b.number + "?text=" + escape(Message(req)), nil
}

// Message renders the prefilled text.
func Message(req Request) string {
	req = trim(req)
	if req.VehicleType == "" {
		req.VehicleType = DefaultVehicleType
	}
	var sb strings.Builder
	sb.WriteString("Hi QuickFix, I want to book a service!\n")
	sb.WriteString("Name: " + req.Name + "\n")
	sb.WriteString("Phone: " + req.Phone + "\n")
	sb.WriteString("Vehicle Type: " + req.VehicleType + "\n")
	sb.WriteString("Issue: " + req.Issue + "\n")
	sb.WriteString("Location: " + req.Location + "\n")
	if req.ReferralCode != "" {
		sb.WriteString("Referral Code: " + req.ReferralCode + "\n")
	}
	sb.WriteString("\nThank you!")
	return sb.String()
}

// escape percent-encodes text, using %20 for spaces.
func escape(text string) string {
	return strings.ReplaceAll(url.QueryEscape(text), "+", "%20")
}

func trim(req Request) Request {
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	req.VehicleType = strings.TrimSpace(req.VehicleType)
	req.Issue = strings.TrimSpace(req.Issue)
	req.Location = strings.TrimSpace(req.Location)
	req.ReferralCode = strings.TrimSpace(req.ReferralCode)
	return req
}

func jsonName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return fld.Name
	}
	return name
}

// FieldErrors flattens validator errors into field -> message.
func FieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = "is required"
	}
	return out
}
