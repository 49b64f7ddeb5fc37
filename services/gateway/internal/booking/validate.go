package booking

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"

	"quickfix/pkg/domain"
)

const minPhoneDigits = 10

// newValidator registers the booking-specific tags. today reports the
// current calendar day in the business time zone.
func newValidator(today func() time.Time) *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("phonedigits", func(fl validator.FieldLevel) bool {
		return countDigits(fl.Field().String()) >= minPhoneDigits
	})
	_ = v.RegisterValidation("bookingdate", func(fl validator.FieldLevel) bool {
		return dateInWindow(fl.Field().String(), today())
	})
	return v
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// dateInWindow accepts dates from today up to one calendar month ahead.
func dateInWindow(raw string, today time.Time) bool {
	d, err := time.ParseInLocation(domain.DateLayout, strings.TrimSpace(raw), today.Location())
	if err != nil {
		return false
	}
	return !d.Before(today) && !d.After(today.AddDate(0, 1, 0))
}

// normalizeForm trims every text field so whitespace cannot satisfy required.
func normalizeForm(f domain.BookingForm) domain.BookingForm {
	f.Name = strings.TrimSpace(f.Name)
	f.Email = strings.TrimSpace(f.Email)
	f.Phone = strings.TrimSpace(f.Phone)
	f.ServiceType = strings.TrimSpace(f.ServiceType)
	f.VehicleMake = strings.TrimSpace(f.VehicleMake)
	f.VehicleModel = strings.TrimSpace(f.VehicleModel)
	f.Date = strings.TrimSpace(f.Date)
	f.Address = strings.TrimSpace(f.Address)
	f.Area = strings.TrimSpace(f.Area)
	f.ServiceMode = strings.ToLower(strings.TrimSpace(f.ServiceMode))
	f.Description = strings.TrimSpace(f.Description)
	return f
}

func validateForm(v *validator.Validate, f domain.BookingForm) error {
	err := v.Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		if _, seen := fields[fe.Field()]; seen {
			continue
		}
		fields[fe.Field()] = fieldMessage(fe)
	}
	return &ValidationError{Fields: fields}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "email":
		return "must be a valid email address"
	case "phonedigits":
		return fmt.Sprintf("must contain at least %d digits", minPhoneDigits)
	case "gte", "lte":
		return "must be between 1900 and 2100"
	case "bookingdate":
		return "must be between today and one month from today"
	case "oneof":
		return "must be onsite or pickup"
	default:
		return "is invalid"
	}
}
