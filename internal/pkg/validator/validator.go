package validator

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// CustomValidator wraps the playground validator
type CustomValidator struct {
	validator *validator.Validate
}

// New creates a new custom validator
func New() *CustomValidator {
	v := validator.New()

	// Register custom validations
	_ = v.RegisterValidation("uuid4_strict", validateUUIDv4)
	_ = v.RegisterValidation("iso3166_1_alpha2", validateISO3166Alpha2)
	_ = v.RegisterValidation("screen_resolution", validateScreenResolution)

	return &CustomValidator{validator: v}
}

// Validate validates a struct
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// UUID v4 regex. Stricter than the stock uuid tag: version nibble must
// be 4 and the variant nibble one of 8, 9, a, b.
var uuidV4Regex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func validateUUIDv4(fl validator.FieldLevel) bool {
	return uuidV4Regex.MatchString(fl.Field().String())
}

// ISO 3166-1 Alpha-2 regex (2 uppercase letters)
var iso3166Regex = regexp.MustCompile(`^[A-Z]{2}$`)

func validateISO3166Alpha2(fl validator.FieldLevel) bool {
	return iso3166Regex.MatchString(fl.Field().String())
}

// Screen resolutions arrive as "1920x1080"
var screenResRegex = regexp.MustCompile(`^\d{2,5}x\d{2,5}$`)

func validateScreenResolution(fl validator.FieldLevel) bool {
	return screenResRegex.MatchString(fl.Field().String())
}
