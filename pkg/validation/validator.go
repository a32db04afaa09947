package validation

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	validate *validator.Validate

	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,62}$`)
)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
}

// FailoverRequest is the body of a manual failover call.
type FailoverRequest struct {
	Target string `json:"target" validate:"required,identifier"`
}

// ForcedFailoverRequest is the body of a forced failover call.
type ForcedFailoverRequest struct {
	Target              string `json:"target" validate:"required,identifier"`
	AcknowledgeDataLoss bool   `json:"acknowledge_data_loss"`
}

// ResolveRequest settles a replica left RESOLVING by a timed-out transition.
type ResolveRequest struct {
	Role string `json:"role" validate:"required,oneof=SECONDARY OFFLINE"`
}

// NodeRequest registers a node with the membership service.
type NodeRequest struct {
	ID   string `json:"id" validate:"required,identifier"`
	Addr string `json:"addr" validate:"required,hostname_port"`
	Vote int    `json:"vote" validate:"oneof=0 1"`
}

// Struct validates v against its validate tags.
func Struct(v any) error {
	if v == nil {
		return errors.New("request cannot be nil")
	}
	return formatValidationError(validate.Struct(v))
}

// IsIdentifier reports whether s is a valid node, group or endpoint name.
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

func formatValidationError(err error) error {
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	for _, e := range validationErrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "identifier":
			return fmt.Errorf("%s: %q is not a valid identifier", field, e.Value())
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s]", field, e.Param())
		case "hostname_port":
			return fmt.Errorf("%s: must be host:port", field)
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}
	return err
}
