package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/pagemagic/meter/internal/interfaces/http/dto"
)

// MaxMetadataKeyLength bounds the length of a usage event metadata key
const MaxMetadataKeyLength = 64

var metadataKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// SetupValidator makes gin's validator report JSON field names and registers
// the metadata_key tag. Call once before serving.
func SetupValidator() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
	}
	v.RegisterTagNameFunc(jsonFieldName)
	return v.RegisterValidation("metadata_key", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		return len(key) <= MaxMetadataKeyLength && metadataKeyPattern.MatchString(key)
	})
}

func jsonFieldName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		name, _, _ = strings.Cut(fld.Tag.Get("form"), ",")
	}
	return name
}

// HandleValidationError answers 400 ERR_VALIDATION with one detail per invalid field
func HandleValidationError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, dto.NewValidationErrorResponse(
		"Request validation failed",
		RequestIDFromContext(c),
		validationDetails(err),
	))
}

func validationDetails(err error) []dto.ValidationDetail {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return nil
	}
	details := make([]dto.ValidationDetail, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, dto.ValidationDetail{Field: fe.Field(), Message: validationMessage(fe)})
	}
	return details
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "max":
		bound := "at least"
		if fe.Tag() == "max" {
			bound = "at most"
		}
		switch fe.Kind() {
		case reflect.String:
			return fmt.Sprintf("must be %s %s characters", bound, fe.Param())
		case reflect.Slice, reflect.Map:
			return fmt.Sprintf("must contain %s %s items", bound, fe.Param())
		default:
			return fmt.Sprintf("must be %s %s", bound, fe.Param())
		}
	case "uuid":
		return "must be a UUID"
	case "metadata_key":
		return fmt.Sprintf("metadata keys are 1-%d characters of letters, digits, '_', '.' or '-'", MaxMetadataKeyLength)
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "is invalid"
	}
}
