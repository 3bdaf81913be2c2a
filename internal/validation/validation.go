// Package validation binds and checks request input for the escrowd API.
//
// Field rules live in struct tags and run through gin's go-playground
// validator. Register adds the escrow-specific tags:
//
//	entityid     surrogate or external user id
//	minoramount  positive amount in minor units, at most MaxAmount
//	txcode       human-readable transaction code (TX-XXXXXXXXXX)
package validation

import (
	"errors"
	"io"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// MaxRequestSize caps request bodies at 1MB.
const MaxRequestSize = 1 << 20

// MaxStringLength bounds free-text fields that have no tighter limit.
const MaxStringLength = 2000

// MaxAmount caps any single price or offer, in minor units.
const MaxAmount int64 = 1_000_000_000_00

var (
	idRegex   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-:.]{0,127}$`)
	codeRegex = regexp.MustCompile(`^TX-[A-Z0-9]{4,16}$`)
)

// IsValidID reports whether id is a plausible entity or user id.
func IsValidID(id string) bool { return idRegex.MatchString(id) }

// IsValidCode reports whether code is shaped like a transaction code.
func IsValidCode(code string) bool { return codeRegex.MatchString(code) }

var registerOnce sync.Once

// Register installs the custom tags and JSON field naming on gin's
// validator. It is idempotent; Bind calls it.
func Register() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			for _, tag := range []string{"json", "uri", "form"} {
				name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
				if name == "-" {
					return ""
				}
				if name != "" {
					return name
				}
			}
			return f.Name
		})
		_ = v.RegisterValidation("entityid", func(fl validator.FieldLevel) bool {
			return IsValidID(fl.Field().String())
		})
		_ = v.RegisterValidation("txcode", func(fl validator.FieldLevel) bool {
			return IsValidCode(fl.Field().String())
		})
		_ = v.RegisterValidation("minoramount", func(fl validator.FieldLevel) bool {
			n := fl.Field().Int()
			return n > 0 && n <= MaxAmount
		})
	})
}

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is the set of rejected fields in a request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "entityid":
		return "must be a valid id"
	case "txcode":
		return "must be a transaction code like TX-7KQ2M9XR4B"
	case "minoramount":
		return "must be a positive amount in minor units, at most 100000000000"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	default:
		return "is invalid"
	}
}

// translate maps a bind error to field errors. ok is false when err is not
// a validation failure (malformed JSON, wrong types).
func translate(err error) (Errors, bool) {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return nil, false
	}
	out := make(Errors, 0, len(ves))
	for _, fe := range ves {
		out = append(out, FieldError{Field: fe.Field(), Message: message(fe)})
	}
	return out, true
}

// Bind decodes the JSON body into dst and validates it. On failure it
// writes a 400 and returns false. An empty body is accepted when
// optionalBody is set, leaving dst at its zero value.
func Bind(c *gin.Context, dst any, optionalBody bool) bool {
	Register()
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}
	if optionalBody && errors.Is(err, io.EOF) {
		if err := binding.Validator.ValidateStruct(dst); err != nil {
			return reject(c, err)
		}
		return true
	}
	return reject(c, err)
}

// BindURI validates path parameters into dst.
func BindURI(c *gin.Context, dst any) bool {
	Register()
	if err := c.ShouldBindUri(dst); err != nil {
		return reject(c, err)
	}
	return true
}

func reject(c *gin.Context, err error) bool {
	if fields, ok := translate(err); ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": fields.Error(),
			"details": fields,
		})
		return false
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "request_too_large",
			"message": "request body exceeds 1MB",
		})
		return false
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "request body must be valid JSON",
	})
	return false
}

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IDParamMiddleware rejects a malformed :id path parameter before any
// handler runs.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id contains invalid characters",
			})
			return
		}
		c.Next()
	}
}

// SanitizeString trims s, strips NUL bytes and control characters other
// than newline and tab, and truncates to maxLen runes.
func SanitizeString(s string, maxLen int) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
	return strings.TrimSpace(s)
}
