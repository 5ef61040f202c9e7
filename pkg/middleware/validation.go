package middleware

import (
	stderrors "errors"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/tulemar/ordersync/pkg/errors"
)

// identPattern matches order, item and actor ids
var identPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

var fieldMessages = map[string]func(param string) string{
	"required": func(string) string { return "is required" },
	"min":      func(p string) string { return "must be at least " + p },
	"max":      func(p string) string { return "must be at most " + p },
	"gte":      func(p string) string { return "must be greater than or equal to " + p },
	"oneof":    func(p string) string { return "must be one of: " + p },
	"ident":    func(string) string { return "must be an identifier of letters, digits and ._:-" },
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// InitValidator configures both the standalone validator and gin's binding
// engine with the ident tag and json field names
func InitValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		configure(validate)
		if engine, ok := binding.Validator.Engine().(*validator.Validate); ok {
			configure(engine)
		}
	})
	return validate
}

func configure(v *validator.Validate) {
	_ = v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return identPattern.MatchString(fl.Field().String())
	})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
}

// fieldErrors turns validator output into field -> message, or nil when
// err is some other failure
func fieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return nil
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg := "is invalid"
		if format, ok := fieldMessages[fe.Tag()]; ok {
			msg = format(fe.Param())
		}
		fields[fe.Field()] = msg
	}
	return fields
}

// BindAndValidate decodes the JSON body into obj and runs its validate tags
func BindAndValidate(c *gin.Context, obj any) *errors.AppError {
	InitValidator()
	if err := c.ShouldBindJSON(obj); err != nil {
		if fields := fieldErrors(err); fields != nil {
			return errors.ErrValidationWithFields("validation failed", fields)
		}
		return errors.ErrBadRequest("invalid request body: " + err.Error())
	}
	return nil
}

// ValidateStruct runs obj's validate tags outside a request
func ValidateStruct(obj any) *errors.AppError {
	if err := InitValidator().Struct(obj); err != nil {
		if fields := fieldErrors(err); fields != nil {
			return errors.ErrValidationWithFields("validation failed", fields)
		}
		return errors.ErrBadRequest("validation failed: " + err.Error())
	}
	return nil
}
