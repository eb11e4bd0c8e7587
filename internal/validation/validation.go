package validation

import (
	_ "embed"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/parameters.json
var parametersSchema string

// NewValidator returns the struct validator used for task configs. Field names
// in the errors are the JSON names.
func NewValidator() (*validator.Validate, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return validate, nil
}

// Describe flattens validator errors into one readable line.
func Describe(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}
	parts := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		// drop the top level struct name
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// ParameterSchema checks a parameter document before it is decoded.
type ParameterSchema struct {
	schema *gojsonschema.Schema
}

func NewParameterSchema() (*ParameterSchema, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(parametersSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid parameter schema: %w", err)
	}
	return &ParameterSchema{schema: schema}, nil
}

// Validate returns nil or an error listing every schema violation.
func (s *ParameterSchema) Validate(document []byte) error {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	parts := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		parts = append(parts, e.String())
	}
	return errors.New(strings.Join(parts, "; "))
}
