package stepkind

import (
	"errors"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/fleetyard/crewflow/model"
)

// buildFormSchema converts a form step's declared field set into an OpenAPI
// object schema used for payload validation.
func buildFormSchema(fields []model.FormField) *openapi3.Schema {
	schema := openapi3.NewObjectSchema()
	for _, f := range fields {
		var fs *openapi3.Schema
		switch f.Type {
		case "number":
			fs = openapi3.NewFloat64Schema()
		case "integer":
			fs = openapi3.NewIntegerSchema()
		case "boolean":
			fs = openapi3.NewBoolSchema()
		default:
			fs = openapi3.NewStringSchema()
		}
		if f.Pattern != "" {
			fs.Pattern = f.Pattern
		}
		for _, e := range f.Enum {
			fs.Enum = append(fs.Enum, e)
		}
		schema.Properties[f.Name] = openapi3.NewSchemaRef("", fs)
		if f.Required {
			schema.Required = append(schema.Required, f.Name)
		}
	}
	return schema
}

// validateFormPayload checks a submitted form payload against the step's
// field declarations. Missing required fields are reported individually so
// the client can highlight them.
func validateFormPayload(fields []model.FormField, payload map[string]any) []model.FieldError {
	var details []model.FieldError

	for _, f := range fields {
		if !f.Required {
			continue
		}
		v, present := payload[f.Name]
		if !present || v == nil || v == "" {
			details = append(details, model.FieldError{
				Field:   f.Name,
				Code:    "REQUIRED",
				Message: fmt.Sprintf("%s is required", f.Name),
			})
		}
	}
	if len(details) > 0 {
		return details
	}

	schema := buildFormSchema(fields)
	if err := schema.VisitJSON(payload, openapi3.MultiErrors()); err != nil {
		details = append(details, schemaErrorDetails(err)...)
	}
	return details
}

// schemaErrorDetails flattens kin-openapi validation errors into field-level
// details.
func schemaErrorDetails(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var details []model.FieldError
		for _, e := range multi {
			details = append(details, schemaErrorDetails(e)...)
		}
		return details
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		field := ""
		if path := se.JSONPointer(); len(path) > 0 {
			field = path[len(path)-1]
		}
		return []model.FieldError{{
			Field:   field,
			Code:    "INVALID",
			Message: se.Reason,
		}}
	}

	return []model.FieldError{{Code: "INVALID", Message: err.Error()}}
}
