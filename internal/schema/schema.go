// Package schema decodes and validates task payloads, reporting every violated
// field as a fault.Issue.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/throw-if-null/catalyst/internal/fault"
)

// *validator.Validate caches struct metadata and is safe for concurrent use.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		switch name {
		case "-":
			return ""
		case "":
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks v against its `validate` tags.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return fault.Validation(Issues(verrs)...)
	}
	return fmt.Errorf("schema: %w", err)
}

// Decode unmarshals raw into dst and validates it. Empty bodies, malformed
// JSON, unknown fields and type mismatches are validation failures, never
// internal errors.
func Decode(raw []byte, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fault.Validation(fault.Issue{Path: "", Message: "body is required", Code: "required"})
	}

	var typeIssue *fault.Issue
	if err := json.Unmarshal(raw, dst); err != nil {
		var synErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &synErr):
			return fault.Validation(fault.Issue{Path: "", Message: "malformed JSON: " + synErr.Error(), Code: "invalid_json"})
		case errors.As(err, &typeErr):
			typeIssue = &fault.Issue{
				Path:    typeErr.Field,
				Message: fmt.Sprintf("expected %s, received %s", typeErr.Type.String(), typeErr.Value),
				Code:    "invalid_type",
			}
		default:
			return fault.Validation(fault.Issue{Path: "", Message: err.Error(), Code: "invalid_json"})
		}
	}

	var issues []fault.Issue
	if typeIssue != nil {
		issues = append(issues, *typeIssue)
	}
	if is := unknownField(raw, dst); is != nil {
		issues = append(issues, *is)
	}

	err := Validate(dst)
	if len(issues) == 0 {
		return err
	}
	var f *fault.Error
	if errors.As(err, &f) {
		for _, is := range f.Issues {
			if typeIssue == nil || !under(is.Path, typeIssue.Path) {
				issues = append(issues, is)
			}
		}
	} else if err != nil {
		return err
	}
	return fault.Validation(issues...)
}

const unknownFieldPrefix = "json: unknown field "

// unknownField decodes raw again into a fresh value of dst's type and
// reports the first field that no struct field accepts.
func unknownField(raw []byte, dst any) *fault.Issue {
	t := reflect.TypeOf(dst)
	if t == nil || t.Kind() != reflect.Pointer {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	err := dec.Decode(reflect.New(t.Elem()).Interface())
	if err == nil || !strings.HasPrefix(err.Error(), unknownFieldPrefix) {
		return nil
	}
	name := strings.Trim(strings.TrimPrefix(err.Error(), unknownFieldPrefix), `"`)
	return &fault.Issue{Path: name, Message: "is not allowed", Code: "unknown_field"}
}

// under reports whether path is field itself or one of its elements.
func under(path, field string) bool {
	if field == "" || path == field {
		return true
	}
	return strings.HasPrefix(path, field+"[") || strings.HasPrefix(path, field+".")
}

// Issues converts validator errors, one issue per violated field.
func Issues(verrs validator.ValidationErrors) []fault.Issue {
	out := make([]fault.Issue, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fault.Issue{
			Path:    fieldPath(fe.Namespace()),
			Message: describe(fe),
			Code:    fe.Tag(),
		})
	}
	return out
}

// fieldPath drops the root struct name: "exampleInput.items[0]" -> "items[0]".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if isSized(fe.Kind()) {
			return "must contain at least " + fe.Param() + " item(s)"
		}
		if fe.Kind() == reflect.String {
			return "must be at least " + fe.Param() + " character(s)"
		}
		return "must be at least " + fe.Param()
	case "max":
		if isSized(fe.Kind()) {
			return "must contain at most " + fe.Param() + " item(s)"
		}
		if fe.Kind() == reflect.String {
			return "must be at most " + fe.Param() + " character(s)"
		}
		return "must be at most " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "oneof":
		return "must be one of [" + fe.Param() + "]"
	case "eqfield":
		return "must equal " + fe.Param()
	}
	if fe.Param() != "" {
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
	return "failed " + fe.Tag()
}

func isSized(k reflect.Kind) bool {
	return k == reflect.Slice || k == reflect.Array || k == reflect.Map
}
