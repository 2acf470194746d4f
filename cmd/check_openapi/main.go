// Command check_openapi verifies that the chat OpenAPI document matches the
// JSON shape of the domain types and lists every route the server serves.
package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"threadchat/pkg/domain"
)

// servedPaths mirrors the routes registered by the chat server.
var servedPaths = []string{
	"/healthz",
	"/api/threads",
	"/api/threads/{id}",
	"/api/threads/{id}/reset",
	"/api/threads/{id}/select",
	"/api/threads/{id}/messages",
	"/api/notices",
	"/api/notices/{id}",
}

// documentedTypes are the domain types returned verbatim by the API.
var documentedTypes = map[string]reflect.Type{
	"Thread":  reflect.TypeOf(domain.Thread{}),
	"Message": reflect.TypeOf(domain.Message{}),
	"Notice":  reflect.TypeOf(domain.Notice{}),
}

var timeType = reflect.TypeOf(time.Time{})

type openAPIDoc struct {
	Paths      map[string]yaml.Node `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <chat-openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	problems := check(doc)
	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintln(os.Stderr, p)
		}
		os.Exit(1)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func check(doc openAPIDoc) []string {
	var problems []string
	for _, path := range servedPaths {
		if _, ok := doc.Paths[path]; !ok {
			problems = append(problems, fmt.Sprintf("path %s is served but not documented", path))
		}
	}
	if err := validateErrorResponse(doc.Components.Schemas); err != nil {
		problems = append(problems, err.Error())
	}
	names := make([]string, 0, len(documentedTypes))
	for name := range documentedTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s, ok := doc.Components.Schemas[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("schema %q missing", name))
			continue
		}
		problems = append(problems, compareStruct(name, s, documentedTypes[name])...)
	}
	return problems
}

func validateErrorResponse(schemas map[string]schema) error {
	s, ok := schemas["ErrorResponse"]
	if !ok {
		return fmt.Errorf("schema %q missing", "ErrorResponse")
	}
	if s.Type != "object" {
		return fmt.Errorf("ErrorResponse must be object")
	}
	if !makeSet(s.Required)["error"] {
		return fmt.Errorf("ErrorResponse.required must include %q", "error")
	}
	if prop, ok := s.Properties["error"]; !ok || prop.Type != "string" {
		return fmt.Errorf("ErrorResponse.error must be string")
	}
	return nil
}

// compareStruct checks that s documents exactly the JSON fields of typ, with
// every non-omitempty field required.
func compareStruct(name string, s schema, typ reflect.Type) []string {
	var problems []string
	if s.Type != "object" {
		problems = append(problems, fmt.Sprintf("%s must be object", name))
	}
	required := makeSet(s.Required)
	seen := make(map[string]bool, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonName, omitEmpty := jsonField(field)
		if jsonName == "" {
			continue
		}
		seen[jsonName] = true
		prop, ok := s.Properties[jsonName]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s.%s is not documented", name, jsonName))
			continue
		}
		if want := schemaType(field.Type); prop.Type != want {
			problems = append(problems, fmt.Sprintf("%s.%s type %q, want %q", name, jsonName, prop.Type, want))
		}
		if !omitEmpty && !required[jsonName] {
			problems = append(problems, fmt.Sprintf("%s.%s must be required", name, jsonName))
		}
		if omitEmpty && required[jsonName] {
			problems = append(problems, fmt.Sprintf("%s.%s is optional but listed as required", name, jsonName))
		}
	}
	props := make([]string, 0, len(s.Properties))
	for prop := range s.Properties {
		props = append(props, prop)
	}
	sort.Strings(props)
	for _, prop := range props {
		if !seen[prop] {
			problems = append(problems, fmt.Sprintf("%s.%s is documented but never encoded", name, prop))
		}
	}
	return problems
}

func jsonField(field reflect.StructField) (string, bool) {
	if !field.IsExported() {
		return "", false
	}
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	parts := strings.Split(tag, ",")
	name := parts[0]
	if name == "" {
		name = field.Name
	}
	omitEmpty := false
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty
}

func schemaType(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == timeType {
		return "string"
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	default:
		return "object"
	}
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
