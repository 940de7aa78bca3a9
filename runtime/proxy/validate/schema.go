package validate

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// MaxViolations caps the violations reported per validation.
const MaxViolations = 20

var schemaTypes = map[string]struct{}{
	"object": {}, "array": {}, "string": {}, "number": {},
	"integer": {}, "boolean": {}, "null": {},
}

type (
	// Violation locates one schema failure. Path is a JSON pointer into the
	// argument object ("" is the root).
	Violation struct {
		Path    string `json:"path"`
		Message string `json:"message"`
	}

	// SchemaValidator validates tool arguments against registered schemas
	// using a deterministic subset of JSON Schema: type, required,
	// properties, enum, minLength, maxLength, minimum, maximum, pattern,
	// items, minItems and maxItems.
	SchemaValidator struct {
		mu       sync.RWMutex
		schemas  map[string]map[string]any
		patterns map[string]*regexp.Regexp
	}
)

// NewSchemaValidator returns an empty schema validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{
		schemas:  make(map[string]map[string]any),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Register installs the argument schema for a tool, replacing any previous
// one. Every pattern in the schema is compiled up front so malformed schemas
// are rejected at registration time rather than per request.
func (s *SchemaValidator) Register(tool string, schema map[string]any) error {
	if tool == "" {
		return proxyerr.Validationf("tool is required")
	}
	if schema == nil {
		return proxyerr.Validationf("schema is required")
	}
	compiled := make(map[string]*regexp.Regexp)
	if err := checkSchema(schema, compiled); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[tool] = schema
	for p, re := range compiled {
		s.patterns[p] = re
	}
	return nil
}

// Unregister removes a tool's schema. Returns true when it existed.
func (s *SchemaValidator) Unregister(tool string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.schemas[tool]
	delete(s.schemas, tool)
	return ok
}

// Known reports whether a schema is registered for the tool.
func (s *SchemaValidator) Known(tool string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.schemas[tool]
	return ok
}

// Tools lists tools with registered schemas, sorted.
func (s *SchemaValidator) Tools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.schemas))
	for t := range s.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks args against the tool's schema. Tools without a schema
// pass with no violations. At most MaxViolations violations are returned,
// in deterministic order: properties by name, array items by index.
func (s *SchemaValidator) Validate(tool string, args map[string]any) []Violation {
	s.mu.RLock()
	schema, ok := s.schemas[tool]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	w := &walker{validator: s}
	w.walk(schema, map[string]any(args), "")
	return w.violations
}

// ViolationsError converts violations into the invalid-params error carried
// to the wire.
func ViolationsError(tool string, violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	return proxyerr.Validationf("arguments for tool %q failed schema validation", tool).
		WithData("violations", violations)
}

type walker struct {
	validator  *SchemaValidator
	violations []Violation
}

// add records a violation; reports false once the cap is reached.
func (w *walker) add(path, format string, args ...any) bool {
	if len(w.violations) >= MaxViolations {
		return false
	}
	w.violations = append(w.violations, Violation{Path: path, Message: fmt.Sprintf(format, args...)})
	return len(w.violations) < MaxViolations
}

func (w *walker) full() bool { return len(w.violations) >= MaxViolations }

func (w *walker) walk(schema map[string]any, value any, path string) {
	if w.full() {
		return
	}

	if typ, ok := stringField(schema, "type"); ok {
		actual := jsonType(value)
		if !typeMatches(typ, value) {
			w.add(path, "expected %s, got %s", typ, actual)
			return
		}
	}

	if enum, ok := schema["enum"].([]any); ok {
		match := false
		for _, candidate := range enum {
			if looseEqual(candidate, value) {
				match = true
				break
			}
		}
		if !match {
			if !w.add(path, "value is not one of the allowed values") {
				return
			}
		}
	}

	switch v := value.(type) {
	case string:
		w.checkString(schema, v, path)
	case float64:
		w.checkNumber(schema, v, path)
	case map[string]any:
		w.checkObject(schema, v, path)
	case []any:
		w.checkArray(schema, v, path)
	}
}

func (w *walker) checkString(schema map[string]any, v, path string) {
	n := len([]rune(v))
	if min, ok := intField(schema, "minLength"); ok && n < min {
		if !w.add(path, "length %d is less than minimum %d", n, min) {
			return
		}
	}
	if max, ok := intField(schema, "maxLength"); ok && n > max {
		if !w.add(path, "length %d exceeds maximum %d", n, max) {
			return
		}
	}
	if pattern, ok := stringField(schema, "pattern"); ok {
		re := w.validator.pattern(pattern)
		if re != nil && !re.MatchString(v) {
			w.add(path, "value does not match pattern %q", pattern)
		}
	}
}

func (w *walker) checkNumber(schema map[string]any, v float64, path string) {
	if min, ok := numField(schema, "minimum"); ok && v < min {
		if !w.add(path, "value %s is less than minimum %s", trimFloat(v), trimFloat(min)) {
			return
		}
	}
	if max, ok := numField(schema, "maximum"); ok && v > max {
		w.add(path, "value %s exceeds maximum %s", trimFloat(v), trimFloat(max))
	}
}

func (w *walker) checkObject(schema map[string]any, v map[string]any, path string) {
	if required, ok := schema["required"].([]any); ok {
		names := make([]string, 0, len(required))
		for _, r := range required {
			if name, ok := r.(string); ok {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			if _, present := v[name]; !present {
				if !w.add(path+"/"+escapePointer(name), "required property is missing") {
					return
				}
			}
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sub, ok := props[name].(map[string]any)
			if !ok {
				continue
			}
			if child, present := v[name]; present {
				w.walk(sub, child, path+"/"+escapePointer(name))
				if w.full() {
					return
				}
			}
		}
	}
}

func (w *walker) checkArray(schema map[string]any, v []any, path string) {
	if min, ok := intField(schema, "minItems"); ok && len(v) < min {
		if !w.add(path, "array has %d items, fewer than %d", len(v), min) {
			return
		}
	}
	if max, ok := intField(schema, "maxItems"); ok && len(v) > max {
		if !w.add(path, "array has %d items, more than %d", len(v), max) {
			return
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		for i, item := range v {
			w.walk(items, item, fmt.Sprintf("%s/%d", path, i))
			if w.full() {
				return
			}
		}
	}
}

func (s *SchemaValidator) pattern(p string) *regexp.Regexp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.patterns[p]
}

// checkSchema verifies the subset constraints and pre-compiles patterns.
func checkSchema(schema map[string]any, patterns map[string]*regexp.Regexp) error {
	if typ, ok := stringField(schema, "type"); ok {
		if _, valid := schemaTypes[typ]; !valid {
			return proxyerr.Validationf("unsupported schema type %q", typ)
		}
	}
	if pattern, ok := stringField(schema, "pattern"); ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return proxyerr.Validationf("invalid pattern %q: %s", pattern, err)
		}
		patterns[pattern] = re
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if sub, ok := props[name].(map[string]any); ok {
				if err := checkSchema(sub, patterns); err != nil {
					return err
				}
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		if err := checkSchema(items, patterns); err != nil {
			return err
		}
	}
	return nil
}

func typeMatches(typ string, value any) bool {
	switch typ {
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "null":
		return value == nil
	case "number":
		return isNumber(value)
	case "integer":
		f, ok := toFloat(value)
		return ok && f == math.Trunc(f)
	default:
		return false
	}
}

func jsonType(value any) string {
	switch value.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		if isNumber(value) {
			return "number"
		}
		return fmt.Sprintf("%T", value)
	}
}

func isNumber(value any) bool {
	_, ok := toFloat(value)
	return ok
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func stringField(schema map[string]any, field string) (string, bool) {
	s, ok := schema[field].(string)
	return s, ok
}

func intField(schema map[string]any, field string) (int, bool) {
	f, ok := toFloat(schema[field])
	if !ok {
		return 0, false
	}
	return int(f), true
}

func numField(schema map[string]any, field string) (float64, bool) {
	if _, present := schema[field]; !present {
		return 0, false
	}
	return toFloat(schema[field])
}

// trimFloat renders numbers without a trailing ".0" so messages read like the
// JSON the caller sent.
func trimFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%d", int64(f))
	}
	return strings.TrimRight(fmt.Sprintf("%f", f), "0")
}

func escapePointer(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}
