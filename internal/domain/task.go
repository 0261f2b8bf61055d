package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
)

// Type is the direction of a background transfer. The numeric value is what gets persisted.
type Type int

const (
	TypeDownload Type = 0
	TypeUpload   Type = 1
)

// DefaultMetadata is substituted whenever a descriptor has no metadata.
const DefaultMetadata = "{}"

// Record field names. Encode always writes all of them.
const (
	FieldID            = "id"
	FieldType          = "type"
	FieldURL           = "url"
	FieldDestination   = "destination"
	FieldMetadata      = "metadata"
	FieldSource        = "source"
	FieldHTTPMethod    = "httpMethod"
	FieldHeaders       = "headers"
	FieldReportedBegin = "reportedBegin"
)

// RecordFields lists the persisted keys in their canonical order.
var RecordFields = []string{
	FieldID, FieldType, FieldURL, FieldDestination, FieldMetadata,
	FieldSource, FieldHTTPMethod, FieldHeaders, FieldReportedBegin,
}

func (t Type) Valid() bool {
	return t == TypeDownload || t == TypeUpload
}

func (t Type) String() string {
	switch t {
	case TypeDownload:
		return "download"
	case TypeUpload:
		return "upload"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ParseType maps a type name back to its code.
func ParseType(s string) (Type, error) {
	switch s {
	case "download":
		return TypeDownload, nil
	case "upload":
		return TypeUpload, nil
	}
	return 0, &FieldError{Field: FieldType, Err: ErrInvalidType}
}

// Config is the caller-supplied configuration a descriptor is built from.
// A key that is missing or holds nil counts as absent.
type Config map[string]any

// Record is the structured, persisted form of a descriptor.
type Record map[string]any

// Task describes one background download or upload. Everything except the
// begin flag is fixed at construction.
type Task struct {
	id            string
	typ           Type
	url           string
	destination   string
	metadata      string
	source        *string
	httpMethod    *string
	headers       map[string]string
	reportedBegin bool
}

// FromConfig builds a descriptor from configuration. The four identity fields
// are required and the id must be non-empty; metadata falls back to "{}" only
// when no value was supplied.
func FromConfig(cfg Config) (*Task, error) {
	t := &Task{}
	var err error

	if t.id, err = idField(cfg); err != nil {
		return nil, err
	}
	if t.typ, err = typeField(cfg); err != nil {
		return nil, err
	}
	if t.url, err = requiredString(cfg, FieldURL); err != nil {
		return nil, err
	}
	if t.destination, err = requiredString(cfg, FieldDestination); err != nil {
		return nil, err
	}
	if err := t.readOptional(map[string]any(cfg)); err != nil {
		return nil, err
	}
	t.reportedBegin = false
	return t, nil
}

// Decode restores a descriptor from a persisted record. Missing metadata and
// reportedBegin fall back to their defaults; anything wrong with the identity
// fields is reported as ErrCorruptRecord.
func Decode(rec Record) (*Task, error) {
	t := &Task{}
	var err error

	if t.id, err = idField(rec); err != nil {
		return nil, corrupt(err)
	}
	if t.typ, err = typeField(rec); err != nil {
		return nil, corrupt(err)
	}
	if t.url, err = requiredString(rec, FieldURL); err != nil {
		return nil, corrupt(err)
	}
	if t.destination, err = requiredString(rec, FieldDestination); err != nil {
		return nil, corrupt(err)
	}
	if err := t.readOptional(map[string]any(rec)); err != nil {
		return nil, corrupt(err)
	}
	if v, ok := present(rec, FieldReportedBegin); ok {
		b, ok := v.(bool)
		if !ok {
			return nil, corrupt(&FieldError{Field: FieldReportedBegin, Err: ErrInvalidField})
		}
		t.reportedBegin = b
	}
	return t, nil
}

// Encode returns the structured record for t with all nine keys set.
// Absent optional fields are written as nil.
func (t *Task) Encode() Record {
	rec := Record{
		FieldID:            t.id,
		FieldType:          int(t.typ),
		FieldURL:           t.url,
		FieldDestination:   t.destination,
		FieldMetadata:      t.metadata,
		FieldSource:        nil,
		FieldHTTPMethod:    nil,
		FieldHeaders:       nil,
		FieldReportedBegin: t.reportedBegin,
	}
	if t.source != nil {
		rec[FieldSource] = *t.source
	}
	if t.httpMethod != nil {
		rec[FieldHTTPMethod] = *t.httpMethod
	}
	if t.headers != nil {
		rec[FieldHeaders] = copyHeaders(t.headers)
	}
	return rec
}

func (t *Task) ID() string          { return t.id }
func (t *Task) Type() Type          { return t.typ }
func (t *Task) URL() string         { return t.url }
func (t *Task) Destination() string { return t.destination }
func (t *Task) Metadata() string    { return t.metadata }
func (t *Task) ReportedBegin() bool { return t.reportedBegin }

func (t *Task) Source() (string, bool) {
	if t.source == nil {
		return "", false
	}
	return *t.source, true
}

func (t *Task) HTTPMethod() (string, bool) {
	if t.httpMethod == nil {
		return "", false
	}
	return *t.httpMethod, true
}

// Headers returns a copy of the request headers, or nil when none were set.
func (t *Task) Headers() map[string]string {
	return copyHeaders(t.headers)
}

// EffectiveMethod is the verb to issue: the override when set, otherwise GET
// for downloads and POST for uploads.
func (t *Task) EffectiveMethod() string {
	if t.httpMethod != nil {
		return *t.httpMethod
	}
	if t.typ == TypeUpload {
		return http.MethodPost
	}
	return http.MethodGet
}

// MarkBegin records that the begin notification went out. It reports whether
// this call changed the flag.
func (t *Task) MarkBegin() bool {
	if t.reportedBegin {
		return false
	}
	t.reportedBegin = true
	return true
}

// Clone returns an independent copy of t.
func (t *Task) Clone() *Task {
	c := *t
	if t.source != nil {
		s := *t.source
		c.source = &s
	}
	if t.httpMethod != nil {
		m := *t.httpMethod
		c.httpMethod = &m
	}
	c.headers = copyHeaders(t.headers)
	return &c
}

func (t *Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Encode())
}

func (t *Task) UnmarshalJSON(data []byte) error {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("unmarshal task record: %w", err)
	}
	decoded, err := Decode(rec)
	if err != nil {
		return err
	}
	*t = *decoded
	return nil
}

func (t *Task) readOptional(m map[string]any) error {
	t.metadata = DefaultMetadata
	if v, ok := present(m, FieldMetadata); ok {
		s, ok := v.(string)
		if !ok {
			return &FieldError{Field: FieldMetadata, Err: ErrInvalidField}
		}
		t.metadata = s
	}

	var err error
	if t.source, err = optionalString(m, FieldSource); err != nil {
		return err
	}
	if t.httpMethod, err = optionalString(m, FieldHTTPMethod); err != nil {
		return err
	}
	if v, ok := present(m, FieldHeaders); ok {
		if t.headers, err = toHeaders(v); err != nil {
			return err
		}
	}
	return nil
}

func present(m map[string]any, key string) (any, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func requiredString(m map[string]any, key string) (string, error) {
	v, ok := present(m, key)
	if !ok {
		return "", &FieldError{Field: key, Err: ErrMissingField}
	}
	s, ok := v.(string)
	if !ok {
		return "", &FieldError{Field: key, Err: ErrInvalidField}
	}
	return s, nil
}

// idField is requiredString for the id, which must also be non-empty.
func idField(m map[string]any) (string, error) {
	id, err := requiredString(m, FieldID)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", &FieldError{Field: FieldID, Err: ErrInvalidField}
	}
	return id, nil
}

func optionalString(m map[string]any, key string) (*string, error) {
	v, ok := present(m, key)
	if !ok {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, &FieldError{Field: key, Err: ErrInvalidField}
	}
	return &s, nil
}

func typeField(m map[string]any) (Type, error) {
	v, ok := present(m, FieldType)
	if !ok {
		return 0, &FieldError{Field: FieldType, Err: ErrMissingField}
	}
	code, ok := integer(v)
	if !ok || !Type(code).Valid() {
		return 0, &FieldError{Field: FieldType, Err: ErrInvalidType}
	}
	return Type(code), nil
}

// integer accepts the shapes a type code arrives in: Go integers, Type itself,
// and whole-valued numbers produced by JSON decoding.
func integer(v any) (int64, bool) {
	switch n := v.(type) {
	case Type:
		return int64(n), true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), uint64(n) <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		return floatInteger(float64(n))
	case float64:
		return floatInteger(n)
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func floatInteger(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func toHeaders(v any) (map[string]string, error) {
	switch h := v.(type) {
	case map[string]string:
		return copyHeaders(h), nil
	case map[string]any:
		out := make(map[string]string, len(h))
		for k, val := range h {
			s, ok := val.(string)
			if !ok {
				return nil, &FieldError{Field: FieldHeaders, Err: ErrInvalidField}
			}
			out[k] = s
		}
		return out, nil
	}
	return nil, &FieldError{Field: FieldHeaders, Err: ErrInvalidField}
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
