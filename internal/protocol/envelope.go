package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
		ts, ok := v.Interface().(Timestamp)
		if !ok || ts.IsZero() {
			return nil
		}
		return ts.UnixMilli()
	}, Timestamp{})
	_ = validate.RegisterValidation("jsonobject", validateJSONObject)
}

// validateJSONObject accepts a raw JSON value only when it is an object
func validateJSONObject(fl validator.FieldLevel) bool {
	raw, ok := fl.Field().Interface().(json.RawMessage)
	if !ok {
		return false
	}
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{' && json.Valid(raw)
}

// Timestamp decodes from an RFC3339 string or integer epoch milliseconds and
// encodes as RFC3339 with milliseconds
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp
func Now() Timestamp {
	return Timestamp{time.Now().UTC()}
}

// MarshalJSON implements json.Marshaler
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

// UnmarshalJSON implements json.Unmarshaler
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q is not RFC3339", s)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %s is not epoch milliseconds", data)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// Envelope carries every control message and event
type Envelope struct {
	EventID       string          `json:"eventId" validate:"required,max=128"`
	EventType     string          `json:"eventType" validate:"required,max=64"`
	CorrelationID string          `json:"correlationId,omitempty" validate:"max=128"`
	Timestamp     Timestamp       `json:"timestamp" validate:"required"`
	Payload       json.RawMessage `json:"payload" validate:"required,jsonobject"`
}

// NewEvent builds an envelope with a fresh event id
func NewEvent(eventType, correlationID string, payload interface{}) (Envelope, error) {
	raw := json.RawMessage("{}")
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encoding %s payload: %w", eventType, err)
		}
		raw = data
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		CorrelationID: correlationID,
		Timestamp:     Now(),
		Payload:       raw,
	}, nil
}

// ReplyTo returns the correlation id a response to env must carry: the
// request's correlation id, or its event id when none was given
func (e Envelope) ReplyTo() string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return e.EventID
}

// DecodePayload unmarshals the payload into v
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s has no payload", e.EventType)
	}
	return json.Unmarshal(e.Payload, v)
}

// ValidationError reports a control message rejected at the boundary
type ValidationError struct {
	EventID       string
	EventType     string
	CorrelationID string
	Reason        string
	Err           error
}

func (e *ValidationError) Error() string {
	if e.EventType != "" {
		return fmt.Sprintf("invalid %s message: %s", e.EventType, e.Reason)
	}
	return fmt.Sprintf("invalid message: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ReplyTo returns the correlation id of the rejected message, if it could be
// read
func (e *ValidationError) ReplyTo() string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return e.EventID
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "jsonobject":
			parts = append(parts, fe.Field()+" must be a JSON object")
		case "max":
			parts = append(parts, fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
