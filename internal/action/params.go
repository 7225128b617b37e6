package action

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/t77yq/rmm-automation/internal/model"
)

// decode unmarshals params into v, rejecting fields v does not declare.
func decode(params json.RawMessage, v interface{}) error {
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	return nil
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// expand substitutes {{field}} placeholders in every string value of params with
// the matching event field. Unresolved placeholders are left untouched.
func expand(params json.RawMessage, event model.Event) (json.RawMessage, error) {
	if len(params) == 0 || !bytes.Contains(params, []byte("{{")) {
		return params, nil
	}

	var doc interface{}
	if err := json.Unmarshal(params, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(expandValue(doc, event))
}

func expandValue(v interface{}, event model.Event) interface{} {
	switch val := v.(type) {
	case string:
		return render(val, event)
	case map[string]interface{}:
		for k, item := range val {
			val[k] = expandValue(item, event)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = expandValue(item, event)
		}
		return val
	default:
		return v
	}
}

func render(s string, event model.Event) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := strings.TrimSpace(m[2 : len(m)-2])
		v, ok := event.Field(name)
		if !ok || v == nil {
			return m
		}
		if str, ok := v.(string); ok {
			return str
		}
		return fmt.Sprintf("%v", v)
	})
}

// Duration accepts either a Go duration string ("30s") or a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return errors.New("duration must be a string or a number of seconds")
	}
	if *d < 0 {
		return errors.New("duration must not be negative")
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
