// Package normalize turns loosely shaped JSON objects from the REST and
// Kafka transports into typed submissions. It accepts common field aliases
// and several timestamp encodings; validation of the values themselves is
// left to the ingestion gateway.
package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"shiftwatch/internal/model"
)

var (
	employeeKeys  = []string{"employee_id", "employeeid", "employee", "user_id", "userid"}
	companyKeys   = []string{"company_id", "companyid", "company", "org_id", "tenant"}
	typeKeys      = []string{"type", "event_type", "eventtype", "action"}
	timestampKeys = []string{"timestamp", "time", "ts", "at", "recorded_at"}
	latKeys       = []string{"lat", "latitude"}
	lngKeys       = []string{"lng", "lon", "long", "longitude"}
	accuracyKeys  = []string{"accuracy", "accuracy_m", "accuracy_meters"}
	verifiedKeys  = []string{"verified", "scanned", "qr_verified"}
	noteKeys      = []string{"note", "notes", "comment"}
)

// Fields is a case-folded view of a decoded JSON object. Nested "location"
// objects are flattened into the top level.
type Fields map[string]any

func FromMap(obj map[string]any) Fields {
	f := make(Fields, len(obj))
	for k, v := range obj {
		key := strings.ToLower(strings.TrimSpace(k))
		if nested, ok := v.(map[string]any); ok && (key == "location" || key == "position" || key == "coords") {
			for nk, nv := range nested {
				f[strings.ToLower(strings.TrimSpace(nk))] = nv
			}
			f["has_location"] = true
			continue
		}
		f[key] = v
	}
	return f
}

func (f Fields) str(keys ...string) string {
	for _, k := range keys {
		v, ok := f[k]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			return s
		}
	}
	return ""
}

func (f Fields) number(keys ...string) (float64, bool, error) {
	for _, k := range keys {
		v, ok := f[k]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true, nil
		case int:
			return float64(n), true, nil
		case int64:
			return float64(n), true, nil
		case string:
			if strings.TrimSpace(n) == "" {
				continue
			}
			parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return 0, true, model.Validationf("field %s: not a number: %q", k, n)
			}
			return parsed, true, nil
		default:
			return 0, true, model.Validationf("field %s: not a number", k)
		}
	}
	return 0, false, nil
}

// Kind reports the envelope kind ("event" or "location") of a Kafka message.
func (f Fields) Kind() string {
	return strings.ToLower(f.str("kind", "message_type"))
}

// Event maps f onto an event submission. Timestamps without an offset are
// read in loc; a missing timestamp is left zero for the gateway to reject.
func Event(f Fields, loc *time.Location) (model.EventSubmission, error) {
	sub := model.EventSubmission{
		EmployeeID: f.str(employeeKeys...),
		CompanyID:  f.str(companyKeys...),
		Note:       f.str(noteKeys...),
		Verified:   ParseBool(f.str(verifiedKeys...)),
	}
	raw := f.str(typeKeys...)
	if raw != "" {
		t, ok := model.ParseEventType(strings.ReplaceAll(raw, "-", "_"))
		if !ok {
			return sub, model.Validationf("unknown event type %q", raw)
		}
		sub.Type = t
	}
	ts, err := timestamp(f, loc)
	if err != nil {
		return sub, err
	}
	sub.Timestamp = ts

	lat, hasLat, err := f.number(latKeys...)
	if err != nil {
		return sub, err
	}
	lng, hasLng, err := f.number(lngKeys...)
	if err != nil {
		return sub, err
	}
	if hasLat || hasLng {
		if !hasLat || !hasLng {
			return sub, errors.Annotate(model.ErrInvalidCoordinate, "location needs both lat and lng")
		}
		acc, _, err := f.number(accuracyKeys...)
		if err != nil {
			return sub, err
		}
		sub.Location = &model.Location{Lat: lat, Lng: lng, AccuracyMeters: acc}
	} else if _, ok := f["has_location"]; ok {
		return sub, errors.Annotate(model.ErrInvalidCoordinate, "location needs both lat and lng")
	}
	return sub, nil
}

// Location maps f onto a location ping.
func Location(f Fields, loc *time.Location) (model.LocationSubmission, error) {
	sub := model.LocationSubmission{
		EmployeeID: f.str(employeeKeys...),
		CompanyID:  f.str(companyKeys...),
	}
	lat, hasLat, err := f.number(latKeys...)
	if err != nil {
		return sub, err
	}
	lng, hasLng, err := f.number(lngKeys...)
	if err != nil {
		return sub, err
	}
	if !hasLat || !hasLng {
		return sub, errors.Annotate(model.ErrInvalidCoordinate, "location needs both lat and lng")
	}
	acc, _, err := f.number(accuracyKeys...)
	if err != nil {
		return sub, err
	}
	sub.Lat, sub.Lng, sub.AccuracyMeters = lat, lng, acc
	ts, err := timestamp(f, loc)
	if err != nil {
		return sub, err
	}
	sub.Timestamp = ts
	return sub, nil
}

func timestamp(f Fields, loc *time.Location) (time.Time, error) {
	for _, k := range timestampKeys {
		v, ok := f[k]
		if !ok || v == nil {
			continue
		}
		// JSON numbers decode as float64; format without an exponent.
		if n, ok := v.(float64); ok {
			if n != math.Trunc(n) {
				return time.Time{}, model.Validationf("field %s: fractional epoch %v", k, n)
			}
			v = strconv.FormatInt(int64(n), 10)
		}
		ts, err := ParseTimestamp(fmt.Sprint(v), loc)
		if err != nil {
			return time.Time{}, model.Validationf("field %s: %v", k, err)
		}
		return ts.UTC(), nil
	}
	return time.Time{}, nil
}

func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "scanned", "verified":
		return true
	}
	return false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

// ParseTimestamp accepts RFC 3339, a few common local layouts interpreted in
// loc, and Unix epochs in seconds or milliseconds.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if len(value) >= 13 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}
