// Package record decodes, edits and re-encodes bird records without
// disturbing the fields it does not own. Records are edited on sonic's lazy
// AST so key order and the raw text of untouched values survive the trip.
package record

import (
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/ast"

	errspkg "github.com/birdtrack/enrichflow/internal/runtime/errors"
	"github.com/birdtrack/enrichflow/internal/runtime/jsoncodec"
)

// Field names owned by the pipeline.
const (
	FieldUUID       = "uuid"
	FieldStartTime  = "start_time"
	FieldAirQuality = "air_quality"
)

var (
	// ErrFieldMissing is returned by accessors when a field is absent.
	ErrFieldMissing = errors.New("record: field missing")
	// ErrFieldType is returned by accessors when a field has the wrong type.
	ErrFieldType = errors.New("record: field has unexpected type")
	// ErrInvalidSnapshot is returned when an appended snapshot is not JSON.
	ErrInvalidSnapshot = errors.New("record: snapshot is not valid JSON")
)

// Record is one decoded bird record. It is not safe for concurrent use.
type Record struct {
	root ast.Node
}

// Decode parses data as a record. Anything that is not UTF-8 encoded JSON
// object text, or an object whose air_quality is present but not an array,
// is malformed.
func Decode(data []byte) (*Record, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", errspkg.ErrMalformedPayload)
	}
	// Records are UTF-8 text; sonic's validator does not check encoding.
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", errspkg.ErrMalformedPayload)
	}
	// The AST parses lazily and would accept a broken tail, so validate first.
	if !jsoncodec.Valid(data) {
		return nil, fmt.Errorf("%w: invalid JSON", errspkg.ErrMalformedPayload)
	}
	root, err := sonic.Get(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrMalformedPayload, err)
	}
	if root.TypeSafe() != ast.V_OBJECT {
		return nil, fmt.Errorf("%w: top level is not an object", errspkg.ErrMalformedPayload)
	}

	r := &Record{root: root}
	if aq := r.root.Get(FieldAirQuality); aq.Exists() && aq.TypeSafe() != ast.V_ARRAY {
		return nil, fmt.Errorf("%w: %s is not an array", errspkg.ErrMalformedPayload, FieldAirQuality)
	}
	return r, nil
}

// UUID returns the record identifier.
func (r *Record) UUID() (string, error) {
	node := r.root.Get(FieldUUID)
	if !node.Exists() {
		return "", fmt.Errorf("%w: %s", ErrFieldMissing, FieldUUID)
	}
	id, err := node.StrictString()
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrFieldType, FieldUUID)
	}
	return id, nil
}

// StartTime returns start_time as epoch seconds.
func (r *Record) StartTime() (float64, error) {
	node := r.root.Get(FieldStartTime)
	if !node.Exists() {
		return 0, fmt.Errorf("%w: %s", ErrFieldMissing, FieldStartTime)
	}
	if node.TypeSafe() != ast.V_NUMBER {
		return 0, fmt.Errorf("%w: %s", ErrFieldType, FieldStartTime)
	}
	v, err := node.Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrFieldType, FieldStartTime, err)
	}
	return v, nil
}

// AirQualityLen returns the number of snapshots, 0 when the field is absent.
func (r *Record) AirQualityLen() int {
	node := r.root.Get(FieldAirQuality)
	if !node.Exists() {
		return 0
	}
	n, err := node.Len()
	if err != nil {
		return 0
	}
	return n
}

// AppendAirQuality appends snapshot verbatim as the last element of
// air_quality, creating the array when the record has none.
func (r *Record) AppendAirQuality(snapshot []byte) error {
	if !jsoncodec.Valid(snapshot) {
		return ErrInvalidSnapshot
	}

	var items []ast.Node
	if existing := r.root.Get(FieldAirQuality); existing.Exists() {
		var err error
		items, err = existing.ArrayUseNode()
		if err != nil {
			return fmt.Errorf("record: read %s: %w", FieldAirQuality, err)
		}
	}
	grown := make([]ast.Node, 0, len(items)+1)
	grown = append(grown, items...)
	grown = append(grown, ast.NewRaw(string(snapshot)))

	if _, err := r.root.Set(FieldAirQuality, ast.NewArray(grown)); err != nil {
		return fmt.Errorf("record: set %s: %w", FieldAirQuality, err)
	}
	return nil
}

// SetTimestamp writes t as epoch seconds under field. An existing value is
// replaced in place; a new field is appended after the existing ones.
func (r *Record) SetTimestamp(field string, t time.Time) error {
	if _, err := r.root.Set(field, ast.NewNumber(EpochSeconds(t))); err != nil {
		return fmt.Errorf("record: set %s: %w", field, err)
	}
	return nil
}

// Encode renders the record as compact JSON.
func (r *Record) Encode() ([]byte, error) {
	out, err := r.root.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("record: encode: %w", err)
	}
	return out, nil
}

// EpochSeconds renders t as decimal seconds since the Unix epoch with the
// exact nanosecond value and no trailing zeros. Whole seconds keep one
// decimal so the field always reads as a float.
func EpochSeconds(t time.Time) string {
	ns := t.UnixNano()
	sign := ""
	if ns < 0 {
		sign = "-"
		ns = -ns
	}
	sec, frac := ns/int64(time.Second), ns%int64(time.Second)
	if frac == 0 {
		return sign + strconv.FormatInt(sec, 10) + ".0"
	}
	digits := fmt.Sprintf("%09d", frac)
	end := len(digits)
	for end > 0 && digits[end-1] == '0' {
		end--
	}
	return sign + strconv.FormatInt(sec, 10) + "." + digits[:end]
}

// Seconds converts t to float epoch seconds.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
