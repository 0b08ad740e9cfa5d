// Package decode turns raw sensor notification payloads into classification events.
//
// Payloads are UTF-8 JSON objects, sometimes wrapped in one extra pair of
// quote characters by the sender:
//
//	"{"label":"intake medicine","accuracy_intake_medicine":0.99,...}"
//
// Decode is deterministic for a given payload and arrival time and has no
// side effects.
package decode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/sweeney/mediminder/internal/logic"
)

// Kind classifies a decode failure.
type Kind string

const (
	KindEncoding     Kind = "ENCODING"
	KindMalformed    Kind = "MALFORMED"
	KindUnknownLabel Kind = "UNKNOWN_LABEL"
)

// Sentinels for errors.Is.
var (
	ErrEncoding     = errors.New("payload is not valid UTF-8")
	ErrMalformed    = errors.New("payload is not a valid classification record")
	ErrUnknownLabel = errors.New("unknown classification label")
)

// Error is returned for every decode failure.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.sentinel().Error()
	}
	return fmt.Sprintf("%s: %s", e.sentinel(), e.Detail)
}

// Is matches the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return target == e.sentinel()
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindEncoding:
		return ErrEncoding
	case KindUnknownLabel:
		return ErrUnknownLabel
	default:
		return ErrMalformed
	}
}

// Wire field names. The firmware has shipped both spellings; the
// underscore form is canonical.
var (
	fieldLabel          = []string{"label"}
	fieldIntakeMedicine = []string{"accuracy_intake_medicine", "accuracy_intake medicine"}
	fieldMotionless     = []string{"accuracy_motionless"}
	fieldPutAway        = []string{"accuracy_put_away", "accuracy_put away"}
	fieldSlide          = []string{"accuracy_slide"}
)

// Decode parses payload and stamps the result with arrival.
func Decode(payload []byte, arrival time.Time) (logic.Event, error) {
	if !utf8.Valid(payload) {
		return logic.Event{}, &Error{Kind: KindEncoding}
	}

	text := stripQuotes(payload)

	var record map[string]json.RawMessage
	if err := json.Unmarshal(text, &record); err != nil {
		return logic.Event{}, &Error{Kind: KindMalformed, Detail: err.Error()}
	}
	if record == nil {
		return logic.Event{}, &Error{Kind: KindMalformed, Detail: "record is null"}
	}

	var label string
	if err := field(record, fieldLabel, &label); err != nil {
		return logic.Event{}, err
	}

	ev := logic.Event{Timestamp: arrival}
	scores := []struct {
		names []string
		dst   *float64
	}{
		{fieldIntakeMedicine, &ev.AccuracyIntakeMedicine},
		{fieldMotionless, &ev.AccuracyMotionless},
		{fieldPutAway, &ev.AccuracyPutAway},
		{fieldSlide, &ev.AccuracySlide},
	}
	for _, s := range scores {
		if err := field(record, s.names, s.dst); err != nil {
			return logic.Event{}, err
		}
		if *s.dst < 0 || *s.dst > 1 {
			return logic.Event{}, &Error{Kind: KindMalformed, Detail: fmt.Sprintf("%s out of range: %v", s.names[0], *s.dst)}
		}
	}

	c, ok := logic.ParseClassification(label)
	if !ok {
		return logic.Event{}, &Error{Kind: KindUnknownLabel, Detail: fmt.Sprintf("%q", label)}
	}
	ev.Label = c

	return ev, nil
}

// stripQuotes removes exactly one leading and one trailing quote when both
// are present. No unescaping is done.
func stripQuotes(b []byte) []byte {
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		return b[1 : len(b)-1]
	}
	return b
}

// field decodes the first present name into dst. A missing field, a JSON
// null, or a value of the wrong type is malformed.
func field(record map[string]json.RawMessage, names []string, dst any) error {
	for _, name := range names {
		raw, ok := record[name]
		if !ok {
			continue
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return &Error{Kind: KindMalformed, Detail: fmt.Sprintf("%s is null", name)}
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return &Error{Kind: KindMalformed, Detail: fmt.Sprintf("%s: %v", name, err)}
		}
		return nil
	}
	return &Error{Kind: KindMalformed, Detail: fmt.Sprintf("missing field %s", names[0])}
}
