// Package ckg defines the CKG wire formats: the marker-tagged envelope and
// the screening and patient-status records it carries.
package ckg

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload is returned for payloads that are not a JSON object
	// of the expected shape.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrMarkerMismatch is returned when the marker field is missing or
	// carries neither sentinel.
	ErrMarkerMismatch = errors.New("marker mismatch")

	// ErrUnexpectedKind is returned when a payload carries the other
	// direction's sentinel.
	ErrUnexpectedKind = errors.New("unexpected envelope kind")
)

// Markers is the marker-field convention shared with CKG.
type Markers struct {
	Field    string
	Inbound  string // sentinel on screenings consumed from CKG
	Outbound string // sentinel on statuses produced for CKG
}

// Kind discriminates the two envelope variants.
type Kind int

const (
	KindInbound Kind = iota + 1
	KindOutbound
)

func (k Kind) String() string {
	switch k {
	case KindInbound:
		return "inbound"
	case KindOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Envelope is either Inbound or Outbound.
type Envelope interface {
	Kind() Kind
	Len() int
}

// Inbound carries screenings from CKG.
type Inbound struct {
	Screenings []SkriningCKG
}

func (Inbound) Kind() Kind { return KindInbound }
func (e Inbound) Len() int { return len(e.Screenings) }

// Outbound carries patient statuses for CKG.
type Outbound struct {
	Statuses []StatusPasien
}

func (Outbound) Kind() Kind { return KindOutbound }
func (e Outbound) Len() int { return len(e.Statuses) }

// Decode resolves the envelope variant from the marker field and decodes its
// records. An object without a data array is read as a single record.
func Decode(payload []byte, m Markers) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}

	raw, ok := fields[m.Field]
	if !ok {
		return nil, fmt.Errorf("%w: no %s field", ErrMarkerMismatch, m.Field)
	}
	var marker string
	if err := json.Unmarshal(raw, &marker); err != nil {
		return nil, fmt.Errorf("%w: %s is not a string", ErrMarkerMismatch, m.Field)
	}

	switch marker {
	case m.Inbound:
		records, err := decodeRecords[SkriningCKG](payload, fields, "pasien_ckg_id")
		if err != nil {
			return nil, err
		}
		return Inbound{Screenings: records}, nil
	case m.Outbound:
		records, err := decodeRecords[StatusPasien](payload, fields, "terduga_id")
		if err != nil {
			return nil, err
		}
		return Outbound{Statuses: records}, nil
	default:
		return nil, fmt.Errorf("%w: %s=%q", ErrMarkerMismatch, m.Field, marker)
	}
}

func decodeRecords[T any](payload []byte, fields map[string]json.RawMessage, keyField string) ([]T, error) {
	if data, ok := fields["data"]; ok {
		var records []T
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrMalformedPayload, err)
		}
		return records, nil
	}

	if _, ok := fields[keyField]; !ok {
		return nil, nil
	}
	var record T
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return []T{record}, nil
}

// DecodeInbound decodes a payload that must carry screenings.
func DecodeInbound(payload []byte, m Markers) (Inbound, error) {
	env, err := Decode(payload, m)
	if err != nil {
		return Inbound{}, err
	}
	in, ok := env.(Inbound)
	if !ok {
		return Inbound{}, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedKind, env.Kind(), KindInbound)
	}
	return in, nil
}

// DecodeOutbound decodes a payload that must carry patient statuses.
func DecodeOutbound(payload []byte, m Markers) (Outbound, error) {
	env, err := Decode(payload, m)
	if err != nil {
		return Outbound{}, err
	}
	out, ok := env.(Outbound)
	if !ok {
		return Outbound{}, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedKind, env.Kind(), KindOutbound)
	}
	return out, nil
}

// Encode writes the envelope as {"data": [...], <marker>: <sentinel>}.
func Encode(env Envelope, m Markers) ([]byte, error) {
	body := make(map[string]any, 2)
	switch e := env.(type) {
	case Inbound:
		body["data"] = nonNil(e.Screenings)
		body[m.Field] = m.Inbound
	case Outbound:
		body["data"] = nonNil(e.Statuses)
		body[m.Field] = m.Outbound
	default:
		return nil, fmt.Errorf("encode: unsupported envelope %T", env)
	}

	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
