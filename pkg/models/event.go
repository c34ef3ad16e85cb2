package models

import (
	"fmt"
	"time"
)

// Event kinds accepted on the wire. Conversions carry a conversion_type in
// their payload and are bucketed under a per-type metric by the reducer.
const (
	KindUniques     = "uniques"
	KindPageviews   = "pageviews"
	KindSessions    = "sessions"
	KindConversions = "conversions"
)

// ValidKind reports whether k is one of the accepted event kinds.
func ValidKind(k string) bool {
	switch k {
	case KindUniques, KindPageviews, KindSessions, KindConversions:
		return true
	}
	return false
}

// Payload keys used by the client SDK. The payload map is opaque at the wire
// boundary and decoded into a typed EventPayload before any pipeline logic
// touches it.
const (
	PayloadKeyRandomizedBit    = "randomized_bit"
	PayloadKeyProbabilityTrue  = "probability_true"
	PayloadKeyProbabilityFalse = "probability_false"
	PayloadKeyVariance         = "variance"
	PayloadKeyConversionType   = "conversion_type"
	PayloadKeyHistoricalImport = "historical_import"
	PayloadKeyValue            = "value"
)

// PrivatizedEvent is one locally privatized client signal as submitted in a
// /shuffle batch. The payload stays an opaque map here because its shape
// depends on kind and plan; DecodePayload produces the typed form.
type PrivatizedEvent struct {
	SiteID          string                 `json:"site_id"`
	Kind            string                 `json:"kind"`             // uniques | pageviews | sessions | conversions
	Payload         map[string]interface{} `json:"payload"`          // randomized_bit + channel params, or historical_import + value
	EpsilonUsed     float64                `json:"epsilon_used"`     // per-report privacy spend, > 0
	SamplingRate    float64                `json:"sampling_rate"`    // client-side sampling in [0,1]
	ClientTimestamp time.Time              `json:"client_timestamp"` // UTC, RFC 3339
}

// EventPayload is the tagged internal form of the wire payload. Exactly one
// concrete type exists per event kind, plus HistoricalCount for
// pre-aggregated import rows which bypass the per-report pipeline gates.
type EventPayload interface {
	payloadKind() string
}

// PresencePayload is a randomized presence bit (kind: uniques).
type PresencePayload struct {
	Bit int // randomized response output, 0 or 1
}

// PageviewPayload is a randomized pageview bit.
type PageviewPayload struct {
	Bit int
}

// SessionPayload is a randomized session bit.
type SessionPayload struct {
	Bit int
}

// ConversionPayload is a randomized conversion bit with its conversion type.
type ConversionPayload struct {
	ConversionType string // reducer metric becomes "conversion:<type>"
	Bit            int
}

// HistoricalCount is a pre-aggregated import row. It carries a clear value
// and skips the k-anonymity threshold in the reducer.
type HistoricalCount struct {
	Value float64
}

func (PresencePayload) payloadKind() string   { return KindUniques }
func (PageviewPayload) payloadKind() string   { return KindPageviews }
func (SessionPayload) payloadKind() string    { return KindSessions }
func (ConversionPayload) payloadKind() string { return KindConversions }
func (HistoricalCount) payloadKind() string   { return "historical" }

// RandomizedBit returns the RR output bit for bit-carrying payloads. The
// second return is false for HistoricalCount rows.
func RandomizedBit(p EventPayload) (int, bool) {
	switch v := p.(type) {
	case PresencePayload:
		return v.Bit, true
	case PageviewPayload:
		return v.Bit, true
	case SessionPayload:
		return v.Bit, true
	case ConversionPayload:
		return v.Bit, true
	}
	return 0, false
}

// DecodePayload converts the opaque wire payload into its tagged form.
// Historical imports are recognized for any kind; otherwise the kind selects
// the concrete type and a 0/1 randomized_bit is required.
func DecodePayload(kind string, payload map[string]interface{}) (EventPayload, error) {
	if isHistorical(payload) {
		value, err := payloadNumber(payload, PayloadKeyValue)
		if err != nil {
			return nil, fmt.Errorf("historical import payload: %v", err)
		}
		if value < 0 {
			return nil, fmt.Errorf("historical import value must be >= 0, got %f", value)
		}
		return HistoricalCount{Value: value}, nil
	}

	bit, err := payloadBit(payload)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindUniques:
		return PresencePayload{Bit: bit}, nil
	case KindPageviews:
		return PageviewPayload{Bit: bit}, nil
	case KindSessions:
		return SessionPayload{Bit: bit}, nil
	case KindConversions:
		convType := "unknown"
		if raw, ok := payload[PayloadKeyConversionType]; ok {
			s, ok := raw.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("conversion_type must be a non-empty string")
			}
			convType = s
		}
		return ConversionPayload{ConversionType: convType, Bit: bit}, nil
	}
	return nil, fmt.Errorf("unknown event kind: %s", kind)
}

func isHistorical(payload map[string]interface{}) bool {
	raw, ok := payload[PayloadKeyHistoricalImport]
	if !ok {
		return false
	}
	b, ok := raw.(bool)
	return ok && b
}

func payloadBit(payload map[string]interface{}) (int, error) {
	n, err := payloadNumber(payload, PayloadKeyRandomizedBit)
	if err != nil {
		return 0, err
	}
	if n != 0 && n != 1 {
		return 0, fmt.Errorf("randomized_bit must be 0 or 1, got %f", n)
	}
	return int(n), nil
}

// payloadNumber reads a numeric payload field. JSON decoding yields float64;
// int is accepted for callers constructing payloads in-process.
func payloadNumber(payload map[string]interface{}, key string) (float64, error) {
	raw, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("missing payload field %q", key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("payload field %q is not numeric", key)
}
