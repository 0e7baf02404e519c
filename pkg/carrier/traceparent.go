// Package carrier encodes trace context as a W3C traceparent string for
// transports whose clients have no propagation hook of their own.
//
//	00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01
//	^  ^ trace id (32 hex)              ^ span id (16)   ^ flags
//	version
package carrier

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	tr "go.opentelemetry.io/otel/trace"
)

// HeaderName is the conventional header/metadata key of the carrier.
const HeaderName = "traceparent"

const (
	version      = "00"
	numFields    = 4
	traceIDWidth = 32
	spanIDWidth  = 16
	flagsWidth   = 2
)

// ErrMalformed is wrapped by every DecodeError.
var ErrMalformed = errors.New("malformed traceparent")

// DecodeError describes why a carrier string was rejected.
type DecodeError struct {
	Carrier string
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("traceparent %q: %s", e.Carrier, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }

// TraceParent is the decoded form of a carrier string.
type TraceParent struct {
	TraceID tr.TraceID
	SpanID  tr.SpanID
	Flags   tr.TraceFlags
}

// Encode renders the carrier string. The caller passes valid ids.
func Encode(traceID tr.TraceID, spanID tr.SpanID, flags tr.TraceFlags) string {
	var b strings.Builder
	b.Grow(len(version) + traceIDWidth + spanIDWidth + flagsWidth + numFields - 1)
	b.WriteString(version)
	b.WriteByte('-')
	b.WriteString(hex.EncodeToString(traceID[:]))
	b.WriteByte('-')
	b.WriteString(hex.EncodeToString(spanID[:]))
	b.WriteByte('-')
	b.WriteString(hex.EncodeToString([]byte{byte(flags)}))
	return b.String()
}

func (p TraceParent) String() string {
	return Encode(p.TraceID, p.SpanID, p.Flags)
}

// Decode parses a carrier string. It never returns a partial result.
func Decode(s string) (TraceParent, error) {
	fields := strings.Split(s, "-")
	if len(fields) != numFields {
		return TraceParent{}, &DecodeError{Carrier: s, Reason: fmt.Sprintf("want %d fields, got %d", numFields, len(fields))}
	}
	if fields[0] != version {
		return TraceParent{}, &DecodeError{Carrier: s, Reason: fmt.Sprintf("unsupported version %q", fields[0])}
	}

	var p TraceParent
	if err := decodeID(fields[1], p.TraceID[:]); err != nil {
		return TraceParent{}, &DecodeError{Carrier: s, Reason: "trace id " + err.Error()}
	}
	if err := decodeID(fields[2], p.SpanID[:]); err != nil {
		return TraceParent{}, &DecodeError{Carrier: s, Reason: "span id " + err.Error()}
	}

	var flags [flagsWidth / 2]byte
	if err := decodeHex(fields[3], flags[:]); err != nil {
		return TraceParent{}, &DecodeError{Carrier: s, Reason: "flags " + err.Error()}
	}
	p.Flags = tr.TraceFlags(flags[0])
	return p, nil
}

// decodeID fills dst like decodeHex and rejects an all-zero id.
func decodeID(field string, dst []byte) error {
	if err := decodeHex(field, dst); err != nil {
		return err
	}
	for _, b := range dst {
		if b != 0 {
			return nil
		}
	}
	return errors.New("is all zero")
}

// decodeHex fills dst from lowercase hex of exactly 2*len(dst) digits.
func decodeHex(field string, dst []byte) error {
	if len(field) != 2*len(dst) {
		return fmt.Errorf("must be %d hex digits, got %d", 2*len(dst), len(field))
	}
	for i := 0; i < len(field); i++ {
		c := field[i]
		switch {
		case '0' <= c && c <= '9', 'a' <= c && c <= 'f':
		default:
			return fmt.Errorf("has non lowercase-hex character %q", c)
		}
	}
	_, err := hex.Decode(dst, []byte(field))
	return err
}
