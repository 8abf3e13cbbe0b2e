// Package sink delivers orchestrator events to the outside world: MQTT topics, a Kafka topic or
// an in-process channel. Every sink is non-blocking; slow transports queue internally and drop
// rather than stall the registry goroutine.
package sink

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ridelink/sensor-hub/pkg/orchestrator"
)

// Format selects the wire encoding of published events.
type Format string

const (
	// FormatJSON encodes events as JSON objects.
	FormatJSON Format = "json"
	// FormatProto encodes events as a binary google.protobuf.Struct.
	FormatProto Format = "proto"
)

// ParseFormat accepts "json" and "proto" (or "protobuf").
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "proto", "protobuf":
		return FormatProto, nil
	}
	return "", fmt.Errorf("unknown event format '%s'", s)
}

// ContentType returns the MIME type of the encoding.
func (f Format) ContentType() string {
	if f == FormatProto {
		return "application/x-protobuf"
	}
	return "application/json"
}

// Encode serializes ev.
func Encode(f Format, ev orchestrator.Event) ([]byte, error) {
	if err := timestamppb.New(ev.Timestamp).CheckValid(); err != nil {
		return nil, fmt.Errorf("event timestamp: %w", err)
	}
	encoded, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	if f != FormatProto {
		return encoded, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, err
	}
	message, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("event is not representable as a struct: %w", err)
	}
	return proto.Marshal(message)
}

// Decode parses an event produced by Encode.
func Decode(f Format, payload []byte) (orchestrator.Event, error) {
	var ev orchestrator.Event
	if f == FormatProto {
		var message structpb.Struct
		if err := proto.Unmarshal(payload, &message); err != nil {
			return ev, err
		}
		var err error
		if payload, err = protojson.Marshal(&message); err != nil {
			return ev, err
		}
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, err
	}
	return ev, nil
}
