// Package normalize turns protocol-specific raw events into validated canonical readings.
//
// [Normalizer.Parse] either returns a reading or a [*RejectError] explaining why the event was
// dropped. Values are never clamped into range: an implausible value is rejected rather than
// replaced with a fabricated one. Every accepted reading carries a 0-100 quality score computed
// from a [QualityPolicy].
package normalize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ridelink/sensor-hub/internal/log"
	"github.com/ridelink/sensor-hub/pkg/sensor"
	"github.com/ridelink/sensor-hub/pkg/session"
)

// Reason classifies why a raw event was rejected.
type Reason string

const (
	ReasonMissingDeviceID Reason = "missing-device-id"
	ReasonMissingType     Reason = "missing-type"
	ReasonUnknownType     Reason = "unknown-type"
	ReasonNotNumeric      Reason = "not-numeric"
	ReasonOutOfRange      Reason = "out-of-range"
	ReasonDuplicate       Reason = "duplicate"
)

// RejectError is returned by Parse when a raw event does not produce a reading.
type RejectError struct {
	Reason   Reason
	DeviceID string
	Detail   string
}

func (e *RejectError) Error() string {
	var b strings.Builder
	b.WriteString("reading rejected")
	if e.DeviceID != "" {
		fmt.Fprintf(&b, " for %s", e.DeviceID)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	if e.Detail != "" {
		fmt.Fprintf(&b, " (%s)", e.Detail)
	}
	return b.String()
}

// IsReject returns the RejectError wrapped by err, if any.
func IsReject(err error) (*RejectError, bool) {
	var reject *RejectError
	if errors.As(err, &reject) {
		return reject, true
	}
	return nil, false
}

func reject(raw sensor.RawEvent, reason Reason, format string, a ...any) error {
	return &RejectError{Reason: reason, DeviceID: raw.DeviceID, Detail: fmt.Sprintf(format, a...)}
}

// Normalizer validates raw events. It is safe for concurrent use.
type Normalizer struct {
	policy   QualityPolicy
	now      func() time.Time
	sessions session.Provider
	dedup    *dedupCache
	logger   log.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock replaces time.Now as the source of timestamps for events that lack one.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

// WithQualityPolicy replaces DefaultQualityPolicy.
func WithQualityPolicy(p QualityPolicy) Option {
	return func(n *Normalizer) {
		n.policy = p
	}
}

// WithSessionProvider stamps accepted readings with the provider's active session. Without one,
// readings leave the normalizer with an empty SessionID.
func WithSessionProvider(p session.Provider) Option {
	return func(n *Normalizer) {
		n.sessions = p
	}
}

// WithDuplicateWindow rejects a reading whose device, metric, timestamp and value equal one
// accepted less than window ago. Suppression is off unless this option is given a positive window.
func WithDuplicateWindow(window time.Duration) Option {
	return func(n *Normalizer) {
		if window > 0 {
			n.dedup = newDedupCache(window)
		} else {
			n.dedup = nil
		}
	}
}

// New returns a Normalizer using DefaultQualityPolicy unless overridden.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		policy: DefaultQualityPolicy(),
		now:    time.Now,
		logger: log.For("normalize"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Policy returns the quality policy in use.
func (n *Normalizer) Policy() QualityPolicy {
	return n.policy
}

// Parse validates raw, received over protocol, and converts it to a reading. The returned error,
// if any, is a *RejectError and the reading is nil.
func (n *Normalizer) Parse(ctx context.Context, raw sensor.RawEvent, protocol sensor.Protocol) (*sensor.Reading, error) {
	if strings.TrimSpace(raw.DeviceID) == "" {
		return nil, reject(raw, ReasonMissingDeviceID, "")
	}
	if strings.TrimSpace(raw.Type) == "" {
		return nil, reject(raw, ReasonMissingType, "")
	}
	metric, ok := MetricType(raw.Type)
	if !ok {
		return nil, reject(raw, ReasonUnknownType, "%q", raw.Type)
	}
	value, ok := sensor.Numeric(raw.Value)
	if !ok || math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, reject(raw, ReasonNotNumeric, "%v", raw.Value)
	}

	limits := metricRanges[metric]
	value = round(value, limits.Decimals)
	if !limits.Contains(value) {
		return nil, reject(raw, ReasonOutOfRange, "%s %v outside [%v, %v] %s", metric, value, limits.Min, limits.Max, limits.Unit)
	}

	timestamp := n.now()
	hasTimestamp := raw.Timestamp != nil && !raw.Timestamp.IsZero()
	if hasTimestamp {
		timestamp = *raw.Timestamp
	}

	if n.dedup != nil && !n.dedup.admit(raw.DeviceID, metric, timestamp, value, n.now()) {
		return nil, reject(raw, ReasonDuplicate, "%s %v at %s", metric, value, timestamp.Format(time.RFC3339Nano))
	}

	reading := &sensor.Reading{
		DeviceID:   raw.DeviceID,
		SessionID:  n.activeSession(ctx),
		Timestamp:  timestamp,
		MetricType: metric,
		Value:      value,
		Unit:       limits.Unit,
		Quality:    n.policy.Score(protocol, hasTimestamp, len(raw.RawData) > 0, raw.SignalStrength),
		RawData:    Sanitize(raw.RawData),
	}
	return reading, nil
}

func (n *Normalizer) activeSession(ctx context.Context) string {
	if n.sessions == nil {
		return ""
	}
	id, err := n.sessions.ActiveSessionID(ctx)
	if err != nil {
		if !errors.Is(err, session.ErrNoActiveSession) {
			n.logger.Debug("Session lookup failed: %s", err)
		}
		return ""
	}
	return id
}
