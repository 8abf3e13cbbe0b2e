// Package identify classifies unlabeled radio peripherals.
//
// Classification is a sum of independent, bounded scoring rules (service UUIDs, local name,
// manufacturer data, characteristics, device information strings). Each rule can be unit tested
// on its own; [Identify] runs all of them, clamps the total to [0,100] and resolves the device type
// with services taking precedence over names, since services are a protocol guarantee while names
// are marketing text.
//
// Every function in this package is pure and safe for concurrent use.
package identify

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/ridelink/sensor-hub/pkg/sensor"
)

// MinClassificationConfidence is the confidence below which a tentative type is discarded in
// favour of sensor.TypeUnknown.
const MinClassificationConfidence = 20

const deviceInfoScore = 5

// Identification is the transient result of classifying one BLE peripheral.
type Identification struct {
	Type            sensor.DeviceType
	Category        string
	Confidence      int
	Services        []string
	Characteristics []string
	Capabilities    []string
	Manufacturer    string
	Model           string
	Company         *ManufacturerInfo
	NameMatch       *NameMatch
	// Scores records each rule's contribution, in evaluation order.
	Scores []RuleScore
}

// RuleScore is one scoring rule's contribution to an Identification.
type RuleScore struct {
	Rule  string
	Score int
}

type evidence struct {
	adv      sensor.Advertisement
	name     *NameMatch
	services ServiceAnalysis
	chars    CharacteristicAnalysis
	company  *ManufacturerInfo
}

type scoringRule struct {
	name  string
	max   int
	score func(e *evidence) int
}

var scoringRules = []scoringRule{
	{"services", maxServiceScore, func(e *evidence) int {
		return e.services.Confidence
	}},
	{"name", maxNameScore, func(e *evidence) int {
		if e.name == nil {
			return 0
		}
		return e.name.Confidence * maxNameScore / 100
	}},
	{"manufacturer", manufacturerScore, func(e *evidence) int {
		if e.company == nil {
			return 0
		}
		return manufacturerScore
	}},
	{"characteristics", maxCharacteristicScore, func(e *evidence) int {
		return e.chars.Confidence
	}},
	{"device-information", deviceInfoScore, func(e *evidence) int {
		if e.adv.Info.Empty() {
			return 0
		}
		return deviceInfoScore
	}},
}

// Identify produces a best-effort classification of a peripheral. It never fails: missing or
// malformed input only lowers the confidence, and the worst case is TypeUnknown with confidence 0.
func Identify(adv sensor.Advertisement) Identification {
	e := &evidence{
		adv:      adv,
		services: AnalyzeServices(adv.ServiceUUIDs),
		chars:    AnalyzeCharacteristics(adv.Characteristics),
	}
	if match, ok := AnalyzeName(adv.LocalName); ok {
		e.name = match
	}
	if company, ok := ParseManufacturerData(adv.ManufacturerData); ok {
		e.company = company
	}

	ident := Identification{
		Services:        e.services.Services,
		Characteristics: e.chars.Characteristics,
		Company:         e.company,
		NameMatch:       e.name,
	}
	total := 0
	for _, rule := range scoringRules {
		score := clamp(rule.score(e), 0, rule.max)
		ident.Scores = append(ident.Scores, RuleScore{Rule: rule.name, Score: score})
		total += score
	}
	ident.Confidence = clamp(total, 0, 100)

	ident.Type = sensor.TypeUnknown
	switch {
	case e.services.PrimaryType != sensor.TypeUnknown:
		ident.Type = e.services.PrimaryType
		// One CSC service covers speed-only, cadence-only and combined sensors.
		if ident.Type == sensor.TypeCadence && e.name != nil && e.name.Type == sensor.TypeSpeed {
			ident.Type = sensor.TypeSpeed
		}
	case e.name != nil:
		ident.Type = e.name.Type
	}
	if ident.Confidence < MinClassificationConfidence {
		ident.Type = sensor.TypeUnknown
	}
	ident.Category = CategoryOf(ident.Type)

	caps := newTagSet()
	caps.add(e.services.Capabilities...)
	caps.add(e.chars.Capabilities...)
	if e.company != nil {
		caps.add(CapManufacturerDataAD)
	}
	ident.Capabilities = caps.list()

	ident.Manufacturer = firstNonEmpty(strings.TrimSpace(adv.Info.ManufacturerName), nameField(e.name, true), companyName(e.company))
	ident.Model = firstNonEmpty(strings.TrimSpace(adv.Info.ModelNumber), nameField(e.name, false))
	return ident
}

// DeviceFromAdvertisement builds a new registry record for a BLE peripheral.
func DeviceFromAdvertisement(adv sensor.Advertisement, ident Identification) *sensor.Device {
	name := DeviceName(adv.LocalName, ident.Type, ident.Manufacturer, ident.Model, adv.Address)
	seen := adv.SeenAt
	if seen.IsZero() {
		seen = time.Now()
	}
	d := &sensor.Device{
		ID:              sensor.ProtocolBLE.DeviceID(adv.Address),
		Name:            name,
		Type:            ident.Type,
		Protocol:        sensor.ProtocolBLE,
		State:           sensor.StateDiscovered,
		SignalStrength:  sensor.NormalizeRSSI(adv.RSSI),
		Manufacturer:    ident.Manufacturer,
		Model:           ident.Model,
		FirmwareVersion: firstNonEmpty(adv.Info.FirmwareRevision, adv.Info.SoftwareRevision),
		Capabilities:    ident.Capabilities,
		Confidence:      ident.Confidence,
		LastSeen:        seen,
		Metadata:        advertisementMetadata(adv, ident),
	}
	if adv.BatteryLevel != nil {
		level := *adv.BatteryLevel
		d.BatteryLevel = &level
	}
	if d.Capabilities == nil {
		d.Capabilities = []string{}
	}
	d.DisplayName = DisplayName(d.Name, d.Type, d.Manufacturer, d.Model, d.BatteryLevel)
	return d
}

func advertisementMetadata(adv sensor.Advertisement, ident Identification) map[string]any {
	snapshot := map[string]any{
		"localName":   adv.LocalName,
		"rssi":        adv.RSSI,
		"connectable": adv.Connectable,
	}
	if len(adv.ServiceUUIDs) > 0 {
		snapshot["serviceUuids"] = anyList(adv.ServiceUUIDs)
	}
	if len(adv.ManufacturerData) > 0 {
		snapshot["manufacturerData"] = hex.EncodeToString(adv.ManufacturerData)
	}
	if adv.TxPower != 0 {
		snapshot["txPower"] = adv.TxPower
	}

	meta := map[string]any{
		"advertisement": snapshot,
		"category":      ident.Category,
	}
	if len(ident.Services) > 0 {
		meta["services"] = anyList(ident.Services)
	}
	if len(ident.Characteristics) > 0 {
		meta["characteristics"] = anyList(ident.Characteristics)
	}
	if ident.Company != nil {
		meta["companyId"] = int(ident.Company.CompanyID)
		meta["companyName"] = ident.Company.CompanyName
	}
	info := map[string]string{
		"serialNumber":     adv.Info.SerialNumber,
		"hardwareRevision": adv.Info.HardwareRevision,
		"firmwareRevision": adv.Info.FirmwareRevision,
		"softwareRevision": adv.Info.SoftwareRevision,
	}
	for k, v := range info {
		if v != "" {
			meta[k] = v
		}
	}
	return meta
}

func nameField(m *NameMatch, manufacturer bool) string {
	if m == nil {
		return ""
	}
	if manufacturer {
		return m.Manufacturer
	}
	return m.Model
}

func companyName(c *ManufacturerInfo) string {
	if c == nil {
		return ""
	}
	return c.CompanyName
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func anyList(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// tagSet accumulates capability tags, preserving first-seen order.
type tagSet struct {
	seen map[string]bool
	tags []string
}

func newTagSet() *tagSet {
	return &tagSet{seen: make(map[string]bool)}
}

func (s *tagSet) add(tags ...string) {
	for _, t := range tags {
		if t == "" || s.seen[t] {
			continue
		}
		s.seen[t] = true
		s.tags = append(s.tags, t)
	}
}

func (s *tagSet) list() []string {
	return s.tags
}

// MergeCapabilities returns the union of a and b, preserving order of first appearance.
func MergeCapabilities(a, b []string) []string {
	set := newTagSet()
	set.add(a...)
	set.add(b...)
	if set.tags == nil {
		return []string{}
	}
	return set.tags
}
