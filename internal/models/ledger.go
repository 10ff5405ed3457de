package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Ledger is the per-identity usage document stored at {identityId}/all.json.
type Ledger struct {
	Days          map[string]DayRecord `json:"days"`
	Timezone      string               `json:"timezone,omitempty"`
	TZOffsetHours TZOffset             `json:"tzOffsetHours"`
	GoalHistory   []HistoryEntry       `json:"goalHistory,omitempty"`
}

func NewLedger() *Ledger {
	return &Ledger{Days: make(map[string]DayRecord)}
}

// ParseLedger decodes a stored ledger payload.
func ParseLedger(data []byte) (*Ledger, error) {
	l := NewLedger()
	if err := json.Unmarshal(data, l); err != nil {
		return nil, err
	}
	if l.Days == nil {
		l.Days = make(map[string]DayRecord)
	}
	return l, nil
}

type DayShape int

const (
	// DayShapeObject is {entries, systemVersion, deviceName}.
	DayShapeObject DayShape = iota
	// DayShapeLegacy is a bare [{app, minutes}] array.
	DayShapeLegacy
	// DayShapeUnknown is any other value. It reads as an empty day and is
	// written back unchanged.
	DayShapeUnknown
)

// DayRecord holds one day of usage in either stored shape. Decoding normalizes
// both shapes into Entries; encoding writes back the shape that was read.
type DayRecord struct {
	Shape         DayShape
	Entries       []Entry
	SystemVersion string
	DeviceName    string

	raw json.RawMessage
}

type dayObject struct {
	Entries       []Entry `json:"entries"`
	SystemVersion string  `json:"systemVersion,omitempty"`
	DeviceName    string  `json:"deviceName,omitempty"`
}

// UnmarshalJSON never fails: one malformed day must not hide the others.
func (d *DayRecord) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*d = DayRecord{}
	case b[0] == '[':
		*d = DayRecord{Shape: DayShapeLegacy, Entries: decodeEntries(b)}
	case b[0] == '{':
		var obj struct {
			Entries       json.RawMessage `json:"entries"`
			SystemVersion json.RawMessage `json:"systemVersion"`
			DeviceName    json.RawMessage `json:"deviceName"`
		}
		if err := json.Unmarshal(b, &obj); err != nil || !listOrAbsent(obj.Entries) {
			d.unknown(b)
			return nil
		}
		*d = DayRecord{
			Shape:         DayShapeObject,
			Entries:       decodeEntries(obj.Entries),
			SystemVersion: looseString(obj.SystemVersion),
			DeviceName:    looseString(obj.DeviceName),
		}
	default:
		d.unknown(b)
	}
	return nil
}

func listOrAbsent(b json.RawMessage) bool {
	b = bytes.TrimSpace(b)
	return len(b) == 0 || b[0] == '[' || bytes.Equal(b, []byte("null"))
}

func (d *DayRecord) unknown(b []byte) {
	*d = DayRecord{Shape: DayShapeUnknown, raw: append(json.RawMessage(nil), b...)}
}

// decodeEntries reads a JSON array of entries. Anything that is not an array
// yields no entries; an element that is not an object yields a zero entry.
func decodeEntries(b json.RawMessage) []Entry {
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return nil
	}
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		var e Entry
		_ = e.UnmarshalJSON(item)
		entries = append(entries, e)
	}
	return entries
}

func (d DayRecord) MarshalJSON() ([]byte, error) {
	if d.Shape == DayShapeUnknown && len(d.raw) > 0 {
		return d.raw, nil
	}
	entries := d.Entries
	if entries == nil {
		entries = []Entry{}
	}
	if d.Shape == DayShapeLegacy {
		return json.Marshal(entries)
	}
	return json.Marshal(dayObject{
		Entries:       entries,
		SystemVersion: d.SystemVersion,
		DeviceName:    d.DeviceName,
	})
}

// Entry is one normalized (app, minutes) usage record.
type Entry struct {
	App     string `json:"app"`
	Minutes int    `json:"minutes"`
}

// UnmarshalJSON tolerates a non-string app and a missing, string or fractional
// minutes value. Anything that is not a non-negative number reads as 0, and a
// value that is not an object reads as the zero Entry.
func (e *Entry) UnmarshalJSON(b []byte) error {
	var raw struct {
		App     json.RawMessage `json:"app"`
		Minutes json.RawMessage `json:"minutes"`
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' || json.Unmarshal(b, &raw) != nil {
		*e = Entry{}
		return nil
	}
	*e = Entry{App: looseString(raw.App), Minutes: looseInt(raw.Minutes)}
	if e.Minutes < 0 {
		e.Minutes = 0
	}
	return nil
}

// TZOffset is a whole-hour UTC offset. Absent or non-numeric values read as 0.
type TZOffset int

func (o *TZOffset) UnmarshalJSON(b []byte) error {
	*o = TZOffset(looseInt(b))
	return nil
}

func (o TZOffset) Hours() int { return int(o) }

func looseInt(b json.RawMessage) int {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		return clampInt(f)
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return clampInt(f)
		}
	}
	return 0
}

func looseString(b json.RawMessage) string {
	var s string
	if len(b) > 0 {
		_ = json.Unmarshal(b, &s)
	}
	return s
}

func clampInt(f float64) int {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int(f)
}
