package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLedgerAcceptsBothDayShapes(t *testing.T) {
	legacy, err := ParseLedger([]byte(`{"days":{"2026-02-16":[{"app":"X","minutes":120}]}}`))
	require.NoError(t, err)
	object, err := ParseLedger([]byte(`{"days":{"2026-02-16":{"entries":[{"app":"X","minutes":120}]}}}`))
	require.NoError(t, err)

	assert.Equal(t, DayShapeLegacy, legacy.Days["2026-02-16"].Shape)
	assert.Equal(t, DayShapeObject, object.Days["2026-02-16"].Shape)
	assert.Equal(t, legacy.Days["2026-02-16"].Entries, object.Days["2026-02-16"].Entries)
}

func TestDayRecordRoundTripKeepsShape(t *testing.T) {
	in := `{"days":{"2026-02-16":[{"app":"X","minutes":5}],"2026-02-17":{"entries":[{"app":"Y","minutes":7}],"systemVersion":"17.4","deviceName":"iPhone"}},"tzOffsetHours":11}`
	l, err := ParseLedger([]byte(in))
	require.NoError(t, err)

	out, err := json.Marshal(l)
	require.NoError(t, err)

	var generic map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &generic))
	assert.JSONEq(t, `[{"app":"X","minutes":5}]`, string(generic["days"]["2026-02-16"]))
	assert.JSONEq(t, `{"entries":[{"app":"Y","minutes":7}],"systemVersion":"17.4","deviceName":"iPhone"}`, string(generic["days"]["2026-02-17"]))
}

func TestEntryToleratesLooseMinutes(t *testing.T) {
	var entries []Entry
	require.NoError(t, json.Unmarshal([]byte(`[
		{"app":"A","minutes":"45"},
		{"app":"B"},
		{"app":"C","minutes":"lots"},
		{"app":"D","minutes":12.9},
		{"app":"E","minutes":-3},
		{"app":7,"minutes":1}
	]`), &entries))

	assert.Equal(t, []Entry{
		{App: "A", Minutes: 45},
		{App: "B", Minutes: 0},
		{App: "C", Minutes: 0},
		{App: "D", Minutes: 12},
		{App: "E", Minutes: 0},
		{App: "", Minutes: 1},
	}, entries)
}

func TestTZOffsetDefaultsToZero(t *testing.T) {
	tests := map[string]int{
		`{"days":{}}`:                       0,
		`{"days":{},"tzOffsetHours":11}`:    11,
		`{"days":{},"tzOffsetHours":-5}`:    -5,
		`{"days":{},"tzOffsetHours":"+3"}`:  3,
		`{"days":{},"tzOffsetHours":"GMT"}`: 0,
		`{"days":{},"tzOffsetHours":null}`:  0,
	}
	for in, want := range tests {
		l, err := ParseLedger([]byte(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, l.TZOffsetHours.Hours(), in)
	}
}

func TestParseLedgerRejectsGarbage(t *testing.T) {
	for _, in := range []string{`{"days":`, `[]`, `"ledger"`, `{"days":"oops"}`} {
		_, err := ParseLedger([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestMalformedDaysDoNotHideOtherDays(t *testing.T) {
	l, err := ParseLedger([]byte(`{"days":{
		"2026-02-16":{"entries":[{"app":"TikTok","minutes":600}]},
		"2026-02-17":"oops",
		"2026-02-18":42,
		"2026-02-19":{"entries":"TikTok (2h)"},
		"2026-02-20":[{"app":"Safari","minutes":30},"junk",7,null],
		"2026-02-21":{"entries":[{"app":"Maps","minutes":5}],"deviceName":3}
	}}`))
	require.NoError(t, err)

	assert.Equal(t, []Entry{{App: "TikTok", Minutes: 600}}, l.Days["2026-02-16"].Entries)
	assert.Equal(t, DayShapeUnknown, l.Days["2026-02-17"].Shape)
	assert.Empty(t, l.Days["2026-02-17"].Entries)
	assert.Equal(t, DayShapeUnknown, l.Days["2026-02-18"].Shape)
	assert.Equal(t, DayShapeUnknown, l.Days["2026-02-19"].Shape)
	assert.Empty(t, l.Days["2026-02-19"].Entries)
	assert.Equal(t, []Entry{{App: "Safari", Minutes: 30}, {}, {}, {}}, l.Days["2026-02-20"].Entries)
	assert.Equal(t, []Entry{{App: "Maps", Minutes: 5}}, l.Days["2026-02-21"].Entries)
	assert.Empty(t, l.Days["2026-02-21"].DeviceName)
}

func TestUnknownDayIsWrittenBackUnchanged(t *testing.T) {
	l, err := ParseLedger([]byte(`{"days":{"2026-02-17":"oops","2026-02-18":42,"2026-02-19":{"entries":"TikTok (2h)"}}}`))
	require.NoError(t, err)

	out, err := json.Marshal(l)
	require.NoError(t, err)

	var generic map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &generic))
	assert.JSONEq(t, `"oops"`, string(generic["days"]["2026-02-17"]))
	assert.JSONEq(t, `42`, string(generic["days"]["2026-02-18"]))
	assert.JSONEq(t, `{"entries":"TikTok (2h)"}`, string(generic["days"]["2026-02-19"]))
}

func TestGoalHoursFallsBackToDailyLimit(t *testing.T) {
	g := &Goal{DailyLimit: 2, NumDays: 5}
	assert.Equal(t, 10.0, g.GoalHours())

	g = &Goal{DailyLimit: 2}
	assert.Equal(t, 14.0, g.GoalHours())

	g = &Goal{DailyLimit: 2, NumDays: 5, WeeklyLimit: 20}
	assert.Equal(t, 20.0, g.GoalHours())
}

func TestGoalDefaults(t *testing.T) {
	g := &Goal{}
	assert.Equal(t, StatusActive, g.CurrentStatus())
	assert.True(t, g.Renews())
	assert.Equal(t, int64(1000), g.ChargeAmount(1000))

	no := false
	g.AutoRenew = &no
	g.Amount = 2500
	assert.False(t, g.Renews())
	assert.Equal(t, int64(2500), g.ChargeAmount(1000))
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusPassed, StatusCharged, StatusCancelled, StatusFailedNoPayment, StatusChargeAbandoned} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusActive, StatusChargeFailed, StatusRequiresAuthentication} {
		assert.False(t, s.Terminal(), s)
	}
}
