package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// TestReading_MarshalJSON verifies that unavailable readings marshal as "N/A"
// and available readings marshal as plain numbers.
func TestReading_MarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   Reading
		want string
	}{
		{name: "available", in: Avail(42.5), want: "42.5"},
		{name: "available zero", in: Avail(0), want: "0"},
		{name: "unavailable", in: Reading{}, want: `"N/A"`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := json.Marshal(tc.in)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(got) != tc.want {
				t.Errorf("Marshal() = %s, want %s", got, tc.want)
			}
		})
	}
}

// TestReading_UnmarshalJSON verifies that "N/A", null, and numbers all parse
// back into the right Reading state.
func TestReading_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Reading
		wantErr bool
	}{
		{name: "number", in: "12.3", want: Avail(12.3)},
		{name: "unavailable sentinel", in: `"N/A"`, want: Reading{}},
		{name: "null", in: "null", want: Reading{}},
		{name: "other string rejected", in: `"high"`, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got Reading
			err := json.Unmarshal([]byte(tc.in), &got)
			if tc.wantErr {
				if err == nil {
					t.Fatal("Unmarshal() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got != tc.want {
				t.Errorf("Unmarshal(%s) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

// TestEnvReport_JSON verifies the report's wire shape: geocoded fields always
// numeric, missing measurements surfaced as "N/A" without dropping keys.
func TestEnvReport_JSON(t *testing.T) {
	report := EnvReport{
		City:      "London",
		Country:   "GB",
		Latitude:  51.5,
		Longitude: -0.12,
		AQI:       Avail(3),
		PM25:      Avail(8.1),
		FetchedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	b, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	s := string(b)

	if !strings.Contains(s, `"city":"London"`) {
		t.Errorf("payload missing city: %s", s)
	}
	if !strings.Contains(s, `"uv_index":"N/A"`) {
		t.Errorf("missing uv_index should marshal as N/A: %s", s)
	}
	if !strings.Contains(s, `"pm2_5":8.1`) {
		t.Errorf("available pm2_5 should marshal as number: %s", s)
	}

	var back EnvReport
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.City != report.City || back.AQI != report.AQI || back.UVIndex.OK {
		t.Errorf("round trip mismatch: got %+v", back)
	}
}

// TestSymptomLog_MarshalJSON verifies caller fields are flattened alongside
// the reserved keys, and that reserved keys come from the struct, never from
// Fields.
func TestSymptomLog_MarshalJSON(t *testing.T) {
	log := SymptomLog{
		UserID:    "user-1",
		ID:        "abc",
		CreatedAt: "2026-03-01T12:00:00Z",
		Fields: map[string]interface{}{
			"headache": 7,
			"notes":    "after run",
			"id":       "spoofed", // reserved key in caller fields loses
		},
	}

	b, err := json.Marshal(log)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var flat map[string]interface{}
	if err := json.Unmarshal(b, &flat); err != nil {
		t.Fatalf("Unmarshal flat: %v", err)
	}

	if flat["UserId"] != "user-1" {
		t.Errorf("UserId = %v, want user-1", flat["UserId"])
	}
	if flat["id"] != "abc" {
		t.Errorf("id = %v, want abc (reserved key must not be caller-overridable)", flat["id"])
	}
	if flat["createdAt"] != "2026-03-01T12:00:00Z" {
		t.Errorf("createdAt = %v", flat["createdAt"])
	}
	if flat["headache"] != float64(7) {
		t.Errorf("caller field headache = %v, want 7", flat["headache"])
	}
	if flat["notes"] != "after run" {
		t.Errorf("caller field notes = %v", flat["notes"])
	}
}

// TestSymptomLog_UnmarshalJSON verifies the flat wire object splits back into
// reserved keys plus Fields.
func TestSymptomLog_UnmarshalJSON(t *testing.T) {
	wire := `{"UserId":"user-2","id":"xyz","createdAt":"2026-03-02T08:00:00Z","fatigue":true,"severity":4}`

	var log SymptomLog
	if err := json.Unmarshal([]byte(wire), &log); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if log.UserID != "user-2" || log.ID != "xyz" || log.CreatedAt != "2026-03-02T08:00:00Z" {
		t.Errorf("reserved keys = (%q, %q, %q)", log.UserID, log.ID, log.CreatedAt)
	}
	if log.Fields["fatigue"] != true {
		t.Errorf("Fields[fatigue] = %v, want true", log.Fields["fatigue"])
	}
	if log.Fields["severity"] != float64(4) {
		t.Errorf("Fields[severity] = %v, want 4", log.Fields["severity"])
	}
	if _, ok := log.Fields["id"]; ok {
		t.Error("reserved key id leaked into Fields")
	}
}
