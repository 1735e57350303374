package models

import (
	"encoding/json"
	"time"
)

// unavailable is the wire marker for a measurement a source did not provide.
const unavailable = `"N/A"`

// Reading is a single scalar measurement. A reading a source omitted or failed
// to deliver marshals as "N/A" instead of a number, so partial upstream
// failure stays visible in the payload without breaking its shape.
type Reading struct {
	Value float64
	OK    bool
}

// Avail returns a Reading holding v.
func Avail(v float64) Reading {
	return Reading{Value: v, OK: true}
}

func (r Reading) MarshalJSON() ([]byte, error) {
	if !r.OK {
		return []byte(unavailable), nil
	}
	return json.Marshal(r.Value)
}

func (r *Reading) UnmarshalJSON(b []byte) error {
	if string(b) == unavailable || string(b) == "null" {
		*r = Reading{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*r = Reading{Value: v, OK: true}
	return nil
}

// EnvReport is the merged environmental snapshot for one resolved city.
// Geocoded fields are always populated; each measurement degrades
// independently to "N/A". Immutable once built; stored verbatim as the cache
// payload so repeat reads within the TTL return byte-identical data.
type EnvReport struct {
	City      string    `json:"city"`
	Country   string    `json:"country"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	AQI       Reading   `json:"aqi"`
	PM25      Reading   `json:"pm2_5"`
	PM10      Reading   `json:"pm10"`
	CO        Reading   `json:"co"`
	NO2       Reading   `json:"no2"`
	O3        Reading   `json:"o3"`
	SO2       Reading   `json:"so2"`
	UVIndex   Reading   `json:"uv_index"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// SymptomLog is one per-user telemetry record. The same shape rides the queue
// and lands in the durable store, keyed by (UserID, ID). Caller-supplied
// fields are carried in Fields and flattened into the JSON object alongside
// the reserved keys, which the producer always stamps.
type SymptomLog struct {
	UserID    string
	ID        string
	CreatedAt string
	Fields    map[string]interface{}
}

// reserved JSON keys owned by the pipeline, never caller-overridable.
const (
	keyUserID    = "UserId"
	keyID        = "id"
	keyCreatedAt = "createdAt"
)

func (s SymptomLog) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(s.Fields)+3)
	for k, v := range s.Fields {
		flat[k] = v
	}
	flat[keyUserID] = s.UserID
	flat[keyID] = s.ID
	flat[keyCreatedAt] = s.CreatedAt
	return json.Marshal(flat)
}

func (s *SymptomLog) UnmarshalJSON(b []byte) error {
	var flat map[string]interface{}
	if err := json.Unmarshal(b, &flat); err != nil {
		return err
	}
	out := SymptomLog{Fields: make(map[string]interface{})}
	for k, v := range flat {
		switch k {
		case keyUserID:
			out.UserID, _ = v.(string)
		case keyID:
			out.ID, _ = v.(string)
		case keyCreatedAt:
			out.CreatedAt, _ = v.(string)
		default:
			out.Fields[k] = v
		}
	}
	*s = out
	return nil
}
