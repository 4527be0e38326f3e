package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// epochMillisFloor separates epoch seconds from epoch milliseconds. Any
// value at or above it is read as milliseconds (2001-09-09 in seconds).
const epochMillisFloor = 1e12

// wireID accepts an identifier sent as a JSON string or number.
type wireID string

func (id *wireID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = wireID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = wireID(n.String())
	return nil
}

// wireTime accepts an RFC 3339 string or a Unix epoch in seconds or
// milliseconds, as a number or a numeric string.
type wireTime time.Time

func (t *wireTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			*t = wireTime(parsed)
			return nil
		}
		raw = s
	}
	var n json.Number
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return fmt.Errorf("timestamp %s is neither RFC 3339 nor an epoch", string(data))
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", string(data), err)
	}
	*t = wireTime(fromEpoch(f))
	return nil
}

func fromEpoch(v float64) time.Time {
	if math.Abs(v) >= epochMillisFloor {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// UnmarshalJSON reads numeric ids and epoch timestamps as well as the
// string forms the engine writes.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		ID        wireID   `json:"id"`
		Timestamp wireTime `json:"timestamp"`
	}{
		plain:     (*plain)(m),
		ID:        wireID(m.ID),
		Timestamp: wireTime(m.Timestamp),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.ID = string(aux.ID)
	m.Timestamp = time.Time(aux.Timestamp)
	return nil
}

func (p *DeletePayload) UnmarshalJSON(data []byte) error {
	type plain DeletePayload
	aux := struct {
		*plain
		MessageID wireID `json:"messageId"`
	}{
		plain:     (*plain)(p),
		MessageID: wireID(p.MessageID),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.MessageID = string(aux.MessageID)
	return nil
}
