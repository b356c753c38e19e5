package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Device is the last state a handset reported on connect.
type Device struct {
	// ID is chosen by the device itself and is untrusted input.
	ID       string    `json:"uuid"`
	Model    string    `json:"model,omitempty"`
	Battery  *Percent  `json:"battery,omitempty"`
	SIM1     *string   `json:"sim1,omitempty"`
	SIM2     *string   `json:"sim2,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// DeviceMetadata is what a connect event carries besides the identifier.
type DeviceMetadata struct {
	Model   string
	Battery *Percent
	SIM1    *string
	SIM2    *string
}

// DisplayName returns the model, falling back to the identifier.
func (d *Device) DisplayName() string {
	if d.Model != "" {
		return d.Model
	}
	return d.ID
}

// SIM returns the identifier reported for the given slot, if any.
func (d *Device) SIM(slot SIMSlot) *string {
	switch slot {
	case SIMSlot1:
		return d.SIM1
	case SIMSlot2:
		return d.SIM2
	}
	return nil
}

// Percent is a battery level. Devices send it as a number or, from HTML
// forms, as a numeric string.
type Percent int

// UnmarshalJSON implements json.Unmarshaler
func (p *Percent) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "null" {
		return nil
	}

	v, ok, err := ParsePercent(raw)
	if err != nil || !ok {
		return err
	}
	*p = v
	return nil
}

// ParsePercent parses a battery level such as "87", "87.5" or "87%".
// ok is false for a blank value.
func ParsePercent(raw string) (p Percent, ok bool, err error) {
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	if raw == "" {
		return 0, false, nil
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid battery level %q", raw)
	}
	return Percent(f), true, nil
}

// MarshalJSON implements json.Marshaler
func (p Percent) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(p))
}

// String implements fmt.Stringer
func (p Percent) String() string {
	return strconv.Itoa(int(p))
}
