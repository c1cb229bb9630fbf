package cloud

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Vendor power flags.
const (
	PowerOn  = "y"
	PowerOff = "n"
)

// Vendor mode values.
const (
	ModeCool = "cool"
	ModeHeat = "heat"
	ModeDry  = "dry"
	ModeFan  = "fan"
	ModeAuto = "auto"
)

// Vendor wind (fan speed) values.
const (
	WindAuto = "auto"
	WindLow  = "low"
	WindMid  = "mid"
	WindHigh = "high"
)

// msgSuccess is the vendor's "operation successful" message.
const msgSuccess = "操作成功"

// identityFields address a unit in control requests.
var identityFields = []string{"id", "groupId", "deviceNumber", "cid", "aid"}

// Device is one indoor unit as returned by getDetails.
//
// The typed fields mirror the vendor record; Fields keeps the complete raw
// record so identity values and unknown attributes round-trip unchanged.
type Device struct {
	ID       string
	Name     string
	Power    string
	Mode     string
	SetTemp  int
	FactTemp float64
	HasFact  bool
	Wind     string
	Swing    string
	Fields   map[string]json.RawMessage
}

// UnmarshalJSON decodes a vendor device record.
func (d *Device) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*d = Device{Fields: fields}
	d.ID = rawString(fields["id"])
	d.Name = rawString(fields["name"])
	d.Power = rawString(fields["power"])
	d.Mode = rawString(fields["mode"])
	d.Wind = rawString(fields["wind"])
	d.Swing = rawString(fields["swing"])
	if v, ok := rawNumber(fields["setTemp"]); ok {
		d.SetTemp = int(math.Round(v))
	}
	if v, ok := rawNumber(fields["factTemp"]); ok {
		d.FactTemp = v
		d.HasFact = true
	}
	return nil
}

// MarshalJSON encodes the device back into the vendor shape, typed fields winning.
func (d Device) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Fields)+8)
	for k, v := range d.Fields {
		out[k] = v
	}
	if _, ok := out["id"]; !ok && d.ID != "" {
		out["id"] = mustRaw(d.ID)
	}
	out["name"] = mustRaw(d.Name)
	out["power"] = mustRaw(d.Power)
	out["mode"] = mustRaw(d.Mode)
	out["setTemp"] = mustRaw(d.SetTemp)
	out["wind"] = mustRaw(d.Wind)
	out["swing"] = mustRaw(d.Swing)
	if d.HasFact {
		out["factTemp"] = mustRaw(d.FactTemp)
	}
	return json.Marshal(out)
}

// IsOn reports whether the unit is powered.
func (d *Device) IsOn() bool {
	return strings.EqualFold(d.Power, PowerOn)
}

// Control returns the identity block used to address this unit.
func (d *Device) Control() Control {
	c := make(Control, len(identityFields))
	for _, k := range identityFields {
		if v, ok := d.Fields[k]; ok {
			c[k] = v
		}
	}
	if _, ok := c["id"]; !ok && d.ID != "" {
		c["id"] = mustRaw(d.ID)
	}
	return c
}

// Operation returns the unit's current desired state.
func (d *Device) Operation() Operation {
	return Operation{
		Power:   d.Power,
		Mode:    d.Mode,
		SetTemp: d.SetTemp,
		Wind:    d.Wind,
		Swing:   d.Swing,
		Other:   d.Fields["other"],
	}
}

// Apply copies op onto the device's typed state.
func (d *Device) Apply(op Operation) {
	d.Power = op.Power
	d.Mode = op.Mode
	d.SetTemp = op.SetTemp
	d.Wind = op.Wind
	d.Swing = op.Swing
}

// Clone returns a deep copy.
func (d *Device) Clone() *Device {
	cp := *d
	cp.Fields = make(map[string]json.RawMessage, len(d.Fields))
	for k, v := range d.Fields {
		cp.Fields[k] = append(json.RawMessage(nil), v...)
	}
	return &cp
}

// Equal reports whether two snapshots carry the same climate state.
func (d *Device) Equal(o *Device) bool {
	return d.Name == o.Name &&
		d.Power == o.Power &&
		d.Mode == o.Mode &&
		d.SetTemp == o.SetTemp &&
		d.Wind == o.Wind &&
		d.Swing == o.Swing &&
		d.HasFact == o.HasFact &&
		d.FactTemp == o.FactTemp
}

// Control addresses a unit: id, groupId, deviceNumber, cid and aid as the vendor sent them.
type Control map[string]json.RawMessage

// Operation is the desired state sent with a control call.
type Operation struct {
	Power   string          `json:"power"`
	Mode    string          `json:"mode"`
	SetTemp int             `json:"setTemp"`
	Wind    string          `json:"wind"`
	Swing   string          `json:"swing"`
	Other   json.RawMessage `json:"other,omitempty"`
}

// Diff returns the fields of op that differ from base, keyed by vendor name.
func (op Operation) Diff(base Operation) map[string]any {
	diff := make(map[string]any)
	if op.Power != base.Power {
		diff["power"] = op.Power
	}
	if op.Mode != base.Mode {
		diff["mode"] = op.Mode
	}
	if op.SetTemp != base.SetTemp {
		diff["setTemp"] = op.SetTemp
	}
	if op.Wind != base.Wind {
		diff["wind"] = op.Wind
	}
	if op.Swing != base.Swing {
		diff["swing"] = op.Swing
	}
	return diff
}

// Session is an authenticated vendor session.
type Session struct {
	UserID string `json:"user_id"`
	Cookie string `json:"cookie"`
}

// Valid reports whether the session carries a user id.
func (s Session) Valid() bool {
	return s.UserID != ""
}

// envelope is the common vendor response wrapper.
type envelope struct {
	Code    json.RawMessage `json:"code"`
	Msg     string          `json:"msg"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (e *envelope) code() string {
	return rawString(e.Code)
}

func (e *envelope) ok() bool {
	return e.code() == "200" || e.Msg == msgSuccess
}

func (e *envelope) errorMessage() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("Unknown error (code: %s)", e.code())
}

type loginResult struct {
	ID json.RawMessage `json:"id"`
}

type detailsResult struct {
	Areas []struct {
		Data []Device `json:"data"`
	} `json:"areas"`
}

// rawString renders a JSON string or number as a Go string. null and absent values yield "".
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// rawNumber accepts a JSON number or a numeric string.
func rawNumber(raw json.RawMessage) (float64, bool) {
	s := rawString(raw)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
