//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"aircontrolbase-go-home/internal/climate"
)

const (
	manufacturer = "AirControlBase"
	model        = "Air conditioner"
)

// Command topic suffixes under <prefix>/<id>/set/.
const (
	cmdMode        = "mode"
	cmdTemperature = "temperature"
	cmdFanMode     = "fan_mode"
	cmdSwingMode   = "swing_mode"
	cmdPower       = "power"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/climate/aircontrolbase_101/climate/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haClimate is the discovery payload of an HVAC entity.
type haClimate struct {
	Name                       string           `json:"name"`
	UniqueID                   string           `json:"unique_id"`
	Availability               []haAvailability `json:"availability"`
	AvailabilityMode           string           `json:"availability_mode"`
	ModeStateTopic             string           `json:"mode_state_topic"`
	ModeStateTemplate          string           `json:"mode_state_template"`
	ModeCommandTopic           string           `json:"mode_command_topic"`
	Modes                      []string         `json:"modes"`
	TemperatureStateTopic      string           `json:"temperature_state_topic"`
	TemperatureStateTemplate   string           `json:"temperature_state_template"`
	TemperatureCommandTopic    string           `json:"temperature_command_topic"`
	CurrentTemperatureTopic    string           `json:"current_temperature_topic"`
	CurrentTemperatureTemplate string           `json:"current_temperature_template"`
	FanModeStateTopic          string           `json:"fan_mode_state_topic"`
	FanModeStateTemplate       string           `json:"fan_mode_state_template"`
	FanModeCommandTopic        string           `json:"fan_mode_command_topic"`
	FanModes                   []string         `json:"fan_modes"`
	SwingModeStateTopic        string           `json:"swing_mode_state_topic"`
	SwingModeStateTemplate     string           `json:"swing_mode_state_template"`
	SwingModeCommandTopic      string           `json:"swing_mode_command_topic"`
	SwingModes                 []string         `json:"swing_modes"`
	ActionTopic                string           `json:"action_topic"`
	ActionTemplate             string           `json:"action_template"`
	PowerCommandTopic          string           `json:"power_command_topic"`
	MinTemp                    int              `json:"min_temp"`
	MaxTemp                    int              `json:"max_temp"`
	TempStep                   float64          `json:"temp_step"`
	Precision                  float64          `json:"precision"`
	TemperatureUnit            string           `json:"temperature_unit"`
	Device                     haDevice         `json:"device"`
}

// haSensor is the discovery payload of a read-only sensor.
type haSensor struct {
	Name              string           `json:"name"`
	UniqueID          string           `json:"unique_id"`
	StateTopic        string           `json:"state_topic"`
	Availability      []haAvailability `json:"availability"`
	AvailabilityMode  string           `json:"availability_mode"`
	ValueTemplate     string           `json:"value_template"`
	UnitOfMeasurement string           `json:"unit_of_measurement"`
	DeviceClass       string           `json:"device_class"`
	StateClass        string           `json:"state_class"`
	Device            haDevice         `json:"device"`
}

// topics groups the MQTT topics of one unit.
type topics struct {
	prefix string
	id     string
}

func (t topics) state() string        { return t.prefix + "/" + t.id }
func (t topics) availability() string { return t.prefix + "/" + t.id + "/availability" }
func (t topics) bridge() string       { return t.prefix + "/bridge/state" }
func (t topics) command(attr string) string {
	return t.prefix + "/" + t.id + "/set/" + attr
}

// buildDiscovery generates HA discovery messages for one unit: the climate
// entity and a current temperature sensor.
func buildDiscovery(st climate.State, prefix, discoveryPrefix string) []discoveryMsg {
	t := topics{prefix: prefix, id: st.ID}
	nodeID := st.UniqueID
	avail := []haAvailability{{Topic: t.bridge()}, {Topic: t.availability()}}
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: manufacturer,
		Model:        model,
		Name:         st.Name,
	}

	modes := make([]string, len(st.HVACModes))
	for i, m := range st.HVACModes {
		modes[i] = string(m)
	}

	entity := haClimate{
		Name:                       st.Name,
		UniqueID:                   nodeID,
		Availability:               avail,
		AvailabilityMode:           "all",
		ModeStateTopic:             t.state(),
		ModeStateTemplate:          "{{ value_json.hvac_mode }}",
		ModeCommandTopic:           t.command(cmdMode),
		Modes:                      modes,
		TemperatureStateTopic:      t.state(),
		TemperatureStateTemplate:   "{{ value_json.temperature }}",
		TemperatureCommandTopic:    t.command(cmdTemperature),
		CurrentTemperatureTopic:    t.state(),
		CurrentTemperatureTemplate: "{{ value_json.current_temperature }}",
		FanModeStateTopic:          t.state(),
		FanModeStateTemplate:       "{{ value_json.fan_mode }}",
		FanModeCommandTopic:        t.command(cmdFanMode),
		FanModes:                   st.FanModes,
		SwingModeStateTopic:        t.state(),
		SwingModeStateTemplate:     "{{ value_json.swing_mode }}",
		SwingModeCommandTopic:      t.command(cmdSwingMode),
		SwingModes:                 st.SwingModes,
		ActionTopic:                t.state(),
		ActionTemplate:             "{{ value_json.hvac_action }}",
		PowerCommandTopic:          t.command(cmdPower),
		MinTemp:                    st.MinTemp,
		MaxTemp:                    st.MaxTemp,
		TempStep:                   climate.TempStep,
		Precision:                  st.Precision,
		TemperatureUnit:            st.TemperatureUnit,
		Device:                     haDev,
	}

	sensor := haSensor{
		Name:              st.Name + " Temperature",
		UniqueID:          nodeID + "_temperature",
		StateTopic:        t.state(),
		Availability:      avail,
		AvailabilityMode:  "all",
		ValueTemplate:     "{{ value_json.current_temperature }}",
		UnitOfMeasurement: "°C",
		DeviceClass:       "temperature",
		StateClass:        "measurement",
		Device:            haDev,
	}

	return []discoveryMsg{
		{Topic: fmt.Sprintf("%s/climate/%s/climate/config", discoveryPrefix, nodeID), Payload: mustJSON(entity)},
		{Topic: fmt.Sprintf("%s/sensor/%s/temperature/config", discoveryPrefix, nodeID), Payload: mustJSON(sensor)},
	}
}

// buildRemoveDiscovery generates empty retained messages to remove a unit
// from HA and clear its retained state.
func buildRemoveDiscovery(id, prefix, discoveryPrefix string) []discoveryMsg {
	nodeID := climate.UniqueID(id)
	t := topics{prefix: prefix, id: id}
	return []discoveryMsg{
		{Topic: fmt.Sprintf("%s/climate/%s/climate/config", discoveryPrefix, nodeID)},
		{Topic: fmt.Sprintf("%s/sensor/%s/temperature/config", discoveryPrefix, nodeID)},
		{Topic: t.state()},
		{Topic: t.availability()},
	}
}
