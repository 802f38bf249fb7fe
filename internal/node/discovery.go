package node

import (
	"encoding/json"
	"fmt"
)

// SensorSpec describes one telemetry field as a Home Assistant sensor
// component.
type SensorSpec struct {
	// Key is the component key inside "cmps".
	Key string
	// Suffix is appended to the device ID to form the unique ID.
	Suffix string
	// Field is the property name in the state document.
	Field       string
	DeviceClass string
	// Unit is omitted from the document when empty.
	Unit string
}

// DefaultSensors are the ENS160 + AHT2x metrics published by
// [StatePublisher].
var DefaultSensors = []SensorSpec{
	{Key: "sensor_temp", Suffix: "_temp", Field: "temperature", DeviceClass: "temperature", Unit: "°C"},
	{Key: "sensor_hum", Suffix: "_hum", Field: "humidity", DeviceClass: "humidity", Unit: "%"},
	{Key: "sensor_eco2", Suffix: "_eco2", Field: "eco2", DeviceClass: "carbon_dioxide", Unit: "ppm"},
	{Key: "sensor_tvoc", Suffix: "_tvoc", Field: "tvoc", DeviceClass: "volatile_organic_compounds_parts", Unit: "ppb"},
	{Key: "sensor_aqi", Suffix: "_aqi", Field: "aqi", DeviceClass: "aqi"},
}

// Staging budget for the discovery document. The envelope covers the
// device, origin and topic fields; each component gets a fixed share.
const (
	discoveryEnvelopeBytes  = 512
	discoveryComponentBytes = 256
)

// DiscoveryCapacity returns the staging capacity for a document with
// the given number of components.
func DiscoveryCapacity(components int) int {
	return discoveryEnvelopeBytes + components*discoveryComponentBytes
}

type discoveryDevice struct {
	IDs          []string `json:"ids"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"mf"`
	Model        string   `json:"mdl"`
	SWVersion    string   `json:"sw"`
	HWVersion    string   `json:"hw,omitempty"`
}

type discoveryOrigin struct {
	Name      string `json:"name"`
	SWVersion string `json:"sw"`
}

type discoveryComponent struct {
	Platform      string `json:"p"`
	Name          string `json:"name,omitempty"`
	DeviceClass   string `json:"dev_cla,omitempty"`
	Unit          string `json:"unit_of_meas,omitempty"`
	StateClass    string `json:"stat_cla,omitempty"`
	ValueTemplate string `json:"val_tpl,omitempty"`
	CommandTopic  string `json:"cmd_t,omitempty"`
	PayloadPress  string `json:"pl_prs,omitempty"`
	UniqueID      string `json:"uniq_id"`
}

// BuildDiscovery renders the combined device discovery document: the
// device block, availability and state topics, one sensor component
// per [SensorSpec] and one button per command. The document is staged in a
// [Buffer] sized by [DiscoveryCapacity]; if it does not fit,
// [ErrDiscoveryTooLarge] is returned and no document is produced.
func BuildDiscovery(id Identity, sensors []SensorSpec, commands []Command) ([]byte, error) {
	buf := NewBuffer(DiscoveryCapacity(len(sensors) + len(commands)))
	w := &stagingWriter{buf: buf}

	w.raw(`{"dev":`)
	w.json(discoveryDevice{
		IDs:          []string{id.ID},
		Name:         id.Name,
		Manufacturer: id.Manufacturer,
		Model:        id.Model,
		SWVersion:    id.SWVersion,
		HWVersion:    id.HWVersion,
	})
	w.raw(`,"o":`)
	w.json(discoveryOrigin{Name: "envnode", SWVersion: id.SWVersion})
	w.raw(`,"avty_t":`)
	w.json(id.Topics.Availability)
	w.raw(`,"stat_t":`)
	w.json(id.Topics.State)
	w.raw(`,"cmps":{`)

	first := true
	component := func(key string, c discoveryComponent) {
		if !first {
			w.raw(",")
		}
		first = false
		w.json(key)
		w.raw(":")
		w.json(c)
	}
	for _, s := range sensors {
		component(s.Key, discoveryComponent{
			Platform:      "sensor",
			DeviceClass:   s.DeviceClass,
			Unit:          s.Unit,
			StateClass:    "measurement",
			ValueTemplate: "{{ value_json." + s.Field + " }}",
			UniqueID:      id.ID + s.Suffix,
		})
	}
	for _, c := range commands {
		component("button_"+c.Name, discoveryComponent{
			Platform:     "button",
			Name:         c.Label,
			CommandTopic: id.Topics.Command,
			PayloadPress: c.Name,
			UniqueID:     id.ID + "_" + c.Name,
		})
	}
	w.raw("}}")

	if w.err != nil {
		return nil, w.err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// stagingWriter appends to a bounded buffer and remembers the first
// failure so callers can check once at the end.
type stagingWriter struct {
	buf *Buffer
	err error
}

func (w *stagingWriter) raw(s string) {
	if w.err != nil {
		return
	}
	if _, err := w.buf.WriteString(s); err != nil {
		w.err = fmt.Errorf("%w (capacity %d)", ErrDiscoveryTooLarge, w.buf.Cap())
	}
}

func (w *stagingWriter) json(v any) {
	if w.err != nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		w.err = fmt.Errorf("marshal discovery field: %w", err)
		return
	}
	w.raw(string(b))
}
