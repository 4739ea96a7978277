package hamqtt

import (
	"regexp"
	"strings"

	"github.com/nugget/bambu-mqtt/internal/buildinfo"
	"github.com/nugget/bambu-mqtt/internal/config"
)

// DeviceInfo is the HA device registry block shared by every sensor the
// bridge announces, so HA groups them on one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SerialNumber string   `json:"serial_number,omitempty"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the retained discovery payload for one HA sensor.
type SensorConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id"`
	HasEntityName       bool       `json:"has_entity_name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JSONAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	ValueTemplate       string     `json:"value_template"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo builds the device block. The instance ID is the stable
// identifier; deviceName is what HA shows.
func NewDeviceInfo(instanceID, deviceName, serial string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Bambu Lab",
		Model:        "LAN MQTT bridge",
		SerialNumber: serial,
		SWVersion:    buildinfo.Version,
	}
}

var unsafeObjectID = regexp.MustCompile(`[^a-z0-9_]+`)

// objectID turns a telemetry key into something HA accepts in topics
// and entity IDs.
func objectID(key string) string {
	id := unsafeObjectID.ReplaceAllString(strings.ToLower(key), "_")
	return strings.Trim(id, "_")
}

// valueTemplate extracts key from the state document. Bracket syntax is
// used so keys that are not Jinja identifiers still resolve.
func valueTemplate(key string) string {
	return "{{ value_json['" + strings.ReplaceAll(key, "'", `\'`) + "'] }}"
}

type sensorDef struct {
	objectID string
	config   SensorConfig
}

// sensorDefinitions maps the configured sensors plus a diagnostic
// last-update sensor to discovery payloads.
func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	state := p.stateTopic()

	defs := make([]sensorDef, 0, len(p.cfg.Sensors)+1)
	for _, s := range p.cfg.Sensors {
		defs = append(defs, p.sensorDef(s, avail, state))
	}
	defs = append(defs, sensorDef{
		objectID: "last_update",
		config: SensorConfig{
			Name:              "Last Update",
			ObjectID:          "last_update",
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_last_update",
			StateTopic:        state,
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ value_json['" + updatedAtKey + "'] }}",
			Device:            p.device,
			Icon:              "mdi:clock-check",
			DeviceClass:       "timestamp",
			EntityCategory:    "diagnostic",
		},
	})
	return defs
}

func (p *Publisher) sensorDef(s config.SensorConfig, avail, state string) sensorDef {
	id := objectID(s.Key)
	name := s.Name
	if name == "" {
		name = s.Key
	}
	return sensorDef{
		objectID: id,
		config: SensorConfig{
			Name:              name,
			ObjectID:          id,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + id,
			StateTopic:        state,
			AvailabilityTopic: avail,
			ValueTemplate:     valueTemplate(s.Key),
			Device:            p.device,
			Icon:              s.Icon,
			UnitOfMeasurement: s.Unit,
			DeviceClass:       s.DeviceClass,
			StateClass:        s.StateClass,
		},
	}
}
