package node

// Identity is the fixed description of a device. It is built once at
// startup and shared read-only.
type Identity struct {
	ID           string
	Name         string
	Manufacturer string
	Model        string
	SWVersion    string
	HWVersion    string
	Topics       Topics
}

// Topics holds the well-known topic names of a device.
type Topics struct {
	State        string
	Availability string
	Command      string
	Discovery    string
}

// DefaultTopics derives the standard topic layout for device id under
// the given Home Assistant discovery prefix.
func DefaultTopics(id, discoveryPrefix string) Topics {
	return Topics{
		State:        id + "/state",
		Availability: id + "/availability",
		Command:      id + "/command",
		Discovery:    discoveryPrefix + "/sensor/" + id + "/config",
	}
}

// Payloads published on the availability topic.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)
