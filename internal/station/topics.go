package station

import "fmt"

// Protocol is the topic segment naming the station's line protocol.
const Protocol = "weatherstationFSK"

// ResetPayload is published on the status topic when the device reboots.
const ResetPayload = "Arduino reset"

// Topic suffixes, in publication order.
const (
	TopicStatus           = "status"
	TopicTemperature      = "temperature"
	TopicRelativeHumidity = "relative_humidity"
	TopicWindVelocity     = "wind_velocity"
	TopicWindMaximum      = "wind_maximum"
	TopicWindDirection    = "wind_direction"
	TopicRainfall         = "rainfall"
)

// Message is a single bus publish.
type Message struct {
	Topic    string
	Payload  string
	Retained bool
}

// Topics maps decoded frames onto the raw/<fqdn>/weatherstationFSK hierarchy.
type Topics struct {
	root string
}

func NewTopics(fqdn string) Topics {
	return Topics{root: fmt.Sprintf("raw/%s/%s", fqdn, Protocol)}
}

// Root returns the topic prefix shared by every reading.
func (t Topics) Root() string { return t.root }

func (t Topics) topic(suffix string) string {
	return t.root + "/" + suffix
}

// Messages returns the six reading publishes in fixed field order.
func (t Topics) Messages(r SensorReading) []Message {
	return []Message{
		{Topic: t.topic(TopicTemperature), Payload: r.Temperature.String()},
		{Topic: t.topic(TopicRelativeHumidity), Payload: r.RelativeHumidity.String()},
		{Topic: t.topic(TopicWindVelocity), Payload: r.WindVelocity.String()},
		{Topic: t.topic(TopicWindMaximum), Payload: r.WindMaximum.String()},
		{Topic: t.topic(TopicWindDirection), Payload: r.WindDirection},
		{Topic: t.topic(TopicRainfall), Payload: r.Rainfall.String()},
	}
}

// ResetMessage is the status publish for a device reset marker.
func (t Topics) ResetMessage() Message {
	return Message{Topic: t.topic(TopicStatus), Payload: ResetPayload}
}

// FrameMessages maps any parsed frame to its publishes.
func (t Topics) FrameMessages(f Frame) []Message {
	if f.Kind == FrameReset {
		return []Message{t.ResetMessage()}
	}
	return t.Messages(f.Reading)
}

// PresenceTopic is where an application retains its online/offline state.
func PresenceTopic(fqdn, app string) string {
	return fmt.Sprintf("clients/%s/%s/state", fqdn, app)
}
