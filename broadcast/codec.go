package broadcast

import "github.com/bytedance/sonic"

// Encode serializes an event for the wire.
func Encode(ev Event) ([]byte, error) {
	return sonic.Marshal(ev)
}

// Decode parses a wire payload produced by Encode.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}
