package domain

import "time"

// DataLogEntry is one parsed message from the data stream. Messages that
// fail to parse are kept as type "raw" with the original text and the parse
// error, so every byte received stays visible.
type DataLogEntry struct {
	ID         uint64
	Type       string
	Payload    map[string]any
	Raw        string
	ParseError string
	ReceivedAt time.Time
}
