package audit

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// TimestampLayout is the local-time layout of Record timestamps
// (YYYY.MM.DD-HH:MM:SS).
const TimestampLayout = "2006.01.02-15:04:05"

// Record is one logged action. A fresh Record is built per action and never
// mutated afterwards.
type Record struct {
	Action    string
	Status    string
	Timestamp time.Time
}

type recordBody struct {
	Description string `yaml:"description"`
	Status      string `yaml:"status"`
	Timestamp   string `yaml:"timestamp"`
}

type recordDoc struct {
	Action recordBody `yaml:"action"`
}

// Marshal encodes the record as the YAML document stored in the content store.
func (r Record) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(recordDoc{Action: recordBody{
		Description: r.Action,
		Status:      r.Status,
		Timestamp:   r.Timestamp.Format(TimestampLayout),
	}})
	if err != nil {
		return nil, fmt.Errorf("encode audit record: %w", err)
	}
	return out, nil
}

// FileName is the name the record is pinned under.
func (r Record) FileName() string {
	return "log_" + r.Timestamp.Format(TimestampLayout) + ".yaml"
}

// ParseRecord decodes a stored audit record. Timestamps are read in loc.
func ParseRecord(data []byte, loc *time.Location) (Record, error) {
	var doc recordDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Record{}, fmt.Errorf("decode audit record: %w", err)
	}
	if doc.Action.Description == "" {
		return Record{}, fmt.Errorf("decode audit record: missing action description")
	}
	ts, err := time.ParseInLocation(TimestampLayout, doc.Action.Timestamp, loc)
	if err != nil {
		return Record{}, fmt.Errorf("decode audit record timestamp: %w", err)
	}
	return Record{Action: doc.Action.Description, Status: doc.Action.Status, Timestamp: ts}, nil
}
