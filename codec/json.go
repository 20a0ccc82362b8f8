package codec

import "encoding/json"

// JSON is the standard-library JSON codec.
//
// It is the most portable option: map keys are emitted in sorted order, which
// makes it the canonical choice for checksummed backup payloads.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

// Default is the default codec used by the library.
//
// Snapshots and backups are serialized with whichever codec is configured.
// Backup checksums additionally require the serialization to be
// deterministic; both built-in codecs qualify (sorted map keys).
var Default Codec = JSON{}
