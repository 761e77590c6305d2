package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// FormatVersion is written into every unit so readers can detect layout changes
const FormatVersion = 1

const (
	extJSON = ".json"
	extZstd = ".json.zst"
)

// zstdMagic is the frame header of a zstd stream
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Record is a single delivered result and the wall clock time it was accepted
type Record[R any] struct {
	Result    R         `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// Unit is the self describing document persisted for one bucket
type Unit[R any] struct {
	Version int    `json:"version"`
	RunID   string `json:"run_id,omitempty"`
	Bucket  Bucket `json:"bucket"`
	// Window is the bucket window length in seconds
	Window  int64       `json:"window"`
	Records []Record[R] `json:"records"`
}

// Encode serializes the unit as JSON, compressing with zstd when compress is
// true
func Encode[R any](u Unit[R], compress bool) ([]byte, error) {

	data, err := json.Marshal(u)

	if err != nil {
		return nil, fmt.Errorf("error encoding archive unit: %w", err)
	}

	if !compress {
		return data, nil
	}

	enc, err := zstd.NewWriter(nil)

	if err != nil {
		return nil, fmt.Errorf("error creating zstd encoder: %w", err)
	}

	defer enc.Close()

	return enc.EncodeAll(data, make([]byte, 0, len(data)/4)), nil
}

// Decode parses a unit written by Encode.  Compressed units are detected by
// their zstd frame header.
func Decode[R any](data []byte) (Unit[R], error) {

	var u Unit[R]

	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstd.NewReader(nil)

		if err != nil {
			return u, fmt.Errorf("error creating zstd decoder: %w", err)
		}

		defer dec.Close()

		data, err = dec.DecodeAll(data, nil)

		if err != nil {
			return u, fmt.Errorf("error decompressing archive unit: %w", err)
		}
	}

	err := json.Unmarshal(data, &u)

	if err != nil {
		return u, fmt.Errorf("error decoding archive unit: %w", err)
	}

	if u.Version != FormatVersion {
		return u, fmt.Errorf("unsupported archive unit version %d", u.Version)
	}

	return u, nil
}

// extension returns the file extension for the encoding
func extension(compress bool) string {
	if compress {
		return extZstd
	}

	return extJSON
}

// contentType returns the MIME type for the encoding
func contentType(compress bool) string {
	if compress {
		return "application/zstd"
	}

	return "application/json"
}
