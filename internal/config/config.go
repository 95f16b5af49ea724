// Package config loads simulation scenarios: the superframe and waveform
// description, service profiles, MAC timing and the topology of satellites,
// beams and terminals.
package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/naoina/toml"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidScenario is returned by Validate and Load.
	ErrInvalidScenario = errors.New("invalid scenario")
	// ErrUnknownFormat is returned for a file extension Load cannot decode.
	ErrUnknownFormat = errors.New("unknown config format")
)

// Duration is a time.Duration written as a string such as "100ms".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// tomlSettings rejects keys that do not map to a field.
var tomlSettings = toml.Config{
	NormFieldName: toml.DefaultConfig.NormFieldName,
	FieldToKey:    toml.DefaultConfig.FieldToKey,
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// Load reads a scenario, choosing the decoder by extension (.yaml, .yml,
// .toml or .json). Keys absent from the file keep their Default value.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(s)
	case ".toml":
		err = tomlSettings.NewDecoder(bufio.NewReader(bytes.NewReader(data))).Decode(s)
		// Add file name to errors that have a line number.
		if _, ok := err.(*toml.LineError); ok {
			err = errors.New(path + ", " + err.Error())
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(s)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Marshal encodes s in the format named by ext ("yaml", "toml" or "json").
func Marshal(s *Scenario, ext string) ([]byte, error) {
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "yaml", "yml":
		return yaml.Marshal(s)
	case "toml":
		return tomlSettings.Marshal(s)
	case "json":
		return json.MarshalIndent(s, "", "  ")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, ext)
	}
}
