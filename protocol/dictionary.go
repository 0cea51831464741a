package protocol

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Enumerations maps an enumeration name ("pin") to its value table
type Enumerations map[string]map[string]int64

// Lookup maps a symbolic value for the named parameter. A parameter uses
// enumeration "pin" when it is called "pin" or ends with "_pin".
func (e Enumerations) Lookup(param, value string) (int64, bool) {
	for enum, values := range e {
		if param != enum && !strings.HasSuffix(param, "_"+enum) {
			continue
		}
		v, ok := values[value]
		return v, ok
	}
	return 0, false
}

// Dictionary is the parsed MCU data dictionary
type Dictionary struct {
	Version       string
	BuildVersions string
	Config        map[string]string
	Enumerations  Enumerations

	commands  map[string]*MessageFormat // by name
	responses map[int]*MessageFormat    // by id
	raw       []byte
}

type rawDictionary struct {
	Version       string                                `json:"version"`
	BuildVersions string                                `json:"build_versions"`
	Config        map[string]json.RawMessage            `json:"config"`
	Commands      map[string]int                        `json:"commands"`
	Responses     map[string]int                        `json:"responses"`
	Output        map[string]int                        `json:"output"`
	Enumerations  map[string]map[string]json.RawMessage `json:"enumerations"`
}

// BootstrapDictionary knows only the identify exchange used to download the real one
func BootstrapDictionary() *Dictionary {
	d := &Dictionary{
		Config:    map[string]string{},
		commands:  map[string]*MessageFormat{},
		responses: map[int]*MessageFormat{},
	}
	identify, _ := ParseFormat(IdentifyID, "identify offset=%u count=%c")
	response, _ := ParseFormat(IdentifyResponseID, "identify_response offset=%u data=%.*s")
	d.commands[identify.Name] = identify
	d.responses[response.ID] = response
	return d
}

// ParseDictionary decodes dictionary JSON, inflating it first if it is zlib compressed
func ParseDictionary(data []byte) (*Dictionary, error) {
	if len(data) >= 2 && data[0] == 0x78 {
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to open zlib stream: %w", err)
		}
		inflated, err := io.ReadAll(zr)
		_ = zr.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to inflate dictionary: %w", err)
		}
		data = inflated
	}

	var raw rawDictionary
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	d := BootstrapDictionary()
	d.Version = raw.Version
	d.BuildVersions = raw.BuildVersions
	d.raw = data

	for format, id := range raw.Commands {
		mf, err := ParseFormat(id, format)
		if err != nil {
			return nil, err
		}
		d.commands[mf.Name] = mf
	}
	for _, table := range []map[string]int{raw.Responses, raw.Output} {
		for format, id := range table {
			mf, err := ParseFormat(id, format)
			if err != nil {
				return nil, err
			}
			d.responses[mf.ID] = mf
		}
	}

	for k, v := range raw.Config {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			d.Config[k] = s
			continue
		}
		d.Config[k] = string(v)
	}

	enums, err := parseEnumerations(raw.Enumerations)
	if err != nil {
		return nil, err
	}
	d.Enumerations = enums
	return d, nil
}

// parseEnumerations expands range entries such as "gpio0": [0, 30]
// into gpio0..gpio29.
func parseEnumerations(raw map[string]map[string]json.RawMessage) (Enumerations, error) {
	enums := Enumerations{}
	for name, values := range raw {
		table := map[string]int64{}
		for key, rv := range values {
			var single int64
			if err := json.Unmarshal(rv, &single); err == nil {
				table[key] = single
				continue
			}
			var rng [2]int64
			if err := json.Unmarshal(rv, &rng); err != nil {
				return nil, fmt.Errorf("enumeration %s.%s: %w", name, key, err)
			}
			root, start := splitNumericSuffix(key)
			if start < 0 {
				return nil, fmt.Errorf("enumeration %s.%s: range without numeric suffix", name, key)
			}
			for i := int64(0); i < rng[1]; i++ {
				table[root+strconv.FormatInt(start+i, 10)] = rng[0] + i
			}
		}
		enums[name] = table
	}
	return enums, nil
}

func splitNumericSuffix(s string) (string, int64) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) {
		return s, -1
	}
	n, _ := strconv.ParseInt(s[i:], 10, 64)
	return s[:i], n
}

// Command returns the format of a command by name
func (d *Dictionary) Command(name string) (*MessageFormat, bool) {
	mf, ok := d.commands[name]
	return mf, ok
}

// Response returns the format of a response by message id
func (d *Dictionary) Response(id int) (*MessageFormat, bool) {
	mf, ok := d.responses[id]
	return mf, ok
}

// Commands returns the command formats ordered by id
func (d *Dictionary) Commands() []*MessageFormat {
	return sortedFormats(d.commands)
}

// Responses returns the response and output formats ordered by id
func (d *Dictionary) Responses() []*MessageFormat {
	return sortedFormats(d.responses)
}

func sortedFormats[K comparable](m map[K]*MessageFormat) []*MessageFormat {
	out := make([]*MessageFormat, 0, len(m))
	for _, mf := range m {
		out = append(out, mf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NumCommands returns the number of known commands
func (d *Dictionary) NumCommands() int { return len(d.commands) }

// NumResponses returns the number of known responses
func (d *Dictionary) NumResponses() int { return len(d.responses) }

// Raw returns the uncompressed dictionary JSON
func (d *Dictionary) Raw() []byte { return d.raw }

// ConfigFloat returns a numeric entry of the dictionary config section (CLOCK_FREQ)
func (d *Dictionary) ConfigFloat(name string) (float64, error) {
	s, ok := d.Config[name]
	if !ok {
		return 0, fmt.Errorf("dictionary has no config value %s", name)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("config value %s: %w", name, err)
	}
	return v, nil
}

// EncodeCommand encodes a command into a message payload
func (d *Dictionary) EncodeCommand(cmd Command) ([]byte, error) {
	mf, ok := d.commands[cmd.Name]
	if !ok {
		return nil, fmt.Errorf("unknown command: %s", cmd.Name)
	}
	return mf.Encode(nil, cmd, d.Enumerations)
}

// DecodeMessages splits a frame payload into its messages
func (d *Dictionary) DecodeMessages(payload []byte) ([]Params, error) {
	var msgs []Params
	for len(payload) > 0 {
		id, err := DecodeVLQ(&payload)
		if err != nil {
			return msgs, err
		}
		mf, ok := d.responses[int(id)]
		if !ok {
			return msgs, fmt.Errorf("unknown message id %d", id)
		}
		p, err := mf.Decode(&payload)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, p)
	}
	return msgs, nil
}
