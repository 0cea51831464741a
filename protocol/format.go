package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnknownParamType = errors.New("unknown parameter type")
	ErrMissingArg       = errors.New("missing command argument")
	ErrArgType          = errors.New("invalid argument type")
)

// ParamType is the wire type of one message parameter
type ParamType uint8

const (
	ParamUint32 ParamType = iota // %u
	ParamInt32                   // %i
	ParamUint16                  // %hu
	ParamInt16                   // %hi
	ParamByte                    // %c
	ParamString                  // %s
	ParamBuffer                  // %.*s
	ParamProgmem                 // %*s
)

var paramTypes = map[string]ParamType{
	"%u":   ParamUint32,
	"%i":   ParamInt32,
	"%hu":  ParamUint16,
	"%hi":  ParamInt16,
	"%c":   ParamByte,
	"%s":   ParamString,
	"%.*s": ParamBuffer,
	"%*s":  ParamProgmem,
}

// IsBytes reports whether the parameter is length-prefixed data
func (t ParamType) IsBytes() bool {
	return t == ParamString || t == ParamBuffer || t == ParamProgmem
}

// Param is one named field of a message format
type Param struct {
	Name string
	Type ParamType
}

// MessageFormat describes a command or response as declared in the data dictionary,
// e.g. "hx711_in_state oid=%c next_clock=%u value=%i".
type MessageFormat struct {
	ID     int
	Name   string
	Format string
	Params []Param
}

// ParseFormat parses a Klipper message format string
func ParseFormat(id int, format string) (*MessageFormat, error) {
	parts := strings.Fields(format)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty message format")
	}

	mf := &MessageFormat{ID: id, Name: parts[0], Format: format}
	for _, part := range parts[1:] {
		name, verb, ok := strings.Cut(part, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("format %q: malformed parameter %q", format, part)
		}
		pt, ok := paramTypes[verb]
		if !ok {
			return nil, fmt.Errorf("format %q: %w %q", format, ErrUnknownParamType, verb)
		}
		mf.Params = append(mf.Params, Param{Name: name, Type: pt})
	}
	return mf, nil
}

// Encode appends the message id and the command arguments to dst.
// Integer parameters given as strings are mapped through enums (pin names).
func (f *MessageFormat) Encode(dst []byte, cmd Command, enums Enumerations) ([]byte, error) {
	dst = AppendVLQ(dst, int32(f.ID))
	for _, p := range f.Params {
		v, ok := cmd.Arg(p.Name)
		if !ok {
			return nil, fmt.Errorf("%s: %w %q", f.Name, ErrMissingArg, p.Name)
		}
		if p.Type.IsBytes() {
			switch b := v.(type) {
			case string:
				dst = AppendVLQBytes(dst, []byte(b))
			case []byte:
				dst = AppendVLQBytes(dst, b)
			default:
				return nil, fmt.Errorf("%s %s: %w %T", f.Name, p.Name, ErrArgType, v)
			}
			continue
		}
		n, err := intArg(p.Name, v, enums)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		dst = AppendVLQ(dst, int32(n))
	}
	return dst, nil
}

// Decode reads the parameters following an already consumed message id
func (f *MessageFormat) Decode(data *[]byte) (Params, error) {
	params := Params{Name: f.Name, Ints: make(map[string]int64, len(f.Params))}
	for _, p := range f.Params {
		if p.Type.IsBytes() {
			b, err := DecodeVLQBytes(data)
			if err != nil {
				return params, fmt.Errorf("%s %s: %w", f.Name, p.Name, err)
			}
			if params.Bytes == nil {
				params.Bytes = make(map[string][]byte)
			}
			params.Bytes[p.Name] = append([]byte(nil), b...)
			continue
		}
		v, err := DecodeVLQ(data)
		if err != nil {
			return params, fmt.Errorf("%s %s: %w", f.Name, p.Name, err)
		}
		switch p.Type {
		case ParamUint32:
			params.Ints[p.Name] = int64(uint32(v))
		case ParamUint16:
			params.Ints[p.Name] = int64(uint16(v))
		case ParamInt16:
			params.Ints[p.Name] = int64(int16(v))
		case ParamByte:
			params.Ints[p.Name] = int64(uint8(v))
		default:
			params.Ints[p.Name] = int64(v)
		}
	}
	return params, nil
}

func intArg(name string, v any, enums Enumerations) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		if val, ok := enums.Lookup(name, n); ok {
			return val, nil
		}
		if i, err := strconv.ParseInt(n, 0, 64); err == nil {
			return i, nil
		}
		return 0, fmt.Errorf("%s: unknown enumeration value %q", name, n)
	}
	return 0, fmt.Errorf("%s: %w %T", name, ErrArgType, v)
}

// Arg is a named command argument. Value is an integer type, a string or []byte.
type Arg struct {
	Name  string
	Value any
}

// Command is an outbound command descriptor, encoded against the dictionary at send time
type Command struct {
	Name string
	Args []Arg
}

// NewCommand builds a command from alternating name/value pairs
func NewCommand(name string, kv ...any) Command {
	cmd := Command{Name: name}
	for i := 0; i+1 < len(kv); i += 2 {
		cmd.Args = append(cmd.Args, Arg{Name: fmt.Sprint(kv[i]), Value: kv[i+1]})
	}
	return cmd
}

// Arg returns the value of the named argument
func (c Command) Arg(name string) (any, bool) {
	for _, a := range c.Args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// String renders the command in Klipper's text form, e.g. "query_hx711 oid=3 clock=0"
func (c Command) String() string {
	var sb strings.Builder
	sb.WriteString(c.Name)
	for _, a := range c.Args {
		fmt.Fprintf(&sb, " %s=%v", a.Name, a.Value)
	}
	return sb.String()
}

// Params holds the decoded fields of one received message
type Params struct {
	Name  string
	Ints  map[string]int64
	Bytes map[string][]byte

	// SentTime is the host clock time the message is attributed to. Unsolicited
	// reports have no originating request, so it equals ReceiveTime for them.
	SentTime    float64
	ReceiveTime float64
}

// Int returns an integer field
func (p Params) Int(name string) (int64, bool) {
	v, ok := p.Ints[name]
	return v, ok
}

// OID returns the oid field, or -1 when the message has none
func (p Params) OID() int {
	if v, ok := p.Ints["oid"]; ok {
		return int(v)
	}
	return -1
}

// ResponseHandler receives decoded response messages from the MCU
type ResponseHandler func(p Params)
