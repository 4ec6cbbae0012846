package chip

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Options holds chip specific "name=value" settings.
type Options map[string]string

// ParseOptions parses a list of "name=value" or bare "name" (meaning "true")
// entries.
func ParseOptions(list []string) (Options, error) {
	opts := make(Options)
	for _, item := range list {
		name, value, found := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("bad chip option %q", item)
		}
		if !found {
			value = "true"
		}
		opts[name] = strings.TrimSpace(value)
	}
	return opts, nil
}

// Get returns the raw value of name or def.
func (o Options) Get(name, def string) string {
	if v, ok := o[name]; ok {
		return v
	}
	return def
}

// Bool returns the boolean value of name or def.
func (o Options) Bool(name string, def bool) (bool, error) {
	v, ok := o[name]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("chip option %s: %w", name, err)
	}
	return b, nil
}

// Int returns the integer value of name or def. Hex values need a 0x prefix.
func (o Options) Int(name string, def int) (int, error) {
	v, ok := o[name]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return def, fmt.Errorf("chip option %s: %w", name, err)
	}
	return int(n), nil
}

// Strictness controls how signature mismatches are handled.
type Strictness int

const (
	Strict Strictness = iota // mismatch is an error
	Warn                     // mismatch is logged
	Ignore                   // signature is not checked
)

func (s Strictness) String() string {
	switch s {
	case Strict:
		return "strict"
	case Warn:
		return "warn"
	case Ignore:
		return "ignore"
	}
	return fmt.Sprintf("Strictness(%d)", int(s))
}

// ParseStrictness parses "strict", "warn" or "ignore".
func ParseStrictness(s string) (Strictness, error) {
	switch strings.ToLower(s) {
	case "strict", "":
		return Strict, nil
	case "warn":
		return Warn, nil
	case "ignore":
		return Ignore, nil
	}
	return Strict, fmt.Errorf("unknown strictness %q (want strict, warn or ignore)", s)
}

// SignatureMismatchError reports an unexpected chip signature.
type SignatureMismatchError struct {
	Chip string
	Want []byte
	Got  []byte
}

func (e *SignatureMismatchError) Error() string {
	return fmt.Sprintf("%s: signature mismatch: got % X, want % X", e.Chip, e.Got, e.Want)
}

// CheckSignature compares a read signature with the expected one. With Warn
// the mismatch is passed to warnf and nil is returned.
func CheckSignature(chipID string, want, got []byte, s Strictness, warnf func(format string, args ...any)) error {
	if s == Ignore || want == nil || bytes.Equal(want, got) {
		return nil
	}
	err := &SignatureMismatchError{Chip: chipID, Want: want, Got: got}
	if s == Warn {
		if warnf != nil {
			warnf("%v", err)
		}
		return nil
	}
	return err
}
