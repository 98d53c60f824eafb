package serialmux

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotSample marks board output that is not a sample line (banners,
// command echoes, status text).
var ErrNotSample = errors.New("not a sample line")

func isSeparator(r rune) bool {
	return r == ',' || r == ';' || r == ' ' || r == '\t'
}

// ParseSampleLine parses one sample: channel values separated by commas,
// semicolons or whitespace. The line must carry exactly channels values.
func ParseSampleLine(line string, channels int) ([]float64, error) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return nil, ErrNotSample
	}
	fields := strings.FieldsFunc(line, isSeparator)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d %q", ErrNotSample, i, f)
		}
		out[i] = v
	}
	if len(out) != channels {
		return nil, fmt.Errorf("sample line has %d values, expected %d", len(out), channels)
	}
	return out, nil
}
