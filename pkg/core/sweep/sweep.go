// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sweep parses compact sweep specifications (e.g. "start=1024,stop=2147483648,factor=2")
// and generates the corresponding sequence of values.
//
// A sweep is either geometric (factor is set: start, start*factor, start*factor², ...) or
// arithmetic (step is set: start, start+step, start+2*step, ...), always truncated at the largest
// value <= stop.
package sweep

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Spec of a sweep over int64 values.
//
// Exactly one of Step or Factor is non-zero in a valid Spec.
type Spec struct {
	Start, Stop int64

	// Step for arithmetic sweeps. Zero if not set.
	Step int64

	// Factor for geometric sweeps. Zero if not set.
	Factor int64
}

const (
	// TokenSeparator separates the key=value tokens in a sweep specification.
	TokenSeparator = ","

	// KeyValueSeparator separates the key from the value in each token.
	KeyValueSeparator = "="
)

// Keys accepted in a sweep specification.
const (
	KeyStart  = "start"
	KeyStop   = "stop"
	KeyStep   = "step"
	KeyFactor = "factor"
)

// extractKV splits a "key=value" token.
func extractKV(token string) (key, value string, err error) {
	idx := strings.Index(token, KeyValueSeparator)
	if idx == -1 {
		return "", "", errors.Errorf("malformed token %q: expected \"key=value\"", token)
	}
	key = strings.TrimSpace(token[:idx])
	value = strings.TrimSpace(token[idx+1:])
	if value == "" {
		return "", "", errors.Errorf("malformed token %q: missing value for key %q", token, key)
	}
	return key, value, nil
}

// Parse a sweep specification formatted as a comma-separated list of key=value pairs, with keys
// "start", "stop" and one of "step" or "factor". E.g.: "start=1,stop=8,factor=2" generates {1,2,4,8}.
//
// The returned Spec is validated. Parsing never picks between conflicting settings: repeated keys
// or setting both "step" and "factor" is an error.
func Parse(unparsed string) (Spec, error) {
	var spec Spec
	if strings.TrimSpace(unparsed) == "" {
		return spec, errors.New("empty sweep specification")
	}
	seen := make(map[string]bool, 4)
	for token := range strings.SplitSeq(unparsed, TokenSeparator) {
		key, value, err := extractKV(token)
		if err != nil {
			return spec, errors.WithMessagef(err, "failed to parse sweep specification %q", unparsed)
		}
		var field *int64
		switch key {
		case KeyStart:
			field = &spec.Start
		case KeyStop:
			field = &spec.Stop
		case KeyStep:
			field = &spec.Step
		case KeyFactor:
			field = &spec.Factor
		default:
			return spec, errors.Errorf("cannot parse %q in sweep specification %q: unknown key %q, valid keys are %q, %q, %q and %q",
				token, unparsed, key, KeyStart, KeyStop, KeyStep, KeyFactor)
		}
		if seen[key] {
			return spec, errors.Errorf("key %q given more than once in sweep specification %q", key, unparsed)
		}
		seen[key] = true
		*field, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			return spec, errors.Wrapf(err, "value for key %q in sweep specification %q is not a 64-bit integer", key, unparsed)
		}
	}
	if !seen[KeyStart] || !seen[KeyStop] {
		return spec, errors.Errorf("sweep specification %q requires both %q and %q", unparsed, KeyStart, KeyStop)
	}
	if seen[KeyStep] && seen[KeyFactor] {
		return spec, errors.Errorf("sweep specification %q sets both %q and %q, only one is allowed", unparsed, KeyStep, KeyFactor)
	}
	if err := spec.Validate(); err != nil {
		return spec, errors.WithMessagef(err, "invalid sweep specification %q", unparsed)
	}
	return spec, nil
}

// IsGeometric returns whether the sweep multiplies by Factor at each step.
func (s Spec) IsGeometric() bool {
	return s.Factor != 0
}

// Validate checks that the Spec generates a well-defined non-empty sequence.
func (s Spec) Validate() error {
	if s.Start < 1 {
		return errors.Errorf("start must be >= 1, got %d", s.Start)
	}
	if s.Stop < s.Start {
		return errors.Errorf("stop (%d) must be >= start (%d)", s.Stop, s.Start)
	}
	switch {
	case s.Step != 0 && s.Factor != 0:
		return errors.Errorf("only one of step (%d) or factor (%d) can be set", s.Step, s.Factor)
	case s.Factor != 0:
		if s.Factor <= 1 {
			return errors.Errorf("factor must be > 1, got %d", s.Factor)
		}
	case s.Step != 0:
		if s.Step <= 0 {
			return errors.Errorf("step must be > 0, got %d", s.Step)
		}
	default:
		return errors.New("one of step or factor must be set")
	}
	return nil
}

// Values returns the sweep values in increasing order.
//
// It returns nil if the Spec is not valid, see Validate.
func (s Spec) Values() []int64 {
	if s.Validate() != nil {
		return nil
	}
	var values []int64
	current := s.Start
	for {
		values = append(values, current)
		if s.IsGeometric() {
			// current*Factor would exceed Stop (or overflow).
			if current > s.Stop/s.Factor {
				break
			}
			current *= s.Factor
		} else {
			if current > s.Stop-s.Step {
				break
			}
			current += s.Step
		}
	}
	return values
}

// String returns the canonical specification, which parses back to the same Spec.
func (s Spec) String() string {
	if s.IsGeometric() {
		return fmt.Sprintf("%s=%d,%s=%d,%s=%d", KeyStart, s.Start, KeyStop, s.Stop, KeyFactor, s.Factor)
	}
	return fmt.Sprintf("%s=%d,%s=%d,%s=%d", KeyStart, s.Start, KeyStop, s.Stop, KeyStep, s.Step)
}
