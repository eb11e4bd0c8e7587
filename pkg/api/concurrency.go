package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const ConcurrencyAuto = "auto"

// Concurrency is either a fixed ordered sweep of values or "auto", in which case
// the values are resolved from a hardware probe before the first pass.
type Concurrency struct {
	Auto   bool
	Values []int
}

func FixedConcurrency(values ...int) Concurrency {
	return Concurrency{Values: values}
}

func AutoConcurrency() Concurrency {
	return Concurrency{Auto: true}
}

func (c Concurrency) IsZero() bool {
	return !c.Auto && len(c.Values) == 0
}

// IsSweep reports whether more than one pass value is configured.
func (c Concurrency) IsSweep() bool {
	return len(c.Values) > 1
}

func (c Concurrency) Validate() error {
	if c.Auto {
		if len(c.Values) > 0 {
			return fmt.Errorf("concurrency cannot be both auto and fixed")
		}
		return nil
	}
	if len(c.Values) == 0 {
		return fmt.Errorf("concurrency is required")
	}
	for _, v := range c.Values {
		if v < 1 {
			return fmt.Errorf("concurrency values must be positive, got %d", v)
		}
	}
	return nil
}

func (c Concurrency) String() string {
	if c.Auto {
		return ConcurrencyAuto
	}
	parts := make([]string, 0, len(c.Values))
	for _, v := range c.Values {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ",")
}

func (c Concurrency) MarshalJSON() ([]byte, error) {
	switch {
	case c.Auto:
		return json.Marshal(ConcurrencyAuto)
	case len(c.Values) == 0:
		return []byte("null"), nil
	case len(c.Values) == 1:
		return json.Marshal(c.Values[0])
	default:
		return json.Marshal(c.Values)
	}
}

func (c *Concurrency) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*c = Concurrency{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.EqualFold(strings.TrimSpace(s), ConcurrencyAuto) {
			c.Auto = true
			return nil
		}
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("invalid concurrency: %q", s)
		}
		c.Values = []int{v}
		return nil
	case '[':
		var values []int
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("invalid concurrency list: %w", err)
		}
		c.Values = values
		return nil
	default:
		var v int
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("invalid concurrency: %w", err)
		}
		c.Values = []int{v}
		return nil
	}
}
