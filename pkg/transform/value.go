// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package transform

import (
	"encoding/json"
	"math"
	"strconv"
)

// Value is a decoded domain value: a number or a text label
type Value struct {
	num     float64
	text    string
	numeric bool
}

// Number returns a numeric value
func Number(f float64) Value {
	return Value{num: f, numeric: true}
}

// Text returns a text value
func Text(s string) Value {
	return Value{text: s}
}

// IsNumber reports whether v holds a number
func (v Value) IsNumber() bool {
	return v.numeric
}

// Float returns the number held by v
func (v Value) Float() (float64, bool) {
	return v.num, v.numeric
}

func (v Value) String() string {
	if v.numeric {
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	}
	return v.text
}

// Equal compares two values. Numbers match within rounding noise.
func (v Value) Equal(o Value) bool {
	if v.numeric != o.numeric {
		return false
	}
	if v.numeric {
		return math.Abs(v.num-o.num) < 1e-9
	}
	return v.text == o.text
}

// MarshalJSON renders numbers as JSON numbers and labels as strings
func (v Value) MarshalJSON() ([]byte, error) {
	if v.numeric {
		return json.Marshal(v.num)
	}
	return json.Marshal(v.text)
}
