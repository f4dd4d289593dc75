/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import "fmt"

// ConstrainedInt is a tunable with a default and an inclusive range. When
// SpecialAllowed is set, SpecialValue is accepted even outside the range
// (for example 0 meaning "never").
type ConstrainedInt struct {
	Default        int  `json:"default"`
	Floor          int  `json:"floor"`
	Ceiling        int  `json:"ceiling"`
	SpecialValue   int  `json:"specialValue,omitempty"`
	SpecialAllowed bool `json:"specialAllowed,omitempty"`
}

// Apply resolves v: nil gives Default, an allowed special value is kept,
// anything else is clamped to [Floor, Ceiling].
func (c ConstrainedInt) Apply(v *int) int {
	r, _ := c.ApplyWithWarning("", v)
	return r
}

// ApplyWithWarning is Apply that also describes any adjustment made to v.
// The warning is empty when v was used as given.
func (c ConstrainedInt) ApplyWithWarning(name string, v *int) (int, string) {
	if v == nil {
		return c.Default, ""
	}
	if c.SpecialAllowed && *v == c.SpecialValue {
		return *v, ""
	}
	r := c.clamp(*v)
	if r == *v {
		return r, ""
	}
	if name == "" {
		name = "value"
	}
	if *v == c.SpecialValue {
		return r, fmt.Sprintf("%s: special value %d is not allowed, using %d", name, *v, r)
	}
	return r, fmt.Sprintf("%s: %d is outside [%d, %d], clamped to %d", name, *v, c.Floor, c.Ceiling, r)
}

func (c ConstrainedInt) clamp(v int) int {
	if v < c.Floor {
		return c.Floor
	}
	if v > c.Ceiling {
		return c.Ceiling
	}
	return v
}

// Validate checks Floor <= Default <= Ceiling. An allowed special value is
// also accepted as Default even outside the range: it is how a tunable is
// switched off globally, as with an idle timeout of 0.
func (c ConstrainedInt) Validate() error {
	if c.Floor > c.Ceiling {
		return fmt.Errorf("floor %d is above ceiling %d", c.Floor, c.Ceiling)
	}
	if c.SpecialAllowed && c.Default == c.SpecialValue {
		return nil
	}
	if c.Default < c.Floor || c.Default > c.Ceiling {
		return fmt.Errorf("default %d is outside [%d, %d]", c.Default, c.Floor, c.Ceiling)
	}
	return nil
}

// WithDefault returns a copy whose Default is v after Apply, and the
// warning produced by the adjustment.
func (c ConstrainedInt) WithDefault(name string, v int) (ConstrainedInt, string) {
	r, warn := c.ApplyWithWarning(name, &v)
	c.Default = r
	return c, warn
}
