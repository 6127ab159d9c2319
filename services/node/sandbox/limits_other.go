// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

//go:build !linux

package sandbox

// ApplyLimits is a no-op off Linux; the supervisor's wall-clock
// deadline is the only enforced limit there. Production nodes run on
// Linux.
func ApplyLimits(pid int, limits Limits) error {
	return nil
}
