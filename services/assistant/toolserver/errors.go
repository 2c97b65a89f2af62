// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package toolserver

import "errors"

// Sentinel errors for the toolserver package.
var (
	// ErrUnknownServer indicates a namespace with no configured connector.
	ErrUnknownServer = errors.New("unknown tool server")

	// ErrUnknownTool indicates a tool the owning server did not advertise.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrServerUnavailable indicates the server could not be reached.
	ErrServerUnavailable = errors.New("tool server unavailable")

	// ErrInvalidArguments indicates arguments failed schema validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)
