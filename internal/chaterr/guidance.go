// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chaterr

import (
	"errors"
	"fmt"
)

// Category returns a short label for the failure category of err.
func Category(err error) string {
	switch KindOf(err) {
	case KindModelNotFound:
		return "Model not found"
	case KindResourceNotFound:
		return "Endpoint not found"
	case KindGenericAPI:
		return "Inference server error"
	case KindNetwork:
		return "Connection problem"
	case KindPersistence:
		return "Storage error"
	case KindValidation:
		return "Invalid request"
	case KindForbidden:
		return "Access denied"
	case KindRateLimited:
		return "Rate limited"
	default:
		return "Unexpected error"
	}
}

// Guidance returns remediation text for a failure shown to the user.
func Guidance(err error) string {
	var ce *Error
	errors.As(err, &ce)

	switch KindOf(err) {
	case KindModelNotFound:
		return fmt.Sprintf("The model %q is not available on the inference server. Pick another model or check the backend configuration.", ce.Model)
	case KindResourceNotFound:
		return "The inference endpoint could not be found. Check the configured base URL."
	case KindGenericAPI:
		return "The inference server rejected the request. Retry in a moment, and contact support if it keeps happening."
	case KindNetwork:
		return "The inference server could not be reached. Check your connection and the backend URL, then retry."
	case KindPersistence:
		return "The conversation could not be saved locally. Retry, and check disk space and permissions if it persists."
	case KindRateLimited:
		return "Too many requests were sent. Wait a moment and retry."
	default:
		return "Retry the request. Contact support if the problem continues."
	}
}
