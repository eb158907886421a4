// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
)

var modelNotFoundPattern = regexp.MustCompile("The model `([^`]+)` does not exist")

// errorBody accepts both the vLLM shape {object:"error", message} and the
// OpenAI shape {error:{message}}.
type errorBody struct {
	Object  string `json:"object"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (b *errorBody) message() string {
	if b.Message != "" {
		return b.Message
	}
	if b.Error != nil {
		return b.Error.Message
	}
	return ""
}

// classifyResponse maps a non-2xx response to the error taxonomy.
func classifyResponse(status int, body []byte, fallbackModel string) *chaterr.Error {
	if status == http.StatusNotFound {
		return classifyNotFound(body, fallbackModel)
	}
	return chaterr.APIError(status, strings.TrimSpace(string(body)))
}

// classifyNotFound separates a missing model from any other missing resource.
func classifyNotFound(body []byte, fallbackModel string) *chaterr.Error {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return chaterr.ResourceNotFound("Unable to parse error response")
	}

	msg := eb.message()
	if strings.Contains(msg, "does not exist") {
		name := fallbackModel
		if m := modelNotFoundPattern.FindStringSubmatch(msg); m != nil {
			name = m[1]
		}
		return chaterr.ModelNotFound(name)
	}
	return chaterr.ResourceNotFound(msg)
}
