// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging configures the process-wide structured logger.
//
// Log lines are event names with typed fields:
//
//	logging.L().Info("stream_finished",
//	    zap.String("chat_id", chatID),
//	    zap.Int("chars", n),
//	)
//
// The logger is a no-op until Init is called, so library packages can log
// unconditionally and tests stay quiet.
//
// # Usage
//
//	logger, err := logging.Init(logging.Options{Level: "debug"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
package logging
