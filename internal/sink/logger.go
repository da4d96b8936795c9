// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sink

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// zerologAdapter routes watermill's logging through zerolog.
type zerologAdapter struct {
	logger zerolog.Logger
}

// NewLogger wraps logger for watermill.
func NewLogger(logger zerolog.Logger) watermill.LoggerAdapter {
	return &zerologAdapter{logger: logger}
}

func (z *zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	z.logger.Error().Fields(map[string]interface{}(fields)).Err(err).Msg(msg)
}

// Info maps to debug; watermill is chatty.
func (z *zerologAdapter) Info(msg string, fields watermill.LogFields) {
	z.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (z *zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	z.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (z *zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	z.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (z *zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &zerologAdapter{logger: z.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}

var _ watermill.LoggerAdapter = (*zerologAdapter)(nil)
