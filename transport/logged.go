// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
)

type logged struct {
	inner  Transport
	logger *slog.Logger
	level  slog.Level
}

// NewLogged wraps inner and logs every received and sent frame at level.
func NewLogged(inner Transport, logger *slog.Logger, level slog.Level) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &logged{inner: inner, logger: logger, level: level}
}

// ReceiveFrame logs the frame or the error.
func (l *logged) ReceiveFrame(ctx context.Context) ([]byte, error) {
	frame, err := l.inner.ReceiveFrame(ctx)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, ErrClosed) {
			l.logger.Log(ctx, slog.LevelError, "recv from modbus master failed", "err", err)
		}
		return nil, err
	}
	l.logger.Log(ctx, l.level, "recv from modbus master", "request", hex.EncodeToString(frame))
	return frame, nil
}

// SendFrame logs the frame before sending it and the error if sending failed.
func (l *logged) SendFrame(ctx context.Context, frame []byte) error {
	l.logger.Log(ctx, l.level, "send to modbus master", "response", hex.EncodeToString(frame))
	err := l.inner.SendFrame(ctx, frame)
	if err != nil {
		l.logger.Log(ctx, slog.LevelError, "send to modbus master failed", "err", err)
	}
	return err
}

// Close forwards to the inner Transport without logging.
func (l *logged) Close() error {
	return l.inner.Close()
}
