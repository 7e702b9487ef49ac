package server

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RelayLogger stamps every relay event with the connection it concerns.
type RelayLogger struct {
	logger *zap.Logger
}

func NewRelayLogger(base *zap.Logger) *RelayLogger {
	if base == nil {
		base = zap.L()
	}
	return &RelayLogger{logger: base.With(zap.String("component", "relay"))}
}

func (l *RelayLogger) fields(event string, userID uuid.UUID, clientID string, extra []zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("event", event),
		zap.String("user_id", userID.String()),
		zap.String("client_id", clientID),
	}, extra...)
}

func (l *RelayLogger) Info(event string, userID uuid.UUID, clientID string, fields ...zap.Field) {
	l.logger.Info("relay_event", l.fields(event, userID, clientID, fields)...)
}

func (l *RelayLogger) Debug(event string, userID uuid.UUID, clientID string, fields ...zap.Field) {
	l.logger.Debug("relay_event", l.fields(event, userID, clientID, fields)...)
}

func (l *RelayLogger) Error(event string, userID uuid.UUID, clientID string, err error, fields ...zap.Field) {
	l.logger.Error("relay_error", l.fields(event, userID, clientID, append(fields, zap.Error(err)))...)
}

func (l *RelayLogger) Warn(event string, userID uuid.UUID, clientID string, fields ...zap.Field) {
	l.logger.Warn("relay_warning", l.fields(event, userID, clientID, fields)...)
}
