package dispatch

import (
	"go.uber.org/zap"

	"BulkSend/internal/notify"
)

// runLog writes every line to zap and streams it to the notifier as a log
// event with a severity tag.
type runLog struct {
	log      *zap.Logger
	notifier notify.Notifier
}

func (l runLog) emit(kind notify.LogType, text string, fields ...zap.Field) {
	switch kind {
	case notify.LogWarning:
		l.log.Warn(text, fields...)
	case notify.LogError:
		l.log.Error(text, fields...)
	default:
		l.log.Info(text, append(fields, zap.String("type", string(kind)))...)
	}
	l.notifier.Notify(notify.EventLog, notify.LogPayload{Text: text, Type: kind})
}

func (l runLog) Info(text string, fields ...zap.Field)    { l.emit(notify.LogInfo, text, fields...) }
func (l runLog) Success(text string, fields ...zap.Field) { l.emit(notify.LogSuccess, text, fields...) }
func (l runLog) Warn(text string, fields ...zap.Field)    { l.emit(notify.LogWarning, text, fields...) }
func (l runLog) Error(text string, fields ...zap.Field)   { l.emit(notify.LogError, text, fields...) }
