package observability

import (
	"os"

	"orderfulfillment/internal/config"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const instrumentationScope = "order-fulfillment.manual"

// NewConsoleLogger returns the JSON console logger used before the OTel log
// pipeline is available, and as the only sink when telemetry is disabled.
func NewConsoleLogger() *zap.Logger {
	return zap.New(consoleCore(),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service.name", config.ServiceName)),
	)
}

// NewOTelLogger tees the console logger with the OpenTelemetry bridge so every
// record is also exported through the global LoggerProvider.
func NewOTelLogger() *zap.Logger {
	otelCore := otelzap.NewCore(instrumentationScope,
		otelzap.WithLoggerProvider(global.GetLoggerProvider()),
	)

	return zap.New(zapcore.NewTee(otelCore, consoleCore()),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service.name", config.ServiceName)),
	)
}

func consoleCore() zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.Lock(os.Stdout),
		zap.InfoLevel,
	)
}
