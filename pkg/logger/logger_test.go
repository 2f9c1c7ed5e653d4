package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// hijack 把全局 Log 换成写内存 buffer 的 JSON logger
func hijack(t *testing.T) *bytes.Buffer {
	buffer := &bytes.Buffer{}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.MessageKey = "msg"
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(buffer), zap.DebugLevel)

	prev := Log
	Log = zap.New(core)
	t.Cleanup(func() { Log = prev })
	return buffer
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "日志输出必须是合法的 JSON")
	return entry
}

func TestLogger_Info_WithTraceAndRequestID(t *testing.T) {
	buffer := hijack(t)

	ctx := context.WithValue(context.Background(), TraceIdKey, "trace-12345")
	ctx = context.WithValue(ctx, RequestIdKey, "req-1")

	Info(ctx, "deposit detected", zap.String("chain_id", "10"), zap.Int64("block", 100))

	entry := decode(t, buffer)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "deposit detected", entry["msg"])
	assert.Equal(t, "10", entry["chain_id"])
	assert.Equal(t, float64(100), entry["block"])
	assert.Equal(t, "trace-12345", entry["trace_id"])
	assert.Equal(t, "req-1", entry["request_id"])
}

func TestLogger_Warn_NoTraceID(t *testing.T) {
	buffer := hijack(t)

	Warn(context.Background(), "zero gas used", zap.String("tx_hash", "0xabc"))

	entry := decode(t, buffer)
	_, exists := entry["trace_id"]
	assert.False(t, exists, "没有 TraceID 的 Context 不应该输出 trace_id 字段")
	assert.Equal(t, "warn", entry["level"])
}

func TestLogger_NilContext(t *testing.T) {
	buffer := hijack(t)

	//nolint:staticcheck // 兼容调用方传 nil
	Debug(nil, "boot")

	entry := decode(t, buffer)
	assert.Equal(t, "boot", entry["msg"])
}

func TestSetLevel(t *testing.T) {
	require.NoError(t, SetLevel("warn"))
	assert.Equal(t, zap.WarnLevel, atomicLevel.Level())
	assert.Error(t, SetLevel("loud"))
	assert.Equal(t, zap.WarnLevel, atomicLevel.Level(), "非法级别不应改变当前级别")
	require.NoError(t, SetLevel("info"))
}
