// Package logx configures chatbridge's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - level and sinks swappable at runtime through Service.Apply
package logx
