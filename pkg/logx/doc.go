// Package logx configures siemalert's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional ops sink: warn+ lines are forwarded to an operator channel
//     (webhook or Telegram chat) with min-level and rate limiting.
package logx
