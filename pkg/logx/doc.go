// Package logx configures discquiz's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + file:line caller)
//   - file output is JSON lines
//   - an optional Telegram log chat receives WARN+ events, rate limited
package logx
