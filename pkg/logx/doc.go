// Package logx configures autobot's structured logging.
//
// Components log through logx.Logger, a thin wrapper over zerolog:
//   - console output keeps a short timestamp and a file:line caller
//   - the file sink writes JSON lines and is rotated by lumberjack
//   - an optional Telegram sink forwards warnings to the operator chat
package logx
