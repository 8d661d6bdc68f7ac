// Package logx configures jobchat's structured logging.
//
// A small value-type Logger sits on top of zerolog so components can carry
// fixed fields (comp=registry, actor=...) without holding a pointer to the
// sink. The sink itself lives in Service and can be swapped at runtime when
// the logging section of the config changes:
//   - Console output stays human readable (short timestamp + short caller)
//   - File output is JSON, one event per line
package logx
