// Package logx is a small structured-logging facade over zerolog.
//
// Components hold a Logger value; its zero value is a safe no-op, and a
// Logger obtained from Service stays live across Service.Apply() calls, so
// log level and sinks can change at runtime without re-plumbing loggers.
package logx
