// Package logx is moodping's logging facade over zerolog.
//
// The console sink is human readable by default and JSON on request; the
// optional file sink always writes JSON. Service.Apply swaps level and sinks
// at runtime without invalidating Loggers handed out earlier.
package logx
