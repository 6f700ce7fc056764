/*
Package log configures certd's structured logging on top of zerolog.

New builds a zerolog.Logger from a Config (level, format, output) with no
package-level singleton: every component receives its logger explicitly
through its constructor, tagged with WithComponent and, where relevant,
WithFingerprint so every log line can be correlated back to the
certificate it concerns. Console output (zerolog.ConsoleWriter) is meant
for local development; JSON output is meant for production log
aggregation.
*/
package log
