// Package logging provides file-based structured logging with rotation for
// ManualQA. When the --debug flag is set, comprehensive JSON logs are written
// to ~/.manualqa/logs/ for debugging and troubleshooting.
//
// By default (without --debug), logging is minimal and goes to stderr only.
package logging
