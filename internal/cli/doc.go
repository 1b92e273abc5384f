// Package cli is responsible for parsing command-line arguments, validating
// user input, and handling process-level concerns like exit codes. Each
// command opens an app.App from the global flags, runs one lifecycle verb and
// closes it again.
package cli
