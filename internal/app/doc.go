// Package app contains the core application logic. It loads a pipeline
// definition, opens its connections, builds the dataset graph and exposes the
// lifecycle verbs, decoupled from any specific entrypoint like a CLI.
package app
