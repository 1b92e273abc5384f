// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package model provides the Go struct representation of a gridchain
// pipeline definition. It parses the user's HCL files into a strongly-typed,
// fully evaluated in-memory model.
//
// # Core Concepts
//
//   - Pipeline: the root container. It aggregates every block parsed from one
//     or more .hcl files found under the pipeline path.
//
//   - Connection: where datasets run. A connection has a kind ("local" or
//     "ssh") and the settings its transport needs.
//
//   - Dataset: a function shipped to the remote host and the dataset names it
//     depends on. Dependencies become graph edges.
//
//   - Run: one set of arguments. Appending a run adds one generation to every
//     dataset at once.
//
//   - FSInfo: links every block back to its source file for error messages.
//
// # Evaluation
//
// Files are read in two passes. The first collects `variable` blocks and
// their defaults, the second decodes everything else with `var.<name>` and a
// few string functions (upper, lower, join, format) in scope. Defaults can be
// overridden from the command line.
package model
