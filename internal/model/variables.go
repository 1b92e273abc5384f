// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file handles `variable` blocks and the evaluation context the rest of
// the pipeline is decoded with.
//
// Variables are resolved before anything else so that connection hosts,
// directories and run arguments can be parameterised per invocation without
// editing the pipeline files.
package model

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// hclVariableBlock is a `variable "name" { ... }` block.
type hclVariableBlock struct {
	Name        string    `hcl:"name,label"`
	Description string    `hcl:"description,optional"`
	Default     cty.Value `hcl:"default,optional"`
}

// hclVariablesFile is the first-pass view of a file: variables only.
type hclVariablesFile struct {
	Variables []*hclVariableBlock `hcl:"variable,block"`
	Remain    hcl.Body            `hcl:",remain"`
}

// Variable is a resolved pipeline variable.
type Variable struct {
	Name          string
	Description   string
	Value         cty.Value
	FSInformation *FSInfo

	// Overridden is true when the value came from the command line.
	Overridden bool
}

// functions available in every expression.
var functions = map[string]function.Function{
	"upper":  stdlib.UpperFunc,
	"lower":  stdlib.LowerFunc,
	"join":   stdlib.JoinFunc,
	"format": stdlib.FormatFunc,
}

// resolveVariables applies overrides to the declared defaults. Overrides for
// undeclared variables and variables left without a value are errors.
func resolveVariables(vars []*Variable, overrides map[string]string) error {
	byName := make(map[string]*Variable, len(vars))
	for _, v := range vars {
		byName[v.Name] = v
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, ok := byName[name]
		if !ok {
			return fmt.Errorf("value given for undeclared variable '%s'", name)
		}
		v.Value = cty.StringVal(overrides[name])
		v.Overridden = true
	}

	for _, v := range vars {
		if v.Value.IsNull() {
			return fmt.Errorf("%s has no default and no value was given", v.FSInformation.where("variable", v.Name))
		}
	}
	return nil
}

// evalContext builds the context pipeline expressions are evaluated in.
func evalContext(vars []*Variable) *hcl.EvalContext {
	values := make(map[string]cty.Value, len(vars))
	for _, v := range vars {
		values[v.Name] = v.Value
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(values)},
		Functions: functions,
	}
}
