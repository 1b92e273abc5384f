// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines the Pipeline structure, the root container for every
// block loaded from a user's .hcl files, and the loader that builds it.
//
// A user may split a pipeline across many files and directories. Loading
// discovers every file under the pipeline path and consolidates its blocks
// into one Pipeline, so a dataset can depend on a dataset declared in another
// file.
package model

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/gridchain/internal/ctxlog"
	"github.com/specialistvlad/gridchain/internal/fsutil"
)

// LocalConnection is the name of the implicit connection datasets use when
// they name none and no connection of that name is declared.
const LocalConnection = "local"

// Pipeline represents the user's pipeline definition.
type Pipeline struct {
	Settings    Settings
	Variables   []*Variable
	Connections []*Connection
	Datasets    []*Dataset
	Runs        []*Run
}

// Settings holds pipeline-wide options. At most one settings block may be
// declared across all files.
type Settings struct {
	// FanIn names the fan-in policy: "first", "all" or "reject".
	FanIn string `hcl:"fan_in,optional"`
	// Extra is shell text added to every job script.
	Extra string `hcl:"extra,optional"`
	// Base overrides the remote directory the shared files are written to.
	Base string `hcl:"base,optional"`
	// NotifyURL is the socket.io endpoint chain events are published to.
	NotifyURL string `hcl:"notify_url,optional"`
	// Lazy defers persisting appended runs to a single save at the end.
	Lazy bool `hcl:"lazy,optional"`
}

// Connection is a `connection "name" { ... }` block.
type Connection struct {
	Name         string `hcl:"name,label"`
	Kind         string `hcl:"kind"`
	Host         string `hcl:"host,optional"`
	User         string `hcl:"user,optional"`
	Port         int    `hcl:"port,optional"`
	IdentityFile string `hcl:"identity_file,optional"`
	KnownHosts   string `hcl:"known_hosts,optional"`
	Root         string `hcl:"root,optional"`
	Submitter    string `hcl:"submitter,optional"`
	Shell        string `hcl:"shell,optional"`
	Manifest     string `hcl:"manifest,optional"`

	FSInformation *FSInfo
}

// Dataset is a `dataset "name" { ... }` block.
type Dataset struct {
	Name         string   `hcl:"name,label"`
	Connection   string   `hcl:"connection,optional"`
	Function     string   `hcl:"function"`
	Entrypoint   string   `hcl:"entrypoint"`
	DependsOn    []string `hcl:"depends_on,optional"`
	Extra        string   `hcl:"extra,optional"`
	ExtraFiles   []string `hcl:"extra_files,optional"`
	LocalDir     string   `hcl:"local_dir,optional"`
	RemoteDir    string   `hcl:"remote_dir,optional"`
	Asynchronous bool     `hcl:"asynchronous,optional"`
	AvoidNodes   bool     `hcl:"avoid_nodes,optional"`

	FSInformation *FSInfo
}

// Run is a `run "name" { ... }` block. Unset flags fall back to each
// dataset's own.
type Run struct {
	Name         string            `hcl:"name,label"`
	Arguments    map[string]string `hcl:"arguments,optional"`
	Extra        string            `hcl:"extra,optional"`
	Dir          string            `hcl:"dir,optional"`
	Asynchronous *bool             `hcl:"asynchronous,optional"`
	AvoidNodes   *bool             `hcl:"avoid_nodes,optional"`

	FSInformation *FSInfo
}

// hclPipelineFile represents the top-level structure of a pipeline file for
// the second decoding pass.
type hclPipelineFile struct {
	Variables   []*hclVariableBlock `hcl:"variable,block"`
	Settings    []*Settings         `hcl:"settings,block"`
	Connections []*Connection       `hcl:"connection,block"`
	Datasets    []*Dataset          `hcl:"dataset,block"`
	Runs        []*Run              `hcl:"run,block"`
}

// Load finds and parses every HCL file under path into a Pipeline. overrides
// replace variable defaults by name.
func Load(ctx context.Context, path string, overrides map[string]string) (*Pipeline, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading pipeline from path", "path", path)

	files, err := fsutil.FindFilesByExtension(path, ".hcl")
	if err != nil {
		return nil, fmt.Errorf("failed to find pipeline files in %s: %w", path, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl pipeline files found in %s", path)
	}

	parser := hclparse.NewParser()
	bodies := make([]hcl.Body, len(files))
	p := &Pipeline{}
	for i, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		bodies[i] = hclFile.Body

		var vf hclVariablesFile
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &vf); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode variables in %s: %w", file, diags)
		}
		for _, v := range vf.Variables {
			p.Variables = append(p.Variables, &Variable{
				Name:          v.Name,
				Description:   v.Description,
				Value:         v.Default,
				FSInformation: NewFSInfo(file),
			})
		}
	}
	if err := resolveVariables(p.Variables, overrides); err != nil {
		return nil, err
	}
	evalCtx := evalContext(p.Variables)

	var settings int
	for i, file := range files {
		var pf hclPipelineFile
		if diags := gohcl.DecodeBody(bodies[i], evalCtx, &pf); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}
		for _, s := range pf.Settings {
			settings++
			if settings > 1 {
				return nil, fmt.Errorf("settings declared more than once (again in %s)", file)
			}
			p.Settings = *s
		}
		for _, c := range pf.Connections {
			c.FSInformation = NewFSInfo(file)
			p.Connections = append(p.Connections, c)
		}
		for _, d := range pf.Datasets {
			d.FSInformation = NewFSInfo(file)
			p.Datasets = append(p.Datasets, d)
		}
		for _, r := range pf.Runs {
			r.FSInformation = NewFSInfo(file)
			p.Runs = append(p.Runs, r)
		}
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	logger.Info("Pipeline loaded.", "files", len(files), "datasets", len(p.Datasets), "connections", len(p.Connections), "runs", len(p.Runs))
	return p, nil
}

// validate checks names are unique and every reference resolves.
func (p *Pipeline) validate() error {
	connections := make(map[string]*Connection, len(p.Connections))
	for _, c := range p.Connections {
		if prev, ok := connections[c.Name]; ok {
			return fmt.Errorf("%s is already declared in %s", c.FSInformation.where("connection", c.Name), prev.FSInformation.FilePath)
		}
		connections[c.Name] = c
	}

	datasets := make(map[string]*Dataset, len(p.Datasets))
	for _, d := range p.Datasets {
		if prev, ok := datasets[d.Name]; ok {
			return fmt.Errorf("%s is already declared in %s", d.FSInformation.where("dataset", d.Name), prev.FSInformation.FilePath)
		}
		datasets[d.Name] = d
	}
	for _, d := range p.Datasets {
		if d.Connection != "" && d.Connection != LocalConnection {
			if _, ok := connections[d.Connection]; !ok {
				return fmt.Errorf("%s uses undeclared connection '%s'", d.FSInformation.where("dataset", d.Name), d.Connection)
			}
		}
		for _, dep := range d.DependsOn {
			if dep == d.Name {
				return fmt.Errorf("%s depends on itself", d.FSInformation.where("dataset", d.Name))
			}
			if _, ok := datasets[dep]; !ok {
				return fmt.Errorf("%s depends on undeclared dataset '%s'", d.FSInformation.where("dataset", d.Name), dep)
			}
		}
	}

	runs := make(map[string]bool, len(p.Runs))
	for _, r := range p.Runs {
		if runs[r.Name] {
			return fmt.Errorf("%s is declared more than once", r.FSInformation.where("run", r.Name))
		}
		runs[r.Name] = true
	}
	return nil
}

// ConnectionFor returns the connection dataset d runs on. A dataset naming
// no connection uses the implicit local one.
func (p *Pipeline) ConnectionFor(d *Dataset) *Connection {
	name := d.Connection
	if name == "" {
		name = LocalConnection
	}
	for _, c := range p.Connections {
		if c.Name == name {
			return c
		}
	}
	return &Connection{Name: LocalConnection, Kind: LocalConnection}
}

// Run returns the named run block.
func (p *Pipeline) Run(name string) (*Run, bool) {
	for _, r := range p.Runs {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}
