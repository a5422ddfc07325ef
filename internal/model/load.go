package model

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"gopkg.in/yaml.v3"
)

// cueRoot is the field holding the schema definition in CUE sources.
const cueRoot = "schema"

// LoadFile loads a schema from a .cue, .yaml or .yml file, or from a
// directory of CUE files.
func LoadFile(path string) (*Schema, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if info.IsDir() {
		return LoadCUEDir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	switch filepath.Ext(path) {
	case ".cue":
		return LoadCUE(data, path)
	case ".yaml", ".yml":
		return LoadYAML(data)
	default:
		return nil, fmt.Errorf("load schema: unsupported file extension %q", filepath.Ext(path))
	}
}

// LoadYAML builds a schema from a YAML document.
func LoadYAML(data []byte) (*Schema, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse yaml schema: %w", err)
	}
	return def.Build()
}

// LoadCUE builds a schema from CUE source whose "schema" field holds the
// definition. filename is used in error positions only.
func LoadCUE(src []byte, filename string) (*Schema, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile cue schema: %w", err)
	}
	return decodeCUE(value)
}

// LoadCUEDir builds a schema from the CUE package in dir.
func LoadCUEDir(dir string) (*Schema, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("load cue schema: no instances in %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("load cue schema: %w", inst.Err)
	}

	ctx := cuecontext.New()
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("build cue schema: %w", err)
	}
	return decodeCUE(value)
}

func decodeCUE(value cue.Value) (*Schema, error) {
	root := value.LookupPath(cue.ParsePath(cueRoot))
	if !root.Exists() {
		return nil, fmt.Errorf("cue schema: missing %q field", cueRoot)
	}
	if err := root.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("cue schema: %w", err)
	}
	var def Definition
	if err := root.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode cue schema: %w", err)
	}
	return def.Build()
}
