// Package planfile loads execution plans from YAML documents.
//
// A plan file names its steps and the services that implement them; the
// services themselves are Go functions registered in a Registry:
//
//	name: checkout
//	steps:
//	  - step: create_order
//	    service: sql.exec
//	    input:
//	      query: "INSERT INTO orders (id, total) VALUES (?, ?)"
//	      args: ["${order_id}", "${total}"]
//	    rollback:
//	      service: sql.exec
//	      input:
//	        query: "DELETE FROM orders WHERE id = ?"
//	        args: ["${order_id}"]
//	  - branch:
//	      - on: "total > 100"
//	        steps:
//	          - step: premium
//	            service: log
//	      - otherwise:
//	          - step: standard
//	            service: log
//
// Strings of the form "${expr}" anywhere inside an input are evaluated
// against the run Context when the step runs; other values are passed
// through unchanged. Conditions and "if" guards are expressions too.
package planfile

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Plan is the YAML form of a workflow definition.
type Plan struct {
	Name  string `yaml:"name"`
	Steps []Node `yaml:"steps"`
}

// Node is either a step (Step set) or a branch (Branch set).
type Node struct {
	Step     string       `yaml:"step,omitempty"`
	Service  string       `yaml:"service,omitempty"`
	Input    any          `yaml:"input,omitempty"`
	If       string       `yaml:"if,omitempty"`
	Optional bool         `yaml:"optional,omitempty"`
	Retry    *RetryConfig `yaml:"retry,omitempty"`
	Rollback *Action      `yaml:"rollback,omitempty"`

	Branch []Arm `yaml:"branch,omitempty"`
}

// Arm is one branch arm. An arm without "on" is the default sequence and
// must come last.
type Arm struct {
	On        string `yaml:"on,omitempty"`
	Steps     []Node `yaml:"steps,omitempty"`
	Otherwise []Node `yaml:"otherwise,omitempty"`
}

// Action is a service invocation used for rollbacks.
type Action struct {
	Service string `yaml:"service"`
	Input   any    `yaml:"input,omitempty"`
}

// RetryConfig mirrors api.RetryPolicy. Durations use Go syntax ("250ms").
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// Parse decodes a plan document. Unknown fields are rejected.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	return &p, nil
}

// Load reads and parses the plan file at path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	return Parse(data)
}
