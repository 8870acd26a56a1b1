// Package workflow loads and caches declarative workflow definitions.
//
// A workflow is an ordered list of stages with an SLA block and optional
// per-doc-type extraction schemas. Definitions live one-per-file under the
// configured directory as <name>.yaml and are cached for the lifetime of the
// process after first load; hot reload is out of scope.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// AggregationConfig describes a fan-in stage: messages are collected by
// request id until the expected count, read from the named request column,
// has been received.
type AggregationConfig struct {
	Type            string `yaml:"type"`              // "fan_in"
	CollectBy       string `yaml:"collect_by"`        // "request_id"
	ExpectCountFrom string `yaml:"expect_count_from"` // "page_count" or "document_count"
}

// StageConfig is one named step of a workflow.
type StageConfig struct {
	Name                string             `yaml:"name"`
	Component           string             `yaml:"component"`
	RoutingKey          string             `yaml:"routing_key"`
	TimeoutSeconds      int                `yaml:"timeout_seconds"`
	Parallel            bool               `yaml:"parallel"`
	ConfidenceThreshold *float64           `yaml:"confidence_threshold"`
	BackofficeQueue     string             `yaml:"backoffice_queue"`
	Aggregation         *AggregationConfig `yaml:"aggregation"`
}

// SLAConfig carries the workflow deadline and the warn/escalation points as
// percentages of elapsed SLA time.
type SLAConfig struct {
	DeadlineSeconds        int `yaml:"deadline_seconds"`
	WarnThresholdPct       int `yaml:"warn_threshold_pct"`
	EscalationThresholdPct int `yaml:"escalation_threshold_pct"`
}

// FieldConfig describes a single extraction field for a doc type.
type FieldConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

// ExtractionSchemaConfig lists the fields expected for a doc type.
type ExtractionSchemaConfig struct {
	Fields []FieldConfig `yaml:"fields"`
}

// Config is a full workflow definition.
type Config struct {
	Name              string                            `yaml:"name"`
	Description       string                            `yaml:"description"`
	Version           int                               `yaml:"version"`
	SLA               SLAConfig                         `yaml:"sla"`
	Stages            []StageConfig                     `yaml:"stages"`
	ExtractionSchemas map[string]ExtractionSchemaConfig `yaml:"extraction_schemas"`
}

// Catalog loads workflow definitions from a directory and caches them.
// Safe for concurrent use; entries are immutable after first load.
type Catalog struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]*Config
}

// NewCatalog creates a catalog reading from dir.
func NewCatalog(dir string) *Catalog {
	return &Catalog{
		dir:   dir,
		cache: make(map[string]*Config),
	}
}

// Load returns the workflow definition for name, reading and caching it on
// first access.
func (c *Catalog) Load(name string) (*Config, error) {
	c.mu.RLock()
	if wf, ok := c.cache[name]; ok {
		c.mu.RUnlock()
		return wf, nil
	}
	c.mu.RUnlock()

	path := filepath.Join(c.dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow %q not found: %w", name, err)
	}

	var wf Config
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow %q: %w", name, err)
	}
	if len(wf.Stages) == 0 {
		return nil, fmt.Errorf("workflow %q has no stages", name)
	}

	applyDefaults(&wf)

	c.mu.Lock()
	c.cache[name] = &wf
	c.mu.Unlock()
	return &wf, nil
}

func applyDefaults(wf *Config) {
	if wf.SLA.WarnThresholdPct == 0 {
		wf.SLA.WarnThresholdPct = 70
	}
	if wf.SLA.EscalationThresholdPct == 0 {
		wf.SLA.EscalationThresholdPct = 90
	}
	for i := range wf.Stages {
		if wf.Stages[i].TimeoutSeconds == 0 {
			wf.Stages[i].TimeoutSeconds = 30
		}
	}
}

// Names lists every workflow defined in the catalog directory.
func (c *Catalog) Names() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflows directory %s: %w", c.dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ext := filepath.Ext(entry.Name()); ext == ".yaml" {
			names = append(names, entry.Name()[:len(entry.Name())-len(ext)])
		}
	}
	return names, nil
}

// FirstStage returns the first stage of the workflow.
func (c *Catalog) FirstStage(workflowName string) (*StageConfig, error) {
	wf, err := c.Load(workflowName)
	if err != nil {
		return nil, err
	}
	return &wf.Stages[0], nil
}

// Stage returns the stage with the given name.
func (c *Catalog) Stage(workflowName, stageName string) (*StageConfig, error) {
	wf, err := c.Load(workflowName)
	if err != nil {
		return nil, err
	}
	for i := range wf.Stages {
		if wf.Stages[i].Name == stageName {
			return &wf.Stages[i], nil
		}
	}
	return nil, fmt.Errorf("stage %q not found in workflow %q", stageName, workflowName)
}

// NextStage returns the stage following stageName, or nil when stageName is
// the terminal stage. An unknown stage name is an error.
func (c *Catalog) NextStage(workflowName, stageName string) (*StageConfig, error) {
	wf, err := c.Load(workflowName)
	if err != nil {
		return nil, err
	}
	for i := range wf.Stages {
		if wf.Stages[i].Name == stageName {
			if i+1 < len(wf.Stages) {
				return &wf.Stages[i+1], nil
			}
			return nil, nil
		}
	}
	return nil, fmt.Errorf("stage %q not found in workflow %q", stageName, workflowName)
}

// StageByComponent finds the stage executed by a component. It is the
// fallback used when a message arrives without current_stage set.
func (c *Catalog) StageByComponent(workflowName, component string) (*StageConfig, error) {
	wf, err := c.Load(workflowName)
	if err != nil {
		return nil, err
	}
	for i := range wf.Stages {
		if wf.Stages[i].Component == component {
			return &wf.Stages[i], nil
		}
	}
	return nil, fmt.Errorf("no stage with component %q in workflow %q", component, workflowName)
}

// ExtractionSchema returns the extraction schema for a doc type, or nil when
// the workflow does not define one.
func (c *Catalog) ExtractionSchema(workflowName, docType string) (*ExtractionSchemaConfig, error) {
	wf, err := c.Load(workflowName)
	if err != nil {
		return nil, err
	}
	schema, ok := wf.ExtractionSchemas[docType]
	if !ok {
		return nil, nil
	}
	return &schema, nil
}
