package stages

import (
	"fmt"

	"docproc.evalgo.org/pipeline"
)

// Components lists every stage worker the CLI can run.
var Components = []string{
	ComponentWorkflowRouter,
	ComponentSplitter,
	ComponentOCR,
	ComponentClassifier,
	ComponentClassificationAggregator,
	ComponentExtractor,
	ComponentExtractionAggregator,
	ComponentConsolidator,
}

// New constructs the stage implementation for a component name.
func New(component string, env *Env) (pipeline.Stage, error) {
	switch component {
	case ComponentWorkflowRouter:
		return NewRouter(env), nil
	case ComponentSplitter:
		return NewSplitter(env), nil
	case ComponentOCR:
		return NewOCR(env), nil
	case ComponentClassifier:
		return NewClassifier(env), nil
	case ComponentClassificationAggregator:
		return NewClassificationAggregator(env), nil
	case ComponentExtractor:
		return NewExtractor(env), nil
	case ComponentExtractionAggregator:
		return NewExtractionAggregator(env), nil
	case ComponentConsolidator:
		return NewConsolidator(env), nil
	default:
		return nil, fmt.Errorf("unknown component %q", component)
	}
}
