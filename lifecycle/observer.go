package lifecycle

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FailureReport is the job-outcome signal consulted once during cleanup
type FailureReport struct {
	HasFailures bool
	FailedCount int
	FailedSteps []string
}

// JobObserver reports whether any of the job's own steps failed or were
// cancelled. an error return means job health is unknown, the commit
// gate treats that as a failure (fail closed).
type JobObserver interface {
	CheckFailures(ctx context.Context) (*FailureReport, error)
}

// NoopObserver always reports a healthy job, used in tests
type NoopObserver struct{}

func (NoopObserver) CheckFailures(ctx context.Context) (*FailureReport, error) {
	return &FailureReport{}, nil
}

// StepsFileObserver reads the step results summary the runner maintains
// for the job. file format is a yaml list of step outcomes...
//
//	steps:
//	  - name: build
//	    outcome: success
//	  - name: test
//	    outcome: failure
type StepsFileObserver struct {
	Path string
}

type stepsFile struct {
	Steps []struct {
		Name    string `yaml:"name"`
		Outcome string `yaml:"outcome"`
	} `yaml:"steps"`
}

func (o *StepsFileObserver) CheckFailures(ctx context.Context) (*FailureReport, error) {
	data, err := os.ReadFile(o.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to read steps summary err:%w", err)
	}

	var sf stepsFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("unable to parse steps summary err:%w", err)
	}

	report := &FailureReport{}
	for _, step := range sf.Steps {
		switch step.Outcome {
		case "failure", "cancelled":
			report.HasFailures = true
			report.FailedCount++
			report.FailedSteps = append(report.FailedSteps, step.Name)
		}
	}
	return report, nil
}
