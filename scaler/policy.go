package scaler

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/zero-day-ai/probegrid/scanerr"
)

// Metric names an observed signal a policy can trigger on.
type Metric string

const (
	MetricCPU          Metric = "cpu_percent"
	MetricMemory       Metric = "memory_percent"
	MetricQueueLength  Metric = "queue_length"
	MetricResponseTime Metric = "response_time"
	MetricErrorRate    Metric = "error_rate"
)

// IsValid reports whether m is a known metric.
func (m Metric) IsValid() bool {
	switch m {
	case MetricCPU, MetricMemory, MetricQueueLength, MetricResponseTime, MetricErrorRate:
		return true
	default:
		return false
	}
}

// Metrics is a snapshot of metric values.
type Metrics map[Metric]float64

// Policy maps one metric to scale-up and scale-down decisions.
type Policy struct {
	Name               string        `yaml:"name" json:"name"`
	Metric             Metric        `yaml:"metric" json:"metric"`
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold" json:"scale_up_threshold"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold" json:"scale_down_threshold"`
	Cooldown           time.Duration `yaml:"cooldown" json:"cooldown"`
	MinInstances       int           `yaml:"min_instances" json:"min_instances"`
	MaxInstances       int           `yaml:"max_instances" json:"max_instances"`
	Increment          int           `yaml:"increment" json:"increment"`
	Enabled            bool          `yaml:"enabled" json:"enabled"`

	// Condition is an optional CEL guard over the metric map m, for example
	// "m.queue_length > 10.0". The policy only fires while it is true.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Validate checks the policy shape.
func (p Policy) Validate() error {
	const op = "scaler.Policy.Validate"
	switch {
	case p.Name == "":
		return scanerr.New(op, scanerr.KindValidation, "policy name is required")
	case !p.Metric.IsValid():
		return scanerr.New(op, scanerr.KindValidation, fmt.Sprintf("policy %q: unknown metric %q", p.Name, p.Metric))
	case p.ScaleDownThreshold >= p.ScaleUpThreshold:
		return scanerr.New(op, scanerr.KindValidation,
			fmt.Sprintf("policy %q: scale down threshold must be below scale up threshold", p.Name))
	case p.MinInstances < 1 || p.MaxInstances < p.MinInstances:
		return scanerr.New(op, scanerr.KindValidation,
			fmt.Sprintf("policy %q: instance bounds [%d, %d] are invalid", p.Name, p.MinInstances, p.MaxInstances))
	case p.Cooldown < 0:
		return scanerr.New(op, scanerr.KindValidation, fmt.Sprintf("policy %q: cooldown is negative", p.Name))
	}
	return nil
}

func (p Policy) increment() int {
	if p.Increment < 1 {
		return 1
	}
	return p.Increment
}

// condition is a compiled CEL guard.
type condition struct {
	expr string
	prg  cel.Program
}

var conditionEnv = mustConditionEnv()

func mustConditionEnv() *cel.Env {
	env, err := cel.NewEnv(cel.Variable("m", cel.MapType(cel.StringType, cel.DoubleType)))
	if err != nil {
		panic(fmt.Sprintf("scaler: building CEL environment: %v", err))
	}
	return env
}

func compileCondition(expr string) (*condition, error) {
	ast, iss := conditionEnv.Compile(expr)
	if err := iss.Err(); err != nil {
		return nil, err
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("condition must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := conditionEnv.Program(ast)
	if err != nil {
		return nil, err
	}
	return &condition{expr: expr, prg: prg}, nil
}

func (c *condition) eval(m Metrics) (bool, error) {
	vars := make(map[string]any, len(m))
	for k, v := range m {
		vars[string(k)] = v
	}
	out, _, err := c.prg.Eval(map[string]any{"m": vars})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T", out.Value())
	}
	return b, nil
}
