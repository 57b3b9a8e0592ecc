package compose

import (
	"fmt"
	"os"
	"sort"
)

// Lint rules.
const (
	RuleOrderingGap    = "ordering-gap"
	RuleWeakCondition  = "weak-condition"
	RuleMissingEnvFile = "missing-env-file"
)

// Severity of a finding. Errors fail stack lint.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Finding is one lint result.
type Finding struct {
	Rule     string
	Severity string
	Service  string
	Message  string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s [%s] %s: %s", f.Severity, f.Rule, f.Service, f.Message)
}

// Lint reports valid but risky project shapes.
//
// ordering-gap: a long-running service and a one-shot task share a
// dependency, but the long-running service does not wait for the task.
// Both start as soon as the shared dependency is ready, so the service can
// serve against a schema the task has not finished preparing.
func Lint(p *Project) []Finding {
	var findings []Finding

	for _, name := range p.ServiceNames() {
		svc := p.Services[name]
		if OneShot(p, name) {
			continue
		}
		for _, task := range p.ServiceNames() {
			if task == name || !OneShot(p, task) {
				continue
			}
			shared := sharedDependencies(p.Services[task], svc)
			if len(shared) == 0 || DependsTransitively(p, name, task) {
				continue
			}
			findings = append(findings, Finding{
				Rule:     RuleOrderingGap,
				Severity: SeverityError,
				Service:  name,
				Message: fmt.Sprintf("depends on %v like one-shot task %q but does not wait for it; add %q: %s",
					shared, task, task, ConditionCompleted),
			})
		}

		for _, depName := range svc.DependsOn.Names() {
			dep := svc.DependsOn[depName]
			target, ok := p.Services[depName]
			if !ok {
				continue
			}
			if dep.Condition == ConditionStarted && target.HasHealthcheck() {
				findings = append(findings, Finding{
					Rule:     RuleWeakCondition,
					Severity: SeverityWarning,
					Service:  name,
					Message:  fmt.Sprintf("%q has a healthcheck but is only waited on with %s", depName, ConditionStarted),
				})
			}
		}

		for _, path := range p.EnvFilePaths(svc) {
			if _, err := os.Stat(path); err != nil {
				findings = append(findings, Finding{
					Rule:     RuleMissingEnvFile,
					Severity: SeverityWarning,
					Service:  name,
					Message:  fmt.Sprintf("env_file %s does not exist", path),
				})
			}
		}
	}
	return findings
}

// HasErrors reports whether any finding is an error.
func HasErrors(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

func sharedDependencies(a, b *Service) []string {
	var shared []string
	for name := range a.DependsOn {
		if _, ok := b.DependsOn[name]; ok {
			shared = append(shared, name)
		}
	}
	sort.Strings(shared)
	return shared
}
