package compose

import (
	"fmt"
	"sort"
	"strings"

	apperrors "gryffen/internal/errors"
)

var validConditions = map[string]bool{
	ConditionStarted:   true,
	ConditionHealthy:   true,
	ConditionCompleted: true,
}

// Validate rejects projects the orchestrator could not run. Every problem
// is reported in one COMPOSE_INVALID error.
func Validate(p *Project) error {
	var problems []string
	fail := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(p.Services) == 0 {
		fail("no services defined")
	}

	for _, name := range p.ServiceNames() {
		svc := p.Services[name]

		policy, limit := svc.RestartPolicy()
		switch policy {
		case RestartNo, RestartAlways, RestartUnlessStopped:
		case RestartOnFailure:
			if limit < 0 {
				fail("service %q: invalid restart limit %d", name, limit)
			}
		default:
			fail("service %q: unknown restart policy %q", name, svc.Restart)
		}

		if hc := svc.Healthcheck; hc != nil && !hc.Disable {
			if len(hc.Test) == 0 {
				fail("service %q: healthcheck has no test", name)
			} else {
				switch hc.Test[0] {
				case "NONE", "CMD", "CMD-SHELL":
				default:
					fail("service %q: healthcheck test must start with NONE, CMD or CMD-SHELL", name)
				}
			}
			if hc.Retries < 0 || hc.Interval < 0 || hc.Timeout < 0 || hc.StartPeriod < 0 {
				fail("service %q: healthcheck values must not be negative", name)
			}
		}

		for _, depName := range svc.DependsOn.Names() {
			dep := svc.DependsOn[depName]
			target, ok := p.Services[depName]
			switch {
			case depName == name:
				fail("service %q depends on itself", name)
				continue
			case !ok:
				fail("service %q depends on undefined service %q", name, depName)
				continue
			}
			if !validConditions[dep.Condition] {
				fail("service %q: invalid condition %q for dependency %q", name, dep.Condition, depName)
				continue
			}
			if dep.Condition == ConditionHealthy && !target.HasHealthcheck() {
				fail("service %q waits for %q to be healthy but %q has no healthcheck", name, depName, depName)
			}
			if dep.Condition == ConditionCompleted && target.LongRunning() {
				fail("service %q waits for %q to complete but %q has restart %q and never completes",
					name, depName, depName, target.Restart)
			}
		}
	}

	if cycle := findCycle(p); cycle != nil {
		fail("dependency cycle: %s", strings.Join(cycle, " -> "))
	}

	if len(problems) == 0 {
		return nil
	}
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeComposeInvalid,
		"invalid compose project", strings.Join(problems, "; "), nil).
		WithContext("problems", problems)
}

func findCycle(p *Project) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(p.Services))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range p.Services[name].DependsOn.Names() {
			if _, ok := p.Services[dep]; !ok || dep == name {
				continue
			}
			switch state[dep] {
			case visiting:
				for i, n := range stack {
					if n == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	for _, name := range p.ServiceNames() {
		if state[name] == unvisited {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// StartOrder returns the services with every dependency before its
// dependents. Ties are broken by name so the order is stable.
func StartOrder(p *Project) []string {
	indegree := make(map[string]int, len(p.Services))
	dependents := make(map[string][]string)
	for _, name := range p.ServiceNames() {
		indegree[name] += 0
		for _, dep := range p.Services[name].DependsOn.Names() {
			if _, ok := p.Services[dep]; !ok {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready, order []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, d := range dependents[name] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
				sort.Strings(ready)
			}
		}
	}
	return order
}

// DependsTransitively reports whether from reaches to over depends_on edges.
func DependsTransitively(p *Project, from, to string) bool {
	seen := map[string]bool{}
	var walk func(string) bool
	walk = func(name string) bool {
		if seen[name] {
			return false
		}
		seen[name] = true
		svc, ok := p.Services[name]
		if !ok {
			return false
		}
		for dep := range svc.DependsOn {
			if dep == to || walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(from)
}

// OneShot reports whether the service is a task that is expected to exit:
// restart is "no" (or unset) and it has a dependent waiting for its
// successful completion, or it sets restart "no" explicitly.
func OneShot(p *Project, name string) bool {
	svc, ok := p.Services[name]
	if !ok {
		return false
	}
	policy, _ := svc.RestartPolicy()
	if policy != RestartNo {
		return false
	}
	if svc.Restart == RestartNo {
		return true
	}
	for _, other := range p.Services {
		if dep, ok := other.DependsOn[name]; ok && dep.Condition == ConditionCompleted {
			return true
		}
	}
	return false
}
