package config

import "sort"

// Assignment is one resolved catalog variable.
type Assignment struct {
	Var   Var
	Value string
}

// Split partitions the catalog variables that lookup resolves into plain
// assignments and secrets. A name lands in exactly one of the two.
func Split(lookup LookupFunc) (plain map[string]string, secrets map[string]Secret) {
	em := NewEnvManager(lookup, "")
	plain = make(map[string]string)
	secrets = make(map[string]Secret)
	for _, v := range catalog {
		value, ok := em.Raw(v.Name)
		if !ok {
			continue
		}
		if v.Kind == KindSecret {
			secrets[v.Name] = NewSecret(value)
		} else {
			plain[v.Name] = value
		}
	}
	return plain, secrets
}

// Resolve returns every catalog variable with its effective value, falling
// back to the default. Unset variables without a default have an empty value.
func Resolve(lookup LookupFunc) []Assignment {
	em := NewEnvManager(lookup, "")
	out := make([]Assignment, 0, len(catalog))
	for _, v := range catalog {
		value, ok := em.Raw(v.Name)
		if !ok {
			value = v.Default
		}
		out = append(out, Assignment{Var: v, Value: value})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Var.Group < out[j].Var.Group })
	return out
}

// Display is the value safe to print.
func (a Assignment) Display() string {
	if a.Var.Kind == KindSecret {
		return NewSecret(a.Value).String()
	}
	return a.Value
}
