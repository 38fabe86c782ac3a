package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"

	"github.com/alfredjean/ojd/internal/core/scheduling"
)

// ScanResource is one enumerated candidate a Scanner's source produced,
// before filtering by Condition.
type ScanResource struct {
	ID         string
	Attributes json.RawMessage
}

// ResourceLister enumerates the current candidates for a Scanner's Source.
// Concrete listing (reading a directory, calling a command, polling an
// inventory endpoint) is supplied by daemon wiring; this package only
// applies the Condition filter, matching the two-phase split used for
// Watcher sources.
type ResourceLister func(src scheduling.Source) ([]ScanResource, error)

// MatchResources filters resources whose Attributes satisfy cond, using
// jsonpath for ConditionMatches (cond.Value is a JSONPath expression
// checked for existence/truthiness against each resource's Attributes) and
// plain string comparison for ConditionEquals against the resource ID.
// ConditionChanged has no meaning for a Scanner (there is no "previous"
// value per resource) and always matches, deferring dedup to the caller.
func MatchResources(cond scheduling.Condition, resources []ScanResource) ([]string, error) {
	var matched []string
	for _, r := range resources {
		ok, err := matchOne(cond, r)
		if err != nil {
			return nil, fmt.Errorf("scanner: evaluate condition for %q: %w", r.ID, err)
		}
		if ok {
			matched = append(matched, r.ID)
		}
	}
	return matched, nil
}

func matchOne(cond scheduling.Condition, r ScanResource) (bool, error) {
	switch cond.Kind {
	case scheduling.ConditionEquals:
		return r.ID == cond.Value, nil
	case scheduling.ConditionChanged:
		return true, nil
	case scheduling.ConditionMatches:
		if len(r.Attributes) == 0 {
			return false, nil
		}
		var data any
		if err := json.Unmarshal(r.Attributes, &data); err != nil {
			return false, fmt.Errorf("unmarshal attributes: %w", err)
		}
		result, err := jsonpath.Get(cond.Value, data)
		if err != nil {
			// jsonpath.Get returns an error for a path with no match;
			// that's "doesn't match", not a failure worth propagating.
			return false, nil
		}
		return truthy(result), nil
	default:
		return false, fmt.Errorf("unknown condition kind %q", cond.Kind)
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	case []any:
		return len(x) > 0
	case string:
		return x != ""
	default:
		return true
	}
}
