package runtime

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/alfredjean/ojd/internal/core/scheduling"
)

// SourceFetcher resolves a Watcher/Scanner Source into a raw string value.
// This is the I/O half of the two-phase scheduling pattern: the pure
// scheduling package only ever asks "is a check due", this package performs
// the actual fetch, and the result is fed back through
// TransitionWatcherValue/TransitionScannerResults.
type SourceFetcher struct {
	HTTPGet func(url string) ([]byte, error) // injected, defaults to a real http.Get-backed fetch in the daemon wiring
}

func NewSourceFetcher(httpGet func(string) ([]byte, error)) *SourceFetcher {
	return &SourceFetcher{HTTPGet: httpGet}
}

// Fetch resolves a Watcher's source, extracting a JSON field
// via gjson when Ref contains a "#" separated json-path suffix
// ("path#jsonpath"), mirroring the datafeed source's GetBytes(body,
// jsonPath) extraction pattern.
func (f *SourceFetcher) Fetch(src scheduling.Source) (string, error) {
	switch src.Kind {
	case scheduling.SourceFile:
		path, jsonPath := splitRef(src.Ref)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("watcher: read file source: %w", err)
		}
		return extract(data, jsonPath), nil

	case scheduling.SourceHTTP:
		url, jsonPath := splitRef(src.Ref)
		if f.HTTPGet == nil {
			return "", fmt.Errorf("watcher: no http fetcher configured")
		}
		data, err := f.HTTPGet(url)
		if err != nil {
			return "", fmt.Errorf("watcher: http source: %w", err)
		}
		return extract(data, jsonPath), nil

	case scheduling.SourceShell, scheduling.SourceCustomCommand:
		out, err := exec.Command("sh", "-c", src.Ref).Output()
		if err != nil {
			return "", fmt.Errorf("watcher: shell source: %w", err)
		}
		return string(out), nil

	default:
		return "", fmt.Errorf("watcher: unknown source kind %q", src.Kind)
	}
}

// splitRef splits "path#jsonpath" into its two halves; jsonPath is "" (no
// extraction, whole body as text) if there's no "#".
func splitRef(ref string) (string, string) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '#' {
			return ref[:i], ref[i+1:]
		}
	}
	return ref, ""
}

func extract(data []byte, jsonPath string) string {
	if jsonPath == "" {
		return string(data)
	}
	result := gjson.GetBytes(data, jsonPath)
	return result.String()
}

// MatchCondition evaluates a Watcher's Condition against the freshly
// fetched value and its previously recorded value.
func MatchCondition(cond scheduling.Condition, previous, current string) (bool, error) {
	switch cond.Kind {
	case scheduling.ConditionEquals:
		return current == cond.Value, nil
	case scheduling.ConditionChanged:
		return previous != current, nil
	case scheduling.ConditionMatches:
		re, err := regexp.Compile(cond.Value)
		if err != nil {
			return false, fmt.Errorf("watcher: compile match pattern: %w", err)
		}
		return re.MatchString(current), nil
	default:
		return false, fmt.Errorf("watcher: unknown condition kind %q", cond.Kind)
	}
}
