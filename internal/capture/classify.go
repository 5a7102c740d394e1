package capture

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/esp-monitor/backend/internal/models"
	"gopkg.in/yaml.v3"
)

// ansiRE matches ANSI SGR color sequences. ESP-IDF colorizes its log macros
// with these, while raw printf debugging comes out plain, so the presence of
// an SGR sequence is the routing discriminator between the two panes.
var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// Rule routes lines matching a literal prefix to a fixed pane. Prefix rules
// are checked before the ANSI discriminator, so firmwares that tag their log
// output without color codes can still be routed.
type Rule struct {
	Prefix string           `yaml:"prefix"`
	Tag    models.OriginTag `yaml:"tag"`
}

// RouteRules is the YAML document accepted by the rules endpoint.
type RouteRules struct {
	Rules []Rule `yaml:"rules"`
}

// Classifier decides the origin tag and display severity for each line.
// Safe for concurrent use; rules may be swapped while capturing.
type Classifier struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewClassifier returns a classifier with no prefix rules: ANSI lines go to
// the Log pane, everything else to Debug.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// LoadRules replaces the prefix rules from YAML.
func (c *Classifier) LoadRules(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading rules: %w", err)
	}
	var doc RouteRules
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing rules: %w", err)
	}
	for i, rule := range doc.Rules {
		if rule.Prefix == "" {
			return fmt.Errorf("rule %d: empty prefix", i)
		}
		if rule.Tag != models.TagDebug && rule.Tag != models.TagLog {
			return fmt.Errorf("rule %d: unknown tag %q", i, rule.Tag)
		}
	}
	c.mu.Lock()
	c.rules = doc.Rules
	c.mu.Unlock()
	return nil
}

// LoadRulesFile loads prefix rules from a YAML file if it exists. A missing
// file is not an error; the classifier just keeps its defaults.
func (c *Classifier) LoadRulesFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening rules file: %w", err)
	}
	defer f.Close()
	return c.LoadRules(f)
}

// Rules returns a copy of the active prefix rules.
func (c *Classifier) Rules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Classify returns the pane a line belongs to.
func (c *Classifier) Classify(line string) models.OriginTag {
	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()

	for _, rule := range rules {
		if strings.HasPrefix(line, rule.Prefix) {
			return rule.Tag
		}
	}
	if ansiRE.MatchString(line) {
		return models.TagLog
	}
	return models.TagDebug
}

// SeverityOf derives a display severity from common ESP/Arduino log markers.
// It only drives coloring; misclassification is cosmetic.
func SeverityOf(line string) models.Severity {
	t := strings.ToLower(strings.TrimSpace(ansiRE.ReplaceAllString(line, "")))
	switch {
	case containsAny(t, "error", "fatal", "fail", "exception", "assert", " e ", "[e]", "e ("):
		return models.SeverityError
	case containsAny(t, "warn", " w ", "[w]", "w ("):
		return models.SeverityWarning
	case containsAny(t, "info", " i ", "[i]", "i ("):
		return models.SeverityInfo
	case containsAny(t, "debug", "dbg", " d ", "[d]", "d ("):
		return models.SeverityDebug
	case containsAny(t, "verb", "trace", " v ", "[v]", "v ("):
		return models.SeverityVerbose
	}
	return models.SeverityDefault
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
