package policy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Knetic/govaluate"
	"go.uber.org/zap"
)

// Matcher is a named request predicate usable in rule conditions.
type Matcher func(req *http.Request) bool

// RuleConfig is one config-driven routing override. If the condition
// matches, the built-in classification is replaced.
type RuleConfig struct {
	// If is a boolean expression over matcher names, e.g.
	// "same_origin && navigation".
	If string `yaml:"if"`

	Route   string `yaml:"route"`
	Bucket  string `yaml:"bucket"`
	Failure string `yaml:"failure"`
}

type rule struct {
	expr     *govaluate.EvaluableExpression
	matchers map[string]Matcher
	decision Decision
}

// Rules evaluates config-driven overrides in order before falling
// back to the built-in Classifier.
type Rules struct {
	logger     *zap.Logger
	rules      []*rule
	classifier *Classifier
}

// BuiltinMatchers returns the matcher set available to rule
// conditions.
func BuiltinMatchers(c *Classifier) map[string]Matcher {
	return map[string]Matcher{
		"get": func(req *http.Request) bool {
			return req.Method == http.MethodGet
		},
		"same_origin": c.SameOrigin,
		"cdn": func(req *http.Request) bool {
			return c.RecognizedCDN(req.URL.Hostname())
		},
		"navigation": func(req *http.Request) bool {
			return strings.Contains(req.Header.Get("Accept"), "text/html")
		},
		"stylesheet": func(req *http.Request) bool {
			return strings.HasSuffix(req.URL.Path, ".css") ||
				strings.Contains(req.Header.Get("Accept"), "text/css")
		},
	}
}

// ParseRules builds a rule chain. Every matcher referenced by a
// condition must exist in matchers; conditions are type-checked at
// parse time so a bad config fails startup instead of a request.
func ParseRules(cfgs []RuleConfig, matchers map[string]Matcher, classifier *Classifier, logger *zap.Logger) (*Rules, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	rs := &Rules{
		logger:     logger,
		classifier: classifier,
	}

	for i, cfg := range cfgs {
		expr, err := govaluate.NewEvaluableExpression(cfg.If)
		if err != nil {
			return nil, fmt.Errorf("rule #%d: invalid condition: %w", i, err)
		}

		r := &rule{
			expr:     expr,
			matchers: make(map[string]Matcher),
		}
		for _, name := range expr.Vars() {
			m := matchers[name]
			if m == nil {
				return nil, fmt.Errorf("rule #%d: unknown matcher %q", i, name)
			}
			r.matchers[name] = m
		}

		expr.ChecksTypes = true
		params := make(govaluate.MapParameters, len(r.matchers))
		for name := range r.matchers {
			params[name] = true
		}
		if _, err := expr.Eval(params); err != nil {
			return nil, fmt.Errorf("rule #%d: invalid condition: %w", i, err)
		}

		if r.decision, err = parseDecision(cfg); err != nil {
			return nil, fmt.Errorf("rule #%d: %w", i, err)
		}
		rs.rules = append(rs.rules, r)
	}
	return rs, nil
}

// Decide returns the decision of the first matching rule, or the
// built-in classification when no rule matches.
func (rs *Rules) Decide(req *http.Request) Decision {
	for _, r := range rs.rules {
		params := make(govaluate.MapParameters, len(r.matchers))
		for name, m := range r.matchers {
			params[name] = m(req)
		}
		v, err := r.expr.Eval(params)
		if err != nil {
			rs.logger.Warn("rule eval failed", zap.String("if", r.expr.String()), zap.Error(err))
			continue
		}
		if matched, ok := v.(bool); ok && matched {
			return r.decision
		}
	}
	return rs.classifier.Classify(req)
}

func parseDecision(cfg RuleConfig) (Decision, error) {
	var d Decision
	switch cfg.Route {
	case "pass_through":
		d.Route = RoutePassThrough
	case "network_first":
		d.Route = RouteNetworkFirst
	case "cache_first":
		d.Route = RouteCacheFirst
	case "network_only":
		d.Route = RouteNetworkOnly
	default:
		return d, fmt.Errorf("unknown route %q", cfg.Route)
	}

	switch cfg.Bucket {
	case "", "dynamic":
		d.Bucket = BucketDynamic
	case "static":
		d.Bucket = BucketStatic
	default:
		return d, fmt.Errorf("unknown bucket %q", cfg.Bucket)
	}

	switch cfg.Failure {
	case "", "propagate":
		d.Failure = FailPropagate
	case "offline":
		d.Failure = FailOffline
	case "empty_css":
		d.Failure = FailEmptyCSS
	case "unavailable":
		d.Failure = FailUnavailable
	default:
		return d, fmt.Errorf("unknown failure %q", cfg.Failure)
	}
	return d, nil
}
