// Package policy evaluates expression-based query rules ahead of the block
// filter, so operators can scope blocking by time of day, client, or query
// shape.
package policy

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"sinkzone/pkg/config"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Actions a rule may take.
const (
	ActionBlock = "BLOCK"
	ActionAllow = "ALLOW"
)

// Context is the evaluation environment for one query.
type Context struct {
	Domain    string // lowercased, no trailing dot
	ClientIP  string
	QueryType string // A, AAAA, ...
	Hour      int
	Minute    int
	Weekday   int // Sunday = 0
}

// Rule is one compiled policy rule.
type Rule struct {
	Name    string
	Logic   string
	Action  string
	Enabled bool
	program *vm.Program
}

// Engine holds the compiled rule set. Rules are evaluated in order; the
// first match wins.
type Engine struct {
	mu    sync.RWMutex
	rules []*Rule
}

// NewEngine compiles the configured rules.
func NewEngine(cfg *config.PolicyConfig) (*Engine, error) {
	e := &Engine{}
	for _, rc := range cfg.Rules {
		rule := &Rule{
			Name:    rc.Name,
			Logic:   rc.Logic,
			Action:  strings.ToUpper(rc.Action),
			Enabled: rc.Enabled,
		}
		if rule.Action != ActionBlock && rule.Action != ActionAllow {
			return nil, fmt.Errorf("policy rule %q: unknown action %q", rc.Name, rc.Action)
		}
		if err := compileRule(rule); err != nil {
			return nil, err
		}
		e.rules = append(e.rules, rule)
	}
	return e, nil
}

func compileRule(rule *Rule) error {
	program, err := expr.Compile(rule.Logic,
		expr.Env(Context{}),
		expr.AsBool(),
		expr.Function("DomainEndsWith",
			func(params ...any) (any, error) {
				return domainEndsWith(params[0].(string), params[1].(string)), nil
			},
			new(func(string, string) bool),
		),
		expr.Function("DomainMatches",
			func(params ...any) (any, error) {
				domain, pattern := params[0].(string), params[1].(string)
				return domain == pattern || domainEndsWith(domain, pattern), nil
			},
			new(func(string, string) bool),
		),
		expr.Function("IPInCIDR",
			func(params ...any) (any, error) {
				return ipInCIDR(params[0].(string), params[1].(string)), nil
			},
			new(func(string, string) bool),
		),
	)
	if err != nil {
		return fmt.Errorf("policy rule %q: %w", rule.Name, err)
	}
	rule.program = program
	return nil
}

// Evaluate runs the rule set. The third return is false when no rule
// matched.
func (e *Engine) Evaluate(ctx Context) (string, string, bool) {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		out, err := expr.Run(rule.program, ctx)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return rule.Action, rule.Name, true
		}
	}
	return "", "", false
}

// RuleCount reports the number of loaded rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// ContextFor builds the evaluation context for a query at the given time.
func ContextFor(domain, clientIP, queryType string, now time.Time) Context {
	return Context{
		Domain:    domain,
		ClientIP:  clientIP,
		QueryType: queryType,
		Hour:      now.Hour(),
		Minute:    now.Minute(),
		Weekday:   int(now.Weekday()),
	}
}

func domainEndsWith(domain, suffix string) bool {
	suffix = strings.TrimPrefix(suffix, ".")
	return domain == suffix || strings.HasSuffix(domain, "."+suffix)
}

func ipInCIDR(ip, cidr string) bool {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return network.Contains(parsed)
}
