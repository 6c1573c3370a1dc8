// ABOUTME: POLICY required gate backed by an operator supplied Rego module
// ABOUTME: Evaluates data.coven.gates.deny; any deny message fails the gate

package gates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

// PolicyQuery is the rule a policy module must define.
const PolicyQuery = "data.coven.gates.deny"

// forbiddenBuiltins would make evaluation depend on the outside world.
var forbiddenBuiltins = map[string]struct{}{
	"http.send":              {},
	"net.lookup_ip_addr":     {},
	"net.cidr_expand":        {},
	"opa.runtime":            {},
	"rand.intn":              {},
	"time.now_ns":            {},
	"uuid.rfc4122":           {},
	"io.jwt.decode_verify":   {},
	"providers.aws.sign_req": {},
	"trace":                  {},
}

func filterBuiltins(builtins []*ast.Builtin) []*ast.Builtin {
	allowed := make([]*ast.Builtin, 0, len(builtins))
	for _, b := range builtins {
		if _, deny := forbiddenBuiltins[b.Name]; deny {
			continue
		}
		allowed = append(allowed, b)
	}
	return allowed
}

// Policy evaluates a prepared Rego query. A Policy with no module reports
// SKIPPED.
type Policy struct {
	query  *rego.PreparedEvalQuery
	source string
}

// NewPolicy compiles module src. An empty src yields a Policy that skips.
func NewPolicy(ctx context.Context, name, src string) (*Policy, error) {
	if strings.TrimSpace(src) == "" {
		return &Policy{}, nil
	}

	caps := ast.CapabilitiesForThisVersion()
	caps.Builtins = filterBuiltins(caps.Builtins)
	compiler := ast.NewCompiler().WithCapabilities(caps)

	r := rego.New(
		rego.Query(PolicyQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
		rego.Module(name, src),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compiling policy %s: %w", name, err)
	}
	return &Policy{query: &prepared, source: name}, nil
}

// LoadPolicy reads and compiles a Rego file. An empty path yields a Policy that
// skips.
func LoadPolicy(ctx context.Context, path string) (*Policy, error) {
	if path == "" {
		return &Policy{}, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy: %w", err)
	}
	return NewPolicy(ctx, path, string(src))
}

// Configured reports whether a module is loaded.
func (p *Policy) Configured() bool {
	return p != nil && p.query != nil
}

func (*Policy) Name() string { return PolicyGateName }

func (p *Policy) Evaluate(ctx context.Context, in Input) Evidence {
	if !p.Configured() {
		return Evidence{Result: Skipped, Reason: "no policy configured"}
	}

	denies, err := p.deny(ctx, policyInput(in))
	if err != nil {
		return Evidence{Result: Failed, Confidence: 1, Reason: "policy evaluation failed"}
	}
	if len(denies) == 0 {
		return Evidence{Result: Passed, Confidence: 1, Reason: "no policy rule denied the content",
			Details: map[string]string{"policy": p.source}}
	}
	return Evidence{
		Result:     Failed,
		Confidence: 1,
		Reason:     strings.Join(denies, "; "),
		Details: map[string]string{
			"policy": p.source,
			"denies": strconv.Itoa(len(denies)),
		},
	}
}

func (p *Policy) deny(ctx context.Context, input map[string]any) ([]string, error) {
	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, errors.New("policy does not define " + PolicyQuery)
	}
	raw, ok := results[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, fmt.Errorf("%s is %T, want a set of strings", PolicyQuery, results[0].Expressions[0].Value)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func policyInput(in Input) map[string]any {
	author := map[string]any{}
	if in.Author != nil {
		author = map[string]any{
			"address":          in.Author.Address,
			"display_name":     in.Author.DisplayName,
			"declared_purpose": in.Author.DeclaredPurpose,
			"reputation":       in.Author.Reputation,
		}
	}
	return map[string]any{
		"body":    in.Body,
		"author":  author,
		"context": in.Context.Map(),
	}
}
