// Package dispatch routes tool invocations: it resolves the tool and
// operation, coerces and validates parameters, injects credentials, applies
// the output governor and wraps every outcome in a result envelope. No
// exception escapes the dispatcher; the caller always receives a mapping with
// either `success: true` or `error`, never both and never neither.
package dispatch

import (
	"context"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/governor"
	"github.com/effective-security/toolbelt/manifest"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolbelt", "dispatch")

// DefaultInvokeDeadline bounds one handler execution: the sum of its remote
// deadlines plus handler overhead. Handlers with longer natural windows
// (stream collection, model pulls) override it via Deadliner.
const DefaultInvokeDeadline = 2 * time.Minute

// Params is the unordered parameter mapping a caller supplies.
type Params map[string]any

// Handler is the shape every tool conforms to. Handlers receive the operation
// as an explicit argument and already-coerced, already-validated params; the
// reserved `operation` key never reaches them.
type Handler interface {
	// Spec returns the tool manifest.
	Spec() *manifest.ToolSpec
	// Operations lists the operation names the tool accepts.
	Operations() []string
	// DefaultOperation is used when the caller omits the operation key.
	DefaultOperation() string
	// Run executes one operation and returns the raw payload.
	Run(ctx context.Context, op string, params Params) (map[string]any, error)
}

// CredentialDeclarer is implemented by handlers that need credentials; the
// dispatcher resolves the profiles before Run and injects the resolved values
// into the context.
type CredentialDeclarer interface {
	Credentials(op string) []creds.Profile
}

// OutputCapped is implemented by handlers that return item-carrying payloads;
// the returned caps drive the output governor.
type OutputCapped interface {
	OutputCaps(op string) governor.Caps
}

// Deadliner is implemented by handlers whose operations need more than the
// default invocation deadline.
type Deadliner interface {
	Deadline(op string) time.Duration
}

// Dispatcher is the invocation surface consumed by the host.
type Dispatcher struct {
	tools    map[string]Handler
	names    []string
	resolver *creds.Resolver
	caps     governor.Caps
	deadline time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithResolver replaces the credential resolver.
func WithResolver(r *creds.Resolver) Option {
	return func(d *Dispatcher) { d.resolver = r }
}

// WithGovernorCaps overrides the default output caps applied to tools that do
// not declare their own numeric budgets.
func WithGovernorCaps(caps governor.Caps) Option {
	return func(d *Dispatcher) { d.caps = caps }
}

// WithInvokeDeadline overrides the default invocation deadline.
func WithInvokeDeadline(dl time.Duration) Option {
	return func(d *Dispatcher) {
		if dl > 0 {
			d.deadline = dl
		}
	}
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tools:    make(map[string]Handler),
		resolver: creds.NewResolver(),
		caps:     governor.DefaultCaps(""),
		deadline: DefaultInvokeDeadline,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Resolver returns the credential resolver shared with handlers.
func (d *Dispatcher) Resolver() *creds.Resolver { return d.resolver }

// Register adds a tool to the static registry. Tool names are
// case-insensitive and must be unique.
func (d *Dispatcher) Register(h Handler) error {
	spec := h.Spec()
	if spec == nil || spec.Name == "" {
		return envelope.Validation("handler does not declare a tool name")
	}
	key := strings.ToLower(spec.Name)
	if _, exists := d.tools[key]; exists {
		return envelope.Conflict("tool %q is already registered", spec.Name)
	}
	d.tools[key] = h
	d.names = append(d.names, spec.Name)
	sort.Strings(d.names)
	logger.KV(xlog.DEBUG, "tool", spec.Name, "operations", strings.Join(h.Operations(), ","))
	return nil
}

// MustRegister panics on registration failure; for static wiring at startup.
func (d *Dispatcher) MustRegister(h Handler) {
	if err := d.Register(h); err != nil {
		logger.Panicf("tool registration failed: %+v", err)
	}
}

// ListSpecs returns every registered manifest, sorted by tool name.
func (d *Dispatcher) ListSpecs() []*manifest.ToolSpec {
	specs := make([]*manifest.ToolSpec, 0, len(d.names))
	for _, name := range d.names {
		specs = append(specs, d.tools[strings.ToLower(name)].Spec())
	}
	return specs
}

// Invoke runs one operation of one tool and returns the result envelope.
func (d *Dispatcher) Invoke(ctx context.Context, toolName string, params map[string]any) (env envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logger.ContextKV(ctx, xlog.ERROR,
				"tool", toolName,
				"reason", "handler panic",
				"panic", r,
				"stack", string(debug.Stack()))
			env = d.redacted(envelope.FromError(envelope.New(envelope.KindUnknown, "internal fault in tool %q", toolName)))
		}
	}()

	env = d.invoke(ctx, toolName, params)
	return d.redacted(env)
}

func (d *Dispatcher) invoke(ctx context.Context, toolName string, params map[string]any) envelope.Envelope {
	if strings.TrimSpace(toolName) == "" {
		return envelope.FromError(envelope.Validation("tool name must not be empty"))
	}
	// Envelopes always carry the canonical lowercase registry name, not the
	// display-cased spec name.
	key := strings.ToLower(strings.TrimSpace(toolName))
	h, ok := d.tools[key]
	if !ok {
		return envelope.FromError(
			envelope.Validation("unknown tool %q", toolName).
				WithField("tool", toolName))
	}
	spec := h.Spec()

	op, rest, err := d.resolveOperation(h, params)
	if err != nil {
		return d.errorEnvelope(ctx, key, op, err)
	}

	coerced, err := coerceParams(spec.Parameters, rest)
	if err != nil {
		return d.errorEnvelope(ctx, key, op, err)
	}
	if err := spec.Parameters.Check(coerced); err != nil {
		return d.errorEnvelope(ctx, key, op, err)
	}

	if declarer, ok := h.(CredentialDeclarer); ok {
		resolved := creds.Resolved{}
		for _, profile := range declarer.Credentials(op) {
			res, err := d.resolver.Resolve(profile)
			if err != nil {
				return d.errorEnvelope(ctx, key, op, err)
			}
			for k, v := range res {
				resolved[k] = v
			}
		}
		ctx = creds.NewContext(ctx, resolved)
	}

	deadline := d.deadline
	if dl, ok := h.(Deadliner); ok {
		if override := dl.Deadline(op); override > 0 {
			deadline = override
		}
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	payload, err := h.Run(ctx, op, Params(coerced))
	if err != nil {
		return d.errorEnvelope(ctx, key, op, err)
	}

	caps := d.caps
	if capped, ok := h.(OutputCapped); ok {
		caps = mergeCaps(capped.OutputCaps(op), d.caps)
		payload = caps.Apply(payload)
	}

	env := envelope.Success(op, payload)
	env["tool"] = key
	return env
}

// resolveOperation pops the reserved operation key; the dispatcher is the
// only component allowed to read it.
func (d *Dispatcher) resolveOperation(h Handler, params map[string]any) (string, map[string]any, error) {
	rest := make(map[string]any, len(params))
	for k, v := range params {
		rest[k] = v
	}

	raw, present := rest["operation"]
	delete(rest, "operation")

	if !present {
		return h.DefaultOperation(), rest, nil
	}
	opStr, ok := raw.(string)
	if !ok {
		return "", rest, envelope.Validation("operation must be a string, got %T", raw).
			WithField("operations", h.Operations())
	}
	op := strings.ToLower(strings.TrimSpace(opStr))
	if op == "" {
		return "", rest, envelope.Validation("operation must not be empty").
			WithField("operations", h.Operations()).
			WithHint("valid operations: %s", strings.Join(h.Operations(), ", "))
	}
	for _, candidate := range h.Operations() {
		if strings.ToLower(candidate) == op {
			return candidate, rest, nil
		}
	}
	return opStr, rest, envelope.Validation("unknown operation %q", opStr).
		WithField("operations", h.Operations()).
		WithHint("valid operations: %s", strings.Join(h.Operations(), ", "))
}

func (d *Dispatcher) errorEnvelope(ctx context.Context, tool, op string, err error) envelope.Envelope {
	e := envelope.Classify(err)
	if e.Kind == envelope.KindUnknown {
		logger.ContextKV(ctx, xlog.ERROR,
			"tool", tool, "operation", op, "err", d.resolver.Redactor().Redact(e.Error()),
			"stack", string(debug.Stack()))
	} else {
		logger.ContextKV(ctx, xlog.WARNING,
			"tool", tool, "operation", op,
			"error_type", string(e.Kind),
			"err", d.resolver.Redactor().Redact(e.Error()))
	}
	env := envelope.FromError(e)
	if tool != "" {
		env["tool"] = tool
	}
	if op != "" {
		env["operation"] = op
	}
	return env
}

func (d *Dispatcher) redacted(env envelope.Envelope) envelope.Envelope {
	out, _ := d.resolver.Redactor().RedactAny(map[string]any(env)).(map[string]any)
	if out == nil {
		return env
	}
	return envelope.Envelope(out)
}

// mergeCaps fills undeclared numeric budgets from the dispatcher defaults.
// MaxTotalItems zero is a literal declaration; negative means undeclared.
func mergeCaps(h, base governor.Caps) governor.Caps {
	if h.MaxTotalItems < 0 {
		h.MaxTotalItems = base.MaxTotalItems
	}
	if h.MaxItemFieldChars <= 0 {
		h.MaxItemFieldChars = base.MaxItemFieldChars
	}
	if h.MaxBytes <= 0 {
		h.MaxBytes = base.MaxBytes
	}
	if h.MaxSubListItems <= 0 {
		h.MaxSubListItems = base.MaxSubListItems
	}
	return h
}
