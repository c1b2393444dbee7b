// Package compile runs the fail-closed path from a set of item ids to a
// stored report: build, admit, look up, lease, call the engine, render, vet
// and store.
package compile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fortknox/internal/content"
	"fortknox/internal/fault"
	"fortknox/internal/gate"
	"fortknox/internal/lease"
	"fortknox/internal/logger"
	"fortknox/internal/metrics"
	"fortknox/internal/pack"
	"fortknox/internal/pii"
	"fortknox/internal/remote"
	"fortknox/internal/render"
	"fortknox/internal/reportstore"
)

// Request asks for a report over Items under a policy and template.
type Request struct {
	PolicyID   string   `json:"policy_id" validate:"required"`
	TemplateID string   `json:"template_id" validate:"required"`
	Items      []string `json:"items" validate:"required,min=1,dive,required"`
}

// Deps are the collaborators of a Service. Source, Store, Leases and Remote
// are required.
type Deps struct {
	Source   content.Source
	Policies pack.Policies
	Checker  *gate.Checker
	Store    reportstore.Store
	Leases   *lease.Table
	Remote   remote.Client
	Metrics  *metrics.Metrics
	Log      *logger.Logger

	// ReIDSpan overrides the per-policy re-identification span when > 0.
	ReIDSpan int

	// Now defaults to time.Now.
	Now func() time.Time
}

// Service compiles reports. It is safe for concurrent use.
type Service struct {
	src      content.Source
	policies pack.Policies
	builder  *pack.Builder
	checker  *gate.Checker
	store    reportstore.Store
	leases   *lease.Table
	remote   remote.Client
	metrics  *metrics.Metrics
	log      *logger.Logger
	reidSpan int
	now      func() time.Time
}

// New returns a Service over d.
func New(d Deps) *Service {
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.Policies == nil {
		d.Policies = pack.DefaultPolicies()
	}
	if d.Checker == nil {
		d.Checker = gate.NewChecker(pii.DefaultRuleset(), d.Log)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		src:      d.Source,
		policies: d.Policies,
		builder:  pack.NewBuilder(d.Source, d.Log),
		checker:  d.Checker,
		store:    d.Store,
		leases:   d.Leases,
		remote:   d.Remote,
		metrics:  d.Metrics,
		log:      d.Log,
		reidSpan: d.ReIDSpan,
		now:      d.Now,
	}
}

// EngineID returns the engine reports are compiled with.
func (s *Service) EngineID() string { return s.remote.EngineID() }

// Compile returns the report for req, compiling it if no report exists for
// the pack's fingerprint and the current engine. Every failure is a
// *fault.Error except store and context errors; nothing is stored on
// failure.
func (s *Service) Compile(ctx context.Context, req Request) (*reportstore.Report, error) {
	start := time.Now()
	r, hit, err := s.compile(ctx, req, start)
	switch {
	case err != nil:
		s.metrics.RecordCompile(outcome(err))
		s.log.Warn("compile", "compile failed", logger.Safe(map[string]any{
			"policy":   req.PolicyID,
			"template": req.TemplateID,
			"items":    len(req.Items),
			"kind":     outcome(err),
			"reasons":  fault.ReasonsOf(err),
		})...)
	case hit:
		s.metrics.RecordCompile(metrics.OutcomeCacheHit)
		s.log.Info("compile", "served stored report",
			zap.String("fingerprint", r.Fingerprint),
			zap.String("engine", r.EngineID))
	default:
		s.metrics.RecordCompile(metrics.OutcomeCompiled)
		s.log.Info("compile", "report stored",
			zap.String("fingerprint", r.Fingerprint),
			zap.String("engine", r.EngineID),
			zap.Int64("latency_ms", r.LatencyMs))
	}
	return r, err
}

func (s *Service) compile(ctx context.Context, req Request, start time.Time) (*reportstore.Report, bool, error) {
	policy, err := s.policies.Get(req.PolicyID)
	if err != nil {
		return nil, false, err
	}
	p, err := s.builder.Build(ctx, policy, req.TemplateID, req.Items)
	if err != nil {
		return nil, false, err
	}
	s.metrics.RecordPackSize(p.Bytes)

	engine := s.remote.EngineID()
	if d := s.checker.Admit(p, engine, policy); !d.Pass {
		return nil, false, d.Err()
	}

	key := reportstore.Key{Fingerprint: p.Fingerprint, EngineID: engine}
	if r, err := s.lookup(ctx, key); r != nil || err != nil {
		return r, r != nil, err
	}
	if remote.IsOffline(s.remote) {
		return nil, false, fault.New(fault.Offline)
	}

	l, err := s.leases.Acquire(ctx, key.String())
	if err != nil {
		return nil, false, err
	}
	defer l.Release()

	// Another holder may have stored the report before we got the lease.
	if r, err := s.lookup(ctx, key); r != nil || err != nil {
		return r, r != nil, err
	}

	// The leased section finishes even if the caller goes away, so waiters
	// find a stored report instead of repeating the remote call. It must end
	// before the lease expires.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.leases.Deadline())
	defer cancel()
	r, err := s.produce(pctx, p, policy, key, start)
	return r, false, err
}

func (s *Service) lookup(ctx context.Context, key reportstore.Key) (*reportstore.Report, error) {
	r, err := s.store.Lookup(ctx, key)
	if errors.Is(err, reportstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}
	return r, nil
}

func (s *Service) produce(ctx context.Context, p *pack.Pack, policy pack.Policy, key reportstore.Key, start time.Time) (*reportstore.Report, error) {
	callStart := time.Now()
	res, err := s.remote.Compile(ctx, p, policy)
	s.metrics.RecordRemote(key.EngineID, time.Since(callStart), remoteKind(err))
	if err != nil {
		return nil, err
	}

	body := render.Content(res)
	sources, err := s.sources(ctx, p)
	if err != nil {
		return nil, err
	}
	if d := s.checker.Vet(body, sources, policy, s.reidSpan); !d.Pass {
		return nil, d.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.RemoteError, err, remote.ReasonTimeout)
	}

	stored, inserted, err := s.store.InsertIfAbsent(ctx, &reportstore.Report{
		Fingerprint: key.Fingerprint,
		EngineID:    key.EngineID,
		PolicyID:    p.PolicyID,
		TemplateID:  p.TemplateID,
		Content:     body,
		Manifest:    p.Manifest,
		CreatedAt:   s.now().UTC().Truncate(time.Millisecond),
		LatencyMs:   time.Since(start).Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", key, err)
	}
	if !inserted {
		s.log.Debug("store", "report already present", zap.String("fingerprint", key.Fingerprint))
	}
	return stored, nil
}

// sources returns the raw text of every packed item followed by its masked
// text. Both feed the re-identification guard.
func (s *Service) sources(ctx context.Context, p *pack.Pack) ([]string, error) {
	out := make([]string, 0, 2*len(p.Items))
	for _, it := range p.Items {
		raw, err := s.src.RawText(ctx, it.ID)
		if err != nil {
			return nil, fmt.Errorf("read raw text %s: %w", it.ID, err)
		}
		out = append(out, raw)
	}
	return append(out, p.Texts()...), nil
}

// Report returns the stored report for fingerprint and engineID. An empty
// engineID means the current engine.
func (s *Service) Report(ctx context.Context, fp, engineID string) (*reportstore.Report, error) {
	if engineID == "" {
		engineID = s.remote.EngineID()
	}
	return s.store.Lookup(ctx, reportstore.Key{Fingerprint: fp, EngineID: engineID})
}

func outcome(err error) string {
	if k := fault.KindOf(err); k != "" {
		return string(k)
	}
	return "other"
}

func remoteKind(err error) string {
	if err == nil {
		return ""
	}
	return outcome(err)
}
