package workspace

import (
	"context"
	"errors"

	"github.com/openfroyo/impactsim/pkg/config"
	"github.com/openfroyo/impactsim/pkg/policy"
	"github.com/openfroyo/impactsim/pkg/stores"
	"github.com/openfroyo/impactsim/pkg/telemetry"
	"github.com/openfroyo/impactsim/pkg/transports/impact"
)

// Session is a workspace built from a client configuration together with
// the resources backing it.
type Session struct {
	*Workspace

	Client  *impact.Client
	Journal *stores.SQLiteStore
	Policy  *policy.Engine

	stopWatch context.CancelFunc
}

// Open validates cfg and builds the HTTP client, the journal and the policy
// gate it describes. tel may be nil.
func Open(ctx context.Context, cfg *config.ClientConfig, tel *telemetry.Telemetry) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("client config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tel == nil {
		tel = telemetry.NopTelemetry()
	}
	logger := tel.Logger.Zerolog()

	client, err := impact.NewClient(cfg.TransportConfig(),
		impact.WithLogger(logger),
		impact.WithMetrics(tel.Metrics),
		impact.WithTracer(tel.Tracer),
	)
	if err != nil {
		return nil, err
	}

	s := &Session{Client: client}
	opts := []Option{WithTelemetry(tel)}

	if cfg.Journal.Path != "" {
		journal, err := stores.Open(ctx, stores.Config{Path: cfg.Journal.Path})
		if err != nil {
			return nil, err
		}
		s.Journal = journal
		opts = append(opts, WithJournal(journal))
	}

	if cfg.Policy.Enabled {
		if err := s.openPolicy(ctx, cfg, tel); err != nil {
			_ = s.Close()
			return nil, err
		}
		opts = append(opts, WithGate(s.Policy))
	}

	ws, err := New(cfg.Workspace.ID, client.Workspace(cfg.Workspace.ID), cfg.ExecutionConfig(), opts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Workspace = ws

	logger.Info().
		Str("workspace_id", cfg.Workspace.ID).
		Bool("journal", s.Journal != nil).
		Bool("policy", s.Policy != nil).
		Msg("Workspace opened")

	return s, nil
}

func (s *Session) openPolicy(ctx context.Context, cfg *config.ClientConfig, tel *telemetry.Telemetry) error {
	popts := []policy.Option{
		policy.WithMetrics(tel.Metrics),
		policy.WithTracer(tel.Tracer),
		policy.WithWorkspace(cfg.Workspace.ID),
	}
	if cfg.Policy.MaxCases > 0 {
		popts = append(popts, policy.WithMaxCases(cfg.Policy.MaxCases))
	}

	engine, err := policy.NewEngine(tel.Logger.Zerolog(), popts...)
	if err != nil {
		return err
	}
	s.Policy = engine

	if len(cfg.Policy.Paths) == 0 {
		return nil
	}
	if !cfg.Policy.Watch {
		return engine.LoadPolicies(ctx, cfg.Policy.Paths)
	}

	// The watch outlives ctx; it stops on Close.
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopWatch = cancel
	return engine.Watch(watchCtx, cfg.Policy.Paths)
}

// Close stops the policy watch and closes the journal.
func (s *Session) Close() error {
	if s.stopWatch != nil {
		s.stopWatch()
	}
	var errs []error
	if s.Policy != nil {
		errs = append(errs, s.Policy.Close())
	}
	if s.Journal != nil {
		errs = append(errs, s.Journal.Close())
	}
	return errors.Join(errs...)
}
