package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/querymesh/querymesh/internal/directive"
	"github.com/querymesh/querymesh/internal/observability"
)

// Dispatcher routes each call to the engine registered for the source type.
type Dispatcher struct {
	mu      sync.RWMutex
	engines map[SourceType]Engine
	logger  *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{engines: map[SourceType]Engine{}, logger: logger}
}

func (d *Dispatcher) Register(sourceType SourceType, engine Engine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.engines[sourceType] = engine
}

func (d *Dispatcher) Engine(sourceType SourceType) (Engine, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	engine, ok := d.engines[sourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, sourceType)
	}
	return engine, nil
}

func (d *Dispatcher) Ping(ctx context.Context, conn Connection) error {
	engine, err := d.Engine(conn.Type)
	if err != nil {
		return err
	}
	if err := engine.Ping(ctx, conn); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

func (d *Dispatcher) Inspect(ctx context.Context, conn Connection) (Inspection, error) {
	engine, err := d.Engine(conn.Type)
	if err != nil {
		return Inspection{}, err
	}
	inspection, err := engine.Inspect(ctx, conn)
	if err != nil {
		return Inspection{}, fmt.Errorf("inspect %s source: %w", conn.Type, err)
	}
	observability.ObserveInspection(string(conn.Type), len(inspection.Schema.Tables), inspection.Degraded)
	if inspection.Degraded {
		d.logger.WarnContext(ctx, "schema inspection degraded",
			slog.String("source_type", string(conn.Type)),
			slog.String("warning", inspection.Warning),
		)
	}
	return inspection, nil
}

// Execute parses source as a directive for the connection's backend and runs
// it. Every failure, including a malformed directive or a missing engine, is
// reported as ErrExecutionFailed wrapping the underlying cause.
func (d *Dispatcher) Execute(ctx context.Context, conn Connection, source string) (Result, error) {
	start := time.Now()
	result, err := d.execute(ctx, conn, source)
	observability.ObserveExecute(string(conn.Type), len(result.Rows), time.Since(start), err)
	if err != nil {
		d.logger.WarnContext(ctx, "query execution failed",
			slog.String("source_type", string(conn.Type)),
			slog.Any("error", err),
		)
		return Result{}, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	return result, nil
}

func (d *Dispatcher) execute(ctx context.Context, conn Connection, source string) (Result, error) {
	engine, err := d.Engine(conn.Type)
	if err != nil {
		return Result{}, err
	}
	parsed, err := directive.Parse(conn.Type.Backend(), source)
	if err != nil {
		return Result{}, err
	}
	if err := parsed.Validate(); err != nil {
		return Result{}, err
	}
	return engine.Execute(ctx, conn, parsed)
}

// Message renders err as the "failed to execute query: ..." text stored on a
// failed query.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrExecutionFailed) {
		return err.Error()
	}
	return fmt.Sprintf("%s: %v", ErrExecutionFailed, err)
}
