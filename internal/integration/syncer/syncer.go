// Package syncer orchestrates data synchronization runs between the local
// store and remote HIS/LIMS systems.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/medbridge/internal/integration/connector"
	"github.com/medbridge/medbridge/internal/integration/errs"
	"github.com/medbridge/medbridge/internal/integration/mapping"
	"github.com/medbridge/medbridge/internal/platform/store"
)

// Direction selects which sync phases run.
type Direction string

const (
	DirectionPull          Direction = "pull"
	DirectionPush          Direction = "push"
	DirectionBidirectional Direction = "bidirectional"
)

func (d Direction) pulls() bool { return d == DirectionPull || d == DirectionBidirectional }
func (d Direction) pushes() bool { return d == DirectionPush || d == DirectionBidirectional }

// Status is the lifecycle state of a sync task.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusPaused  Status = "paused"
)

// Result is the record of one sync run. It is mutated only by the
// orchestrator while the run is active and becomes immutable history on
// completion.
type Result struct {
	ID                string             `json:"id"`
	ConfigID          string             `json:"configId"`
	ResourceType      string             `json:"resourceType"`
	Direction         Direction          `json:"direction"`
	StartedAt         time.Time          `json:"startedAt"`
	CompletedAt       *time.Time         `json:"completedAt,omitempty"`
	RecordsProcessed  int                `json:"recordsProcessed"`
	RecordsSuccessful int                `json:"recordsSuccessful"`
	RecordsFailed     int                `json:"recordsFailed"`
	Status            Status             `json:"status"`
	Errors            []errs.RecordError `json:"errors,omitempty"`
}

// LocalStore is the orchestrator's collaborator for the local side of a sync:
// pulled resources are saved into it, pushed resources are read out of it.
type LocalStore interface {
	SaveResource(ctx context.Context, configID string, resource connector.Resource) error
	PendingResources(ctx context.Context, configID, resourceType string) ([]connector.Resource, error)
	MarkPushed(ctx context.Context, configID string, resource connector.Resource, remoteID string) error
}

// EventEmitter publishes lifecycle events; the webhook manager implements it.
type EventEmitter interface {
	Emit(eventType string, payload map[string]interface{})
}

// ConnectorFactory builds a connector for a configuration. Production wiring
// uses connector.New; tests inject fakes.
type ConnectorFactory func(cfg *connector.IntegrationConfig) (connector.Connector, error)

// Options carries the orchestrator's collaborators and tuning knobs.
type Options struct {
	Factory    ConnectorFactory
	Local      LocalStore
	Store      store.Store // run-log persistence, may be nil
	Emitter    EventEmitter
	BatchSize  int
	MaxRetries int
	RetryBase  time.Duration
	MaxHistory int
	Logger     zerolog.Logger
}

// Orchestrator runs sync tasks. At most one run per (configId, resourceType)
// pair is in flight at a time; runs for different pairs proceed concurrently.
type Orchestrator struct {
	factory    ConnectorFactory
	local      LocalStore
	store      store.Store
	emitter    EventEmitter
	batchSize  int
	maxRetries int
	retryBase  time.Duration
	maxHistory int
	logger     zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	active   map[string]*runState
	history  []Result

	sleep func(ctx context.Context, d time.Duration) error
}

type runState struct {
	cancel context.CancelFunc
	result *Result
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Factory == nil {
		opts.Factory = connector.New
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = errs.DefaultRetryBase
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 500
	}
	return &Orchestrator{
		factory:    opts.Factory,
		local:      opts.Local,
		store:      opts.Store,
		emitter:    opts.Emitter,
		batchSize:  opts.BatchSize,
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
		maxHistory: opts.MaxHistory,
		logger:     opts.Logger.With().Str("component", "syncer").Logger(),
		inflight:   map[string]struct{}{},
		active:     map[string]*runState{},
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func flightKey(configID, resourceType string) string {
	return configID + "|" + resourceType
}

// StartSync runs one synchronization for the given configuration and resource
// type. It returns the completed Result; rejected runs (missing or disabled
// config, concurrent run for the same pair) fail before any network call.
func (o *Orchestrator) StartSync(ctx context.Context, cfg *connector.IntegrationConfig, resourceType string, direction Direction, filters map[string]string) (*Result, error) {
	if cfg == nil {
		return nil, errs.Configuration("sync rejected: configuration not found")
	}
	if !cfg.Enabled {
		return nil, errs.Configuration(fmt.Sprintf("sync rejected: configuration %s is disabled", cfg.ID))
	}
	if !cfg.SyncsResourceType(resourceType) {
		return nil, errs.Configuration(fmt.Sprintf("sync rejected: configuration %s does not sync %s", cfg.ID, resourceType))
	}
	switch direction {
	case DirectionPull, DirectionPush, DirectionBidirectional:
	default:
		return nil, errs.Configuration(fmt.Sprintf("sync rejected: unknown direction %q", direction))
	}

	key := flightKey(cfg.ID, resourceType)
	o.mu.Lock()
	if _, busy := o.inflight[key]; busy {
		o.mu.Unlock()
		return nil, errs.Configuration(fmt.Sprintf("sync rejected: %s/%s is already syncing", cfg.ID, resourceType))
	}
	o.inflight[key] = struct{}{}

	runCtx, cancel := context.WithCancel(ctx)
	result := &Result{
		ID:           uuid.New().String(),
		ConfigID:     cfg.ID,
		ResourceType: resourceType,
		Direction:    direction,
		StartedAt:    time.Now(),
		Status:       StatusSyncing,
	}
	o.active[result.ID] = &runState{cancel: cancel, result: result}
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.inflight, key)
		delete(o.active, result.ID)
		o.mu.Unlock()
	}()

	logger := o.logger.With().
		Str("task_id", result.ID).
		Str("config_id", cfg.ID).
		Str("resource_type", resourceType).
		Str("direction", string(direction)).
		Logger()
	logger.Info().Msg("sync started")

	o.run(runCtx, cfg, resourceType, direction, filters, result, logger)

	now := time.Now()
	result.CompletedAt = &now
	if len(result.Errors) == 0 {
		result.Status = StatusSuccess
	} else {
		result.Status = StatusError
	}

	o.finish(result, logger)
	return result, nil
}

// run executes the pull and push phases. Pull completes fully before push
// begins on bidirectional runs.
func (o *Orchestrator) run(ctx context.Context, cfg *connector.IntegrationConfig, resourceType string, direction Direction, filters map[string]string, result *Result, logger zerolog.Logger) {
	conn, err := o.factory(cfg)
	if err != nil {
		result.recordFailure(resourceType, err)
		return
	}

	mapper, err := cfg.Mapper()
	if err != nil {
		result.recordFailure(resourceType, err)
		return
	}

	if err := conn.Connect(ctx); err != nil {
		result.recordFailure(resourceType, err)
		return
	}
	defer func() {
		if err := conn.Disconnect(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("disconnect failed")
		}
	}()

	if direction.pulls() {
		o.pull(ctx, conn, cfg, mapper, resourceType, filters, result, logger)
	}
	if direction.pushes() {
		if ctx.Err() != nil {
			result.recordFailure(resourceType, ctx.Err())
			return
		}
		o.push(ctx, conn, cfg, mapper, resourceType, result, logger)
	}
}

// pull pages through the remote system in batches. The batch fetch retries
// with backoff; record-level store failures are recorded without aborting the
// batch.
func (o *Orchestrator) pull(ctx context.Context, conn connector.Connector, cfg *connector.IntegrationConfig, mapper *mapping.Mapper, resourceType string, filters map[string]string, result *Result, logger zerolog.Logger) {
	cursor := ""
	for {
		if ctx.Err() != nil {
			result.recordFailure(resourceType, ctx.Err())
			return
		}

		batchFilters := map[string]string{}
		for k, v := range filters {
			batchFilters[k] = v
		}
		batchFilters["_count"] = fmt.Sprintf("%d", o.batchSize)
		if cursor != "" {
			batchFilters["_cursor"] = cursor
		}

		batch, err := o.fetchWithRetry(ctx, conn, resourceType, batchFilters, logger)
		if err != nil {
			result.recordFailure(resourceType, err)
			return
		}
		if len(batch) == 0 {
			return
		}

		for _, resource := range batch {
			result.RecordsProcessed++
			resource = mapInbound(mapper, resource, logger)
			if err := o.local.SaveResource(ctx, cfg.ID, resource); err != nil {
				result.Errors = append(result.Errors, errs.RecordError{
					Timestamp:   time.Now(),
					Resource:    resource.ID(),
					Message:     err.Error(),
					Recoverable: true,
				})
				result.RecordsFailed++
				continue
			}
			result.RecordsSuccessful++
		}

		if len(batch) < o.batchSize {
			return
		}
		cursor = batch[len(batch)-1].ID()
		if cursor == "" {
			logger.Warn().Msg("last record of a full batch has no id; stopping pagination")
			return
		}
	}
}

func (o *Orchestrator) fetchWithRetry(ctx context.Context, conn connector.Connector, resourceType string, filters map[string]string, logger zerolog.Logger) ([]connector.Resource, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		batch, err := conn.Fetch(ctx, resourceType, filters)
		if err == nil {
			return batch, nil
		}
		lastErr = err
		if !errs.ShouldRetry(err, attempt+1, o.maxRetries) {
			return nil, lastErr
		}
		delay := errs.RetryDelay(attempt, o.retryBase, errs.DefaultRetryMax)
		logger.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("batch fetch failed, retrying")
		if err := o.sleep(ctx, delay); err != nil {
			return nil, lastErr
		}
	}
}

// push sends locally-pending resources one at a time, continuing past
// per-record failures. Only a connection-level failure aborts the phase.
func (o *Orchestrator) push(ctx context.Context, conn connector.Connector, cfg *connector.IntegrationConfig, mapper *mapping.Mapper, resourceType string, result *Result, logger zerolog.Logger) {
	pending, err := o.local.PendingResources(ctx, cfg.ID, resourceType)
	if err != nil {
		result.recordFailure(resourceType, err)
		return
	}

	for _, resource := range pending {
		if ctx.Err() != nil {
			result.recordFailure(resourceType, ctx.Err())
			return
		}

		result.RecordsProcessed++
		remoteID, err := o.sendWithRetry(ctx, conn, mapOutbound(mapper, resource), logger)
		if err != nil {
			result.Errors = append(result.Errors, errs.RecordError{
				Timestamp:   time.Now(),
				Resource:    resource.ID(),
				Message:     err.Error(),
				Recoverable: errs.IsRecoverable(err),
			})
			result.RecordsFailed++
			if errs.KindOf(err) == errs.KindConnection {
				logger.Warn().Err(err).Msg("connection lost, aborting push phase")
				return
			}
			continue
		}

		result.RecordsSuccessful++
		if err := o.local.MarkPushed(ctx, cfg.ID, resource, remoteID); err != nil {
			logger.Warn().Err(err).Str("resource", resource.ID()).Msg("failed to mark resource pushed")
		}
	}
}

func (o *Orchestrator) sendWithRetry(ctx context.Context, conn connector.Connector, resource connector.Resource, logger zerolog.Logger) (string, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		id, err := conn.Send(ctx, resource)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !errs.ShouldRetry(err, attempt+1, o.maxRetries) {
			return "", lastErr
		}
		delay := errs.RetryDelay(attempt, o.retryBase, errs.DefaultRetryMax)
		logger.Warn().Err(err).Str("resource", resource.ID()).Int("attempt", attempt+1).Msg("send failed, retrying")
		if err := o.sleep(ctx, delay); err != nil {
			return "", lastErr
		}
	}
}

// mapInbound translates a fetched record into the local shape. Identity
// fields survive the translation so the local store can still key the record,
// and required-field violations are logged without rejecting it.
func mapInbound(mapper *mapping.Mapper, resource connector.Resource, logger zerolog.Logger) connector.Resource {
	if mapper == nil {
		return resource
	}
	mapped := connector.Resource(mapper.TransformInbound(resource))
	for _, k := range []string{"id", "resourceType", "meta"} {
		if _, ok := mapped[k]; !ok {
			if v, ok := resource[k]; ok {
				mapped[k] = v
			}
		}
	}
	if violations := mapper.ValidateData(mapped); len(violations) > 0 {
		logger.Warn().
			Str("resource", mapped.ID()).
			Int("violations", len(violations)).
			Str("field", violations[0].Field).
			Msg("mapped record failed validation")
	}
	return mapped
}

// mapOutbound translates a pending local record into the remote shape.
func mapOutbound(mapper *mapping.Mapper, resource connector.Resource) connector.Resource {
	if mapper == nil {
		return resource
	}
	mapped := connector.Resource(mapper.TransformOutbound(resource))
	if _, ok := mapped["id"]; !ok {
		if v, ok := resource["id"]; ok {
			mapped["id"] = v
		}
	}
	return mapped
}

func (r *Result) recordFailure(resourceType string, err error) {
	r.Errors = append(r.Errors, errs.RecordError{
		Timestamp:   time.Now(),
		Resource:    resourceType,
		Message:     err.Error(),
		Recoverable: errs.IsRecoverable(err),
	})
}

// finish archives the result, persists the run log, and emits the lifecycle
// event.
func (o *Orchestrator) finish(result *Result, logger zerolog.Logger) {
	o.mu.Lock()
	o.history = append(o.history, *result)
	if len(o.history) > o.maxHistory {
		o.history = o.history[len(o.history)-o.maxHistory:]
	}
	o.mu.Unlock()

	if o.store != nil {
		if b, err := json.Marshal(result); err == nil {
			if err := o.store.Put(context.Background(), "synclog:"+result.ID, b); err != nil {
				logger.Warn().Err(err).Msg("failed to persist sync log")
			}
		}
	}

	summary := errs.Summarize(result.Errors)
	event := "sync.completed"
	if result.Status == StatusError {
		event = "sync.failed"
	}
	logger.Info().
		Str("status", string(result.Status)).
		Int("processed", result.RecordsProcessed).
		Int("successful", result.RecordsSuccessful).
		Int("failed", result.RecordsFailed).
		Msg("sync finished")

	if o.emitter != nil {
		o.emitter.Emit(event, map[string]interface{}{
			"taskId":            result.ID,
			"configId":          result.ConfigID,
			"resourceType":      result.ResourceType,
			"direction":         result.Direction,
			"status":            result.Status,
			"recordsProcessed":  result.RecordsProcessed,
			"recordsSuccessful": result.RecordsSuccessful,
			"recordsFailed":     result.RecordsFailed,
			"errorSummary":      summary,
		})
	}
}

// CancelSync removes a task from the active set. In-flight network calls are
// not forcibly aborted; their results are discarded on return.
func (o *Orchestrator) CancelSync(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, ok := o.active[taskID]
	if !ok {
		return false
	}
	state.cancel()
	return true
}

// ActiveTasks lists in-flight runs.
func (o *Orchestrator) ActiveTasks() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Result, 0, len(o.active))
	for _, s := range o.active {
		out = append(out, *s.result)
	}
	return out
}

// History returns completed runs, newest last.
func (o *Orchestrator) History(limit int) []Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	if limit <= 0 || limit > len(o.history) {
		limit = len(o.history)
	}
	out := make([]Result, limit)
	copy(out, o.history[len(o.history)-limit:])
	return out
}
