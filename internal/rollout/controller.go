// Package rollout replaces running containers with the set named by a
// deployment manifest, health-checks the result, and restores the previous
// containers on failure. Rollouts are strictly serialized per host.
package rollout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/convoy/internal/deployer"
	"github.com/edvin/convoy/internal/model"
	"github.com/edvin/convoy/internal/secret"
)

var (
	rolloutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoy_rollouts_total",
		Help: "Completed rollouts by outcome",
	}, []string{"outcome"})

	rolloutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "convoy_rollout_duration_seconds",
		Help:    "Duration of each rollout",
		Buckets: prometheus.DefBuckets,
	})

	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "convoy_rollout_queue_depth",
		Help: "Pending rollout triggers",
	})

	triggersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_rollout_triggers_dropped_total",
		Help: "Triggers dropped because the pending queue was full",
	})
)

// RecordSink receives finished rollout records. The store appends them to
// the audit table; an archiver may wrap it.
type RecordSink interface {
	Append(ctx context.Context, rec model.RolloutRecord) error
}

// Options tunes controller behaviour.
type Options struct {
	RegistrySecret string
	PullAttempts   uint
	HealthWindow   time.Duration
	HealthInterval time.Duration
	QueueDepth     int
}

type trigger struct {
	id       string
	manifest *model.DeploymentManifest
}

// Controller serializes and executes rollouts against one host.
type Controller struct {
	logger   zerolog.Logger
	host     *model.Host
	deployer deployer.Deployer
	secrets  secret.Resolver
	records  RecordSink
	clock    clockwork.Clock
	opts     Options

	mu           sync.Mutex
	pending      []trigger
	activeID     string
	state        model.RolloutState
	dropped      map[string]struct{}
	droppedOrder []string
	notify       chan struct{}
}

// droppedMemory bounds how many evicted trigger IDs stay answerable from
// Status before the oldest knowledge is forgotten.
const droppedMemory = 64

// New creates a Controller. Run must be started for submitted triggers to
// execute.
func New(
	logger zerolog.Logger,
	host *model.Host,
	dep deployer.Deployer,
	secrets secret.Resolver,
	records RecordSink,
	clock clockwork.Clock,
	opts Options,
) *Controller {
	if opts.PullAttempts == 0 {
		opts.PullAttempts = 3
	}
	if opts.HealthWindow == 0 {
		opts.HealthWindow = 90 * time.Second
	}
	if opts.HealthInterval == 0 {
		opts.HealthInterval = 3 * time.Second
	}
	if opts.QueueDepth == 0 {
		opts.QueueDepth = 4
	}
	return &Controller{
		logger:   logger.With().Str("component", "rollout-controller").Logger(),
		host:     host,
		deployer: dep,
		secrets:  secrets,
		records:  records,
		clock:    clock,
		opts:     opts,
		dropped:  make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// Submit queues a validated manifest and returns the rollout ID. A trigger
// arriving on a full queue replaces the oldest pending one: only the latest
// desired manifest matters.
func (c *Controller) Submit(m *model.DeploymentManifest) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()

	c.mu.Lock()
	c.pending = append(c.pending, trigger{id: id, manifest: m})
	if len(c.pending) > c.opts.QueueDepth {
		dropped := c.pending[0]
		c.pending = c.pending[1:]
		c.rememberDropped(dropped.id)
		triggersDropped.Inc()
		c.logger.Warn().
			Str("dropped_rollout_id", dropped.id).
			Str("manifest_version", dropped.manifest.Version).
			Msg("pending queue full, dropping oldest trigger")
	}
	queueDepthGauge.Set(float64(len(c.pending)))
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}

	c.logger.Info().Str("rollout_id", id).Str("manifest_version", m.Version).Msg("rollout trigger queued")
	return id, nil
}

// Status reports the state of a rollout the controller still knows about:
// the executing one, any queued trigger, or a recently dropped one. Finished
// rollouts are answered from their records, not from here.
func (c *Controller) Status(id string) (model.RolloutState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeID == id {
		return c.state, true
	}
	for _, tr := range c.pending {
		if tr.id == id {
			return model.RolloutPending, true
		}
	}
	if _, ok := c.dropped[id]; ok {
		return model.RolloutDropped, true
	}
	return "", false
}

// rememberDropped records an evicted trigger ID so status polls get a
// definite answer instead of a 404. Caller holds c.mu.
func (c *Controller) rememberDropped(id string) {
	if len(c.droppedOrder) >= droppedMemory {
		delete(c.dropped, c.droppedOrder[0])
		c.droppedOrder = c.droppedOrder[1:]
	}
	c.dropped[id] = struct{}{}
	c.droppedOrder = append(c.droppedOrder, id)
}

// QueueDepth returns the number of pending triggers.
func (c *Controller) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run drains the trigger queue until the context is cancelled. At most one
// rollout executes at a time.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.notify:
		}
		for {
			tr, ok := c.pop()
			if !ok {
				break
			}
			rec := c.execute(ctx, tr)
			rolloutsTotal.WithLabelValues(string(rec.Outcome)).Inc()
			rolloutDuration.Observe(rec.FinishedAt.Sub(rec.StartedAt).Seconds())
			if err := c.records.Append(ctx, rec); err != nil {
				c.logger.Error().Err(err).Str("rollout_id", rec.ID).Msg("failed to append rollout record")
			}
		}
	}
}

func (c *Controller) pop() (trigger, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		c.activeID = ""
		return trigger{}, false
	}
	tr := c.pending[0]
	c.pending = c.pending[1:]
	queueDepthGauge.Set(float64(len(c.pending)))
	c.activeID = tr.id
	c.state = model.RolloutPending
	return tr, true
}

func (c *Controller) setState(s model.RolloutState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

type swapEntry struct {
	service string
	newID   string
	old     []deployer.ContainerStatus
	// stopped holds the IDs of old containers this swap stopped; rollback
	// restarts exactly these, so a container that was already stopped before
	// the rollout stays stopped.
	stopped []string
}

func (c *Controller) execute(ctx context.Context, tr trigger) model.RolloutRecord {
	logger := c.logger.With().Str("rollout_id", tr.id).Str("manifest_version", tr.manifest.Version).Logger()
	rec := model.RolloutRecord{
		ID:              tr.id,
		Host:            c.host.Name,
		ManifestVersion: tr.manifest.Version,
		StartedAt:       c.clock.Now().UTC(),
	}
	finish := func(outcome model.RolloutOutcome, reason string) model.RolloutRecord {
		rec.Outcome = outcome
		rec.Reason = reason
		rec.FinishedAt = c.clock.Now().UTC()
		logger.Info().Str("outcome", string(outcome)).Str("reason", reason).Msg("rollout finished")
		return rec
	}

	logger.Info().Msg("rollout started")

	auth, err := c.registryAuth(ctx)
	if err != nil {
		return finish(model.OutcomePullFailed, fmt.Sprintf("resolve registry credentials: %v", err))
	}

	// Pulling: fetch every image before touching any container, so a bad
	// reference can never leave the host half-swapped.
	c.setState(model.RolloutPulling)
	for _, svc := range tr.manifest.Services {
		err := retry.Do(
			func() error {
				_, err := c.deployer.PullImage(ctx, c.host, svc.Image, auth)
				return err
			},
			retry.Context(ctx),
			retry.Attempts(c.opts.PullAttempts),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return finish(model.OutcomePullFailed,
				fmt.Sprintf("%s: %v: %v", svc.Name, model.ErrPullFailed, err))
		}
		logger.Debug().Str("service", svc.Name).Msg("image pulled")
	}

	// Swapping: one service at a time to bound the blast radius. Old
	// containers are stopped but kept present until health checking passes.
	c.setState(model.RolloutSwapping)
	var swapped []swapEntry
	for _, svc := range tr.manifest.Services {
		entry, err := c.swapService(ctx, tr.id, svc)
		if err != nil {
			logger.Error().Err(err).Str("service", svc.Name).Msg("swap failed, rolling back")
			c.setState(model.RolloutRollingBack)
			c.rollback(ctx, append(swapped, entry))
			c.setState(model.RolloutRolledBack)
			return finish(model.OutcomeRolledBack, fmt.Sprintf("swap %s: %v", svc.Name, err))
		}
		swapped = append(swapped, entry)
	}

	// HealthChecking: poll readiness for a bounded window.
	c.setState(model.RolloutHealthChecking)
	if ok := c.healthCheck(ctx, &rec, swapped); !ok {
		c.setState(model.RolloutRollingBack)
		c.rollback(ctx, swapped)
		c.setState(model.RolloutRolledBack)
		return finish(model.OutcomeRolledBack, model.ErrHealthCheckTimeout.Error())
	}

	// Stable: the old containers are no longer needed.
	for _, entry := range swapped {
		for _, old := range entry.old {
			if err := c.deployer.RemoveContainer(ctx, c.host, old.ID); err != nil {
				logger.Warn().Err(err).Str("container", old.ID).Msg("failed to remove superseded container")
			}
		}
	}
	c.setState(model.RolloutStable)
	return finish(model.OutcomeSucceeded, "")
}

func (c *Controller) registryAuth(ctx context.Context) (*deployer.RegistryAuth, error) {
	if c.opts.RegistrySecret == "" {
		return nil, nil
	}
	s, err := c.secrets.Resolve(ctx, c.opts.RegistrySecret, model.ScopeRegistryPull)
	if err != nil {
		return nil, err
	}
	// Secret value format: "username:password".
	username, password, ok := strings.Cut(s.Value(), ":")
	if !ok {
		return &deployer.RegistryAuth{Username: "convoy", Password: s.Value()}, nil
	}
	return &deployer.RegistryAuth{Username: username, Password: password}, nil
}

func (c *Controller) swapService(ctx context.Context, rolloutID string, svc model.ManifestService) (swapEntry, error) {
	entry := swapEntry{service: svc.Name}

	old, err := c.deployer.ListContainers(ctx, c.host, deployer.ServiceLabel+"="+svc.Name)
	if err != nil {
		return entry, fmt.Errorf("list existing containers: %w", err)
	}
	for _, o := range old {
		if o.Running {
			if err := c.deployer.StopContainer(ctx, c.host, o.ID); err != nil {
				return entry, fmt.Errorf("stop %s: %w", o.ID, err)
			}
			entry.stopped = append(entry.stopped, o.ID)
		}
	}
	entry.old = old

	opts := deployer.ContainerOpts{
		Name:  svc.Name + "-" + rolloutID[:8],
		Image: svc.Image,
		Env:   svc.Env,
		Labels: map[string]string{
			deployer.ServiceLabel: svc.Name,
			deployer.RolloutLabel: rolloutID,
		},
	}
	if svc.Binding != nil {
		opts.Ports = []deployer.PortMapping{
			{Host: svc.Binding.HostPort, Container: svc.Binding.ContainerPort},
		}
	}

	newID, err := c.deployer.CreateContainer(ctx, c.host, opts)
	if err != nil {
		return entry, fmt.Errorf("create container: %w", err)
	}
	entry.newID = newID
	return entry, nil
}

// healthCheck polls every swapped service until all are ready or the window
// elapses. Observations are appended to the record either way.
func (c *Controller) healthCheck(ctx context.Context, rec *model.RolloutRecord, swapped []swapEntry) bool {
	deadline := c.clock.Now().Add(c.opts.HealthWindow)
	healthy := make(map[string]bool, len(swapped))

	for {
		for _, entry := range swapped {
			if healthy[entry.service] {
				continue
			}
			result := model.HealthCheckResult{Service: entry.service, CheckedAt: c.clock.Now().UTC()}
			status, err := c.deployer.InspectContainer(ctx, c.host, entry.newID)
			switch {
			case err != nil:
				result.Detail = err.Error()
			case status.Health == "healthy", status.Health == "none" && status.Running:
				result.Healthy = true
			default:
				result.Detail = fmt.Sprintf("state=%s health=%s", status.State, status.Health)
			}
			rec.Health = append(rec.Health, result)
			if result.Healthy {
				healthy[entry.service] = true
			}
		}

		if len(healthy) == len(swapped) {
			return true
		}
		if ctx.Err() != nil || !c.clock.Now().Add(c.opts.HealthInterval).Before(deadline) {
			return false
		}
		c.clock.Sleep(c.opts.HealthInterval)
	}
}

// rollback removes the new containers and restarts the containers the swap
// stopped, restoring the pre-rollout set exactly.
func (c *Controller) rollback(ctx context.Context, swapped []swapEntry) {
	for _, entry := range swapped {
		if entry.newID != "" {
			if err := c.deployer.StopContainer(ctx, c.host, entry.newID); err != nil {
				c.logger.Warn().Err(err).Str("container", entry.newID).Msg("failed to stop new container during rollback")
			}
			if err := c.deployer.RemoveContainer(ctx, c.host, entry.newID); err != nil {
				c.logger.Warn().Err(err).Str("container", entry.newID).Msg("failed to remove new container during rollback")
			}
		}
		for _, id := range entry.stopped {
			if err := c.deployer.StartContainer(ctx, c.host, id); err != nil {
				c.logger.Error().Err(err).Str("container", id).Msg("failed to restart previous container during rollback")
			}
		}
	}
}
