// Package pool manages role-specialised pods: their lifecycle, health and
// binding to work orders.
package pool

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/pkg/telemetry"
)

// DefaultFailureThreshold is the number of consecutive failures after which
// a pod is marked degraded.
const DefaultFailureThreshold = 3

// podTransitions is the pod state machine.
var podTransitions = map[domain.PodStatus][]domain.PodStatus{
	domain.PodInitializing: {domain.PodIdle, domain.PodFailed, domain.PodTerminated},
	domain.PodIdle:         {domain.PodWorking, domain.PodTerminated},
	domain.PodWorking:      {domain.PodIdle, domain.PodComplete, domain.PodFailed, domain.PodCheckpoint, domain.PodWaiting},
	domain.PodCheckpoint:   {domain.PodWorking, domain.PodIdle, domain.PodTerminated},
	domain.PodWaiting:      {domain.PodWorking, domain.PodIdle, domain.PodTerminated},
	domain.PodComplete:     {domain.PodIdle, domain.PodTerminated},
	domain.PodFailed:       {domain.PodIdle, domain.PodTerminated},
}

func canMove(from, to domain.PodStatus) bool {
	for _, s := range podTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Pool is a bounded set of pods shared across work orders.
type Pool struct {
	mu        sync.Mutex
	pods      map[string]*domain.Pod
	unbind    map[string]bool // working pods released while in flight
	capacity  int
	threshold int
	tools     map[domain.Role][]string
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithCapacity caps the total number of live pods. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(p *Pool) { p.capacity = n }
}

// WithFailureThreshold overrides DefaultFailureThreshold.
func WithFailureThreshold(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.threshold = n
		}
	}
}

// WithRoleTools sets the tool whitelist given to new pods of each role.
func WithRoleTools(tools map[domain.Role][]string) Option {
	return func(p *Pool) { p.tools = tools }
}

// New creates an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		pods:      make(map[string]*domain.Pod),
		unbind:    make(map[string]bool),
		threshold: DefaultFailureThreshold,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Acquire binds an idle healthy pod of role to woID. It prefers a pod already
// bound to the work order, then an unbound idle pod, and otherwise spawns a
// new one while the work order holds fewer than limit pods (limit <= 0 means
// no per-work-order limit) and the pool is under capacity. At the limit, a
// parked pod of another role, or a degraded one, is handed back to the pool
// to make room.
func (p *Pool) Acquire(woID string, role domain.Role, limit int) (domain.Pod, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var unbound, spare *domain.Pod
	bound, live := 0, 0
	for _, id := range p.sortedIDs() {
		pod := p.pods[id]
		if pod.Status == domain.PodTerminated {
			continue
		}
		live++
		if pod.WorkOrderID == woID {
			bound++
			parked := pod.Status == domain.PodIdle || pod.Status == domain.PodFailed
			if spare == nil && parked && (pod.Role != role || pod.Health.Status == domain.HealthDegraded) {
				spare = pod
			}
		}
		if pod.Role != role || pod.Status != domain.PodIdle || pod.Health.Status != domain.HealthHealthy {
			continue
		}
		if pod.WorkOrderID == woID {
			return *pod, nil
		}
		if pod.WorkOrderID == "" && unbound == nil {
			unbound = pod
		}
	}

	if limit > 0 && bound >= limit && spare != nil {
		p.unbindLocked(spare)
		bound--
	}
	if limit > 0 && bound >= limit {
		return domain.Pod{}, &domain.PodUnavailableError{Role: role, Reason: fmt.Sprintf("work order already holds %d of %d pods", bound, limit)}
	}
	if unbound != nil {
		p.bind(unbound, woID)
		return *unbound, nil
	}
	if p.capacity > 0 && live >= p.capacity {
		return domain.Pod{}, &domain.PodUnavailableError{Role: role, Reason: fmt.Sprintf("pool at capacity (%d)", p.capacity)}
	}

	now := p.now()
	pod := &domain.Pod{
		ID:        "pod-" + string(role) + "-" + uuid.NewString()[:8],
		Role:      role,
		Status:    domain.PodInitializing,
		Health:    domain.PodHealth{Status: domain.HealthHealthy},
		Tools:     append([]string(nil), p.tools[role]...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.pods[pod.ID] = pod
	pod.Status = domain.PodIdle
	p.bind(pod, woID)
	p.logger.Info("pod spawned",
		slog.String("pod_id", pod.ID),
		slog.String("role", string(role)),
		slog.String("work_order_id", woID),
	)
	return *pod, nil
}

func (p *Pool) bind(pod *domain.Pod, woID string) {
	pod.WorkOrderID = woID
	pod.UpdatedAt = p.now()
	telemetry.PodsActive.WithLabelValues(string(pod.Role)).Inc()
}

func (p *Pool) unbindLocked(pod *domain.Pod) {
	if pod.WorkOrderID == "" {
		return
	}
	pod.WorkOrderID = ""
	pod.CurrentTaskID = ""
	delete(p.unbind, pod.ID)
	telemetry.PodsActive.WithLabelValues(string(pod.Role)).Dec()
}

func (p *Pool) move(pod *domain.Pod, to domain.PodStatus) error {
	if !canMove(pod.Status, to) {
		return &domain.InvalidPodTransitionError{PodID: pod.ID, From: pod.Status, To: to}
	}
	pod.Status = to
	pod.UpdatedAt = p.now()
	return nil
}

func (p *Pool) get(id string) (*domain.Pod, error) {
	pod, ok := p.pods[id]
	if !ok {
		return nil, &domain.PodNotFoundError{PodID: id}
	}
	return pod, nil
}

// Start marks the pod working on taskID.
func (p *Pool) Start(podID, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pod, err := p.get(podID)
	if err != nil {
		return err
	}
	if pod.Health.Status == domain.HealthDegraded {
		return &domain.PodUnavailableError{Role: pod.Role, Reason: "pod " + podID + " is degraded"}
	}
	if err := p.move(pod, domain.PodWorking); err != nil {
		return err
	}
	pod.CurrentTaskID = taskID
	return nil
}

// Finish records the outcome of the pod's current task. A success returns the
// pod to idle and clears its failure count. A failure increments it and, at
// the threshold, marks the pod degraded; a degraded pod stays failed until
// Reset.
func (p *Pool) Finish(podID string, taskErr error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pod, err := p.get(podID)
	if err != nil {
		return err
	}

	if taskErr == nil {
		if err := p.move(pod, domain.PodComplete); err != nil {
			return err
		}
		pod.Health = domain.PodHealth{Status: domain.HealthHealthy}
		_ = p.move(pod, domain.PodIdle)
	} else {
		if err := p.move(pod, domain.PodFailed); err != nil {
			return err
		}
		pod.Health.ConsecutiveFailures++
		pod.Health.LastError = taskErr.Error()
		if pod.Health.ConsecutiveFailures >= p.threshold {
			pod.Health.Status = domain.HealthDegraded
			telemetry.PodsDegraded.WithLabelValues(string(pod.Role)).Inc()
			p.logger.Warn("pod degraded",
				slog.String("pod_id", pod.ID),
				slog.Int("consecutive_failures", pod.Health.ConsecutiveFailures),
				slog.String("last_error", pod.Health.LastError),
			)
		} else {
			_ = p.move(pod, domain.PodIdle)
		}
	}
	pod.CurrentTaskID = ""
	if p.unbind[pod.ID] {
		p.unbindLocked(pod)
	}
	return nil
}

// Abort returns a pod whose task was interrupted to idle without counting
// a failure.
func (p *Pool) Abort(podID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pod, err := p.get(podID)
	if err != nil {
		return err
	}
	if pod.Status != domain.PodIdle && pod.Status != domain.PodTerminated {
		if err := p.move(pod, domain.PodIdle); err != nil {
			return err
		}
	}
	pod.CurrentTaskID = ""
	if p.unbind[pod.ID] {
		p.unbindLocked(pod)
	}
	return nil
}

// Wait parks a working pod at the pause barrier.
func (p *Pool) Wait(podID string) error { return p.transition(podID, domain.PodWaiting) }

// Checkpoint parks a working pod at a contract gate.
func (p *Pool) Checkpoint(podID string) error { return p.transition(podID, domain.PodCheckpoint) }

// Resume returns a waiting or checkpointed pod to work.
func (p *Pool) Resume(podID string) error { return p.transition(podID, domain.PodWorking) }

func (p *Pool) transition(podID string, to domain.PodStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pod, err := p.get(podID)
	if err != nil {
		return err
	}
	if pod.Status == to {
		return nil
	}
	return p.move(pod, to)
}

// Reset clears a pod's failure history and returns it to idle.
func (p *Pool) Reset(podID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pod, err := p.get(podID)
	if err != nil {
		return err
	}
	if pod.Status == domain.PodTerminated {
		return &domain.InvalidPodTransitionError{PodID: podID, From: pod.Status, To: domain.PodIdle}
	}
	pod.Health = domain.PodHealth{Status: domain.HealthHealthy}
	if pod.Status != domain.PodIdle {
		if err := p.move(pod, domain.PodIdle); err != nil {
			return err
		}
	}
	p.logger.Info("pod reset", slog.String("pod_id", podID))
	return nil
}

// Terminate retires a pod permanently.
func (p *Pool) Terminate(podID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pod, err := p.get(podID)
	if err != nil {
		return err
	}
	if pod.Status == domain.PodWorking {
		return &domain.InvalidPodTransitionError{PodID: podID, From: pod.Status, To: domain.PodTerminated}
	}
	if err := p.move(pod, domain.PodTerminated); err != nil {
		return err
	}
	p.unbindLocked(pod)
	return nil
}

// Release unbinds every pod from woID. Idle, parked and finished pods return
// to idle at once; working pods are unbound when their task finishes. It
// returns the number of pods released immediately.
func (p *Pool) Release(woID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, pod := range p.pods {
		if pod.WorkOrderID != woID {
			continue
		}
		switch pod.Status {
		case domain.PodWorking:
			p.unbind[pod.ID] = true
			continue
		case domain.PodWaiting, domain.PodCheckpoint, domain.PodComplete:
			_ = p.move(pod, domain.PodIdle)
		}
		p.unbindLocked(pod)
		n++
	}
	if n > 0 {
		p.logger.Info("pods released", slog.String("work_order_id", woID), slog.Int("count", n))
	}
	return n
}

// RecordUsage adds to a pod's resource counters and remembers its model.
func (p *Pool) RecordUsage(podID string, tokens, calls int64, wall time.Duration, model domain.ModelConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pod, ok := p.pods[podID]
	if !ok {
		return
	}
	pod.Usage.Tokens += tokens
	pod.Usage.APICalls += calls
	pod.Usage.WallClock += wall
	if model.Model != "" {
		pod.Model = model
	}
}

// Get returns a copy of a pod.
func (p *Pool) Get(podID string) (domain.Pod, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pod, ok := p.pods[podID]
	if !ok {
		return domain.Pod{}, false
	}
	return clonePod(pod), true
}

// List returns copies of every pod ordered by ID.
func (p *Pool) List() []domain.Pod {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Pod, 0, len(p.pods))
	for _, id := range p.sortedIDs() {
		out = append(out, clonePod(p.pods[id]))
	}
	return out
}

// IsActive reports whether a pod exists and is not terminated.
func (p *Pool) IsActive(podID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pod, ok := p.pods[podID]
	return ok && pod.Status != domain.PodTerminated
}

// Members returns the IDs of live pods bound to woID.
func (p *Pool) Members(woID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, id := range p.sortedIDs() {
		pod := p.pods[id]
		if pod.WorkOrderID == woID && pod.Status != domain.PodTerminated {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *Pool) sortedIDs() []string {
	ids := make([]string, 0, len(p.pods))
	for id := range p.pods {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func clonePod(pod *domain.Pod) domain.Pod {
	c := *pod
	c.Tools = append([]string(nil), pod.Tools...)
	return c
}
