// Package service owns the workflow definition lifecycle and the trigger
// consumer that starts runs from bus events.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	agentmodels "github.com/meshhub/meshhub/internal/agent/models"
	"github.com/meshhub/meshhub/internal/agent/registry"
	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/events"
	"github.com/meshhub/meshhub/internal/events/bus"
	"github.com/meshhub/meshhub/internal/workflow/engine"
	"github.com/meshhub/meshhub/internal/workflow/models"
	"github.com/meshhub/meshhub/internal/workflow/repository"
)

// triggerQueueGroup ensures one hub instance consumes each trigger event.
const triggerQueueGroup = "workflow-triggers"

// Service manages workflow definitions and bridges bus events to runs.
type Service struct {
	repo    *repository.Repository
	agents  *registry.Registry
	engine  *engine.Engine
	bus     bus.EventBus
	hubSlug string
	logger  *logger.Logger

	triggerSub bus.Subscription
}

// New creates the workflow service.
func New(repo *repository.Repository, agents *registry.Registry, eng *engine.Engine,
	eventBus bus.EventBus, hubSlug string, log *logger.Logger) *Service {
	return &Service{
		repo:    repo,
		agents:  agents,
		engine:  eng,
		bus:     eventBus,
		hubSlug: hubSlug,
		logger:  log,
	}
}

// Create validates and stores a new workflow in DRAFT.
func (s *Service) Create(ctx context.Context, w *models.Workflow) error {
	if err := s.validateDefinition(ctx, w); err != nil {
		return err
	}
	w.Status = models.WorkflowDraft
	return s.repo.CreateWorkflow(ctx, w)
}

// Get returns a workflow by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return s.repo.GetWorkflow(ctx, id)
}

// List returns workflows, optionally scoped to a project.
func (s *Service) List(ctx context.Context, projectID string) ([]*models.Workflow, error) {
	return s.repo.ListWorkflows(ctx, projectID, "")
}

// Update rewrites a DRAFT workflow definition.
func (s *Service) Update(ctx context.Context, w *models.Workflow) error {
	if err := s.validateDefinition(ctx, w); err != nil {
		return err
	}
	return s.repo.UpdateWorkflow(ctx, w)
}

// Activate moves a DRAFT workflow to ACTIVE. The definition is frozen from
// this point; edits require a new workflow.
func (s *Service) Activate(ctx context.Context, id string) (*models.Workflow, error) {
	w, err := s.repo.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != models.WorkflowDraft {
		return nil, apperr.Conflictf("workflow is %s; only DRAFT workflows can be activated", w.Status)
	}
	if err := s.validateDefinition(ctx, w); err != nil {
		return nil, err
	}
	if err := s.repo.SetWorkflowStatus(ctx, id, models.WorkflowActive); err != nil {
		return nil, err
	}
	w.Status = models.WorkflowActive
	return w, nil
}

// Disable moves an ACTIVE workflow to DISABLED. Active runs finish; no new
// runs start.
func (s *Service) Disable(ctx context.Context, id string) (*models.Workflow, error) {
	w, err := s.repo.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != models.WorkflowActive {
		return nil, apperr.Conflictf("workflow is %s; only ACTIVE workflows can be disabled", w.Status)
	}
	if err := s.repo.SetWorkflowStatus(ctx, id, models.WorkflowDisabled); err != nil {
		return nil, err
	}
	w.Status = models.WorkflowDisabled
	return w, nil
}

// Delete removes a workflow definition. Runs are kept for history.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.DeleteWorkflow(ctx, id)
}

// validateDefinition checks the DAG and every agent reference.
func (s *Service) validateDefinition(ctx context.Context, w *models.Workflow) error {
	if w.Name == "" {
		return apperr.Validation("workflow name is required")
	}
	if !models.ValidTrigger(w.Trigger) {
		return apperr.Validationf("unknown trigger type %q", w.Trigger)
	}
	if err := w.Validate(); err != nil {
		return apperr.Validationf("workflow graph: %v", err)
	}
	if w.Trigger == models.TriggerEvent {
		var cfg triggerConfig
		if err := json.Unmarshal(w.TriggerConfig, &cfg); err != nil || cfg.Subject == "" {
			return apperr.Validation("EVENT workflows require trigger_config.subject")
		}
	}
	if w.Trigger == models.TriggerWebhook {
		var cfg triggerConfig
		if err := json.Unmarshal(w.TriggerConfig, &cfg); err != nil || cfg.Source == "" {
			return apperr.Validation("WEBHOOK workflows require trigger_config.source")
		}
	}
	for _, n := range w.Nodes {
		a, err := s.agents.Get(ctx, n.AgentID)
		if err != nil {
			return apperr.Wrap(err, fmt.Sprintf("node %q", n.ID))
		}
		if a.Deleted {
			return apperr.Validationf("node %q references deleted agent %q", n.ID, a.Name)
		}
		if a.Risk == agentmodels.RiskHumanOnly {
			return apperr.Validationf("node %q references HUMAN_ONLY agent %q, which cannot be scheduled", n.ID, a.Name)
		}
	}
	return nil
}

// triggerConfig is the trigger_config shape for EVENT and WEBHOOK workflows.
type triggerConfig struct {
	Subject string `json:"subject,omitempty"` // EVENT: bus subject pattern
	Source  string `json:"source,omitempty"`  // WEBHOOK: inbound source name
}

// StartTriggerConsumer subscribes to the bus and starts runs for ACTIVE
// EVENT and WEBHOOK workflows whose trigger matches the incoming subject.
func (s *Service) StartTriggerConsumer() error {
	sub, err := s.bus.QueueSubscribe(events.SubjectAll, triggerQueueGroup, s.handleTriggerEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe trigger consumer: %w", err)
	}
	s.triggerSub = sub
	return nil
}

// StopTriggerConsumer unsubscribes the trigger consumer.
func (s *Service) StopTriggerConsumer() {
	if s.triggerSub != nil {
		_ = s.triggerSub.Unsubscribe()
	}
}

func (s *Service) handleTriggerEvent(ctx context.Context, ev *bus.Event) error {
	// Events emitted by runs themselves never feed back into triggers.
	if strings.HasPrefix(ev.Subject, fmt.Sprintf("hub.%s.workflow.", s.hubSlug)) ||
		strings.HasPrefix(ev.Subject, fmt.Sprintf("hub.%s.approval.", s.hubSlug)) {
		return nil
	}

	trigger := models.TriggerEvent
	if strings.HasPrefix(ev.Subject, fmt.Sprintf("hub.%s.webhook.", s.hubSlug)) {
		trigger = models.TriggerWebhook
	}

	workflows, err := s.repo.ListActiveTriggered(ctx, trigger)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list triggered workflows")
		return err
	}

	for _, w := range workflows {
		var cfg triggerConfig
		if err := json.Unmarshal(w.TriggerConfig, &cfg); err != nil {
			continue
		}
		switch trigger {
		case models.TriggerEvent:
			if cfg.Subject == "" || !bus.MatchSubject(cfg.Subject, ev.Subject) {
				continue
			}
		case models.TriggerWebhook:
			if ev.Subject != events.SubjectWebhook(s.hubSlug, cfg.Source) {
				continue
			}
		}

		run, err := s.engine.TriggerRun(ctx, w.ID, ev.Payload, ev.CorrelationID)
		if err != nil {
			s.logger.WithError(err).Error("Failed to trigger workflow from event",
				zap.String("workflow_id", w.ID),
				zap.String("subject", ev.Subject))
			continue
		}
		s.logger.Info("Workflow triggered by event",
			zap.String("workflow_id", w.ID),
			zap.String("run_id", run.ID),
			zap.String("subject", ev.Subject))
	}
	return nil
}
