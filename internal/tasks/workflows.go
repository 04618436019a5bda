package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
)

// WorkflowsConfig locates the dispatch workflow and the task handler it calls.
type WorkflowsConfig struct {
	ProjectID        string
	WorkflowLocation string
	WorkflowID       string
	// HandlerURL is the HTTPS endpoint of the HandleTask function.
	HandlerURL string
}

// WorkflowsQueue starts one Cloud Workflows execution per task. The workflow
// sleeps for the task's delay and then POSTs the task to HandlerURL, retrying
// non-2xx answers, which gives at-least-once delivery.
type WorkflowsQueue struct {
	client *executions.Client
	cfg    WorkflowsConfig
}

type workflowArgument struct {
	Task         Task   `json:"task"`
	DelaySeconds int64  `json:"delaySeconds"`
	HandlerURL   string `json:"handlerUrl"`
}

// NewWorkflowsQueue validates the configuration.
func NewWorkflowsQueue(client *executions.Client, cfg WorkflowsConfig) (*WorkflowsQueue, error) {
	if cfg.ProjectID == "" || cfg.WorkflowID == "" || cfg.HandlerURL == "" {
		return nil, fmt.Errorf("workflows queue needs project, workflow id and handler url")
	}
	if cfg.WorkflowLocation == "" {
		cfg.WorkflowLocation = "us-central1"
	}
	return &WorkflowsQueue{client: client, cfg: cfg}, nil
}

func (q *WorkflowsQueue) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s/workflows/%s", q.cfg.ProjectID, q.cfg.WorkflowLocation, q.cfg.WorkflowID)
}

// Enqueue creates the execution and returns without waiting for it. Workflows
// has no execution priority, so Priority only rides along in the envelope and
// ordering comes from the order in which callers enqueue.
func (q *WorkflowsQueue) Enqueue(ctx context.Context, t Task) error {
	arg, err := buildArgument(t, q.cfg.HandlerURL)
	if err != nil {
		return err
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: q.parent(),
		Execution: &executionspb.Execution{
			Argument: arg,
		},
	}
	exec, err := q.client.CreateExecution(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to trigger workflow execution for task %s: %w", t.ID, err)
	}
	slog.Debug("Task dispatched to workflow.", "taskId", t.ID, "kind", t.Kind, "execution", exec.GetName())
	return nil
}

func buildArgument(t Task, handlerURL string) (string, error) {
	payload, err := json.Marshal(workflowArgument{
		Task:         t,
		DelaySeconds: int64(math.Ceil(t.Delay.Seconds())),
		HandlerURL:   handlerURL,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	return string(payload), nil
}
