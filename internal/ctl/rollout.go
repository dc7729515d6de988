package ctl

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/edvin/convoy/internal/model"
)

// Rollout submits a manifest to convoyd and polls until the rollout reaches
// a terminal outcome or the timeout elapses. The exit status reflects the
// outcome so CI pipelines fail when a deploy is rolled back.
func Rollout(apiURL, manifestFile string, timeout time.Duration) error {
	manifest, err := model.LoadManifest(manifestFile)
	if err != nil {
		return err
	}

	client := NewClient(apiURL)
	resp, err := client.Post("/v1/rollouts", manifest)
	if err != nil {
		return err
	}

	var accepted struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body, &accepted); err != nil {
		return fmt.Errorf("parse rollout response: %w", err)
	}
	fmt.Printf("Rollout %s accepted (manifest %s)\n", accepted.ID, manifest.Version)

	deadline := time.Now().Add(timeout)
	var lastState string
	for time.Now().Before(deadline) {
		status, err := pollRollout(client, accepted.ID)
		if err != nil {
			return err
		}

		if status.Record != nil {
			return reportOutcome(status.Record)
		}
		if status.State == model.RolloutDropped {
			return fmt.Errorf("rollout %s dropped: superseded by a newer trigger", accepted.ID)
		}
		if string(status.State) != lastState {
			lastState = string(status.State)
			fmt.Printf("  %s\n", lastState)
		}
		time.Sleep(2 * time.Second)
	}
	return fmt.Errorf("timed out after %s waiting for rollout %s", timeout, accepted.ID)
}

type rolloutStatus struct {
	ID     string               `json:"id"`
	State  model.RolloutState   `json:"state"`
	Record *model.RolloutRecord `json:"record"`
}

func pollRollout(client *Client, id string) (*rolloutStatus, error) {
	resp, err := client.Get("/v1/rollouts/" + id)
	if err != nil {
		return nil, err
	}
	var status rolloutStatus
	if err := json.Unmarshal(resp.Body, &status); err != nil {
		return nil, fmt.Errorf("parse rollout status: %w", err)
	}
	return &status, nil
}

func reportOutcome(rec *model.RolloutRecord) error {
	switch rec.Outcome {
	case model.OutcomeSucceeded:
		fmt.Printf("Rollout %s succeeded in %s\n", rec.ID, rec.FinishedAt.Sub(rec.StartedAt).Round(time.Second))
		return nil
	case model.OutcomeRolledBack:
		return fmt.Errorf("rollout %s rolled back: %s", rec.ID, rec.Reason)
	case model.OutcomePullFailed:
		return fmt.Errorf("rollout %s failed before swap: %s", rec.ID, rec.Reason)
	default:
		return fmt.Errorf("rollout %s finished with unexpected outcome %q", rec.ID, rec.Outcome)
	}
}
