package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
	"github.com/YoshitsuguKoike/contractd/internal/domain/repository"
)

// contractJSON is the JSON projection of a contract
type contractJSON struct {
	ID               string           `json:"id"`
	Title            string           `json:"title"`
	Description      string           `json:"description,omitempty"`
	Status           string           `json:"status"`
	Owner            string           `json:"owner,omitempty"`
	Version          int64            `json:"version"`
	RetryCount       int              `json:"retry_count"`
	MaxRetries       int              `json:"max_retries"`
	RollbackAttempts int              `json:"rollback_attempts,omitempty"`
	BlockedBy        []dependencyJSON `json:"blocked_by,omitempty"`
	ParentID         string           `json:"parent_id,omitempty"`
	CompensatesFor   string           `json:"compensates_for,omitempty"`
	CandidateOutput  json.RawMessage  `json:"candidate_output,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ClaimedAt        *time.Time       `json:"claimed_at,omitempty"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	LastHeartbeat    *time.Time       `json:"last_heartbeat,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

type dependencyJSON struct {
	ID        string `json:"id"`
	OnFailure string `json:"on_failure"`
}

func contractView(c *contract.Contract) contractJSON {
	view := contractJSON{
		ID:               c.ID().String(),
		Title:            c.Title(),
		Description:      c.Description(),
		Status:           c.Status().String(),
		Version:          c.Version(),
		RetryCount:       c.RetryCount(),
		MaxRetries:       c.MaxRetries(),
		RollbackAttempts: c.RollbackAttempts(),
		CandidateOutput:  c.CandidateOutput(),
		LastError:        c.LastError(),
		CreatedAt:        c.CreatedAt(),
		ClaimedAt:        c.ClaimedAt(),
		StartedAt:        c.StartedAt(),
		CompletedAt:      c.CompletedAt(),
		LastHeartbeat:    c.LastHeartbeat(),
		UpdatedAt:        c.UpdatedAt(),
	}
	if c.Owner() != nil {
		view.Owner = c.Owner().String()
	}
	if c.ParentID() != nil {
		view.ParentID = c.ParentID().String()
	}
	if c.CompensatesFor() != nil {
		view.CompensatesFor = c.CompensatesFor().String()
	}
	for _, dep := range c.BlockedBy() {
		view.BlockedBy = append(view.BlockedBy, dependencyJSON{
			ID:        dep.ContractID.String(),
			OnFailure: string(dep.OnFailure),
		})
	}
	return view
}

type historyJSON struct {
	Version    int64     `json:"version"`
	Event      string    `json:"event"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func historyView(entries []repository.HistoryEntry) []historyJSON {
	out := make([]historyJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyJSON{
			Version:    e.Version,
			Event:      e.Event,
			FromStatus: e.FromStatus.String(),
			ToStatus:   e.ToStatus.String(),
			Detail:     e.Detail,
			CreatedAt:  e.CreatedAt,
		})
	}
	return out
}

type resultJSON struct {
	CheckName string    `json:"check_name"`
	Passed    bool      `json:"passed"`
	Output    string    `json:"output,omitempty"`
	Reviewer  string    `json:"reviewer,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func resultsView(results []contract.VerificationResult) []resultJSON {
	out := make([]resultJSON, 0, len(results))
	for _, r := range results {
		out = append(out, resultJSON{
			CheckName: r.CheckName,
			Passed:    r.Passed,
			Output:    r.Output,
			Reviewer:  r.Reviewer,
			CreatedAt: r.CreatedAt,
		})
	}
	return out
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// printContractLine writes the one-line text form used by list output
func printContractLine(cmd *cobra.Command, c *contract.Contract) {
	owner := "-"
	if c.Owner() != nil {
		owner = c.Owner().String()
	}
	cmd.Printf("%s  %-12s  v%-3d  %-20s  %s\n", c.ID(), c.Status(), c.Version(), owner, c.Title())
}
