package api

import (
	"encoding/json"
	"time"

	"montage/internal/batch"
	"montage/internal/checkpoint"
	"montage/internal/lineage"
	"montage/internal/scheduler"
	"montage/internal/store"
	"montage/internal/workflow"
)

// FromJob converts a job record to its API representation.
func FromJob(job *store.Job) Job {
	if job == nil {
		return Job{}
	}
	return Job{
		ID:              job.ID,
		JobType:         job.JobType,
		Status:          string(job.Status),
		CurrentStage:    job.CurrentStage,
		Priority:        job.Priority,
		Fingerprint:     job.Fingerprint,
		BatchID:         job.BatchID,
		ParentJobID:     job.ParentJobID,
		ForkedFromStage: job.ForkedFromStage,
		BlockedReason:   job.BlockedReason,
		ErrorMessage:    job.ErrorMessage,
		FailedStage:     job.FailedStage,
		Inputs:          job.Inputs,
		Config:          job.Config,
		NextRunAt:       formatTimePtr(job.NextRunAt),
		CreatedAt:       formatTime(job.CreatedAt),
		UpdatedAt:       formatTime(job.UpdatedAt),
		CompletedAt:     formatTimePtr(job.CompletedAt),
	}
}

// FromJobs converts a job listing.
func FromJobs(jobs []*store.Job) []Job {
	out := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, FromJob(job))
	}
	return out
}

// FromStage converts a job stage record.
func FromStage(st *store.JobStage) Stage {
	return Stage{
		Name:       st.StageName,
		Ordinal:    st.Ordinal,
		State:      string(st.State),
		Attempt:    st.Attempt,
		InFlight:   st.InFlight,
		Failures:   st.Failures,
		Rejections: st.Rejections,
		LastError:  st.LastError,
		StartedAt:  formatTimePtr(st.StartedAt),
		FinishedAt: formatTimePtr(st.FinishedAt),
	}
}

// FromArtifact converts an artifact record.
func FromArtifact(a *store.Artifact) Artifact {
	if a == nil {
		return Artifact{}
	}
	return Artifact{
		ID:           a.ID,
		JobID:        a.JobID,
		Stage:        a.StageName,
		Kind:         a.Kind,
		Version:      a.Version,
		ParentIDs:    a.ParentIDs,
		ContentRef:   a.ContentRef,
		Attempt:      a.Attempt,
		Approved:     a.Approved,
		Stale:        a.Stale,
		Rejected:     a.Rejected,
		RejectReason: a.RejectReason,
		CreatedAt:    formatTime(a.CreatedAt),
		ApprovedAt:   formatTimePtr(a.ApprovedAt),
	}
}

func fromArtifacts(list []*store.Artifact) []Artifact {
	out := make([]Artifact, 0, len(list))
	for _, a := range list {
		out = append(out, FromArtifact(a))
	}
	return out
}

// FromInvalidation converts an invalidation event.
func FromInvalidation(ev *store.InvalidationEvent) Invalidation {
	affected := ev.AffectedArtifactIDs
	if affected == nil {
		affected = []string{}
	}
	return Invalidation{
		ID:                  ev.ID,
		SourceArtifactID:    ev.SourceArtifactID,
		AffectedArtifactIDs: affected,
		Reason:              ev.Reason,
		OccurredAt:          formatTime(ev.OccurredAt),
	}
}

// FromJobView converts a full job inspection.
func FromJobView(view *workflow.JobView) JobDetail {
	detail := JobDetail{
		Job:           FromJob(view.Job),
		Stages:        make([]Stage, 0, len(view.Stages)),
		Artifacts:     fromArtifacts(view.Artifacts),
		Invalidations: make([]Invalidation, 0, len(view.Invalidations)),
	}
	for _, st := range view.Stages {
		detail.Stages = append(detail.Stages, FromStage(st))
	}
	for _, ev := range view.Invalidations {
		detail.Invalidations = append(detail.Invalidations, FromInvalidation(ev))
	}
	return detail
}

// FromInvalidationResult converts a lineage walk result.
func FromInvalidationResult(res *lineage.Result) InvalidateResponse {
	out := InvalidateResponse{Affected: res.Affected, Flipped: res.Flipped}
	if out.Affected == nil {
		out.Affected = []string{}
	}
	if res.Event != nil {
		ev := FromInvalidation(res.Event)
		out.Event = &ev
	}
	return out
}

// FromRecoveredState converts checkpointed recovery state.
func FromRecoveredState(state *checkpoint.RecoveredState) RecoveryResponse {
	out := RecoveryResponse{
		JobID:        state.JobID,
		CurrentStage: state.CurrentStage,
		Status:       string(state.Status),
		Artifacts:    fromArtifacts(state.Artifacts),
	}
	if state.Latest != nil {
		out.LatestStage = state.Latest.StageName
	}
	if state.Snapshot != nil {
		if raw, err := json.Marshal(state.Snapshot); err == nil {
			out.Snapshot = raw
		}
	}
	return out
}

// FromBatch converts a batch record.
func FromBatch(b *store.Batch) Batch {
	if b == nil {
		return Batch{}
	}
	return Batch{
		ID:           b.ID,
		Name:         b.Name,
		JobType:      b.JobType,
		Status:       string(b.Status),
		Priority:     b.Priority,
		Config:       b.Config,
		LockedConfig: b.LockedConfig,
		ConfigHash:   b.ConfigHash,
		CreatedAt:    formatTime(b.CreatedAt),
		LockedAt:     formatTimePtr(b.LockedAt),
		FinishedAt:   formatTimePtr(b.FinishedAt),
	}
}

// FromBatchItem converts a batch item record.
func FromBatchItem(item *store.BatchItem) BatchItem {
	return BatchItem{
		ID:         item.ID,
		Position:   item.Position,
		Status:     string(item.Status),
		JobID:      item.JobID,
		RetryCount: item.RetryCount,
		LastError:  item.LastError,
		Spec:       item.Spec,
	}
}

// FromBatchReport converts a batch status report.
func FromBatchReport(report *batch.Report) BatchReport {
	out := BatchReport{
		Batch:     FromBatch(report.Batch),
		Items:     make([]BatchItem, 0, len(report.Items)),
		Counts:    make(map[string]int, len(report.Counts)),
		Succeeded: nonNil(report.Succeeded),
		Failed:    nonNil(report.Failed),
	}
	for _, item := range report.Items {
		out.Items = append(out.Items, BatchItem{
			ID:         item.ItemID,
			Position:   item.Position,
			Status:     string(item.Status),
			JobID:      item.JobID,
			JobStatus:  string(item.JobStatus),
			Stage:      item.Stage,
			Attempt:    item.Attempt,
			RetryCount: item.RetryCount,
			LastError:  item.LastError,
		})
	}
	for status, n := range report.Counts {
		out.Counts[string(status)] = n
	}
	return out
}

// FromSchedulerStatus converts the scheduler summary.
func FromSchedulerStatus(status scheduler.Status) SchedulerStatus {
	out := SchedulerStatus{
		Running:   status.Running,
		Limit:     status.Limit,
		Active:    status.Active,
		Parked:    status.Parked,
		LastError: status.LastError,
		JobCounts: make(map[string]int, len(status.JobCounts)),
	}
	for s, n := range status.JobCounts {
		out.JobCounts[string(s)] = n
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
