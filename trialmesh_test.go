package trialmesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/k0kubun/pp/v3"

	"github.com/trialmesh/trialmesh/internal/cohort"
	"github.com/trialmesh/trialmesh/internal/logging"
	"github.com/trialmesh/trialmesh/internal/monitoring"
	"github.com/trialmesh/trialmesh/internal/screening"
)

var screeningCriteria = []screening.Criterion{
	{ID: "adult", Category: screening.CategoryDemographic, Field: "age", Op: screening.OpGte, Value: "18", Kind: screening.KindInclusion},
	{ID: "diagnosis", Category: screening.CategoryCondition, Op: screening.OpEq, Value: "nsclc", Kind: screening.KindInclusion},
}

func newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(context.Background(),
		WithLogger(logging.NewNop()),
		WithJobWorkers(2),
		WithSiteTimeout(time.Second),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func loadScreeningSites(t *testing.T, o *Orchestrator) {
	t.Helper()
	siteA := screening.NewSite("site-a", logging.NewNop())
	siteB := screening.NewSite("site-b", logging.NewNop())
	for i := 0; i < 6; i++ {
		p := screening.PatientRecord{
			ID: "a", Age: 50, Conditions: []string{"nsclc"},
		}
		if i >= 4 {
			p.Age = 15
		}
		siteA.LoadPatients(p)
	}
	for i := 0; i < 4; i++ {
		siteB.LoadPatients(screening.PatientRecord{
			ID: "b", Age: 61, Conditions: []string{"nsclc"},
		})
	}
	if err := o.RegisterScreeningSite(siteA); err != nil {
		t.Fatal(err)
	}
	if err := o.RegisterScreeningSite(siteB); err != nil {
		t.Fatal(err)
	}
}

func TestFullWorkflowLifecycle(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t)
	loadScreeningSites(t, o)

	monSite := monitoring.NewSite("site-a", logging.NewNop())
	monSite.LoadPatients(
		monitoring.PatientStatus{PatientID: "a-1", Active: true},
		monitoring.PatientStatus{PatientID: "a-2", Active: true},
	)
	monSite.LoadVisits(monitoring.Visit{PatientID: "a-1", Completed: true})
	if err := o.RegisterMonitoringSite(monSite); err != nil {
		t.Fatal(err)
	}

	o.CohortEngine().Load(
		cohort.Subject{ID: "s-1", Arm: "treatment", Age: 50, Sex: "F", Active: true},
		cohort.Subject{ID: "s-2", Arm: "control", Age: 61, Sex: "M", Active: true},
	)

	wf, err := o.CreateWorkflow(ctx, CreateRequest{Name: "phase-ii", TrialName: "ONCO-2026-001"})
	if err != nil {
		t.Fatal(err)
	}

	// Stage 1: federated screening.
	job, err := o.SubmitJob(ctx, wf.ID, "patient_screening",
		ScreeningRequest{Criteria: screeningCriteria, Audit: true}, "screening round")
	if err != nil {
		t.Fatal(err)
	}
	done, err := o.WaitJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != "completed" {
		t.Fatalf("screening job status = %s (error %q)", done.Status, done.Error)
	}
	agg, ok := done.Result.(*screening.Aggregate)
	if !ok {
		t.Fatalf("unexpected screening result type %T", done.Result)
	}
	if agg.TotalPatients != 10 || agg.EligiblePatients != 8 {
		pp.Println(agg)
		t.Fatalf("aggregate = %d/%d, want 8/10 eligible", agg.EligiblePatients, agg.TotalPatients)
	}

	// The job outcome landed on the stage record.
	sr, err := o.GetStage(ctx, wf.ID, "patient_screening")
	if err != nil {
		t.Fatal(err)
	}
	if sr.Status != "completed" {
		t.Fatalf("stage status = %s, want completed", sr.Status)
	}

	rec, err := o.AnalyzeStage(ctx, wf.ID, "patient_screening", true)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Action != "proceed" {
		t.Fatalf("recommendation = %s, want proceed", rec.Action)
	}

	// Auto-advance moved us to cohort formation.
	wf, err = o.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if wf.CurrentStage != "cohort_formation" {
		t.Fatalf("current stage = %s, want cohort_formation", wf.CurrentStage)
	}

	// Stage 2: direct cohort analytics.
	job, err = o.SubmitJob(ctx, wf.ID, "cohort_formation",
		FormationRequest{Question: "cohort overview"}, "")
	if err != nil {
		t.Fatal(err)
	}
	done, err = o.WaitJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != "completed" {
		t.Fatalf("formation job status = %s (error %q)", done.Status, done.Error)
	}
	if _, err = o.AdvanceWorkflow(ctx, wf.ID); err != nil {
		t.Fatal(err)
	}

	// Stage 3: federated monitoring.
	job, err = o.SubmitJob(ctx, wf.ID, "cohort_monitoring",
		MonitoringRequest{Type: monitoring.QueryOverallProgress}, "")
	if err != nil {
		t.Fatal(err)
	}
	done, err = o.WaitJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != "completed" {
		t.Fatalf("monitoring job status = %s (error %q)", done.Status, done.Error)
	}

	wf, err = o.AdvanceWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != "completed" || wf.CurrentStage != "" {
		t.Fatalf("workflow end state = %s/%q", wf.Status, wf.CurrentStage)
	}
}

func TestSingleActiveWorkflowAcrossFacade(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t)

	if _, err := o.CreateWorkflow(ctx, CreateRequest{Name: "first", TrialName: "ONCO-2026-001"}); err != nil {
		t.Fatal(err)
	}
	_, err := o.CreateWorkflow(ctx, CreateRequest{Name: "second", TrialName: "ONCO-2026-001"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	active, err := o.ActiveWorkflow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.Name != "first" {
		t.Fatalf("active workflow = %+v", active)
	}
}

func TestScreeningJobFailsWhenAllSitesDown(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t)
	// One registered site that has no patients still answers; register
	// none at all so the round cannot even start.
	wf, err := o.CreateWorkflow(ctx, CreateRequest{Name: "doomed", TrialName: "ONCO-2026-001"})
	if err != nil {
		t.Fatal(err)
	}

	job, err := o.SubmitJob(ctx, wf.ID, "patient_screening", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	done, err := o.WaitJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != "failed" || done.Error == "" {
		t.Fatalf("job = %s %q, want failed with error", done.Status, done.Error)
	}

	// The failure landed on the stage and the workflow.
	got, err := o.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "failed" {
		t.Fatalf("workflow status = %s, want failed", got.Status)
	}

	// Resume clears the failed stage for another attempt.
	got, err = o.ResumeWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stages["patient_screening"].Status != "not_started" {
		t.Fatalf("stage after resume = %s", got.Stages["patient_screening"].Status)
	}
}

func TestJobConflictThroughFacade(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t)
	loadScreeningSites(t, o)

	wf, err := o.CreateWorkflow(ctx, CreateRequest{Name: "conflict", TrialName: "ONCO-2026-001"})
	if err != nil {
		t.Fatal(err)
	}

	job, err := o.SubmitJob(ctx, wf.ID, "patient_screening", nil, "first")
	if err != nil {
		t.Fatal(err)
	}
	// Either the second submit conflicts (job still active) or the first
	// already finished and the slot is free; both are legal sequences,
	// but a conflict error must be ErrConflict when it happens.
	if _, err := o.SubmitJob(ctx, wf.ID, "patient_screening", nil, "second"); err != nil {
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict classification, got %v", err)
		}
	}
	if _, err := o.WaitJob(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
}
