// Package store is the authoritative in-memory registry for workflow and
// job records. All state lives for the process lifetime only; a restart
// loses everything.
//
// Every read-modify-write runs inside a single memdb write transaction, so
// the single-active-workflow check, the one-non-terminal-job-per-stage
// check, and concurrent stage updates on the same workflow cannot
// interleave into lost updates.
package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/trialmesh/trialmesh/internal/types"
)

const (
	tableWorkflow = "workflow"
	tableJob      = "job"
)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableWorkflow: {
				Name: tableWorkflow,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"trial": {
						Name:         "trial",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "TrialName"},
					},
				},
			},
			tableJob: {
				Name: tableJob,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"workflow": {
						Name:         "workflow",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "WorkflowID"},
					},
				},
			},
		},
	}
}

type Store struct {
	db *memdb.MemDB
}

func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("creating memdb: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateWorkflow inserts a new workflow. The single-active-workflow check
// and the insert happen inside one write transaction: two concurrent
// creations can never both succeed.
func (s *Store) CreateWorkflow(wf *types.Workflow) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableWorkflow, "id")
	if err != nil {
		return fmt.Errorf("scanning workflows: %w", err)
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		existing := raw.(*types.Workflow)
		if existing.Status.Active() {
			return fmt.Errorf(
				"%w: workflow %q (%s) is already active with status %s",
				types.ErrConflict, existing.Name, existing.ID, existing.Status,
			)
		}
	}

	if err := txn.Insert(tableWorkflow, wf.Clone()); err != nil {
		return fmt.Errorf("inserting workflow: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *Store) GetWorkflow(id string) (*types.Workflow, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableWorkflow, "id", id)
	if err != nil {
		return nil, fmt.Errorf("reading workflow: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: workflow %q", types.ErrNotFound, id)
	}
	return raw.(*types.Workflow).Clone(), nil
}

func (s *Store) ListWorkflows() ([]*types.Workflow, error) {
	return s.listWorkflows("id", nil)
}

func (s *Store) ListWorkflowsByTrial(trialName string) ([]*types.Workflow, error) {
	return s.listWorkflows("trial", []interface{}{trialName})
}

func (s *Store) listWorkflows(index string, args []interface{}) ([]*types.Workflow, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableWorkflow, index, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning workflows: %w", err)
	}
	var out []*types.Workflow
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*types.Workflow).Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ActiveWorkflow returns the workflow currently holding the active slot,
// or nil when there is none.
func (s *Store) ActiveWorkflow() (*types.Workflow, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableWorkflow, "id")
	if err != nil {
		return nil, fmt.Errorf("scanning workflows: %w", err)
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		wf := raw.(*types.Workflow)
		if wf.Status.Active() {
			return wf.Clone(), nil
		}
	}
	return nil, nil
}

// UpdateWorkflow applies fn to a copy of the stored record and writes the
// result back, all inside one write transaction. fn returning an error
// aborts the update.
func (s *Store) UpdateWorkflow(id string, fn func(wf *types.Workflow) error) (*types.Workflow, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableWorkflow, "id", id)
	if err != nil {
		return nil, fmt.Errorf("reading workflow: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: workflow %q", types.ErrNotFound, id)
	}

	wf := raw.(*types.Workflow).Clone()
	if err := fn(wf); err != nil {
		return nil, err
	}
	wf.UpdatedAt = time.Now().UTC()

	if err := txn.Insert(tableWorkflow, wf); err != nil {
		return nil, fmt.Errorf("updating workflow: %w", err)
	}
	txn.Commit()
	return wf.Clone(), nil
}

func (s *Store) DeleteWorkflow(id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableWorkflow, "id", id)
	if err != nil {
		return fmt.Errorf("reading workflow: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("%w: workflow %q", types.ErrNotFound, id)
	}
	if err := txn.Delete(tableWorkflow, raw); err != nil {
		return fmt.Errorf("deleting workflow: %w", err)
	}
	txn.Commit()
	return nil
}
