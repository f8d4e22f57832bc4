package persistence

import (
	"context"

	"gorm.io/gorm"

	"github.com/gadgetkit/gadgetkit/internal/domain/exectree"
	"github.com/gadgetkit/gadgetkit/internal/infrastructure/persistence/models"
)

// GormExecutionTreeStore persists ExecutionTreeSnapshot rows via GORM.
// Implements exectree.SnapshotStore.
type GormExecutionTreeStore struct {
	db *gorm.DB
}

// NewGormExecutionTreeStore creates a snapshot store bound to a GORM
// connection (sqlite by default, postgres when configured).
func NewGormExecutionTreeStore(db *gorm.DB) *GormExecutionTreeStore {
	return &GormExecutionTreeStore{db: db}
}

// SaveSnapshot writes a flattened run in one transaction, foreign-keyed by
// parent_id, for later audit/replay (`gadgetkit tree show <run_id>`). Never
// consulted by live tree queries.
func (s *GormExecutionTreeStore) SaveSnapshot(ctx context.Context, snapshot exectree.Snapshot) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range snapshot.LLMCalls {
			row := models.LLMCallModel{
				ID: rec.ID, RunID: rec.RunID, Iteration: rec.Iteration, Model: rec.Model,
				ParentID: rec.ParentID, Depth: rec.Depth, ResponseText: rec.ResponseText,
				InputTokens: rec.InputTokens, OutputTokens: rec.OutputTokens, CachedTokens: rec.CachedTokens,
				FinishReason: rec.FinishReason, Cost: rec.Cost,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		for _, rec := range snapshot.Gadgets {
			row := models.GadgetModel{
				ID: rec.ID, RunID: rec.RunID, InvocationID: rec.InvocationID, Name: rec.Name,
				ParentID: rec.ParentID, Depth: rec.Depth, State: string(rec.State), Result: rec.Result,
				Error: rec.Error, ExecutionMS: rec.ExecutionMS, Cost: rec.Cost,
				FailedDependency: rec.FailedDependency,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
