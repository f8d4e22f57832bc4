package models

import "time"

// LLMCallModel is the flattened llm_calls row of one ExecutionTreeSnapshot.
type LLMCallModel struct {
	ID           string `gorm:"primaryKey;size:64"`
	RunID        string `gorm:"index;size:64;not null"`
	Iteration    int
	Model        string `gorm:"size:128"`
	ParentID     string `gorm:"index;size:64"`
	Depth        int
	ResponseText string `gorm:"type:text"`
	InputTokens  int
	OutputTokens int
	CachedTokens int
	FinishReason string `gorm:"size:32"`
	Cost         float64
	CreatedAt    time.Time
}

// TableName names the llm_calls table.
func (LLMCallModel) TableName() string {
	return "llm_calls"
}

// GadgetModel is the flattened gadgets row of one ExecutionTreeSnapshot.
type GadgetModel struct {
	ID               string `gorm:"primaryKey;size:64"`
	RunID            string `gorm:"index;size:64;not null"`
	InvocationID     string `gorm:"index;size:64"`
	Name             string `gorm:"size:128"`
	ParentID         string `gorm:"index;size:64"`
	Depth            int
	State            string `gorm:"size:16"`
	Result           string `gorm:"type:text"`
	Error            string `gorm:"type:text"`
	ExecutionMS      int64
	Cost             float64
	FailedDependency string `gorm:"size:64"`
	CreatedAt        time.Time
}

// TableName names the gadgets table.
func (GadgetModel) TableName() string {
	return "gadgets"
}
