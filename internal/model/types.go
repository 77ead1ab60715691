package model

import (
	"time"

	"github.com/Brownie44l1/scanfood-api/internal/imaging"
)

// Metadata is the sidecar written next to every checkpoint. Classes is the
// label manifest: its ordinal positions are the head's output indices.
type Metadata struct {
	Version     string                `json:"version"`
	RunID       string                `json:"run_id"`
	Backbone    string                `json:"backbone"`
	FeatureDim  int                   `json:"feature_dim"`
	HiddenUnits int                   `json:"hidden_units"`
	Classes     []string              `json:"classes"`
	ImageSize   int                   `json:"image_size"`
	Norm        imaging.Normalization `json:"normalization"`
	Epoch       int                   `json:"epoch"`
	ValAcc      float64               `json:"val_acc"`
	CreatedAt   time.Time             `json:"created_at"`
}

type Prediction struct {
	Class       string             `json:"class"`
	Confidence  float32            `json:"confidence"`
	Predictions map[string]float32 `json:"predictions"`
}

type State string

const (
	Unloaded State = "unloaded"
	Ready    State = "ready"
	Unready  State = "unready"
)

type Status struct {
	State    State     `json:"state"`
	Version  string    `json:"version,omitempty"`
	Backbone string    `json:"backbone,omitempty"`
	Classes  []string  `json:"classes,omitempty"`
	LoadedAt time.Time `json:"loaded_at,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}
