package model

import (
	"encoding/json"
	"fmt"
)

// Measurements holds the body measurements extracted by the pipeline, in cm.
// All fields are optional: the pipeline reports only what it could measure.
type Measurements struct {
	Chest         *int `json:"chest,omitempty"`
	Waist         *int `json:"waist,omitempty"`
	Hips          *int `json:"hips,omitempty"`
	Inseam        *int `json:"inseam,omitempty"`
	ShoulderWidth *int `json:"shoulder_width,omitempty"`
	ArmLength     *int `json:"arm_length,omitempty"`
	Neck          *int `json:"neck,omitempty"`
	Thigh         *int `json:"thigh,omitempty"`
	TorsoLength   *int `json:"torso_length,omitempty"`
}

// ParseMeasurements decodes the measurements artifact produced by the
// pipeline. Unknown keys are ignored so a newer pipeline can add fields
// without breaking older service builds.
func ParseMeasurements(data []byte) (*Measurements, error) {
	var m Measurements
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse measurements: %w", err)
	}
	return &m, nil
}
