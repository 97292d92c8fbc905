package model

import (
	"encoding/json"
	"time"
)

// FeatureCategory classifies the kind of change a feature represents.
type FeatureCategory string

const (
	CategoryEnhancement FeatureCategory = "enhancement"
	CategoryNewFeature  FeatureCategory = "new-feature"
	CategoryBugFix      FeatureCategory = "bug-fix"
	CategorySecurity    FeatureCategory = "security"
	CategoryPerformance FeatureCategory = "performance"
	CategoryTest        FeatureCategory = "test"
)

// FeatureStatus is a node in the feature lifecycle DAG:
// suggested -> {approved, rejected}; approved -> implemented.
type FeatureStatus string

const (
	FeatureSuggested   FeatureStatus = "suggested"
	FeatureApproved    FeatureStatus = "approved"
	FeatureRejected    FeatureStatus = "rejected"
	FeatureImplemented FeatureStatus = "implemented"
)

// featureTransitions enumerates the only legal status edges. Any edge not
// present here is an InvalidTransition.
var featureTransitions = map[FeatureStatus][]FeatureStatus{
	FeatureSuggested: {FeatureApproved, FeatureRejected},
	FeatureApproved:  {FeatureImplemented},
}

// CanTransitionFeature reports whether moving a feature from `from` to `to`
// is a legal edge in the feature lifecycle DAG.
func CanTransitionFeature(from, to FeatureStatus) bool {
	for _, next := range featureTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Feature is a unit of user intent awaiting decomposition into tasks.
type Feature struct {
	ID              string                 `json:"id"`
	Title           string                 `json:"title"`
	Description     string                 `json:"description"`
	BusinessValue   string                 `json:"business_value"`
	Category        FeatureCategory        `json:"category"`
	Status          FeatureStatus          `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	ApprovedBy      string                 `json:"approved_by,omitempty"`
	ApprovalDate    *time.Time             `json:"approval_date,omitempty"`
	RejectedBy      string                 `json:"rejected_by,omitempty"`
	RejectionDate   *time.Time             `json:"rejection_date,omitempty"`
	RejectionReason string                 `json:"rejection_reason,omitempty"`
	ImplementedDate *time.Time             `json:"implemented_date,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`

	// Extra preserves any unrecognized keys so round-tripping an externally
	// authored document never silently drops data (§6.1 forward-compat).
	Extra map[string]interface{} `json:"-"`
}

// featureAlias has Feature's fields without its MarshalJSON/UnmarshalJSON
// methods, breaking the recursion custom codecs need.
type featureAlias Feature

var featureKnownKeys = map[string]bool{
	"id": true, "title": true, "description": true, "business_value": true,
	"category": true, "status": true, "created_at": true, "updated_at": true,
	"approved_by": true, "approval_date": true, "rejected_by": true,
	"rejection_date": true, "rejection_reason": true, "implemented_date": true,
	"metadata": true,
}

func (f Feature) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(featureAlias(f))
	if err != nil {
		return nil, err
	}
	return marshalWithExtra(base, f.Extra)
}

func (f *Feature) UnmarshalJSON(data []byte) error {
	var aux featureAlias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*f = Feature(aux)
	extra, err := extractExtra(data, featureKnownKeys)
	if err != nil {
		return err
	}
	f.Extra = extra
	return nil
}

// SuggestFeatureRequest is the input to Store.SuggestFeature.
type SuggestFeatureRequest struct {
	Title         string
	Description   string
	BusinessValue string
	Category      FeatureCategory
	Metadata      map[string]interface{}
}

// ApprovalRecord is an entry in metadata.approval_history: an immutable
// audit trail of every approve/reject decision made against a feature.
type ApprovalRecord struct {
	FeatureID  string    `json:"feature_id"`
	Action     string    `json:"action"` // "approved" | "rejected"
	Timestamp  time.Time `json:"timestamp"`
	ApprovedBy string    `json:"approved_by,omitempty"`
	RejectedBy string    `json:"rejected_by,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

const AutoRejectReason = "auto_reject_timeout"
