package store

import (
	"github.com/atms-dev/atms/model"
)

// SuggestFeature validates req against workflow_config.required_fields and
// appends a new feature with status "suggested".
func (s *Store) SuggestFeature(req model.SuggestFeatureRequest) (string, error) {
	var id string
	err := s.withDocument(func(doc *model.Document) (bool, error) {
		if err := validateRequiredFields(doc.WorkflowConfig.RequiredFields, req); err != nil {
			return false, err
		}
		now := s.now()
		id = model.NewFeatureID(now)
		f := &model.Feature{
			ID:            id,
			Title:         req.Title,
			Description:   req.Description,
			BusinessValue: req.BusinessValue,
			Category:      req.Category,
			Status:        model.FeatureSuggested,
			CreatedAt:     now,
			UpdatedAt:     now,
			Metadata:      req.Metadata,
		}
		doc.Features = append(doc.Features, f)
		doc.Metadata.TotalFeatures++
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func validateRequiredFields(required []string, req model.SuggestFeatureRequest) error {
	values := map[string]string{
		"title":          req.Title,
		"description":    req.Description,
		"business_value": req.BusinessValue,
		"category":       string(req.Category),
	}
	for _, field := range required {
		if v, ok := values[field]; !ok || v == "" {
			return model.NewError("store.SuggestFeature", field, model.ErrInvalidField)
		}
	}
	return nil
}

// ApproveFeature moves a feature from "suggested" to "approved". Returns
// InvalidTransition if the feature is in any other status.
func (s *Store) ApproveFeature(id, approver string) error {
	return s.withDocument(func(doc *model.Document) (bool, error) {
		f := doc.FeatureByID(id)
		if f == nil {
			return false, model.NewError("store.ApproveFeature", id, model.ErrNotFound)
		}
		if !model.CanTransitionFeature(f.Status, model.FeatureApproved) {
			return false, model.NewError("store.ApproveFeature", id, model.ErrInvalidTransition)
		}
		now := s.now()
		f.Status = model.FeatureApproved
		f.ApprovedBy = approver
		ad := now
		f.ApprovalDate = &ad
		f.UpdatedAt = now
		doc.Metadata.ApprovalHistory = append(doc.Metadata.ApprovalHistory, model.ApprovalRecord{
			FeatureID:  id,
			Action:     "approved",
			Timestamp:  now,
			ApprovedBy: approver,
		})
		return true, nil
	})
}

// RejectFeature moves a feature from "suggested" to "rejected".
func (s *Store) RejectFeature(id, rejector, reason string) error {
	return s.withDocument(func(doc *model.Document) (bool, error) {
		f := doc.FeatureByID(id)
		if f == nil {
			return false, model.NewError("store.RejectFeature", id, model.ErrNotFound)
		}
		if !model.CanTransitionFeature(f.Status, model.FeatureRejected) {
			return false, model.NewError("store.RejectFeature", id, model.ErrInvalidTransition)
		}
		now := s.now()
		f.Status = model.FeatureRejected
		f.RejectedBy = rejector
		f.RejectionReason = reason
		rd := now
		f.RejectionDate = &rd
		f.UpdatedAt = now
		doc.Metadata.ApprovalHistory = append(doc.Metadata.ApprovalHistory, model.ApprovalRecord{
			FeatureID:  id,
			Action:     "rejected",
			Timestamp:  now,
			RejectedBy: rejector,
			Reason:     reason,
		})
		return true, nil
	})
}

// MarkImplemented moves a feature from "approved" to "implemented".
func (s *Store) MarkImplemented(id string) error {
	return s.withDocument(func(doc *model.Document) (bool, error) {
		f := doc.FeatureByID(id)
		if f == nil {
			return false, model.NewError("store.MarkImplemented", id, model.ErrNotFound)
		}
		if !model.CanTransitionFeature(f.Status, model.FeatureImplemented) {
			return false, model.NewError("store.MarkImplemented", id, model.ErrInvalidTransition)
		}
		now := s.now()
		f.Status = model.FeatureImplemented
		f.UpdatedAt = now
		impl := now
		f.ImplementedDate = &impl
		return true, nil
	})
}

// GetFeature returns a copy of the feature with the given id.
func (s *Store) GetFeature(id string) (*model.Feature, error) {
	var out *model.Feature
	err := s.withDocument(func(doc *model.Document) (bool, error) {
		f := doc.FeatureByID(id)
		if f == nil {
			return false, model.NewError("store.GetFeature", id, model.ErrNotFound)
		}
		cp := *f
		out = &cp
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
