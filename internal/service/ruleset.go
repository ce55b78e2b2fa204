package service

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-wf-approvals/internal/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// RuleSet is the file format of `approvald rules import`: the complete
// workflow configuration of one category.
type RuleSet struct {
	CategoryID       int64                 `yaml:"category_id"`
	Rules            []RuleSpec            `yaml:"rules"`
	SpecialApprovers []SpecialApproverSpec `yaml:"special_approvers"`
	DocumentNumbers  []DocumentNumberSpec  `yaml:"document_numbers"`
}

// RuleSpec is one transition rule.
type RuleSpec struct {
	CorrectionTypeID   *int64 `yaml:"correction_type_id"`
	CurrentStatusID    int64  `yaml:"current_status_id"`
	RoleID             int64  `yaml:"role_id"`
	Action             string `yaml:"action"`
	ActionType         string `yaml:"action_type"`
	NextStatusID       int64  `yaml:"next_status_id"`
	StepSequence       int    `yaml:"step_sequence"`
	FilterByDepartment bool   `yaml:"filter_by_department"`
}

// SpecialApproverSpec assigns users to a step.
type SpecialApproverSpec struct {
	CorrectionTypeID *int64  `yaml:"correction_type_id"`
	StepSequence     int     `yaml:"step_sequence"`
	UserIDs          []int64 `yaml:"user_ids"`
}

// DocumentNumberSpec declares a document-number series.
type DocumentNumberSpec struct {
	FiscalYear        int    `yaml:"fiscal_year"`
	Prefix            string `yaml:"prefix"`
	LastRunningNumber int    `yaml:"last_running_number"`
}

// ParseRuleSet decodes a YAML rule set. Unknown keys are rejected.
func ParseRuleSet(r io.Reader) (*RuleSet, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var set RuleSet
	if err := dec.Decode(&set); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to parse rule set")
	}
	if set.CategoryID <= 0 {
		return nil, errors.InvalidInput("category_id", "rule set must name a category")
	}
	for i, rs := range set.Rules {
		if rs.ActionType == "" {
			// The action label doubles as the type when they coincide.
			set.Rules[i].ActionType = rs.Action
		}
	}
	for i, sp := range set.SpecialApprovers {
		if sp.StepSequence <= 0 || len(sp.UserIDs) == 0 {
			return nil, errors.InvalidInput("special_approvers",
				fmt.Sprintf("entry %d needs a positive step_sequence and at least one user", i+1))
		}
	}
	return &set, nil
}

// Expand converts the set into repository records.
func (s *RuleSet) Expand() ([]*repository.TransitionRule, []*repository.SpecialApproverMapping, []*repository.DocumentNumberConfig) {
	rules := make([]*repository.TransitionRule, 0, len(s.Rules))
	for _, rs := range s.Rules {
		rules = append(rules, &repository.TransitionRule{
			CategoryID:         s.CategoryID,
			CorrectionTypeID:   rs.CorrectionTypeID,
			CurrentStatusID:    rs.CurrentStatusID,
			RoleID:             rs.RoleID,
			Action:             rs.Action,
			ActionType:         repository.ActionType(rs.ActionType),
			NextStatusID:       rs.NextStatusID,
			StepSequence:       rs.StepSequence,
			FilterByDepartment: rs.FilterByDepartment,
		})
	}

	mappings := make([]*repository.SpecialApproverMapping, 0, len(s.SpecialApprovers))
	for _, sp := range s.SpecialApprovers {
		mappings = append(mappings, &repository.SpecialApproverMapping{
			CategoryID:       s.CategoryID,
			CorrectionTypeID: sp.CorrectionTypeID,
			StepSequence:     sp.StepSequence,
			UserIDs:          sp.UserIDs,
		})
	}

	series := make([]*repository.DocumentNumberConfig, 0, len(s.DocumentNumbers))
	for _, dn := range s.DocumentNumbers {
		series = append(series, &repository.DocumentNumberConfig{
			CategoryID:        s.CategoryID,
			FiscalYear:        dn.FiscalYear,
			Prefix:            dn.Prefix,
			LastRunningNumber: dn.LastRunningNumber,
		})
	}
	return rules, mappings, series
}
