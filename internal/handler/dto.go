package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/journey-engine/internal/model"
)

const dateLayout = time.DateOnly

type operatorRequest struct {
	Slug               string               `json:"slug"`
	Name               string               `json:"name"`
	Status             model.OperatorStatus `json:"status"`
	ProtectHighValue   bool                 `json:"protectHighValue"`
	RecycleAfterDays   int                  `json:"recycleAfterDays"`
	MinStageForRecycle *int                 `json:"minStageForRecycle"`
	MaxStageForRecycle *int                 `json:"maxStageForRecycle"`
}

func (r operatorRequest) toModel() model.Operator {
	op := model.Operator{
		Slug:               r.Slug,
		Name:               r.Name,
		Status:             r.Status,
		ProtectHighValue:   r.ProtectHighValue,
		RecycleAfterDays:   r.RecycleAfterDays,
		MinStageForRecycle: model.StageNotRegistered,
		MaxStageForRecycle: model.StageHighValue,
	}
	if r.MinStageForRecycle != nil {
		op.MinStageForRecycle = *r.MinStageForRecycle
	}
	if r.MaxStageForRecycle != nil {
		op.MaxStageForRecycle = *r.MaxStageForRecycle
	}
	return op
}

type operatorResponse struct {
	ID                 string               `json:"id"`
	Slug               string               `json:"slug"`
	Name               string               `json:"name"`
	Status             model.OperatorStatus `json:"status"`
	ProtectHighValue   bool                 `json:"protectHighValue"`
	RecycleAfterDays   int                  `json:"recycleAfterDays"`
	MinStageForRecycle int                  `json:"minStageForRecycle"`
	MaxStageForRecycle int                  `json:"maxStageForRecycle"`
	RegRate            decimal.Decimal      `json:"regRate"`
	FTDRate            decimal.Decimal      `json:"ftdRate"`
	CreatedAt          string               `json:"createdAt"`
	UpdatedAt          string               `json:"updatedAt"`
}

func newOperatorResponse(op *model.Operator) operatorResponse {
	return operatorResponse{
		ID:                 op.ID,
		Slug:               op.Slug,
		Name:               op.Name,
		Status:             op.Status,
		ProtectHighValue:   op.ProtectHighValue,
		RecycleAfterDays:   op.RecycleAfterDays,
		MinStageForRecycle: op.MinStageForRecycle,
		MaxStageForRecycle: op.MaxStageForRecycle,
		RegRate:            op.RegRate,
		FTDRate:            op.FTDRate,
		CreatedAt:          op.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          op.UpdatedAt.Format(time.RFC3339),
	}
}

type metricsResponse struct {
	Date          string          `json:"date"`
	Leads         int64           `json:"leads"`
	Registrations int64           `json:"registrations"`
	FTD           int64           `json:"ftd"`
	Deposits      int64           `json:"deposits"`
	Revenue       decimal.Decimal `json:"revenue"`
	RecycledIn    int64           `json:"recycledIn"`
	RecycledOut   int64           `json:"recycledOut"`
	Messages      int64           `json:"messages"`
}

func newMetricsResponse(m model.OperatorMetrics) metricsResponse {
	return metricsResponse{
		Date:          m.Date.Format(dateLayout),
		Leads:         m.Leads,
		Registrations: m.Registrations,
		FTD:           m.FTD,
		Deposits:      m.Deposits,
		Revenue:       m.Revenue,
		RecycledIn:    m.RecycledIn,
		RecycledOut:   m.RecycledOut,
		Messages:      m.Messages,
	}
}

type ruleRequest struct {
	MinStage                int  `json:"minStage"`
	MaxStage                int  `json:"maxStage"`
	ExcludeHighValue        bool `json:"excludeHighValue"`
	MinDaysSinceLastDeposit int  `json:"minDaysSinceLastDeposit"`
	MaxRecyclesPerUser      int  `json:"maxRecyclesPerUser"`
	CooldownDays            int  `json:"cooldownDays"`
	IsActive                bool `json:"isActive"`
	Priority                int  `json:"priority"`
}

type ruleResponse struct {
	SourceOperatorID string `json:"sourceOperatorId"`
	TargetOperatorID string `json:"targetOperatorId"`
	ruleRequest
	UpdatedAt string `json:"updatedAt"`
}

func newRuleResponse(r *model.RecyclingRule) ruleResponse {
	return ruleResponse{
		SourceOperatorID: r.SourceOperatorID,
		TargetOperatorID: r.TargetOperatorID,
		ruleRequest: ruleRequest{
			MinStage:                r.MinStage,
			MaxStage:                r.MaxStage,
			ExcludeHighValue:        r.ExcludeHighValue,
			MinDaysSinceLastDeposit: r.MinDaysSinceLastDeposit,
			MaxRecyclesPerUser:      r.MaxRecyclesPerUser,
			CooldownDays:            r.CooldownDays,
			IsActive:                r.IsActive,
			Priority:                r.Priority,
		},
		UpdatedAt: r.UpdatedAt.Format(time.RFC3339),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

type journeyStateResponse struct {
	CustomerID        string             `json:"customerId"`
	OperatorID        string             `json:"operatorId"`
	Stage             int                `json:"stage"`
	DepositCount      int                `json:"depositCount"`
	TotalDepositValue decimal.Decimal    `json:"totalDepositValue"`
	LastDepositAmount decimal.Decimal    `json:"lastDepositAmount"`
	LastDepositAt     *string            `json:"lastDepositAt,omitempty"`
	CurrentJourney    *model.JourneyType `json:"currentJourney"`
	EmailCount        int                `json:"emailCount"`
	SMSCount          int                `json:"smsCount"`
	LastEmailAt       *string            `json:"lastEmailAt,omitempty"`
	LastSMSAt         *string            `json:"lastSmsAt,omitempty"`
	UpdatedAt         string             `json:"updatedAt"`
}

func newJourneyStateResponse(s *model.JourneyState) journeyStateResponse {
	return journeyStateResponse{
		CustomerID:        s.CustomerID,
		OperatorID:        s.OperatorID,
		Stage:             s.Stage,
		DepositCount:      s.DepositCount,
		TotalDepositValue: s.TotalDepositValue,
		LastDepositAmount: s.LastDepositAmount,
		LastDepositAt:     formatTime(s.LastDepositAt),
		CurrentJourney:    s.CurrentJourney,
		EmailCount:        s.EmailCount,
		SMSCount:          s.SMSCount,
		LastEmailAt:       formatTime(s.LastEmailAt),
		LastSMSAt:         formatTime(s.LastSMSAt),
		UpdatedAt:         s.UpdatedAt.Format(time.RFC3339),
	}
}

type transitionResponse struct {
	State  journeyStateResponse `json:"state"`
	Change *model.StageChanged  `json:"change,omitempty"`
}

type eligibilityResponse struct {
	Eligible         bool   `json:"eligible"`
	Reason           string `json:"reason"`
	Stage            *int   `json:"stage,omitempty"`
	DaysSinceDeposit *int   `json:"daysSinceDeposit,omitempty"`
	RecycleCount     int    `json:"recycleCount"`
	RuleApplied      bool   `json:"ruleApplied"`
}

func newEligibilityResponse(e model.Eligibility) eligibilityResponse {
	return eligibilityResponse{
		Eligible:         e.Eligible,
		Reason:           e.Reason,
		Stage:            e.Stage,
		DaysSinceDeposit: e.DaysSinceDeposit,
		RecycleCount:     e.RecycleCount,
		RuleApplied:      e.RuleApplied,
	}
}

type candidateResponse struct {
	State       journeyStateResponse `json:"state"`
	Eligibility eligibilityResponse  `json:"eligibility"`
}

type historyResponse struct {
	ID                string          `json:"id"`
	CustomerID        string          `json:"customerId"`
	FromOperatorID    string          `json:"fromOperatorId"`
	ToOperatorID      string          `json:"toOperatorId"`
	StageAtRecycle    int             `json:"stageAtRecycle"`
	DaysSinceDeposit  *int            `json:"daysSinceDeposit,omitempty"`
	LastDepositAmount decimal.Decimal `json:"lastDepositAmount"`
	RecycledAt        string          `json:"recycledAt"`
}

func newHistoryResponse(h model.RecyclingHistory) historyResponse {
	return historyResponse{
		ID:                h.ID,
		CustomerID:        h.CustomerID,
		FromOperatorID:    h.FromOperatorID,
		ToOperatorID:      h.ToOperatorID,
		StageAtRecycle:    h.StageAtRecycle,
		DaysSinceDeposit:  h.DaysSinceDeposit,
		LastDepositAmount: h.LastDepositAmount,
		RecycledAt:        h.RecycledAt.Format(time.RFC3339),
	}
}

type recycleResponse struct {
	History     historyResponse     `json:"history"`
	Eligibility eligibilityResponse `json:"eligibility"`
}
