// Package model содержит доменные сущности движка клиентских воронок.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Стадии клиента у оператора.
const (
	StageNotRegistered = -1
	StageRegistered    = 0
	StageFirstDeposit  = 1
	StageSecondDeposit = 2
	StageHighValue     = 3
)

// OperatorStatus описывает состояние оператора.
type OperatorStatus string

const (
	OperatorStatusActive   OperatorStatus = "ACTIVE"
	OperatorStatusPaused   OperatorStatus = "PAUSED"
	OperatorStatusInactive OperatorStatus = "INACTIVE"
	OperatorStatusTesting  OperatorStatus = "TESTING"
)

// Valid сообщает, входит ли статус в допустимый набор.
func (s OperatorStatus) Valid() bool {
	switch s {
	case OperatorStatusActive, OperatorStatusPaused, OperatorStatusInactive, OperatorStatusTesting:
		return true
	}
	return false
}

// Operator описывает бренд оператора и его правила защиты клиентов.
type Operator struct {
	ID                 string
	Slug               string
	Name               string
	Status             OperatorStatus
	ProtectHighValue   bool
	RecycleAfterDays   int
	MinStageForRecycle int
	MaxStageForRecycle int
	RegRate            decimal.Decimal
	FTDRate            decimal.Decimal
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// JourneyType описывает тип сценария коммуникаций.
type JourneyType string

const (
	JourneyAcquisition JourneyType = "ACQUISITION"
	JourneyRetention   JourneyType = "RETENTION"
)

// Valid сообщает, входит ли тип в допустимый набор.
func (j JourneyType) Valid() bool {
	return j == JourneyAcquisition || j == JourneyRetention
}

// JourneyState хранит состояние клиента у конкретного оператора.
// Пара (CustomerID, OperatorID) уникальна.
type JourneyState struct {
	ID                string
	CustomerID        string
	OperatorID        string
	Stage             int
	DepositCount      int
	TotalDepositValue decimal.Decimal
	LastDepositAmount decimal.Decimal
	LastDepositAt     *time.Time
	CurrentJourney    *JourneyType
	EmailCount        int
	SMSCount          int
	LastEmailAt       *time.Time
	LastSMSAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsHighValue сообщает, относится ли клиент к ценным игрокам.
func (s *JourneyState) IsHighValue() bool {
	return s.Stage >= StageHighValue
}

// RecyclingRule задаёт правила переноса клиентов между парой операторов.
type RecyclingRule struct {
	SourceOperatorID        string
	TargetOperatorID        string
	MinStage                int
	MaxStage                int
	ExcludeHighValue        bool
	MinDaysSinceLastDeposit int
	MaxRecyclesPerUser      int
	CooldownDays            int
	IsActive                bool
	Priority                int
	UpdatedAt               time.Time
}

// RecyclingHistory фиксирует выполненный перенос клиента. Запись не изменяется.
type RecyclingHistory struct {
	ID                string
	CustomerID        string
	FromOperatorID    string
	ToOperatorID      string
	StageAtRecycle    int
	DaysSinceDeposit  *int
	LastDepositAmount decimal.Decimal
	RecycledAt        time.Time
}

// OperatorMetrics содержит дневные счётчики оператора.
type OperatorMetrics struct {
	OperatorID    string
	Date          time.Time
	Leads         int64
	Registrations int64
	FTD           int64
	Deposits      int64
	Revenue       decimal.Decimal
	RecycledIn    int64
	RecycledOut   int64
	Messages      int64
}

// MetricsDelta описывает приращения дневных счётчиков. Нулевые поля не меняют значения.
type MetricsDelta struct {
	Leads         int64
	Registrations int64
	FTD           int64
	Deposits      int64
	Revenue       decimal.Decimal
	RecycledIn    int64
	RecycledOut   int64
	Messages      int64
}

// IsZero сообщает, что приращение ничего не меняет.
func (d MetricsDelta) IsZero() bool {
	return d.Leads == 0 && d.Registrations == 0 && d.FTD == 0 && d.Deposits == 0 &&
		d.Revenue.IsZero() && d.RecycledIn == 0 && d.RecycledOut == 0 && d.Messages == 0
}

// Add складывает два приращения.
func (d MetricsDelta) Add(o MetricsDelta) MetricsDelta {
	return MetricsDelta{
		Leads:         d.Leads + o.Leads,
		Registrations: d.Registrations + o.Registrations,
		FTD:           d.FTD + o.FTD,
		Deposits:      d.Deposits + o.Deposits,
		Revenue:       d.Revenue.Add(o.Revenue),
		RecycledIn:    d.RecycledIn + o.RecycledIn,
		RecycledOut:   d.RecycledOut + o.RecycledOut,
		Messages:      d.Messages + o.Messages,
	}
}

// MetricsTotals содержит накопленные итоги оператора за всё время.
type MetricsTotals struct {
	Leads         int64
	Registrations int64
	FTD           int64
}

// EventType описывает тип события жизненного цикла клиента.
type EventType string

const (
	EventLead         EventType = "LEAD"
	EventRegistration EventType = "REGISTRATION"
	EventDeposit      EventType = "DEPOSIT"
)

// StageChanged публикуется для слоя рассылок при смене стадии или сценария.
type StageChanged struct {
	ID            string       `json:"id"`
	CustomerID    string       `json:"customerId"`
	OperatorID    string       `json:"operatorId"`
	OldStage      int          `json:"oldStage"`
	NewStage      int          `json:"newStage"`
	JourneySwitch bool         `json:"journeySwitch"`
	Journey       *JourneyType `json:"journey,omitempty"`
	Trigger       EventType    `json:"trigger"`
	OccurredAt    time.Time    `json:"occurredAt"`
}

// OutboxEvent хранит ещё не доставленное событие смены стадии.
type OutboxEvent struct {
	Seq   int64
	Event StageChanged
}

// Transition возвращается движком переходов после применения события.
type Transition struct {
	State  JourneyState
	Change *StageChanged
}

// Channel описывает канал отправки сообщения.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
)

// Eligibility описывает результат проверки возможности переноса клиента.
type Eligibility struct {
	Eligible         bool   `json:"eligible"`
	Reason           string `json:"reason"`
	Stage            *int   `json:"stage,omitempty"`
	DaysSinceDeposit *int   `json:"daysSinceDeposit,omitempty"`
	RecycleCount     int    `json:"recycleCount"`
	RuleApplied      bool   `json:"ruleApplied"`
}

// Candidate описывает клиента, найденного для переноса.
type Candidate struct {
	State       JourneyState
	Eligibility Eligibility
}

// RecycleResult возвращается после успешного переноса.
type RecycleResult struct {
	History     RecyclingHistory
	Eligibility Eligibility
}
