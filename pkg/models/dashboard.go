package models

import "time"

// DashboardStats is the headline summary shown on the school dashboard.
type DashboardStats struct {
	TotalStudents       int64            `json:"total_students"`
	TotalCollections    float64          `json:"total_collections"`
	PendingPayments     float64          `json:"pending_payments"`
	ReceiptsGenerated   int64            `json:"receipts_generated"`
	CollectionRate      float64          `json:"collection_rate"`
	RecentActivities    []map[string]any `json:"recent_activities"`
	CurrentAcademicYear string           `json:"current_academic_year"`
	CurrentAcademicTerm string           `json:"current_academic_term"`

	// Degraded names the sections that could not be queried and were
	// reported with their zero or default value.
	Degraded []string `json:"degraded,omitempty"`
}

// FinancialSummary aggregates payments over an optional date range.
type FinancialSummary struct {
	From           *time.Time `json:"from,omitempty"`
	To             *time.Time `json:"to,omitempty"`
	TotalRevenue   float64    `json:"total_revenue"`
	Collected      float64    `json:"collected"`
	Outstanding    float64    `json:"outstanding"`
	CollectionRate float64    `json:"collection_rate"`
	CompletedCount int64      `json:"completed_count"`
	PendingCount   int64      `json:"pending_count"`
}

// AcademicContext holds the current academic year and term rows, either of
// which may be absent.
type AcademicContext struct {
	AcademicYear map[string]any `json:"academic_year"`
	AcademicTerm map[string]any `json:"academic_term"`
}

// SchoolSettings is the school profile. Source is "database" when read from
// school_settings and "defaults" when no row exists.
type SchoolSettings struct {
	SchoolName          string `json:"school_name"`
	Email               string `json:"email"`
	Phone               string `json:"phone"`
	Address             string `json:"address"`
	Currency            string `json:"currency"`
	Timezone            string `json:"timezone"`
	CurrentAcademicYear string `json:"current_academic_year,omitempty"`
	CurrentAcademicTerm string `json:"current_academic_term,omitempty"`
	Source              string `json:"source"`
}

// PaymentTrend is one month of the payment_trends view.
type PaymentTrend struct {
	Period           any     `json:"period"`
	TransactionCount int64   `json:"transaction_count"`
	CompletedAmount  float64 `json:"completed_amount"`
	PendingAmount    float64 `json:"pending_amount"`
	AvgAmount        float64 `json:"avg_amount"`
	CompletedCount   int64   `json:"completed_count"`
	FailedCount      int64   `json:"failed_count"`
}

// PaymentTrends is a date range of monthly trends with a roll-up.
type PaymentTrends struct {
	From                time.Time      `json:"from"`
	To                  time.Time      `json:"to"`
	Months              []PaymentTrend `json:"data"`
	TotalAmount         float64        `json:"total_amount"`
	TotalTransactions   int64          `json:"total_transactions"`
	AvgTransactionValue float64        `json:"avg_transaction_value"`
	SuccessRate         float64        `json:"success_rate"`
}

// PaymentFilters narrows a payment listing. Zero values are ignored; From
// and To are inclusive calendar dates.
type PaymentFilters struct {
	StudentID     string
	PaymentStatus string
	PaymentMethod string
	From          *time.Time
	To            *time.Time
}

// PaymentPage is one page of payment details.
type PaymentPage struct {
	Data       []map[string]any `json:"data"`
	Total      int64            `json:"total"`
	Page       int              `json:"page"`
	PerPage    int              `json:"per_page"`
	TotalPages int              `json:"total_pages"`
}
