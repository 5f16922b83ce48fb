package api

import (
	"time"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// AccountResponse is the effective standing of one account
type AccountResponse struct {
	UserID         string     `json:"user_id"`
	DisplayName    string     `json:"display_name,omitempty"`
	DailyUsed      int        `json:"daily_used"`
	RemainingToday int        `json:"remaining_today"`
	Purchased      int        `json:"purchased"`
	Total          int        `json:"total"`
	TotalUsage     int        `json:"total_usage"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

// NewAccountResponse renders a balance
func NewAccountResponse(bal *credit.Balance) AccountResponse {
	resp := AccountResponse{
		UserID:         bal.Account.UserID,
		DisplayName:    bal.Account.DisplayName,
		DailyUsed:      bal.EffectiveDaily,
		RemainingToday: bal.RemainingToday,
		Purchased:      bal.Purchased,
		Total:          bal.Total,
		TotalUsage:     bal.Account.TotalUsageCount,
	}
	if !bal.Account.LastUsedAt.IsZero() {
		last := bal.Account.LastUsedAt
		resp.LastUsedAt = &last
	}
	return resp
}

// RechargeRequest is the body of POST /recharges
type RechargeRequest struct {
	ID   string              `json:"id,omitempty"`
	Type credit.RechargeType `json:"type"`
	// Users maps user IDs to display names; ignored for type "all"
	Users  map[string]string `json:"users,omitempty"`
	Amount int               `json:"amount"`
	Note   string            `json:"note,omitempty"`
}

// RechargeHistoryResponse is one page of recharge history, newest first
type RechargeHistoryResponse struct {
	Records []*credit.RechargeRecord `json:"records"`
	Total   int                      `json:"total"`
	Page    int                      `json:"page"`
	Size    int                      `json:"size"`
}

// NewRechargeHistoryResponse renders a history page; records are never null
func NewRechargeHistoryResponse(page *credit.RechargePage) RechargeHistoryResponse {
	records := page.Records
	if records == nil {
		records = []*credit.RechargeRecord{}
	}
	return RechargeHistoryResponse{
		Records: records,
		Total:   page.Total,
		Page:    page.Page,
		Size:    page.Size,
	}
}

// JobsResponse lists pending jobs
type JobsResponse struct {
	Jobs []*credit.PendingJob `json:"jobs"`
}

// SweepResponse reports one pending job sweep
type SweepResponse struct {
	Checked int `json:"checked"`
	Charged int `json:"charged"`
	Failed  int `json:"failed"`
	Expired int `json:"expired"`
	Errors  int `json:"errors"`
}
