// Package fastpayout decides and runs advances against an event's unpaid
// earnings before the regular payout.
package fastpayout

import (
	"fmt"
	"math"
	"strings"
	"time"

	"ms-payouts/internal/config"
	"ms-payouts/internal/models"
)

var DefaultTierCaps = map[models.TrustTier]float64{
	models.TierBronze:  70,
	models.TierSilver:  80,
	models.TierGold:    90,
	models.TierTrusted: 95,
}

type Settings struct {
	Enabled             bool
	RequireKYC          bool
	RequireBankVerified bool
	MinTicketSalesPct   float64
	MaxRequestsPerEvent int
	Cooldown            time.Duration
	// FeePercentage and TierCaps are percentages, 1.5 means 1.5%.
	FeePercentage float64
	TierCaps      map[models.TrustTier]float64
}

func SettingsFromConfig(c config.FastPayoutConfig) Settings {
	caps := make(map[models.TrustTier]float64, len(DefaultTierCaps))
	for tier, pct := range DefaultTierCaps {
		caps[tier] = pct
	}
	for tier, pct := range c.TierCaps {
		caps[models.TrustTier(strings.ToLower(tier))] = pct
	}
	return Settings{
		Enabled:             c.Enabled,
		RequireKYC:          c.RequireKYC,
		RequireBankVerified: c.RequireBankVerified,
		MinTicketSalesPct:   c.MinTicketSalesPct,
		MaxRequestsPerEvent: c.MaxRequestsPerEvent,
		Cooldown:            time.Duration(c.CooldownHours) * time.Hour,
		FeePercentage:       c.FeePercentage,
		TierCaps:            caps,
	}
}

// Cap returns the percentage of available earnings tier may advance.
// Unknown tiers get the bronze cap.
func (s Settings) Cap(tier models.TrustTier) float64 {
	if pct, ok := s.TierCaps[tier]; ok {
		return pct
	}
	if pct, ok := s.TierCaps[models.TierBronze]; ok {
		return pct
	}
	return DefaultTierCaps[models.TierBronze]
}

// Snapshot is everything Evaluate needs to know about the organizer and
// the event at the time of the request.
type Snapshot struct {
	KYCVerified       bool
	BankVerified      bool
	Tier              models.TrustTier
	TicketsSold       int
	TicketCapacity    int
	AvailableEarnings int64
	Currency          string
	ExistingRequests  int
	LastRequestAt     *time.Time
}

type Reason string

const (
	ReasonDisabled          Reason = "fast_payout_disabled"
	ReasonKYCRequired       Reason = "kyc_not_verified"
	ReasonBankRequired      Reason = "bank_not_verified"
	ReasonInvalidAmount     Reason = "invalid_amount"
	ReasonInsufficientSales Reason = "insufficient_ticket_sales"
	ReasonExceedsLimit      Reason = "exceeds_tier_limit"
	ReasonMaxRequests       Reason = "max_requests_reached"
	ReasonCooldown          Reason = "cooldown_active"
)

type Decision struct {
	Eligible   bool       `json:"eligible"`
	Reason     Reason     `json:"reason,omitempty"`
	Message    string     `json:"message,omitempty"`
	Requested  int64      `json:"requested_amount"`
	MaxAllowed int64      `json:"max_allowed"`
	CapPct     float64    `json:"cap_percentage"`
	SalesPct   float64    `json:"ticket_sales_percentage"`
	FeePct     float64    `json:"fee_percentage"`
	Fee        int64      `json:"fee_amount"`
	Net        int64      `json:"net_amount"`
	Currency   string     `json:"currency"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
}

// Evaluate checks requested against s and snap in a fixed order and
// returns the first failing reason.
func Evaluate(s Settings, snap Snapshot, requested int64, now time.Time) Decision {
	d := Decision{
		Requested: requested,
		CapPct:    s.Cap(snap.Tier),
		SalesPct:  salesPct(snap.TicketsSold, snap.TicketCapacity),
		FeePct:    s.FeePercentage,
		Currency:  snap.Currency,
	}
	d.MaxAllowed = int64(math.Floor(float64(snap.AvailableEarnings) * d.CapPct / 100))
	if d.MaxAllowed < 0 {
		d.MaxAllowed = 0
	}

	deny := func(r Reason, msg string) Decision {
		d.Reason = r
		d.Message = msg
		return d
	}
	switch {
	case !s.Enabled:
		return deny(ReasonDisabled, "fast payouts are disabled")
	case s.RequireKYC && !snap.KYCVerified:
		return deny(ReasonKYCRequired, "identity verification is required for fast payouts")
	case s.RequireBankVerified && !snap.BankVerified:
		return deny(ReasonBankRequired, "a verified bank account is required for fast payouts")
	case requested <= 0:
		return deny(ReasonInvalidAmount, "requested amount must be positive")
	case d.SalesPct < s.MinTicketSalesPct:
		return deny(ReasonInsufficientSales, fmt.Sprintf("event has sold %.1f%% of tickets, %.1f%% required", d.SalesPct, s.MinTicketSalesPct))
	case requested > d.MaxAllowed:
		return deny(ReasonExceedsLimit, fmt.Sprintf("requested %d exceeds %.0f%% of available earnings (%d)", requested, d.CapPct, d.MaxAllowed))
	case s.MaxRequestsPerEvent > 0 && snap.ExistingRequests >= s.MaxRequestsPerEvent:
		return deny(ReasonMaxRequests, fmt.Sprintf("event already has %d fast payout request(s)", snap.ExistingRequests))
	}
	if snap.LastRequestAt != nil && s.Cooldown > 0 {
		next := snap.LastRequestAt.Add(s.Cooldown)
		if now.Before(next) {
			d.RetryAfter = &next
			return deny(ReasonCooldown, fmt.Sprintf("next fast payout available after %s", next.UTC().Format(time.RFC3339)))
		}
	}

	d.Eligible = true
	d.Fee = int64(math.Round(float64(requested) * s.FeePercentage / 100))
	d.Net = requested - d.Fee
	return d
}

func salesPct(sold, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(sold) / float64(capacity) * 100
}
