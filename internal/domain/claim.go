package domain

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ClaimType is the billing category of a submitted claim.
type ClaimType string

const (
	ClaimProfessional  ClaimType = "PROFESSIONAL"
	ClaimInstitutional ClaimType = "INSTITUTIONAL"
	ClaimDental        ClaimType = "DENTAL"
	ClaimPharmacy      ClaimType = "PHARMACY"
	ClaimVision        ClaimType = "VISION"
)

// IsValid reports whether ct is one of the claim types.
func (ct ClaimType) IsValid() bool {
	switch ct {
	case ClaimProfessional, ClaimInstitutional, ClaimDental, ClaimPharmacy, ClaimVision:
		return true
	default:
		return false
	}
}

// CodeType enumerates the procedure-code vocabularies accepted.
type CodeType string

const (
	CodeCPT      CodeType = "CPT"
	CodeHCPCS    CodeType = "HCPCS"
	CodeICD10PCS CodeType = "ICD10_PCS"
	CodeCDT      CodeType = "CDT"
	CodeNDC      CodeType = "NDC"
)

func (ct CodeType) IsValid() bool {
	switch ct {
	case CodeCPT, CodeHCPCS, CodeICD10PCS, CodeCDT, CodeNDC:
		return true
	default:
		return false
	}
}

// ProcedureCode is one billed procedure line.
type ProcedureCode struct {
	Code       string   `json:"code"`
	CodeType   CodeType `json:"code_type"`
	Quantity   int      `json:"quantity"`
	Modifiers  []string `json:"modifiers,omitempty"`
	LineAmount float64  `json:"line_amount"`
}

// DiagnosisCode is one ICD-10-CM diagnosis line, ordered by Sequence (1 =
// primary).
type DiagnosisCode struct {
	Code     string `json:"code"`
	Sequence int    `json:"sequence"`
}

var (
	claimIDPattern    = regexp.MustCompile(`^CLM-\d{4}-\d{6,12}$`)
	memberHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
	icd10Pattern      = regexp.MustCompile(`^[A-TV-Z][0-9][0-9AB](\.[0-9A-TV-Z]{1,4})?$`)
)

// Claim is the immutable input to the pipeline. Unmarshal it from the
// claims.submitted envelope; Validate before use.
type Claim struct {
	ClaimID        string          `json:"claim_id"`
	PolicyID       string          `json:"policy_id"`
	ProviderID     string          `json:"provider_id"`
	MemberIDHash   string          `json:"member_id_hash"`
	ProcedureCodes []ProcedureCode `json:"procedure_codes"`
	DiagnosisCodes []DiagnosisCode `json:"diagnosis_codes"`
	BilledAmount   float64         `json:"billed_amount"`
	ServiceDate    time.Time       `json:"service_date"`
	ServiceDateEnd *time.Time      `json:"service_date_end,omitempty"`
	ClaimType      ClaimType       `json:"claim_type"`
	AdmissionDate  *time.Time      `json:"admission_date,omitempty"`
	DischargeDate  *time.Time      `json:"discharge_date,omitempty"`
}

// Validate enforces every field contract. It never mutates the claim; the
// pipeline never sees a Claim that has not passed Validate.
func (c *Claim) Validate(now time.Time) error {
	if !claimIDPattern.MatchString(c.ClaimID) {
		return fmt.Errorf("claim_id %q: %w", c.ClaimID, ErrInvalidClaimID)
	}
	if c.PolicyID == "" {
		return fmt.Errorf("policy_id: %w", ErrRequiredField)
	}
	if c.ProviderID == "" {
		return fmt.Errorf("provider_id: %w", ErrRequiredField)
	}
	if !memberHashPattern.MatchString(c.MemberIDHash) {
		return fmt.Errorf("member_id_hash: %w", ErrInvalidMemberHash)
	}
	if len(c.ProcedureCodes) == 0 || len(c.ProcedureCodes) > 999 {
		return fmt.Errorf("procedure_codes length %d: %w", len(c.ProcedureCodes), ErrInvalidProcedureCodes)
	}
	for i, pc := range c.ProcedureCodes {
		if !pc.CodeType.IsValid() {
			return fmt.Errorf("procedure_codes[%d].code_type %q: %w", i, pc.CodeType, ErrInvalidCodeType)
		}
		if pc.Quantity < 1 || pc.Quantity > 999 {
			return fmt.Errorf("procedure_codes[%d].quantity %d: %w", i, pc.Quantity, ErrInvalidQuantity)
		}
		if len(pc.Modifiers) > 4 {
			return fmt.Errorf("procedure_codes[%d].modifiers: %w", i, ErrTooManyModifiers)
		}
		if pc.LineAmount < 0 {
			return fmt.Errorf("procedure_codes[%d].line_amount: %w", i, ErrNegativeAmount)
		}
	}
	if len(c.DiagnosisCodes) > 25 {
		return fmt.Errorf("diagnosis_codes length %d: %w", len(c.DiagnosisCodes), ErrTooManyDiagnosisCodes)
	}
	for i, dc := range c.DiagnosisCodes {
		if !icd10Pattern.MatchString(dc.Code) {
			return fmt.Errorf("diagnosis_codes[%d].code %q: %w", i, dc.Code, ErrInvalidDiagnosisCode)
		}
	}
	if c.BilledAmount < 0 || c.BilledAmount > 99_999_999.99 {
		return fmt.Errorf("billed_amount %v: %w", c.BilledAmount, ErrInvalidAmount)
	}
	if c.ServiceDate.After(now) {
		return fmt.Errorf("service_date %v after now: %w", c.ServiceDate, ErrFutureServiceDate)
	}
	if c.ServiceDateEnd != nil && c.ServiceDateEnd.Before(c.ServiceDate) {
		return fmt.Errorf("service_date_end before service_date: %w", ErrInvalidDateRange)
	}
	if !c.ClaimType.IsValid() {
		return fmt.Errorf("claim_type %q: %w", c.ClaimType, ErrInvalidClaimType)
	}
	if c.ClaimType == ClaimInstitutional {
		if c.AdmissionDate != nil && c.AdmissionDate.After(c.ServiceDate) {
			return fmt.Errorf("admission_date after service_date: %w", ErrInvalidDateRange)
		}
		if c.DischargeDate != nil && c.ServiceDate.After(*c.DischargeDate) {
			return fmt.Errorf("service_date after discharge_date: %w", ErrInvalidDateRange)
		}
	}
	return nil
}

// Sentinel validation errors; wrapped with field context by Validate.
var (
	ErrRequiredField         = errors.New("required field is empty")
	ErrInvalidClaimID        = errors.New("claim_id does not match CLM-YYYY-<6..12 digits>")
	ErrInvalidMemberHash     = errors.New("member_id_hash must be 64 lowercase hex chars")
	ErrInvalidProcedureCodes = errors.New("procedure_codes must have 1..999 entries")
	ErrInvalidCodeType       = errors.New("unknown procedure code_type")
	ErrInvalidQuantity       = errors.New("quantity must be in [1,999]")
	ErrTooManyModifiers      = errors.New("at most 4 modifiers allowed")
	ErrNegativeAmount        = errors.New("line_amount must be non-negative")
	ErrTooManyDiagnosisCodes = errors.New("at most 25 diagnosis_codes allowed")
	ErrInvalidDiagnosisCode  = errors.New("diagnosis code does not match ICD-10-CM pattern")
	ErrInvalidAmount         = errors.New("billed_amount out of range")
	ErrFutureServiceDate     = errors.New("service_date is in the future")
	ErrInvalidDateRange      = errors.New("date range invariant violated")
	ErrInvalidClaimType      = errors.New("unknown claim_type")
)
