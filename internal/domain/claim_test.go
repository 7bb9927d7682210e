package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validClaim() Claim {
	return Claim{
		ClaimID:      "CLM-2026-000000001",
		PolicyID:     "POL-1",
		ProviderID:   "PRV-1",
		MemberIDHash: "a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b1",
		ProcedureCodes: []ProcedureCode{
			{Code: "99213", CodeType: CodeCPT, Quantity: 1, LineAmount: 120.00},
		},
		DiagnosisCodes: []DiagnosisCode{{Code: "J06.9", Sequence: 1}},
		BilledAmount:   120.00,
		ServiceDate:    time.Now().Add(-48 * time.Hour),
		ClaimType:      ClaimProfessional,
	}
}

func TestClaimValidate_Valid(t *testing.T) {
	c := validClaim()
	require.NoError(t, c.Validate(time.Now()))
}

func TestClaimValidate_BadClaimID(t *testing.T) {
	c := validClaim()
	c.ClaimID = "not-a-claim-id"
	err := c.Validate(time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidClaimID))
}

func TestClaimValidate_MemberHash(t *testing.T) {
	c := validClaim()
	c.MemberIDHash = "tooshort"
	err := c.Validate(time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidMemberHash))
}

func TestClaimValidate_FutureServiceDate(t *testing.T) {
	c := validClaim()
	c.ServiceDate = time.Now().Add(24 * time.Hour)
	err := c.Validate(time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFutureServiceDate))
}

func TestClaimValidate_EmptyProcedureCodes(t *testing.T) {
	c := validClaim()
	c.ProcedureCodes = nil
	err := c.Validate(time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidProcedureCodes))
}

func TestClaimValidate_TooManyModifiers(t *testing.T) {
	c := validClaim()
	c.ProcedureCodes[0].Modifiers = []string{"1", "2", "3", "4", "5"}
	err := c.Validate(time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyModifiers))
}

func TestClaimValidate_InstitutionalDateOrder(t *testing.T) {
	c := validClaim()
	c.ClaimType = ClaimInstitutional
	admission := c.ServiceDate.Add(24 * time.Hour)
	c.AdmissionDate = &admission
	err := c.Validate(time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidDateRange))
}

func TestClaimValidate_AmountBoundary(t *testing.T) {
	c := validClaim()
	c.BilledAmount = 99_999_999.99
	require.NoError(t, c.Validate(time.Now()))

	c.BilledAmount = 100_000_000.00
	require.Error(t, c.Validate(time.Now()))
}
