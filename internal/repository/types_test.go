package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOperatingHoursContains(t *testing.T) {
	// Tuesday 10:30 UTC.
	at := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)

	var none *OperatingHours
	assert.True(t, none.Contains(at))

	weekdays := &OperatingHours{Days: []int{1, 2, 3, 4, 5}, Start: "09:00", End: "18:00"}
	assert.True(t, weekdays.Contains(at))

	sunday := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)
	assert.False(t, weekdays.Contains(sunday))

	early := time.Date(2026, 8, 25, 8, 59, 0, 0, time.UTC)
	assert.False(t, weekdays.Contains(early))

	edge := time.Date(2026, 8, 25, 18, 0, 0, 0, time.UTC)
	assert.True(t, weekdays.Contains(edge))

	daysOnly := &OperatingHours{Days: []int{2}}
	assert.True(t, daysOnly.Contains(at))
}

func TestApproverSubjectValidate(t *testing.T) {
	assert.NoError(t, UserSubject("u1").Validate())
	assert.NoError(t, ProfileSubject("coordinator").Validate())
	assert.NoError(t, UnitSubject("unit-9").Validate())
	assert.NoError(t, HierarchyLevelSubject(2).Validate())

	assert.Error(t, ApproverSubject{Type: ApproverUser}.Validate())
	assert.Error(t, ApproverSubject{Type: ApproverProfile}.Validate())
	assert.Error(t, ApproverSubject{Type: ApproverHierarchyLevel}.Validate())
	assert.Error(t, ApproverSubject{Type: "team"}.Validate())
}

func TestApproverIsCurrentlyEligible(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	lo, hi := 100.0, 1000.0
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	base := Approver{
		Active:         true,
		MinValue:       &lo,
		MaxValue:       &hi,
		OperatingHours: &OperatingHours{Days: []int{2}, Start: "09:00", End: "18:00"},
		StartDate:      &past,
		EndDate:        &future,
	}

	value := 500.0
	assert.True(t, base.IsCurrentlyEligible(now, &value))

	inactive := base
	inactive.Active = false
	assert.False(t, inactive.IsCurrentlyEligible(now, &value))

	tooSmall := 50.0
	assert.False(t, base.IsCurrentlyEligible(now, &tooSmall))
	tooBig := 5000.0
	assert.False(t, base.IsCurrentlyEligible(now, &tooBig))

	// Without a value the range predicates do not apply.
	assert.True(t, base.IsCurrentlyEligible(now, nil))

	expired := base
	expired.EndDate = &past
	assert.False(t, expired.IsCurrentlyEligible(now, &value))

	notYet := base
	notYet.StartDate = &future
	assert.False(t, notYet.IsCurrentlyEligible(now, &value))

	offHours := base
	offHours.OperatingHours = &OperatingHours{Days: []int{0}}
	assert.False(t, offHours.IsCurrentlyEligible(now, &value))
}

func TestDelegationIsEffective(t *testing.T) {
	now := time.Now()
	d := Delegation{
		StartDate: now.Add(-time.Hour),
		EndDate:   now.Add(time.Hour),
		Active:    true,
	}
	assert.True(t, d.IsEffective(now))
	assert.False(t, d.IsEffective(now.Add(2*time.Hour)))
	assert.False(t, d.IsEffective(now.Add(-2*time.Hour)))

	inactive := d
	inactive.Active = false
	assert.False(t, inactive.IsEffective(now))

	// Revocation short-circuits everything, even inside the window.
	revoked := d
	revokedAt := now.Add(-time.Minute)
	revoked.RevokedAt = &revokedAt
	assert.False(t, revoked.IsEffective(now))
}

func TestDelegationAdmits(t *testing.T) {
	now := time.Now()
	limit := 500.0
	d := Delegation{
		AllowedActionTypes: []string{"benefit.release"},
		MaxValue:           &limit,
	}

	small := 100.0
	assert.True(t, d.Admits("benefit.release", &small, now))
	assert.False(t, d.Admits("benefit.suspend", &small, now))

	big := 900.0
	assert.False(t, d.Admits("benefit.release", &big, now))

	// Empty allow-list admits every action type.
	open := Delegation{}
	assert.True(t, open.Admits("anything", nil, now))
}

func TestSolicitationStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	for _, s := range []SolicitationStatus{StatusApproved, StatusRejected, StatusCancelled, StatusExpired} {
		assert.True(t, s.IsTerminal(), string(s))
	}
}
