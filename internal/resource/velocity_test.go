package resource

import (
	"testing"
	"time"
)

func TestVelocity_FirstSampleInitializesOnly(t *testing.T) {
	v := NewVelocity("ram")
	drain, ttf := v.Update(1000, time.Now())
	if drain != 0 {
		t.Errorf("expected 0 drain on first sample, got %f", drain)
	}
	if ttf != nil {
		t.Errorf("expected no time-to-full on first sample, got %v", *ttf)
	}
}

func TestVelocity_DrainingReportsTimeToFull(t *testing.T) {
	v := NewVelocity("ram")
	t0 := time.Now()
	v.Update(1000, t0)
	// Free memory collapsing fast and steadily: dead-band should clear
	// quickly given alpha=0.3.
	var drain float64
	var ttf *float64
	free := 1000.0
	for i := 1; i <= 10; i++ {
		free -= 100
		drain, ttf = v.Update(free, t0.Add(time.Duration(i)*time.Second))
	}
	if drain <= 0 {
		t.Fatalf("expected positive drain rate, got %f", drain)
	}
	if ttf == nil {
		t.Fatalf("expected a time-to-full estimate once dead-band clears")
	}
	if *ttf <= 0 {
		t.Errorf("expected positive time-to-full, got %f", *ttf)
	}
}

func TestVelocity_DeadBandSuppressesTimeToFull(t *testing.T) {
	v := NewVelocity("ram")
	t0 := time.Now()
	v.Update(1000, t0)
	// Free memory constant: EWMA stays at/near zero, inside the dead-band.
	_, ttf := v.Update(1000, t0.Add(time.Second))
	if ttf != nil {
		t.Errorf("expected no time-to-full under the dead-band, got %v", *ttf)
	}
}

func TestVelocity_ZeroDeltaTIgnored(t *testing.T) {
	v := NewVelocity("ram")
	t0 := time.Now()
	v.Update(1000, t0)
	drain, _ := v.Update(500, t0) // same timestamp: dt == 0
	if drain != 0 {
		t.Errorf("expected drain to remain 0 when dt<=0, got %f", drain)
	}
}
