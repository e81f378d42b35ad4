package scheduler

import (
	"testing"
	"time"
)

func TestParseCronFieldCounts(t *testing.T) {
	if _, err := ParseCron("0 * * * *"); err != nil {
		t.Fatalf("5-field expression should parse: %v", err)
	}
	if _, err := ParseCron("0 0 * * * *"); err != nil {
		t.Fatalf("6-field expression should parse: %v", err)
	}
	if _, err := ParseCron("0 * * *"); err == nil {
		t.Fatalf("4-field expression should be rejected")
	}
	if _, err := ParseCron("0 0 0 * * * *"); err == nil {
		t.Fatalf("7-field expression should be rejected")
	}
}

func TestParseCronMacro(t *testing.T) {
	c, err := ParseCron("@hourly")
	if err != nil {
		t.Fatalf("parse @hourly: %v", err)
	}
	if c.String() != "@hourly" {
		t.Fatalf("expected String() to preserve original text, got %q", c.String())
	}
}

func TestCronNextFiveField(t *testing.T) {
	c, err := ParseCron("30 2 * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := c.Next(from)
	want := time.Date(2026, 1, 1, 2, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
}

func TestCronNextSixFieldSecondGranularity(t *testing.T) {
	c, err := ParseCron("*/15 * * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	from := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	next := c.Next(from)
	want := time.Date(2026, 1, 1, 0, 0, 15, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
}

func TestCronNextAdvancesAcrossDay(t *testing.T) {
	c, err := ParseCron("0 0 1 * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	from := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	next := c.Next(from)
	want := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
}

func TestCronInvalidField(t *testing.T) {
	if _, err := ParseCron("99 * * * *"); err == nil {
		t.Fatalf("out-of-range minute should be rejected")
	}
}
