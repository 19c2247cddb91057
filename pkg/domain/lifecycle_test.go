package domain

import (
	"errors"
	"testing"
)

func TestCanTransitionOnlyLegalEdges(t *testing.T) {
	all := []StudyStatus{StudyDraft, StudyAnalyzing, StudyCompleted, StudyError}
	legal := map[[2]StudyStatus]bool{
		{StudyDraft, StudyAnalyzing}:     true,
		{StudyAnalyzing, StudyCompleted}: true,
		{StudyAnalyzing, StudyError}:     true,
		{StudyError, StudyAnalyzing}:     true,
	}
	for _, from := range all {
		for _, to := range all {
			want := legal[[2]StudyStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
			err := ValidateTransition(from, to)
			if want && err != nil {
				t.Fatalf("ValidateTransition(%s, %s) unexpected error: %v", from, to, err)
			}
			if !want && !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("ValidateTransition(%s, %s) = %v, want ErrIllegalTransition", from, to, err)
			}
		}
	}
}

func TestUnknownStatusHasNoEdges(t *testing.T) {
	if CanTransition(StudyStatus("archived"), StudyAnalyzing) {
		t.Fatalf("unknown status must not transition")
	}
}

func TestStatusHelpers(t *testing.T) {
	if !StudyDraft.AcceptsImages() || StudyError.AcceptsImages() || StudyAnalyzing.AcceptsImages() {
		t.Fatalf("only draft accepts images")
	}
	if !StudyDraft.CanStartAnalysis() || !StudyError.CanStartAnalysis() {
		t.Fatalf("draft and error should allow analysis")
	}
	if StudyCompleted.CanStartAnalysis() || StudyAnalyzing.CanStartAnalysis() {
		t.Fatalf("completed and analyzing must not allow analysis")
	}
}

func TestParseClosedEnums(t *testing.T) {
	if got, err := ParseStudyType(" optic_nerve "); err != nil || got != StudyOpticNerve {
		t.Fatalf("parse study type = %q, %v", got, err)
	}
	if _, err := ParseStudyType("ct_scan"); err == nil {
		t.Fatalf("expected unknown study type to fail")
	}
	if _, err := ParseStudyStatus("pending"); err == nil {
		t.Fatalf("expected unknown status to fail")
	}
	if got, err := ParseMessageRole("assistant"); err != nil || got != MessageRoleAssistant {
		t.Fatalf("parse message role = %q, %v", got, err)
	}
	if _, err := ParseMessageRole("system"); err == nil {
		t.Fatalf("expected system role to be rejected")
	}
	if _, err := ParseUserRole("root"); err == nil {
		t.Fatalf("expected unknown user role to fail")
	}
}

func TestStudyHasAnalysis(t *testing.T) {
	blank := "  "
	text := "findings"
	if (Study{}).HasAnalysis() {
		t.Fatalf("nil result should not count")
	}
	if (Study{AnalysisResult: &blank}).HasAnalysis() {
		t.Fatalf("blank result should not count")
	}
	if !(Study{AnalysisResult: &text}).HasAnalysis() {
		t.Fatalf("expected analysis present")
	}
}
