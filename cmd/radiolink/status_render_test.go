package main

import (
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("Radiolink", statusError, "Not running", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Radiolink:", "[ERROR] Not running")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("Radiolink", statusOK, "Running", true)
	if !strings.HasPrefix(got, ansiGreen) {
		t.Fatalf("expected green prefix, got %q", got)
	}
	if !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected reset suffix, got %q", got)
	}
}

func TestShouldColorizeNonFile(t *testing.T) {
	if shouldColorize(io.Discard) {
		t.Fatalf("expected non-file writer to disable color")
	}
}

func TestDisplayName(t *testing.T) {
	cases := map[string]string{
		"DOE^JANE":         "Doe Jane",
		"SMITH^JOHN^^DR":   "Smith John Dr",
		"  ":               "-",
		"":                 "-",
		"garcia lopez^ana": "Garcia Lopez Ana",
	}
	for in, want := range cases {
		if got := displayName(in); got != want {
			t.Fatalf("displayName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProcStatusKind(t *testing.T) {
	tests := []struct {
		status string
		want   statusKind
	}{
		{"uploaded", statusOK},
		{"uploading", statusInfo},
		{"failed", statusError},
		{"pending", statusWarn},
	}
	for _, tc := range tests {
		if got := procStatusKind(tc.status); got != tc.want {
			t.Fatalf("procStatusKind(%q) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{"Modality=CT", "study_description = Head w/o contrast"})
	if err != nil {
		t.Fatalf("parseFields: %v", err)
	}
	if fields["modality"] != "CT" || fields["study_description"] != "Head w/o contrast" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if _, err := parseFields([]string{"technician_email=a@b"}); err == nil {
		t.Fatal("expected technician_email to be rejected")
	}
	if _, err := normalizeStatuses([]string{"Uploaded", "bogus"}); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}
}
