package smartrest_test

import (
	"testing"

	"github.com/tedge-io/tedge-agent/internal/protocol/smartrest"
)

func TestDecodeMultipleRecords(t *testing.T) {
	payload := []byte("524,device001,configA\n526,device001,configB\n")
	reqs, errs := smartrest.Decode(payload)
	if len(errs) != 0 {
		t.Fatalf("Decode() errs = %v, want none", errs)
	}
	if len(reqs) != 2 {
		t.Fatalf("Decode() returned %d requests, want 2", len(reqs))
	}
	if reqs[0].TemplateID != smartrest.TemplateConfigDownload {
		t.Errorf("reqs[0].TemplateID = %d, want %d", reqs[0].TemplateID, smartrest.TemplateConfigDownload)
	}
	if reqs[1].TemplateID != smartrest.TemplateConfigUpload {
		t.Errorf("reqs[1].TemplateID = %d, want %d", reqs[1].TemplateID, smartrest.TemplateConfigUpload)
	}
}

func TestDecodeNonNumericTemplateID(t *testing.T) {
	reqs, errs := smartrest.Decode([]byte("not-a-number,field1\n"))
	if len(reqs) != 0 {
		t.Errorf("Decode() requests = %v, want none", reqs)
	}
	if len(errs) != 1 {
		t.Fatalf("Decode() errs = %d, want 1", len(errs))
	}
}

func TestEncodeQuotesSpecialFields(t *testing.T) {
	out, err := smartrest.Encode([][]string{
		smartrest.Record(smartrest.TemplateFailedByName, "c8y_LogfileRequest", `disk full, "no space"`),
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := `502,c8y_LogfileRequest,"disk full, ""no space"""`
	if string(out) != want {
		t.Errorf("Encode() = %q, want %q", out, want)
	}
}

func TestExecutingRecordPrefersNumericWhenPresent(t *testing.T) {
	byName := smartrest.ExecutingRecord("c8y_Firmware", "")
	if byName[0] != "501" || byName[1] != "c8y_Firmware" {
		t.Errorf("ExecutingRecord(no id) = %v, want [501 c8y_Firmware]", byName)
	}

	byID := smartrest.ExecutingRecord("c8y_Firmware", "42")
	if byID[0] != "504" || byID[1] != "42" {
		t.Errorf("ExecutingRecord(id=42) = %v, want [504 42]", byID)
	}
}

func TestSuccessRecordWithAndWithoutResult(t *testing.T) {
	withResult := smartrest.SuccessRecord("c8y_UploadConfigFile", "", "http://host/file")
	want := []string{"503", "c8y_UploadConfigFile", "http://host/file"}
	if !equal(withResult, want) {
		t.Errorf("SuccessRecord() = %v, want %v", withResult, want)
	}

	noResult := smartrest.SuccessRecord("c8y_UploadConfigFile", "", "")
	want = []string{"503", "c8y_UploadConfigFile"}
	if !equal(noResult, want) {
		t.Errorf("SuccessRecord() = %v, want %v", noResult, want)
	}
}

func TestFailedRecordEscapesReason(t *testing.T) {
	rec := smartrest.FailedRecord("c8y_DownloadConfigFile", "", "disk full")
	want := []string{"502", "c8y_DownloadConfigFile", "disk full"}
	if !equal(rec, want) {
		t.Errorf("FailedRecord() = %v, want %v", rec, want)
	}

	out, err := smartrest.Encode([][]string{
		smartrest.FailedRecord("c8y_DownloadConfigFile", "", `disk full, "no space"`),
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	wantLine := `502,c8y_DownloadConfigFile,"disk full, ""no space"""`
	if string(out) != wantLine {
		t.Errorf("Encode(FailedRecord()) = %q, want %q", out, wantLine)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
