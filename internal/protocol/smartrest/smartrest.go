// Package smartrest implements the line-oriented "SmartREST-like" cloud
// dialect (spec.md §4.6): one or more CSV records per MQTT message, each
// keyed by a numeric template id. It is grounded on the template catalog
// documented in the original implementation's c8y_smartrest crate
// (smartrest_deserializer.rs / smartrest_serializer.rs), reworked as a
// small id->codec table instead of one Rust type per template.
package smartrest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
)

// Well-known incoming template ids (cloud -> device).
const (
	TemplateConfigDownload = 524
	TemplateConfigUpload   = 526
	TemplateSoftwareUpdate = 528
	TemplateLogRequest     = 522
	TemplateFirmware       = 515
)

// Well-known outgoing template ids (device -> cloud).
const (
	TemplateExecutingByName = 501
	TemplateFailedByName    = 502
	TemplateSuccessByName   = 503
	TemplateExecutingByID   = 504
	TemplateFailedByID      = 505
	TemplateSuccessByID     = 506
	TemplateSupportedOps    = 114
	TemplateSupportedConfig = 117
	TemplateSupportedLogs   = 118
)

// DecodeError reports a template that could not be parsed, carrying the
// offending record for structured logging.
type DecodeError struct {
	Record []string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("smartrest: %s: %s", e.Reason, strings.Join(e.Record, ","))
}

// Request is one decoded incoming record. Fields is the full record minus
// the leading template id, left as strings; callers interpret them per
// TemplateID (spec.md leaves numeric-vs-named field typing to the
// component, not the codec).
type Request struct {
	TemplateID int
	Fields     []string
}

// Decode splits payload into records (one per line) and parses the
// template id of each. Unknown template ids are reported as a DecodeError
// for that single record; the rest of the message still decodes (spec.md
// §7: "the single message is dropped", read here as the single record).
func Decode(payload []byte) ([]Request, []error) {
	r := csv.NewReader(bytes.NewReader(payload))
	r.FieldsPerRecord = -1 // records vary in length
	r.LazyQuotes = true

	var reqs []Request
	var errs []error
	for {
		record, err := r.Read()
		if err != nil {
			break // io.EOF or a malformed line; either way we stop here
		}
		if len(record) == 0 {
			continue
		}
		id, convErr := strconv.Atoi(strings.TrimSpace(record[0]))
		if convErr != nil {
			errs = append(errs, &DecodeError{Record: record, Reason: "non-numeric template id"})
			continue
		}
		switch id {
		case TemplateConfigDownload, TemplateConfigUpload, TemplateSoftwareUpdate, TemplateLogRequest, TemplateFirmware:
		default:
			errs = append(errs, &DecodeError{Record: record, Reason: "unknown template id"})
			continue
		}
		reqs = append(reqs, Request{TemplateID: id, Fields: record[1:]})
	}
	return reqs, errs
}

// Encode renders records as a single CSV-over-MQTT payload, quoting
// fields that contain commas, quotes or newlines.
func Encode(records [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.UseCRLF = false
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("smartrest: encode record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("smartrest: flush: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Record assembles a single template id and its fields into one record;
// quoting is applied later, when the record is passed to Encode.
func Record(templateID int, fields ...string) []string {
	return append([]string{strconv.Itoa(templateID)}, fields...)
}

// UseNumericID reports whether the 504/505/506 (by numeric operation id)
// family should be used instead of 501/502/503 (by operation name), per
// SPEC_FULL.md's resolution of the "numeric vs name" open question: the
// cloud's own request carries a numeric operation id only for some
// request shapes (notably config/log operations relayed through the
// legacy op-id templates); when it does, the device must echo that same
// numeric id back rather than the operation name.
func UseNumericID(cloudOpID string) bool { return cloudOpID != "" }

// ExecutingRecord builds the "501"/"504" record for opName, using the
// numeric form when cloudOpID is non-empty.
func ExecutingRecord(opName, cloudOpID string) []string {
	if UseNumericID(cloudOpID) {
		return Record(TemplateExecutingByID, cloudOpID)
	}
	return Record(TemplateExecutingByName, opName)
}

// SuccessRecord builds the "503"/"506" record, with an optional result parameter.
func SuccessRecord(opName, cloudOpID, result string) []string {
	if UseNumericID(cloudOpID) {
		if result == "" {
			return Record(TemplateSuccessByID, cloudOpID)
		}
		return Record(TemplateSuccessByID, cloudOpID, result)
	}
	if result == "" {
		return Record(TemplateSuccessByName, opName)
	}
	return Record(TemplateSuccessByName, opName, result)
}

// FailedRecord builds the "502"/"505" record; the reason is stored as-is
// and is CSV-escaped when the record goes through Encode.
func FailedRecord(opName, cloudOpID, reason string) []string {
	if UseNumericID(cloudOpID) {
		return Record(TemplateFailedByID, cloudOpID, reason)
	}
	return Record(TemplateFailedByName, opName, reason)
}

// SupportedOperationsRecord builds the "114" capability-list record.
func SupportedOperationsRecord(names []string) []string {
	return Record(TemplateSupportedOps, names...)
}

// SupportedConfigTypesRecord builds the "117" capability-list record.
func SupportedConfigTypesRecord(names []string) []string {
	return Record(TemplateSupportedConfig, names...)
}

// SupportedLogTypesRecord builds the "118" capability-list record.
func SupportedLogTypesRecord(names []string) []string {
	return Record(TemplateSupportedLogs, names...)
}
