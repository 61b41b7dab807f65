// Package junit parses JUnit XML reports into typed test case results.
package junit

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Status of a single test case.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Classifier labels attached to failed cases.
const (
	LabelTransient = "transient"
	LabelReal      = "real"
)

// TestCase is one parsed test case, tagged with the attempt that
// produced it. Label and LabelReason are set by the classifier on
// failed cases of the classified attempt only.
type TestCase struct {
	Name     string  `json:"name"`
	Suite    string  `json:"suite"`
	Duration float64 `json:"time_s"`
	Status   Status  `json:"status"`
	Message  string  `json:"message"`
	Details  string  `json:"details"`
	Attempt  int     `json:"attempt"`

	Label       string `json:"label,omitempty"`
	LabelReason string `json:"label_reason,omitempty"`
}

// Summary holds the counts of a single attempt's parse. It is never
// cumulative across attempts.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Parser reads JUnit XML reports.
type Parser struct {
	log logrus.FieldLogger
}

// NewParser creates a report parser.
func NewParser(log logrus.FieldLogger) *Parser {
	return &Parser{
		log: log.WithField("component", "junit"),
	}
}

// ParseFile parses the report at path and tags every case with the
// given attempt number. The returned summary covers only the cases in
// this report.
func (p *Parser) ParseFile(path string, attempt int) ([]TestCase, Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("opening report: %w", err)
	}
	defer f.Close()

	cases, summary, err := p.Parse(f, attempt)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("parsing report %s: %w", path, err)
	}

	p.log.WithFields(logrus.Fields{
		"path":    path,
		"attempt": attempt,
		"total":   summary.Total,
		"failed":  summary.Failed,
	}).Debug("Parsed report")

	return cases, summary, nil
}

// xmlTestCase mirrors a <testcase> element. A nested <failure> marks
// failure, a nested <skipped> marks skip, absence of both marks pass.
type xmlTestCase struct {
	Name      string      `xml:"name,attr"`
	ClassName string      `xml:"classname,attr"`
	Time      string      `xml:"time,attr"`
	Failure   *xmlFailure `xml:"failure"`
	Skipped   *xmlMarker  `xml:"skipped"`
}

type xmlFailure struct {
	Message string `xml:"message,attr"`
	Inner   []byte `xml:",innerxml"`
}

type xmlMarker struct{}

// Parse reads all <testcase> elements from r regardless of nesting
// depth, so both <testsuites> and bare <testsuite> roots work.
func (p *Parser) Parse(r io.Reader, attempt int) ([]TestCase, Summary, error) {
	dec := xml.NewDecoder(r)

	var (
		cases   []TestCase
		summary Summary
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, Summary{}, fmt.Errorf("decoding xml: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "testcase" {
			continue
		}

		var raw xmlTestCase
		if err := dec.DecodeElement(&raw, &start); err != nil {
			return nil, Summary{}, fmt.Errorf("decoding testcase: %w", err)
		}

		tc := TestCase{
			Name:     raw.Name,
			Suite:    raw.ClassName,
			Duration: parseDuration(raw.Time),
			Status:   StatusPassed,
			Attempt:  attempt,
		}

		switch {
		case raw.Failure != nil:
			tc.Status = StatusFailed
			tc.Message = strings.TrimSpace(raw.Failure.Message)
			tc.Details = failureDetails(raw.Failure.Inner)
			summary.Failed++
		case raw.Skipped != nil:
			tc.Status = StatusSkipped
			summary.Skipped++
		default:
			summary.Passed++
		}

		summary.Total++

		cases = append(cases, tc)
	}

	return cases, summary, nil
}

// failureDetails extracts the failure element's own text plus the text
// and tail of each direct child, newline-joined with empty fragments
// dropped. Text nested deeper than one level is ignored.
func failureDetails(inner []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(inner))

	var (
		parts       []string
		depth       int
		inGrandkids bool
	)

	appendPart := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" {
			parts = append(parts, s)
		}
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}

		switch t := tok.(type) {
		case xml.CharData:
			if depth == 0 || (depth == 1 && !inGrandkids) {
				appendPart(string(t))
			}
		case xml.StartElement:
			depth++
			if depth == 1 {
				inGrandkids = false
			} else if depth == 2 {
				inGrandkids = true
			}
		case xml.EndElement:
			depth--
		}
	}

	return strings.Join(parts, "\n")
}

// parseDuration converts the time attribute to seconds, tolerating
// empty or malformed values.
func parseDuration(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}

	return v
}
