// Scanner walks the source tree looking for hardcoded credentials, private
// key blocks, and suspicious assignments to credential-named variables. It
// is the Go generalization of original_source/bot/core/security_scanner.py,
// intended as a pre-commit/CI gate (spec.md §4.5) — it is never invoked on
// the hot path.
package security

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// excludedDirs lists the directory names the walk skips: VCS metadata,
// vendored code, and example/test fixtures. The scanner's own source files
// are not skipped.
var excludedDirs = map[string]struct{}{
	".git":         {},
	"vendor":       {},
	"node_modules": {},
	"_examples":    {},
	"testdata":     {},
}

var (
	hardcodedKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret)\s*[:=]\s*["'][A-Za-z0-9_\-]{16,}["']`)
	privateKeyPattern   = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)
	telegramTokenPattern = regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{30,40}\b`)
	suspiciousAssignment = regexp.MustCompile(`(?i)\b(password|secret|token|credential)\s*:?=\s*"[^"\s]{8,}"`)
	logsAPIResponse      = regexp.MustCompile(`(?i)log[a-z.]*\((Info|Debug|Warn|Error)?\s*,?\s*.*\b(resp|response|apiResponse)\b`)
)

// Severity classifies a finding.
type Severity string

const (
	SeverityCritical    Severity = "critical"
	SeverityWarning     Severity = "warning"
	SeverityInformation Severity = "information"
)

// Finding is a single scan result.
type Finding struct {
	File     string   `json:"file"`
	Line     int      `json:"line"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Report is the structured scan output persisted as JSON (spec.md §6
// "Security scan report").
type Report struct {
	ScanTime        time.Time `json:"scan_time"`
	DurationSeconds float64   `json:"duration_seconds"`
	ProjectRoot     string    `json:"project_root"`
	FilesScanned    int       `json:"files_scanned"`
	CriticalLeaks   int       `json:"critical_leaks"`
	WarningLeaks    int       `json:"warning_leaks"`
	InfoNotes       int       `json:"info_notes"`
	CriticalIssues  []Finding `json:"critical_issues"`
	Warnings        []Finding `json:"warnings"`
	Information     []Finding `json:"information"`
	Recommendations []string  `json:"recommendations"`
}

// Scanner walks a root directory applying the regex rules above.
type Scanner struct {
	root string
}

// New creates a Scanner rooted at root.
func New(root string) *Scanner {
	return &Scanner{root: root}
}

// Scan walks the tree and produces a Report. now stamps the report's
// ScanTime; DurationSeconds is the wall-clock time elapsed since now.
func (s *Scanner) Scan(now time.Time) (*Report, error) {
	start := now
	report := &Report{
		ScanTime:    now,
		ProjectRoot: s.root,
	}

	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, excluded := excludedDirs[d.Name()]; excluded && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") && !strings.HasSuffix(path, ".py") {
			return nil
		}

		report.FilesScanned++
		return s.scanFile(path, report)
	})
	if err != nil {
		return nil, err
	}

	report.CriticalLeaks = len(report.CriticalIssues)
	report.WarningLeaks = len(report.Warnings)
	report.InfoNotes = len(report.Information)
	report.DurationSeconds = time.Since(start).Seconds()
	report.Recommendations = recommendationsFor(report)

	return report, nil
}

func (s *Scanner) scanFile(path string, report *Report) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		lineNo := i + 1

		if privateKeyPattern.MatchString(line) {
			report.CriticalIssues = append(report.CriticalIssues, Finding{
				File: path, Line: lineNo, Severity: SeverityCritical,
				Message: "private key block committed to source",
			})
		}
		if hardcodedKeyPattern.MatchString(line) {
			report.CriticalIssues = append(report.CriticalIssues, Finding{
				File: path, Line: lineNo, Severity: SeverityCritical,
				Message: "hardcoded API key/secret literal",
			})
		}
		if telegramTokenPattern.MatchString(line) {
			report.CriticalIssues = append(report.CriticalIssues, Finding{
				File: path, Line: lineNo, Severity: SeverityCritical,
				Message: "hardcoded telegram bot token",
			})
		}
		if suspiciousAssignment.MatchString(line) {
			report.Warnings = append(report.Warnings, Finding{
				File: path, Line: lineNo, Severity: SeverityWarning,
				Message: "suspicious literal assigned to a credential-named variable",
			})
		}
		if logsAPIResponse.MatchString(line) {
			report.Information = append(report.Information, Finding{
				File: path, Line: lineNo, Severity: SeverityInformation,
				Message: "logging call appears to render a raw API response",
			})
		}
	}

	return nil
}

func recommendationsFor(r *Report) []string {
	var recs []string
	if r.CriticalLeaks > 0 {
		recs = append(recs, "rotate every credential flagged as a critical leak before merging")
	}
	if r.WarningLeaks > 0 {
		recs = append(recs, "move credential-named literals into environment variables or a secrets manager")
	}
	if r.InfoNotes > 0 {
		recs = append(recs, "route API response logging through security.RenderAPIResponse instead of logging raw responses")
	}
	if len(recs) == 0 {
		recs = append(recs, "no issues found")
	}
	return recs
}
