package faq

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"gopkg.in/yaml.v3"
)

// maxImportBytes caps a single import document.
const maxImportBytes = 20 << 20

// ErrInvalidDocument wraps parse failures of an import document.
var ErrInvalidDocument = errors.New("invalid import document")

// ImportSkip is an entry that was not added.
type ImportSkip struct {
	Question string `json:"question"`
	Reason   string `json:"reason"`
	// DuplicateOf is the best matching existing FAQ for duplicate skips.
	DuplicateOf string  `json:"duplicate_of,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

type ImportReport struct {
	Added   int          `json:"added"`
	Skipped []ImportSkip `json:"skipped"`
}

// ImportYAML adds entries from a YAML list of {question, answer, category,
// keywords}. Duplicates and invalid entries are reported, not fatal.
func (s *Service) ImportYAML(ctx context.Context, r io.Reader, force bool) (ImportReport, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxImportBytes))
	if err != nil {
		return ImportReport{}, fmt.Errorf("reading yaml: %w", err)
	}
	var entries []Input
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return ImportReport{}, fmt.Errorf("%w: parsing yaml: %v", ErrInvalidDocument, err)
	}
	return s.importEntries(ctx, entries, force)
}

// ImportPDF extracts Q:/A: blocks from the plain text of a PDF and adds them.
func (s *Service) ImportPDF(ctx context.Context, r io.Reader, category string, force bool) (ImportReport, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxImportBytes))
	if err != nil {
		return ImportReport{}, fmt.Errorf("reading pdf: %w", err)
	}
	doc, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return ImportReport{}, fmt.Errorf("%w: opening pdf: %v", ErrInvalidDocument, err)
	}
	text, err := doc.GetPlainText()
	if err != nil {
		return ImportReport{}, fmt.Errorf("%w: extracting pdf text: %v", ErrInvalidDocument, err)
	}
	entries, err := ParseQA(text)
	if err != nil {
		return ImportReport{}, err
	}
	for i := range entries {
		entries[i].Category = category
	}
	return s.importEntries(ctx, entries, force)
}

func (s *Service) importEntries(ctx context.Context, entries []Input, force bool) (ImportReport, error) {
	report := ImportReport{Skipped: []ImportSkip{}}
	for _, in := range entries {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res, err := s.Add(ctx, in, force)
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			report.Skipped = append(report.Skipped, ImportSkip{Question: in.Question, Reason: verr.Error()})
		case err != nil:
			return report, fmt.Errorf("importing %q: %w", in.Question, err)
		case res.Duplicate:
			best := res.Candidates[0]
			report.Skipped = append(report.Skipped, ImportSkip{
				Question:    in.Question,
				Reason:      "duplicate",
				DuplicateOf: best.FAQ.ID,
				Score:       best.Score,
			})
		default:
			report.Added++
		}
	}
	s.logger.Info("faq import finished", "added", report.Added, "skipped", len(report.Skipped))
	return report, nil
}

// ParseQA splits text into entries. Each entry starts with a line beginning
// "Q:"; lines up to the first "A:" line continue the question and the rest
// up to the next "Q:" form the answer.
func ParseQA(r io.Reader) ([]Input, error) {
	var (
		out      []Input
		cur      *Input
		inAnswer bool
	)
	flush := func() {
		if cur != nil {
			cur.Question = strings.TrimSpace(cur.Question)
			cur.Answer = strings.TrimSpace(cur.Answer)
			if cur.Question != "" && cur.Answer != "" {
				out = append(out, *cur)
			}
		}
		cur, inAnswer = nil, false
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case hasPrefixFold(line, "Q:"):
			flush()
			cur = &Input{Question: line[2:]}
		case cur != nil && !inAnswer && hasPrefixFold(line, "A:"):
			inAnswer = true
			cur.Answer = line[2:]
		case cur == nil || line == "":
			if inAnswer && line == "" {
				cur.Answer += "\n"
			}
		case inAnswer:
			cur.Answer += "\n" + line
		default:
			cur.Question += " " + line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading text: %w", err)
	}
	flush()
	return out, nil
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
