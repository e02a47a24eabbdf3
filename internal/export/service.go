package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hfujisawa/foamrun/internal/repository"
)

// Service is a tiny façade over the job repository that produces XLSX bytes
// for history exports.
type Service struct {
	jobs   repository.JobRepository
	logger *slog.Logger
}

func NewService(jobs repository.JobRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, logger: logger}
}

// ExportJobsXLSX returns an XLSX workbook (as bytes) for the jobs matching
// the filter: one row per job, ordered by creation time.
func (s *Service) ExportJobsXLSX(ctx context.Context, filter repository.JobFilter) ([]byte, error) {
	start := time.Now()

	jobs, err := s.jobs.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Jobs"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		_, err := f.NewSheet(sheet)
		if err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Created",
		"Job ID",
		"Command",
		"Case Directory",
		"Status",
		"Started",
		"Finished",
		"Duration",
		"Message",
		"Result",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, j := range jobs {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		// Command cell holds the full invocation, the way it would be typed.
		cmdline := j.Command
		if len(j.Args) > 0 {
			cmdline += " " + strings.Join(j.Args, " ")
		}

		duration := ""
		if j.StartedAt != nil && j.FinishedAt != nil {
			duration = j.FinishedAt.Sub(*j.StartedAt).Round(time.Second).String()
		}

		result := ""
		if j.Result != nil {
			result = *j.Result
		}

		write(1, fmtTimestamp(j.CreatedAt))
		write(2, j.ID.String())
		write(3, truncate(cmdline, 140))
		write(4, j.CaseDir)
		write(5, string(j.Status))
		write(6, fmtTimestampPtr(j.StartedAt))
		write(7, fmtTimestampPtr(j.FinishedAt))
		write(8, duration)
		write(9, truncate(j.Message, 140))
		write(10, truncate(result, 140))

		row++
	}

	// Widen a few columns
	_ = f.SetColWidth(sheet, "A", "A", 20) // created
	_ = f.SetColWidth(sheet, "B", "B", 38) // uuid
	_ = f.SetColWidth(sheet, "C", "C", 32) // command
	_ = f.SetColWidth(sheet, "D", "D", 48) // case dir
	_ = f.SetColWidth(sheet, "E", "E", 18) // status
	_ = f.SetColWidth(sheet, "F", "H", 20) // times
	_ = f.SetColWidth(sheet, "I", "J", 48) // message, result

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", len(jobs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func fmtTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func fmtTimestampPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmtTimestamp(*t)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
