package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"doctracker/constants"
	"doctracker/internal/repository"
)

// Service is a tiny façade over the ledger that produces XLSX bytes for
// exports.
type Service struct {
	versionsRepo repository.FileVersionRepository
	logger       *slog.Logger
}

func NewService(versionsRepo repository.FileVersionRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{versionsRepo: versionsRepo, logger: logger}
}

// ExportVersionsXLSX returns an XLSX workbook (as bytes) listing ledger
// rows. Pass an empty status or "all" to include every status. A
// non-zero from/to bounds the rows by modification date (inclusive).
func (s *Service) ExportVersionsXLSX(ctx context.Context, status string, from, to time.Time) ([]byte, error) {
	start := time.Now()

	var rows []*repository.FileVersion
	statuses := constants.VersionStatuses
	if status != "" && status != "all" {
		if !constants.IsValidVersionStatus(status) {
			return nil, fmt.Errorf("unknown status %q", status)
		}
		statuses = []constants.VersionStatus{constants.VersionStatus(status)}
	}
	for _, st := range statuses {
		part, err := s.versionsRepo.ListByStatus(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("query ledger: %w", err)
		}
		for _, r := range part {
			if !from.IsZero() && r.ModificationDate.Before(from) {
				continue
			}
			if !to.IsZero() && r.ModificationDate.After(to) {
				continue
			}
			rows = append(rows, r)
		}
	}

	f := excelize.NewFile()
	const sheet = "FileVersions"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)
	_ = f.DeleteSheet("Sheet1")

	headers := []string{
		"File Path",
		"Fingerprint",
		"Size (MB)",
		"Modified",
		"Uploaded",
		"Status",
		"Last Updated",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	rowIdx := 2
	for _, r := range rows {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, rowIdx)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, r.FilePath)
		write(2, r.Fingerprint)
		write(3, fmt.Sprintf("%.2f", r.FileSizeMB))
		if !r.ModificationDate.IsZero() {
			write(4, r.ModificationDate.Format("2006-01-02 15:04:05"))
		} else {
			write(4, "")
		}
		write(5, r.UploadDate.Format("2006-01-02 15:04:05"))
		write(6, string(r.Status))
		write(7, r.UpdatedAt.Format("2006-01-02 15:04:05"))
		rowIdx++
	}

	// Widen a few columns
	_ = f.SetColWidth(sheet, "A", "A", 60) // path
	_ = f.SetColWidth(sheet, "B", "B", 34) // fingerprint
	_ = f.SetColWidth(sheet, "D", "E", 20) // timestamps
	_ = f.SetColWidth(sheet, "G", "G", 20)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}

	s.logger.Info("exported ledger to xlsx",
		"rows", len(rows),
		"bytes", buf.Len(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}
