package syncjob

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/vipul43/connsync/internal/models"
)

// DefaultSheetRange reads every column through Z of the first sheet
const DefaultSheetRange = "A:Z"

// SheetsPuller reads a spreadsheet's values. The first row is the header;
// blank rows are skipped.
type SheetsPuller struct {
	readRange string
	opts      []option.ClientOption
}

func NewSheetsPuller(readRange string, opts ...option.ClientOption) *SheetsPuller {
	if readRange == "" {
		readRange = DefaultSheetRange
	}
	return &SheetsPuller{readRange: readRange, opts: opts}
}

func (s *SheetsPuller) Pull(ctx context.Context, accessToken string, op *models.SyncOperation) (models.SyncCounters, error) {
	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}

	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(token))}, s.opts...)
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return models.SyncCounters{}, fmt.Errorf("failed to create Sheets service: %w", err)
	}

	resp, err := svc.Spreadsheets.Values.Get(op.ResourceID, s.readRange).Context(ctx).Do()
	if err != nil {
		return models.SyncCounters{}, fmt.Errorf("failed to read spreadsheet %s: %w", op.ResourceID, err)
	}

	return countRows(resp.Values), nil
}

func countRows(values [][]interface{}) models.SyncCounters {
	var counters models.SyncCounters
	if len(values) <= 1 {
		return counters
	}

	for _, row := range values[1:] {
		counters.Processed++
		if isBlankRow(row) {
			counters.Skipped++
			continue
		}
		counters.Created++
	}
	return counters
}

func isBlankRow(row []interface{}) bool {
	for _, cell := range row {
		if s, ok := cell.(string); !ok || s != "" {
			return false
		}
	}
	return true
}
