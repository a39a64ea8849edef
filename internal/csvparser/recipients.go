package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultMaxRows caps an upload when the caller passes no limit.
const DefaultMaxRows = 10000

var (
	ErrNoEmailColumn = errors.New("csv must contain an Email column")
	ErrNoRecipients  = errors.New("csv must contain at least one recipient")
)

// Upload is the recipient list read from a CSV file.
type Upload struct {
	Recipients []string
	// Skipped counts rows dropped for a wrong column count or a blank email.
	Skipped int
	// Truncated is set when rows beyond maxRows were ignored.
	Truncated bool
}

// ParseRecipients reads a CSV whose header row has an "Email" column
// (case-insensitive) and returns its addresses in file order. Other columns
// are ignored. Address validation is left to job intake.
func ParseRecipients(r io.Reader, maxRows int) (*Upload, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoRecipients
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	emailIdx := -1
	for i, h := range headers {
		h = strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")
		if strings.EqualFold(h, "email") {
			emailIdx = i
			break
		}
	}
	if emailIdx == -1 {
		return nil, ErrNoEmailColumn
	}

	up := &Upload{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if len(up.Recipients) == maxRows {
			up.Truncated = true
			break
		}
		if len(record) != len(headers) {
			up.Skipped++
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			up.Skipped++
			continue
		}
		up.Recipients = append(up.Recipients, email)
	}

	if len(up.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	return up, nil
}
