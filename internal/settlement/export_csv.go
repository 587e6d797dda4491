package settlement

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotafood/rotafood/internal/delivery"
)

const (
	csvFlushEvery = 200
	csvBufferSize = 32 * 1024
)

type csvStreamer struct {
	buf          *bufio.Writer
	csv          *csv.Writer
	flushEvery   int
	pendingLines int
}

func newCSVStreamer(w io.Writer) *csvStreamer {
	buf := bufio.NewWriterSize(w, csvBufferSize)
	writer := csv.NewWriter(buf)
	writer.UseCRLF = true
	return &csvStreamer{buf: buf, csv: writer, flushEvery: csvFlushEvery}
}

func (s *csvStreamer) writeComment(line string) error {
	line = strings.TrimSuffix(line, "\n")
	if !strings.HasSuffix(line, "\r") {
		line += "\r"
	}
	_, err := s.buf.WriteString(line + "\n")
	return err
}

func (s *csvStreamer) writeRow(row []string) error {
	if err := s.csv.Write(row); err != nil {
		return err
	}
	s.pendingLines++
	if s.flushEvery > 0 && s.pendingLines >= s.flushEvery {
		return s.Flush()
	}
	return nil
}

func (s *csvStreamer) Flush() error {
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	s.pendingLines = 0
	return nil
}

// WriteSettlementsCSV streams a driver's payout history followed by the open cycle.
func WriteSettlementsCSV(w io.Writer, driver delivery.Driver, history []Settlement, open Breakdown, generatedAt time.Time) error {
	streamer := newCSVStreamer(w)
	if err := streamer.writeComment(fmt.Sprintf("# Driver: %s (%s)", driver.Name, driver.ID)); err != nil {
		return err
	}
	if err := streamer.writeComment(fmt.Sprintf("# Payment: %s @ %s | Generated: %s",
		driver.PaymentModel, driver.PaymentRate.StringFixed(2), generatedAt.UTC().Format(time.RFC3339))); err != nil {
		return err
	}
	if err := streamer.writeRow([]string{
		"Settlement ID", "Period Start", "Period End", "Deliveries", "Gross", "Debits", "Net", "Model", "Rate", "Created By",
	}); err != nil {
		return err
	}
	for _, s := range history {
		if err := streamer.writeRow([]string{
			s.ID,
			formatTime(s.PeriodStart),
			formatTime(s.PeriodEnd),
			strconv.Itoa(s.DeliveryCount),
			s.Gross.StringFixed(2),
			s.TotalDebits.StringFixed(2),
			s.Net.StringFixed(2),
			string(s.PaymentModel),
			s.PaymentRate.StringFixed(2),
			s.CreatedBy,
		}); err != nil {
			return err
		}
	}
	if err := streamer.writeRow([]string{
		"OPEN",
		formatTime(open.PeriodStart),
		"",
		strconv.Itoa(open.DeliveryCount),
		open.Gross.StringFixed(2),
		open.TotalDebits.StringFixed(2),
		open.Net.StringFixed(2),
		string(open.PaymentModel),
		open.PaymentRate.StringFixed(2),
		"",
	}); err != nil {
		return err
	}
	return streamer.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
