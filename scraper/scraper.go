// Package scraper handles fetching and parsing the portal's substitution plan page.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sph-notifier/pkg/notifier"
	"sph-notifier/session"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// LookupLayout formats a date into the id suffix of the day's plan table.
const LookupLayout = "02012006"

// PlanPath is the substitution plan page relative to the portal root.
const PlanPath = "vertretungsplan.php"

// Page represents a parsed substitution plan for one day.
type Page struct {
	Entries    []notifier.PlanEntry
	TableFound bool
	Oversized  int // Rows with more cells than a PlanEntry holds
}

// StatusError indicates the portal answered a plan request with a non-OK status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsStatusError reports whether err carries a StatusError and returns its status code.
func IsStatusError(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode, true
	}
	return 0, false
}

// Scraper fetches and parses substitution plans.
type Scraper struct {
	client  *http.Client
	logger  *slog.Logger
	planURL string
}

// New creates a new scraper for the portal rooted at portalURL.
func New(client *http.Client, portalURL string, logger *slog.Logger) *Scraper {
	return &Scraper{
		client:  client,
		logger:  logger,
		planURL: strings.TrimSuffix(portalURL, "/") + "/" + PlanPath,
	}
}

// LookupID returns the identifier the portal embeds in the table id for date.
func LookupID(date time.Time) string {
	return date.Format(LookupLayout)
}

// Fetch returns the substitution entries published for date.
// A day without a plan table yields an empty slice and no error.
func (s *Scraper) Fetch(ctx context.Context, cred notifier.Credential, date time.Time) ([]notifier.PlanEntry, error) {
	body, err := s.fetchPlanPage(ctx, cred)
	if err != nil {
		return nil, err
	}

	page, err := parsePage(bytes.NewReader(body), date)
	if err != nil {
		s.logger.Error("Failed to parse HTML", "error", err)
		return nil, err
	}

	if !page.TableFound {
		s.logger.Info("No plan table for date", "lookup_id", LookupID(date))
	}
	if page.Oversized > 0 {
		s.logger.Warn("Plan rows with extra cells truncated",
			"rows", page.Oversized,
			"expected_cells", notifier.EntryFields)
	}

	s.logger.Info("Plan page parsed successfully",
		"lookup_id", LookupID(date),
		"entries_found", len(page.Entries))

	return page.Entries, nil
}

func (s *Scraper) fetchPlanPage(ctx context.Context, cred notifier.Credential) ([]byte, error) {
	var body []byte
	var statusErr *StatusError

	err := retry.Do(
		func() error {
			statusErr = nil
			s.logger.Info("HTTP request starting",
				"method", "GET",
				"url", s.planURL,
				"purpose", "fetch_plan_page")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.planURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "de-DE,de;q=0.9,en;q=0.8")
			for _, c := range session.Cookies(cred) {
				req.AddCookie(c)
			}

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", s.planURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("HTTP request completed",
				"url", s.planURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_length", resp.ContentLength)

			if resp.StatusCode != http.StatusOK {
				statusErr = &StatusError{URL: s.planURL, StatusCode: resp.StatusCode}
				if resp.StatusCode >= http.StatusInternalServerError {
					s.logger.Warn("HTTP request returned server error, will retry", "status_code", resp.StatusCode)
					return statusErr
				}
				return retry.Unrecoverable(statusErr)
			}

			body, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if statusErr != nil {
			return nil, fmt.Errorf("%w: fetch plan page: %w", notifier.ErrTransport, statusErr)
		}
		return nil, fmt.Errorf("%w: fetch plan page: %w", notifier.ErrTransport, err)
	}

	return body, nil
}

func parsePage(body io.Reader, date time.Time) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse plan page: %w", notifier.ErrParse, err)
	}

	page := &Page{}
	table := doc.Find("#vtable" + LookupID(date))
	if table.Length() == 0 {
		return page, nil
	}
	page.TableFound = true

	table.First().ChildrenFiltered("tbody").ChildrenFiltered("tr").Each(func(_ int, row *goquery.Selection) {
		// Direct cells only; a table nested in a cell stays part of that cell's text.
		cells := row.ChildrenFiltered("td")
		if cells.Length() == 0 {
			return
		}

		texts := make([]string, 0, notifier.EntryFields)
		cells.Each(func(_ int, cell *goquery.Selection) {
			texts = append(texts, strings.TrimSpace(cell.Text()))
		})
		if len(texts) > notifier.EntryFields {
			page.Oversized++
		}

		page.Entries = append(page.Entries, notifier.EntryFromCells(texts))
	})

	return page, nil
}
