package marketplace

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
)

type ReportType string

const (
	ReportMerchantListings ReportType = "GET_MERCHANT_LISTINGS_ALL_DATA"
	ReportOrders           ReportType = "GET_FLAT_FILE_ALL_ORDERS_DATA_BY_LAST_UPDATE_GENERAL"
	ReportOrderItems       ReportType = "GET_AMAZON_FULFILLED_SHIPMENTS_DATA_GENERAL"
)

type ReportStatus string

const (
	ReportInProgress ReportStatus = "IN_PROGRESS"
	ReportDone       ReportStatus = "DONE"
	ReportCancelled  ReportStatus = "CANCELLED"
	ReportFatal      ReportStatus = "FATAL"
)

type PollResult struct {
	Status     ReportStatus
	DocumentID string
}

const reportsPath = "/reports/2021-06-30"

type createReportRequest struct {
	ReportType     ReportType `json:"reportType"`
	MarketplaceIDs []string   `json:"marketplaceIds"`
	DataStartTime  string     `json:"dataStartTime"`
	DataEndTime    string     `json:"dataEndTime"`
}

type createReportResponse struct {
	ReportID string `json:"reportId"`
}

type reportResponse struct {
	ReportID         string `json:"reportId"`
	ProcessingStatus string `json:"processingStatus"`
	ReportDocumentID string `json:"reportDocumentId"`
}

type encryptionDetails struct {
	Standard             string `json:"standard"`
	InitializationVector string `json:"initializationVector"`
	Key                  string `json:"key"`
}

type documentResponse struct {
	ReportDocumentID     string             `json:"reportDocumentId"`
	URL                  string             `json:"url"`
	CompressionAlgorithm string             `json:"compressionAlgorithm"`
	EncryptionDetails    *encryptionDetails `json:"encryptionDetails,omitempty"`
}

// CreateReport requests a report covering [start, end].
func (c *Client) CreateReport(ctx context.Context, ac model.AccountContext, reportType ReportType, start, end time.Time) (string, error) {
	req := createReportRequest{
		ReportType:     reportType,
		MarketplaceIDs: []string{ac.Marketplace.MarketplaceID},
		DataStartTime:  start.UTC().Format(time.RFC3339),
		DataEndTime:    end.UTC().Format(time.RFC3339),
	}
	var resp createReportResponse
	if err := c.call(ctx, ac, "reports.create", http.MethodPost, reportsPath+"/reports", nil, req, &resp); err != nil {
		return "", err
	}
	if resp.ReportID == "" {
		return "", fmt.Errorf("reports.create: empty report id")
	}
	return resp.ReportID, nil
}

// PollReport reads the processing state of a report once.
func (c *Client) PollReport(ctx context.Context, ac model.AccountContext, reportID string) (PollResult, error) {
	var resp reportResponse
	path := reportsPath + "/reports/" + url.PathEscape(reportID)
	if err := c.call(ctx, ac, "reports.get", http.MethodGet, path, nil, nil, &resp); err != nil {
		return PollResult{}, err
	}
	switch strings.ToUpper(resp.ProcessingStatus) {
	case "DONE":
		return PollResult{Status: ReportDone, DocumentID: resp.ReportDocumentID}, nil
	case "CANCELLED":
		return PollResult{Status: ReportCancelled}, nil
	case "FATAL":
		return PollResult{Status: ReportFatal}, nil
	default:
		return PollResult{Status: ReportInProgress}, nil
	}
}

// DownloadReport fetches a report document and writes its decoded bytes
// to sink. It returns the number of bytes written. The raw document is
// spooled to disk first so a failed transfer can be retried from scratch
// and nothing is held in memory.
func (c *Client) DownloadReport(ctx context.Context, ac model.AccountContext, documentID string, sink io.Writer) (int64, error) {
	var doc documentResponse
	path := reportsPath + "/documents/" + url.PathEscape(documentID)
	if err := c.call(ctx, ac, "reports.document", http.MethodGet, path, nil, nil, &doc); err != nil {
		return 0, err
	}
	if doc.URL == "" {
		return 0, fmt.Errorf("reports.document %s: no download url", documentID)
	}

	spool, err := os.CreateTemp(c.cfg.SpoolDir, "document-*")
	if err != nil {
		return 0, fmt.Errorf("spool document %s: %w", documentID, err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	err = c.withRetry(ctx, ac.Account.ID, "reports.download", c.cfg.DownloadTimeout, func(ctx context.Context) error {
		return c.fetchDocument(ctx, doc.URL, documentID, spool)
	})
	if err != nil {
		return 0, err
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	var r io.Reader = bufio.NewReader(spool)
	if doc.EncryptionDetails != nil && doc.EncryptionDetails.Key != "" {
		if r, err = newDecryptReader(doc.EncryptionDetails, r); err != nil {
			return 0, fmt.Errorf("decrypt document %s: %w", documentID, err)
		}
	}
	if strings.EqualFold(doc.CompressionAlgorithm, "GZIP") {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return 0, fmt.Errorf("open gzip stream %s: %w", documentID, err)
		}
		defer zr.Close()
		r = zr
	}
	n, err := io.Copy(sink, r)
	if err != nil {
		return n, fmt.Errorf("decode document %s: %w", documentID, err)
	}
	return n, nil
}

// fetchDocument streams one download attempt into spool, replacing
// whatever an earlier attempt left there.
func (c *Client) fetchDocument(ctx context.Context, target, documentID string, spool *os.File) error {
	if err := spool.Truncate(0); err != nil {
		return err
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, "reports.download")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch status := resp.StatusCode; {
	case status >= 200 && status < 300:
		if _, err := io.Copy(spool, resp.Body); err != nil {
			return &appErrors.TransientError{Op: "reports.download", StatusCode: status, Err: err}
		}
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return &appErrors.TransientError{
			Op:         "reports.download",
			StatusCode: status,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("document %s", documentID),
		}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Op: "reports.download", StatusCode: status, Body: truncate(string(body), 512)}
	}
}
