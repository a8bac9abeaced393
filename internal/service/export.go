package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

var exportHeader = []string{
	"order_id",
	"marketplace",
	"shop",
	"product",
	"sku",
	"quantity",
	"order_total",
	"supplier_sku_id",
	"supplier_marketplace",
	"supplier_price",
	"supplier_points",
	"domestic_shipping",
	"estimated_ship_days",
	"expected_profit",
	"status",
	"reasons",
	"error_message",
}

const defaultMultipartFrom = 16 << 20

// WriteNonFulfilledCSV writes the candidates of orgID that have not been
// bought as CSV, one row per candidate in the given order.
func WriteNonFulfilledCSV(w io.Writer, orgID string, cands []domain.Candidate) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return 0, fmt.Errorf("export: header: %w", err)
	}

	rows := 0
	for _, c := range cands {
		if c.OrgID != orgID || c.Status == domain.StatusSucceeded {
			continue
		}
		if err := cw.Write(exportRow(c)); err != nil {
			return rows, fmt.Errorf("export: row %s: %w", c.ID, err)
		}
		rows++
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return rows, fmt.Errorf("export: flush: %w", err)
	}
	return rows, nil
}

func exportRow(c domain.Candidate) []string {
	reasons := make([]string, len(c.Reasons))
	for i, r := range c.Reasons {
		reasons[i] = string(r)
	}
	return []string{
		c.MarketplaceOrderID,
		c.Marketplace,
		c.ShopID,
		c.ProductName,
		c.SKU,
		strconv.Itoa(c.Quantity),
		c.OrderTotal.String(),
		c.SupplierSKUID,
		c.SupplierMarketplace,
		c.SupplierPrice.String(),
		c.SupplierPoints.String(),
		c.DomesticShippingFee.String(),
		strconv.Itoa(c.EstimatedShipDays),
		c.ExpectedProfit.String(),
		string(c.Status),
		strings.Join(reasons, ";"),
		c.ErrorMessage,
	}
}

// ExportNonFulfilled writes every stored candidate of orgID that has not
// been bought to w as CSV.
func (s *CandidateService) ExportNonFulfilled(ctx context.Context, orgID string, w io.Writer) (int, error) {
	cands, err := s.candidates.List(ctx, orgID, domain.CandidateFilter{
		Statuses: []domain.CandidateStatus{
			domain.StatusPendingEval,
			domain.StatusEligible,
			domain.StatusSkipped,
			domain.StatusQueued,
			domain.StatusInProgress,
			domain.StatusFailed,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("candidate_service: export %s: %w", orgID, err)
	}
	return WriteNonFulfilledCSV(w, orgID, cands)
}

// StoreExport writes the non-fulfilled export of orgID to blob storage and
// returns its path.
func (s *CandidateService) StoreExport(ctx context.Context, orgID string) (string, error) {
	if s.exports == nil {
		return "", ErrNoBlobStorage
	}

	var buf bytes.Buffer
	rows, err := s.ExportNonFulfilled(ctx, orgID, &buf)
	if err != nil {
		return "", err
	}
	p := path.Join(s.cfg.ExportPrefix, orgID, s.now().Format("20060102T150405Z")+".csv")
	threshold := s.multipartFrom
	if threshold <= 0 {
		threshold = defaultMultipartFrom
	}
	if buf.Len() >= threshold {
		err = s.exports.PutMultipart(ctx, p, &buf, int64(threshold))
	} else {
		err = s.exports.Put(ctx, p, &buf, "text/csv")
	}
	if err != nil {
		return "", fmt.Errorf("candidate_service: store export %s: %w", orgID, err)
	}

	s.logger.InfoContext(ctx, "export stored",
		slog.String("org_id", orgID),
		slog.String("path", p),
		slog.Int("rows", rows),
	)
	return p, nil
}

// ExportFile is a previously stored export.
type ExportFile struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	URL       string    `json:"url,omitempty"`
}

// WithExportReader enables listing and downloading stored exports.
func (s *CandidateService) WithExportReader(r domain.BlobReader) *CandidateService {
	s.stored = r
	return s
}

func (s *CandidateService) exportDir(orgID string) string {
	return path.Join(s.cfg.ExportPrefix, orgID) + "/"
}

// ListExports returns orgID's stored exports, newest first, each with a
// presigned download link.
func (s *CandidateService) ListExports(ctx context.Context, orgID string) ([]ExportFile, error) {
	if s.stored == nil {
		return nil, ErrNoBlobStorage
	}
	infos, err := s.stored.List(ctx, s.exportDir(orgID))
	if err != nil {
		return nil, fmt.Errorf("candidate_service: list exports %s: %w", orgID, err)
	}

	out := make([]ExportFile, 0, len(infos))
	for _, info := range infos {
		name := path.Base(info.Path)
		if !strings.HasSuffix(name, ".csv") {
			continue
		}
		f := ExportFile{Name: name, Size: info.Size, CreatedAt: info.LastModified}
		if url, err := s.stored.PresignGet(ctx, info.Path, s.cfg.LinkTTL); err == nil {
			f.URL = url
		} else {
			s.logger.WarnContext(ctx, "presign export failed",
				slog.String("path", info.Path),
				slog.String("error", err.Error()),
			)
		}
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b ExportFile) int { return strings.Compare(b.Name, a.Name) })
	return out, nil
}

// OpenExport returns the body of one of orgID's stored exports. The caller
// closes it.
func (s *CandidateService) OpenExport(ctx context.Context, orgID, name string) (io.ReadCloser, error) {
	if s.stored == nil {
		return nil, ErrNoBlobStorage
	}
	if name == "" || name != path.Base(name) || !strings.HasSuffix(name, ".csv") {
		return nil, fmt.Errorf("candidate_service: export %q: %w", name, domain.ErrNotFound)
	}
	body, err := s.stored.Get(ctx, s.exportDir(orgID)+name)
	if err != nil {
		return nil, fmt.Errorf("candidate_service: open export %s/%s: %w", orgID, name, err)
	}
	return body, nil
}
