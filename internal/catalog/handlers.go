package catalog

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/sky93/jobflow"
)

var ncmPattern = regexp.MustCompile(`^\d{8}$`)

// importSpreadsheet reads the attached CSV and upserts its rows. The header
// must name code, description and ncm; any other column becomes an attribute.
func (s *Service) importSpreadsheet(ctx context.Context, t *jobflow.Task, p ImportPayload) error {
	body, err := s.openFile(ctx, t.File)
	if err != nil {
		return err
	}
	defer body.Close()

	r := csv.NewReader(body)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, req := range []string{"code", "description", "ncm"} {
		if _, ok := cols[req]; !ok {
			return fmt.Errorf("spreadsheet is missing the %q column", req)
		}
	}

	var (
		batch []Product
		total int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.products.Upsert(ctx, p.CatalogID, batch)
		if err != nil {
			return err
		}
		total += n
		batch = batch[:0]
		t.Heartbeat()
		return nil
	}

	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		prod := Product{
			CatalogID:   p.CatalogID,
			Code:        strings.TrimSpace(rec[cols["code"]]),
			Description: strings.TrimSpace(rec[cols["description"]]),
			NCM:         strings.TrimSpace(rec[cols["ncm"]]),
			Attributes:  make(map[string]string),
		}
		if prod.Code == "" {
			return fmt.Errorf("line %d: empty code", line)
		}
		for name, i := range cols {
			switch name {
			case "code", "description", "ncm":
				continue
			}
			if v := strings.TrimSpace(rec[i]); v != "" {
				prod.Attributes[name] = v
			}
		}
		batch = append(batch, prod)
		if len(batch) >= s.opts.HeartbeatEvery {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	s.opts.Logger.Info("spreadsheet imported", "job_id", t.Job.ID, "catalog_id", p.CatalogID, "products", total)
	return s.records.Note(ctx, t.Job.ID, fmt.Sprintf("imported %d products", total))
}

// openFile returns the attached file's content: inline bytes, or an HTTP(S)
// blob reference fetched with the service client.
func (s *Service) openFile(ctx context.Context, f *jobflow.File) (io.ReadCloser, error) {
	switch {
	case f == nil:
		return nil, errors.New("no file attached")
	case f.Expired(s.now()):
		return nil, fmt.Errorf("attached file %s expired", f.Name)
	case len(f.Content) > 0:
		return io.NopCloser(bytes.NewReader(f.Content)), nil
	case strings.HasPrefix(f.BlobRef, "http://"), strings.HasPrefix(f.BlobRef, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BlobRef, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.opts.Client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", f.Name, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("fetch %s: unexpected status %d", f.Name, resp.StatusCode)
		}
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("attached file %s has no content", f.Name)
	}
}

// exportCatalog writes the catalog's products to a CSV file in ExportDir.
func (s *Service) exportCatalog(ctx context.Context, t *jobflow.Task, p ExportPayload) error {
	products, err := s.products.List(ctx, p.CatalogID, nil)
	if err != nil {
		return err
	}

	attrSet := make(map[string]struct{})
	for _, prod := range products {
		for k := range prod.Attributes {
			attrSet[k] = struct{}{}
		}
	}
	attrs := slices.Sorted(maps.Keys(attrSet))

	if err := os.MkdirAll(s.opts.ExportDir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(s.opts.ExportDir, fmt.Sprintf("catalog-%d-job-%d.csv", p.CatalogID, t.Job.ID))
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer out.Close()

	w := csv.NewWriter(out)
	if err := w.Write(append([]string{"code", "description", "ncm"}, attrs...)); err != nil {
		return err
	}
	for _, prod := range products {
		row := []string{prod.Code, prod.Description, prod.NCM}
		for _, a := range attrs {
			row = append(row, prod.Attributes[a])
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write export file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close export file: %w", err)
	}

	return s.records.Note(ctx, t.Job.ID, path)
}

// verifyStructure checks every product of the catalog for a description and
// an eight-digit NCM code. Problems are reported on the record; they do not
// fail the job.
func (s *Service) verifyStructure(ctx context.Context, t *jobflow.Task, p VerifyPayload) error {
	products, err := s.products.List(ctx, p.CatalogID, nil)
	if err != nil {
		return err
	}
	if len(products) == 0 {
		return fmt.Errorf("catalog %d has no products", p.CatalogID)
	}

	var problems []string
	for _, prod := range products {
		if prod.Description == "" {
			problems = append(problems, prod.Code+": missing description")
		}
		if !ncmPattern.MatchString(prod.NCM) {
			problems = append(problems, fmt.Sprintf("%s: invalid NCM %q", prod.Code, prod.NCM))
		}
	}

	detail := fmt.Sprintf("verified %d products, %d problems", len(products), len(problems))
	if len(problems) > 0 {
		detail += ": " + strings.Join(problems, "; ")
	}
	return s.records.Note(ctx, t.Job.ID, detail)
}

func (s *Service) massAttributeFill(ctx context.Context, t *jobflow.Task, p FillPayload) error {
	if p.Attribute == "" {
		return errors.New("attribute name is required")
	}
	n, err := s.products.SetAttribute(ctx, p.CatalogID, p.Codes, p.Attribute, p.Value)
	if err != nil {
		return err
	}
	t.Heartbeat()
	return s.records.Note(ctx, t.Job.ID, fmt.Sprintf("set %s on %d products", p.Attribute, n))
}

type transmissionRequest struct {
	CatalogID int64     `json:"catalog_id"`
	Products  []Product `json:"products"`
}

// transmit posts the selected products to SISCOMEX. Any non-2xx answer fails
// the attempt.
func (s *Service) transmit(ctx context.Context, t *jobflow.Task, p TransmissionPayload) error {
	products, err := s.products.List(ctx, p.CatalogID, p.Codes)
	if err != nil {
		return err
	}
	if len(products) == 0 {
		return fmt.Errorf("catalog %d has no products to transmit", p.CatalogID)
	}

	body, err := json.Marshal(transmissionRequest{CatalogID: p.CatalogID, Products: products})
	if err != nil {
		return err
	}
	url := strings.TrimRight(s.opts.SiscomexURL, "/") + "/produtos"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	t.Heartbeat()
	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("transmit to siscomex: %w", err)
	}
	defer resp.Body.Close()

	answer, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("read siscomex response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("siscomex answered %d: %s", resp.StatusCode, strings.TrimSpace(string(answer)))
	}

	s.opts.Logger.Info("products transmitted", "job_id", t.Job.ID, "catalog_id", p.CatalogID, "products", len(products))
	return s.records.Note(ctx, t.Job.ID, fmt.Sprintf("transmitted %d products: %s", len(products), strings.TrimSpace(string(answer))))
}
