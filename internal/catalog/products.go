package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Products is the catalog_products table.
type Products struct {
	db     *sql.DB
	dbName string
	now    func() time.Time
}

// NewProducts returns a Products on db. dbName qualifies the table when set.
func NewProducts(db *sql.DB, dbName string) *Products {
	return &Products{
		db:     db,
		dbName: dbName,
		now:    func() time.Time { return time.Now().UTC().Round(time.Microsecond) },
	}
}

func (p *Products) table() string {
	if p.dbName == "" {
		return "catalog_products"
	}
	return p.dbName + ".catalog_products"
}

// Upsert inserts or updates products by (catalog_id, code) in one
// transaction and returns how many rows were written.
func (p *Products) Upsert(ctx context.Context, catalogID int64, products []Product) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := p.now()
	for _, prod := range products {
		attrs, err := encodeAttributes(prod.Attributes)
		if err != nil {
			return 0, err
		}
		var id int64
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM `+p.table()+` WHERE catalog_id = ? AND code = ?`, catalogID, prod.Code).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO `+p.table()+` (catalog_id, code, description, ncm, attributes, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
				catalogID, prod.Code, prod.Description, prod.NCM, attrs, now)
		case err == nil:
			_, err = tx.ExecContext(ctx,
				`UPDATE `+p.table()+` SET description = ?, ncm = ?, attributes = ?, updated_at = ? WHERE id = ?`,
				prod.Description, prod.NCM, attrs, now, id)
		}
		if err != nil {
			return 0, fmt.Errorf("upsert product %q: %w", prod.Code, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return len(products), nil
}

// List returns the products of a catalog ordered by code. A non-empty codes
// list restricts the result to those codes.
func (p *Products) List(ctx context.Context, catalogID int64, codes []string) ([]Product, error) {
	query := `SELECT id, catalog_id, code, description, ncm, attributes FROM ` + p.table() + ` WHERE catalog_id = ?`
	args := []any{catalogID}
	if len(codes) > 0 {
		query += ` AND code IN (?` + strings.Repeat(", ?", len(codes)-1) + `)`
		for _, c := range codes {
			args = append(args, c)
		}
	}
	query += ` ORDER BY code`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var (
			prod  Product
			attrs string
		)
		if err := rows.Scan(&prod.ID, &prod.CatalogID, &prod.Code, &prod.Description, &prod.NCM, &attrs); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &prod.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of product %q: %w", prod.Code, err)
		}
		out = append(out, prod)
	}
	return out, rows.Err()
}

// SetAttribute sets attr to value on the selected products of a catalog and
// returns how many were updated.
func (p *Products) SetAttribute(ctx context.Context, catalogID int64, codes []string, attr, value string) (int, error) {
	products, err := p.List(ctx, catalogID, codes)
	if err != nil {
		return 0, err
	}
	for i := range products {
		if products[i].Attributes == nil {
			products[i].Attributes = make(map[string]string)
		}
		products[i].Attributes[attr] = value
	}
	return p.Upsert(ctx, catalogID, products)
}

func encodeAttributes(attrs map[string]string) (string, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(b), nil
}
