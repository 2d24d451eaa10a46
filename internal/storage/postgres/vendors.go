package postgres

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/vendor-discovery/internal/discovery"
)

// StageVendor inserts a staged vendor. The (job, normalized name) unique
// constraint surfaces as discovery.ErrDuplicateVendor.
func (s *Store) StageVendor(ctx context.Context, vendor discovery.StagedVendor) error {
	if vendor.NormalizedName == "" {
		vendor.NormalizedName = discovery.NormalizeName(vendor.Name)
	}
	if vendor.Status == "" {
		vendor.Status = discovery.VendorStatusStaged
	}
	if vendor.WebsiteVerified == "" {
		vendor.WebsiteVerified = discovery.WebsitePending
	}
	categories := vendor.Categories
	if categories == nil {
		categories = []string{}
	}
	const query = `
INSERT INTO staged_vendors (
	id, discovery_job_id, name, normalized_name, location, phone, email, website,
	categories, notes, status, duplicate_of_vendor_id, website_verified,
	website_checked_at, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err := s.pool.Exec(ctx, query,
		vendor.ID,
		vendor.DiscoveryJobID,
		vendor.Name,
		vendor.NormalizedName,
		vendor.Location,
		vendor.Phone,
		vendor.Email,
		vendor.Website,
		categories,
		vendor.Notes,
		string(vendor.Status),
		vendor.DuplicateOfVendorID,
		string(vendor.WebsiteVerified),
		vendor.WebsiteCheckedAt,
		vendor.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(discovery.ErrDuplicateVendor, "%q", vendor.NormalizedName)
		}
		return errors.Wrapf(err, "insert staged vendor %s", vendor.ID)
	}
	return nil
}

// ListStagedVendors returns a job's vendors in insertion order.
func (s *Store) ListStagedVendors(ctx context.Context, jobID string) ([]discovery.StagedVendor, error) {
	const query = `
SELECT id, discovery_job_id, name, normalized_name, location, phone, email, website,
	categories, notes, status, duplicate_of_vendor_id, website_verified,
	website_checked_at, created_at
FROM staged_vendors
WHERE discovery_job_id = $1
ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "list staged vendors for job %s", jobID)
	}
	defer rows.Close()

	vendors := make([]discovery.StagedVendor, 0)
	for rows.Next() {
		var v discovery.StagedVendor
		if err := rows.Scan(
			&v.ID,
			&v.DiscoveryJobID,
			&v.Name,
			&v.NormalizedName,
			&v.Location,
			&v.Phone,
			&v.Email,
			&v.Website,
			&v.Categories,
			&v.Notes,
			&v.Status,
			&v.DuplicateOfVendorID,
			&v.WebsiteVerified,
			&v.WebsiteCheckedAt,
			&v.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan staged vendor row")
		}
		vendors = append(vendors, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate staged vendors")
	}
	return vendors, nil
}

// UpdateWebsiteStatus records a website verification outcome.
func (s *Store) UpdateWebsiteStatus(
	ctx context.Context,
	vendorID string,
	status discovery.WebsiteStatus,
	checkedAt time.Time,
) error {
	const query = `
UPDATE staged_vendors
SET website_verified = $2, website_checked_at = $3
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, vendorID, string(status), checkedAt)
	if err != nil {
		return errors.Wrapf(err, "update website status for vendor %s", vendorID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(discovery.ErrNotFound, "vendor %s", vendorID)
	}
	return nil
}

// FindOnboardedVendor looks up a platform vendor by normalized name.
func (s *Store) FindOnboardedVendor(
	ctx context.Context,
	normalizedName string,
) (discovery.OnboardedVendor, bool, error) {
	const query = `
SELECT id, name
FROM vendors
WHERE lower(btrim(name)) = $1
ORDER BY id
LIMIT 1`
	var v discovery.OnboardedVendor
	err := s.pool.QueryRow(ctx, query, normalizedName).Scan(&v.ID, &v.Name)
	if err != nil {
		if nf := notFound(err, "vendor %q", normalizedName); nf != nil {
			return discovery.OnboardedVendor{}, false, nil
		}
		return discovery.OnboardedVendor{}, false, errors.Wrap(err, "find onboarded vendor")
	}
	return v, true, nil
}

// ListOnboardedVendorNames returns up to limit onboarded names in name order.
func (s *Store) ListOnboardedVendorNames(ctx context.Context, limit int) ([]string, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := s.pool.Query(ctx, `SELECT name FROM vendors ORDER BY name LIMIT NULLIF($1, 0)`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list onboarded vendor names")
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scan vendor name")
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate vendor names")
	}
	return names, nil
}
