package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"circulation-service/internal/models"
	"circulation-service/internal/store"
	"circulation-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// LocationResolver maps shelf descriptions to durable location ids
type LocationResolver struct {
	*core
}

// EnsureRequest describes one shelf place
type EnsureRequest struct {
	FloorNumber int    `json:"floor_number"`
	AisleCode   string `json:"aisle_code" binding:"required"`
	ShelfName   string `json:"shelf_name" binding:"required"`
	LevelNumber int    `json:"level_number"`
}

// ShelfOccupancy is the number of stock units placed on a shelf
type ShelfOccupancy struct {
	ShelfID int64 `json:"shelf_id"`
	Units   int   `json:"units"`
}

// Ensure resolves a (floor, aisle, shelf, level) description to its ids,
// creating whatever rows are missing. Concurrent calls with the same
// description all see the same ids and create each row once.
func (r *LocationResolver) Ensure(ctx context.Context, req *EnsureRequest) (*models.LocationIDs, error) {
	ctx, span := util.StartSpan(ctx, "LocationResolver.Ensure",
		attribute.Int("floor_number", req.FloorNumber),
		attribute.String("aisle_code", req.AisleCode))
	defer span.End()

	aisle := strings.ToUpper(strings.TrimSpace(req.AisleCode))
	shelfName := strings.TrimSpace(req.ShelfName)
	switch {
	case req.FloorNumber < 0:
		return nil, newError(KindValidation, "floor_number must not be negative")
	case req.LevelNumber < 1:
		return nil, newError(KindValidation, "level_number must be at least 1")
	case aisle == "":
		return nil, newError(KindValidation, "aisle_code must not be empty")
	case shelfName == "":
		return nil, newError(KindValidation, "shelf_name must not be empty")
	}

	now := r.now()

	zoneID, err := r.ensureStep(ctx, "zone",
		func() (int64, bool, error) { return r.store.InsertZoneIfAbsent(ctx, req.FloorNumber, aisle, now) },
		func() (int64, error) {
			z, err := r.store.FindZone(ctx, req.FloorNumber, aisle)
			if err != nil {
				return 0, err
			}
			return z.ID, nil
		})
	if err != nil {
		return nil, err
	}

	shelfID, err := r.ensureStep(ctx, "shelf",
		func() (int64, bool, error) { return r.store.InsertShelfIfAbsent(ctx, zoneID, shelfName, now) },
		func() (int64, error) {
			sh, err := r.store.FindShelf(ctx, zoneID, shelfName)
			if err != nil {
				return 0, err
			}
			return sh.ID, nil
		})
	if err != nil {
		return nil, err
	}

	levelID, err := r.ensureStep(ctx, "shelf_level",
		func() (int64, bool, error) { return r.store.InsertShelfLevelIfAbsent(ctx, shelfID, req.LevelNumber, now) },
		func() (int64, error) {
			sl, err := r.store.FindShelfLevel(ctx, shelfID, req.LevelNumber)
			if err != nil {
				return 0, err
			}
			return sl.ID, nil
		})
	if err != nil {
		return nil, err
	}

	return &models.LocationIDs{
		ZoneID:       zoneID,
		ShelfID:      shelfID,
		ShelfLevelID: levelID,
		FloorNumber:  req.FloorNumber,
		AisleCode:    aisle,
		ShelfName:    shelfName,
		LevelNumber:  req.LevelNumber,
	}, nil
}

// ensureStep is one find-or-create: a conditional insert, then a lookup when
// another writer owns the row. A missing row after a conflict is looked up once more.
func (r *LocationResolver) ensureStep(ctx context.Context, level string, insert func() (int64, bool, error), lookup func() (int64, error)) (int64, error) {
	id, created, err := insert()
	if err != nil && !errors.Is(err, store.ErrUniqueViolation) {
		return 0, fmt.Errorf("failed to create %s: %w", level, err)
	}
	if created {
		util.LocationRowsCreatedTotal.WithLabelValues(level).Inc()
		r.logger.Debug("Location row created", zap.String("level", level), zap.Int64("id", id))
		return id, nil
	}

	id, err = lookup()
	if errors.Is(err, store.ErrNotFound) {
		id, err = lookup()
	}
	if errors.Is(err, store.ErrNotFound) {
		util.IntegrityViolationsTotal.WithLabelValues("ensure_location").Inc()
		r.logger.Error("Location row vanished after insert conflict", zap.String("level", level))
		return 0, newError(KindIntegrity, "%s row missing after insert conflict", level)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up %s: %w", level, err)
	}
	return id, nil
}

// ShelfOccupancy counts the stock units placed on the levels of a shelf
func (r *LocationResolver) ShelfOccupancy(ctx context.Context, shelfID int64) (*ShelfOccupancy, error) {
	ctx, span := util.StartSpan(ctx, "LocationResolver.ShelfOccupancy", attribute.Int64("shelf_id", shelfID))
	defer span.End()

	if _, err := r.store.GetShelf(ctx, shelfID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindNotFound, "shelf %d not found", shelfID)
		}
		return nil, fmt.Errorf("failed to load shelf: %w", err)
	}

	units, err := r.store.CountUnitsOnShelf(ctx, shelfID)
	if err != nil {
		return nil, fmt.Errorf("failed to count shelf units: %w", err)
	}
	return &ShelfOccupancy{ShelfID: shelfID, Units: units}, nil
}
