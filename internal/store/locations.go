package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"circulation-service/internal/models"
)

// InsertZoneIfAbsent creates the zone unless the (floor, aisle) pair exists.
// created is false when another writer got there first.
func (s *Store) InsertZoneIfAbsent(ctx context.Context, floor int, aisle string, now time.Time) (id int64, created bool, err error) {
	return s.insertIfAbsent(ctx, `
		INSERT INTO zones (floor_number, aisle_code, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (floor_number, aisle_code) DO NOTHING
		RETURNING id`,
		floor, aisle, now)
}

// FindZone looks a zone up by its unique pair
func (s *Store) FindZone(ctx context.Context, floor int, aisle string) (*models.Zone, error) {
	var z models.Zone
	err := s.get(ctx, &z, `
		SELECT id, floor_number, aisle_code, created_at FROM zones
		WHERE floor_number = ? AND aisle_code = ?`, floor, aisle)
	if err != nil {
		return nil, notFound(err)
	}
	return &z, nil
}

// InsertShelfIfAbsent creates the shelf unless the (zone, name) pair exists
func (s *Store) InsertShelfIfAbsent(ctx context.Context, zoneID int64, name string, now time.Time) (id int64, created bool, err error) {
	return s.insertIfAbsent(ctx, `
		INSERT INTO shelves (zone_id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (zone_id, name) DO NOTHING
		RETURNING id`,
		zoneID, name, now)
}

// FindShelf looks a shelf up by its unique pair
func (s *Store) FindShelf(ctx context.Context, zoneID int64, name string) (*models.Shelf, error) {
	var sh models.Shelf
	err := s.get(ctx, &sh, `
		SELECT id, zone_id, name, created_at FROM shelves
		WHERE zone_id = ? AND name = ?`, zoneID, name)
	if err != nil {
		return nil, notFound(err)
	}
	return &sh, nil
}

// GetShelf retrieves a shelf by ID
func (s *Store) GetShelf(ctx context.Context, shelfID int64) (*models.Shelf, error) {
	var sh models.Shelf
	if err := s.get(ctx, &sh, `SELECT id, zone_id, name, created_at FROM shelves WHERE id = ?`, shelfID); err != nil {
		return nil, notFound(err)
	}
	return &sh, nil
}

// InsertShelfLevelIfAbsent creates the level unless the (shelf, level) pair exists
func (s *Store) InsertShelfLevelIfAbsent(ctx context.Context, shelfID int64, level int, now time.Time) (id int64, created bool, err error) {
	return s.insertIfAbsent(ctx, `
		INSERT INTO shelf_levels (shelf_id, level_number, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (shelf_id, level_number) DO NOTHING
		RETURNING id`,
		shelfID, level, now)
}

// FindShelfLevel looks a shelf level up by its unique pair
func (s *Store) FindShelfLevel(ctx context.Context, shelfID int64, level int) (*models.ShelfLevel, error) {
	var sl models.ShelfLevel
	err := s.get(ctx, &sl, `
		SELECT id, shelf_id, level_number, created_at FROM shelf_levels
		WHERE shelf_id = ? AND level_number = ?`, shelfID, level)
	if err != nil {
		return nil, notFound(err)
	}
	return &sl, nil
}

// GetShelfLevel retrieves a shelf level by ID
func (s *Store) GetShelfLevel(ctx context.Context, levelID int64) (*models.ShelfLevel, error) {
	var sl models.ShelfLevel
	if err := s.get(ctx, &sl, `SELECT id, shelf_id, level_number, created_at FROM shelf_levels WHERE id = ?`, levelID); err != nil {
		return nil, notFound(err)
	}
	return &sl, nil
}

func (s *Store) insertIfAbsent(ctx context.Context, query string, args ...interface{}) (int64, bool, error) {
	var id int64
	err := s.get(ctx, &id, query, args...)
	switch {
	case err == nil:
		return id, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case isUniqueViolation(err):
		return 0, false, ErrUniqueViolation
	default:
		return 0, false, err
	}
}
